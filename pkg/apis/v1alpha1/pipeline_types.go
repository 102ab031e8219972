package v1alpha1

type ApprovalType string

const (
	// ApprovalManual stages run only when an authorized user asks for it.
	ApprovalManual ApprovalType = "manual"
	// ApprovalSuccess stages run automatically once the previous stage passes.
	ApprovalSuccess ApprovalType = "success"
)

func (a ApprovalType) Valid() bool {
	return a == ApprovalManual || a == ApprovalSuccess
}

type Approval struct {
	Type ApprovalType `json:"type,omitempty" yaml:"type"`

	// AuthorizedUsers may operate the stage. Administrators always may.
	// +optional
	AuthorizedUsers []string `json:"authorizedUsers,omitempty" yaml:"authorized_users"`

	// Delegated asks the external approval workflow before a rerun.
	// +optional
	Delegated bool `json:"delegated,omitempty" yaml:"delegated"`
}

type StageConfig struct {
	Name string `json:"name,omitempty" yaml:"name"`

	Approval Approval `json:"approval,omitempty" yaml:"approval"`

	// When gates the automatic trigger of a success-approved stage.
	// Variables: pipeline, counter, stage, state, triggeredBy.
	// +optional
	When string `json:"when,omitempty" yaml:"when"`
}

type PipelineConfig struct {
	Name string `json:"name,omitempty" yaml:"name"`

	// Stages run in order; every stage depends on all stages before it.
	Stages []StageConfig `json:"stages,omitempty" yaml:"stages"`
}

// StageNames returns the ordered stage names.
func (p *PipelineConfig) StageNames() []string {
	names := make([]string, 0, len(p.Stages))
	for _, s := range p.Stages {
		names = append(names, s.Name)
	}
	return names
}

func (p *PipelineConfig) Stage(name string) (*StageConfig, bool) {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i], true
		}
	}
	return nil, false
}

// Identity is an authenticated principal handed in by the caller.
type Identity struct {
	Name  string `json:"name,omitempty"`
	Admin bool   `json:"admin,omitempty"`
}
