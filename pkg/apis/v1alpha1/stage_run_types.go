package v1alpha1

import (
	"fmt"
	"strings"
)

type StageState string

const (
	StageScheduled StageState = "Scheduled"
	StageBuilding  StageState = "Building"
	StagePassed    StageState = "Passed"
	StageFailed    StageState = "Failed"
	StageCancelled StageState = "Cancelled"
)

// IsActive is true for the non-terminal states.
func (s StageState) IsActive() bool {
	return s == StageScheduled || s == StageBuilding
}

func (s StageState) IsFinish() bool {
	return s == StagePassed || s == StageFailed || s == StageCancelled
}

func (s StageState) Valid() bool {
	return s.IsActive() || s.IsFinish()
}

// CanTransitionTo reports whether a stage run may move from s to next.
func (s StageState) CanTransitionTo(next StageState) bool {
	switch s {
	case StageScheduled:
		return next == StageBuilding || next == StageCancelled
	case StageBuilding:
		return next == StagePassed || next == StageFailed || next == StageCancelled
	default:
		return false
	}
}

// ParseStageState accepts any casing of a state name.
func ParseStageState(s string) (StageState, bool) {
	for _, state := range []StageState{StageScheduled, StageBuilding, StagePassed, StageFailed, StageCancelled} {
		if strings.EqualFold(string(state), s) {
			return state, true
		}
	}
	return "", false
}

type PipelineRun struct {
	ID           int64  `json:"id,omitempty"`
	PipelineName string `json:"pipelineName,omitempty"`
	Counter      int64  `json:"counter,omitempty"`
	TriggeredBy  string `json:"triggeredBy,omitempty"`

	// Stages is the ordered stage list materialised when the run was triggered.
	Stages []string `json:"stages,omitempty"`

	CreatedAt int64 `json:"createdAt,omitempty"`
}

// HasStage reports whether stage belongs to the run.
func (p *PipelineRun) HasStage(stage string) bool {
	return p.StageIndex(stage) >= 0
}

func (p *PipelineRun) StageIndex(stage string) int {
	for i, name := range p.Stages {
		if name == stage {
			return i
		}
	}
	return -1
}

// StageIdentifier names a stage instance: one stage of one pipeline run.
type StageIdentifier struct {
	PipelineName    string `json:"pipelineName,omitempty"`
	PipelineCounter int64  `json:"pipelineCounter,omitempty"`
	StageName       string `json:"stageName,omitempty"`
}

func (s StageIdentifier) String() string {
	return fmt.Sprintf("%s/%d/%s", s.PipelineName, s.PipelineCounter, s.StageName)
}

type StageRun struct {
	ID              int64      `json:"id,omitempty"`
	PipelineName    string     `json:"pipelineName,omitempty"`
	PipelineCounter int64      `json:"pipelineCounter,omitempty"`
	StageName       string     `json:"stageName,omitempty"`
	Counter         int64      `json:"counter,omitempty"`
	State           StageState `json:"state,omitempty"`

	TriggeredBy string `json:"triggeredBy,omitempty"`
	// +optional
	ApprovedBy string `json:"approvedBy,omitempty"`
	// +optional
	CancelledBy string `json:"cancelledBy,omitempty"`

	ScheduledAt int64 `json:"scheduledAt,omitempty"`
	UpdatedAt   int64 `json:"updatedAt,omitempty"`
}

func (s *StageRun) Identifier() StageIdentifier {
	return StageIdentifier{
		PipelineName:    s.PipelineName,
		PipelineCounter: s.PipelineCounter,
		StageName:       s.StageName,
	}
}

func (s *StageRun) DeepCopy() *StageRun {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

func (p *PipelineRun) DeepCopy() *PipelineRun {
	if p == nil {
		return nil
	}
	out := *p
	out.Stages = append([]string(nil), p.Stages...)
	return &out
}

// StageOutcome is the result of one step of a cancellation cascade.
type StageOutcome struct {
	StageRunID int64           `json:"stageRunId,omitempty"`
	Stage      StageIdentifier `json:"stage,omitempty"`
	Counter    int64           `json:"counter,omitempty"`
	// +optional
	Message string `json:"message,omitempty"`
}

type CancelResult struct {
	Cancelled []StageOutcome `json:"cancelled,omitempty"`
	Failed    []StageOutcome `json:"failed,omitempty"`
}

// Partial is true when at least one cascade step failed.
func (c *CancelResult) Partial() bool {
	return len(c.Failed) != 0
}
