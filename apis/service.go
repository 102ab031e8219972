package apis

import (
	"context"

	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
)

type RerunStage struct {
	PipelineName string `json:"pipelineName,omitempty"`
	// PipelineCounter is a literal counter or a symbolic token such as "latest".
	PipelineCounter string `json:"pipelineCounter,omitempty"`
	StageName       string `json:"stageName,omitempty"`

	Identity v1alpha1.Identity `json:"-"`
}

type CancelStage struct {
	StageRunID int64 `json:"stageRunId,omitempty"`

	Identity v1alpha1.Identity `json:"-"`
}

type SchedulePipeline struct {
	PipelineName string `json:"pipelineName,omitempty"`

	Identity v1alpha1.Identity `json:"-"`
}

type ReportStageResult struct {
	StageRunID int64               `json:"stageRunId,omitempty"`
	State      v1alpha1.StageState `json:"state,omitempty"`
}

type GetStageRun struct {
	ID int64 `json:"id,omitempty"`
}

type ListStageRuns struct {
	v1alpha1.StageIdentifier `json:",inline"`
}

type ResolveCounter struct {
	PipelineName string `json:"pipelineName,omitempty"`
	Token        string `json:"token,omitempty"`
}

type ResolvedCounter struct {
	PipelineName string `json:"pipelineName,omitempty"`
	Counter      int64  `json:"counter,omitempty"`
}

type ScheduleService interface {
	RerunStage(ctx context.Context, in *RerunStage) (*v1alpha1.StageRun, error)
	CancelAndTriggerRelevantStages(ctx context.Context, in *CancelStage) (*v1alpha1.CancelResult, error)
	SchedulePipeline(ctx context.Context, in *SchedulePipeline) (*v1alpha1.PipelineRun, error)
	ReportStageResult(ctx context.Context, in *ReportStageResult) (*v1alpha1.StageRun, error)
	GetStageRun(ctx context.Context, in *GetStageRun) (*v1alpha1.StageRun, error)
	ListStageRuns(ctx context.Context, in *ListStageRuns) ([]*v1alpha1.StageRun, error)
	ResolveCounter(ctx context.Context, in *ResolveCounter) (*ResolvedCounter, error)
}

type GetDrainMode struct{}

type SetDrainMode struct {
	Drained bool `json:"drained"`

	Identity v1alpha1.Identity `json:"-"`
}

type DrainModeService interface {
	GetDrainMode(ctx context.Context, in *GetDrainMode) (*v1alpha1.DrainMode, error)
	SetDrainMode(ctx context.Context, in *SetDrainMode) (*v1alpha1.DrainMode, error)
}

type Service interface {
	GetSchedule() ScheduleService
	GetDrain() DrainModeService
}
