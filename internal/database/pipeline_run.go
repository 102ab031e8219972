package database

import (
	"context"

	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
)

// CreateOptions carries the preconditions of a stage run creation.
type CreateOptions struct {
	// ExpectedLatestPipelineCounter, when non-zero, must still be the
	// newest counter of the pipeline at write time.
	ExpectedLatestPipelineCounter int64
}

// RunStateStore owns every mutation of pipeline and stage run state.
//
// Get methods return nil, nil for unknown records. Mutations fail with a
// KindNotFound or KindConflict error from pkg/helper/errors.
type RunStateStore interface {
	// CreatePipelineRun assigns ID and Counter (max+1 for the pipeline).
	CreatePipelineRun(ctx context.Context, plr *v1alpha1.PipelineRun) error
	GetPipelineRun(ctx context.Context, pipelineName string, counter int64) (*v1alpha1.PipelineRun, error)
	// LatestPipelineCounter returns 0 when the pipeline never ran.
	LatestPipelineCounter(ctx context.Context, pipelineName string) (int64, error)

	// CreateStageRun assigns ID and Counter (max+1 for the stage instance).
	// It fails with KindConflict while another run of the same stage
	// instance is active or when opts no longer hold.
	CreateStageRun(ctx context.Context, sr *v1alpha1.StageRun, opts CreateOptions) error
	GetStageRun(ctx context.Context, id int64) (*v1alpha1.StageRun, error)
	// ListStageRuns returns the history of a stage instance by ascending counter.
	ListStageRuns(ctx context.Context, id v1alpha1.StageIdentifier) ([]*v1alpha1.StageRun, error)
	// LatestStageRuns returns the newest run of every stage of a pipeline run.
	LatestStageRuns(ctx context.Context, pipelineName string, pipelineCounter int64) ([]*v1alpha1.StageRun, error)
	// TransitionStageRun moves a stage run to state, failing with
	// KindConflict when the current state does not allow it.
	TransitionStageRun(ctx context.Context, id int64, state v1alpha1.StageState, by string) (*v1alpha1.StageRun, error)
}

type DrainModeRepo interface {
	Get(ctx context.Context) (*v1alpha1.DrainMode, error)
	Save(ctx context.Context, dm *v1alpha1.DrainMode) error
}
