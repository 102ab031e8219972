package memory

import (
	"context"
	"sort"
	"sync"

	"git.yunify.com/quanxiang/scheduler/internal/database"
	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/errors"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/locker"
	"github.com/quanxiang-cloud/cabin/time"
)

type runState struct {
	// stage instance mutations serialize on pipeline/stage,
	// pipeline run creation on the pipeline name.
	stageLocks    *locker.Keyed
	pipelineLocks *locker.Keyed

	mu           sync.RWMutex
	nextID       int64
	pipelineRuns map[string][]*v1alpha1.PipelineRun
	stageRuns    map[int64]*v1alpha1.StageRun
	instances    map[v1alpha1.StageIdentifier][]int64

	now func() int64
}

// NewRunState returns a RunStateStore kept in process memory.
func NewRunState() database.RunStateStore {
	return &runState{
		stageLocks:    locker.NewKeyed(),
		pipelineLocks: locker.NewKeyed(),
		pipelineRuns:  make(map[string][]*v1alpha1.PipelineRun),
		stageRuns:     make(map[int64]*v1alpha1.StageRun),
		instances:     make(map[v1alpha1.StageIdentifier][]int64),
		now:           time.NowUnix,
	}
}

func stageKey(pipelineName, stageName string) string {
	return pipelineName + "/" + stageName
}

func (s *runState) CreatePipelineRun(ctx context.Context, plr *v1alpha1.PipelineRun) error {
	unlock := s.pipelineLocks.Lock(plr.PipelineName)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	plr.ID = s.nextID
	plr.Counter = int64(len(s.pipelineRuns[plr.PipelineName])) + 1
	if plr.CreatedAt == 0 {
		plr.CreatedAt = s.now()
	}
	s.pipelineRuns[plr.PipelineName] = append(s.pipelineRuns[plr.PipelineName], plr.DeepCopy())
	return nil
}

func (s *runState) GetPipelineRun(ctx context.Context, pipelineName string, counter int64) (*v1alpha1.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.pipelineRun(pipelineName, counter).DeepCopy(), nil
}

func (s *runState) pipelineRun(pipelineName string, counter int64) *v1alpha1.PipelineRun {
	runs := s.pipelineRuns[pipelineName]
	if counter < 1 || counter > int64(len(runs)) {
		return nil
	}
	return runs[counter-1]
}

func (s *runState) LatestPipelineCounter(ctx context.Context, pipelineName string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.pipelineRuns[pipelineName])), nil
}

func (s *runState) CreateStageRun(ctx context.Context, sr *v1alpha1.StageRun, opts database.CreateOptions) error {
	unlock := s.stageLocks.Lock(stageKey(sr.PipelineName, sr.StageName))
	defer unlock()

	id := sr.Identifier()

	s.mu.RLock()
	plr := s.pipelineRun(sr.PipelineName, sr.PipelineCounter)
	latest := int64(len(s.pipelineRuns[sr.PipelineName]))
	history := s.instances[id]
	var last *v1alpha1.StageRun
	if len(history) != 0 {
		last = s.stageRuns[history[len(history)-1]]
	}
	s.mu.RUnlock()

	if plr == nil {
		return errors.Newf(errors.KindNotFound, "pipeline run %s/%d not found", sr.PipelineName, sr.PipelineCounter)
	}
	if opts.ExpectedLatestPipelineCounter != 0 && latest != opts.ExpectedLatestPipelineCounter {
		return errors.Newf(errors.KindConflict,
			"pipeline %s moved from counter %d to %d", sr.PipelineName, opts.ExpectedLatestPipelineCounter, latest)
	}
	if last != nil && last.State.IsActive() {
		return errors.Newf(errors.KindConflict,
			"stage %s already has an active run (counter %d, %s)", id, last.Counter, last.State)
	}

	now := s.now()
	sr.Counter = int64(len(history)) + 1
	if sr.State == "" {
		sr.State = v1alpha1.StageScheduled
	}
	sr.ScheduledAt = now
	sr.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	sr.ID = s.nextID
	s.stageRuns[sr.ID] = sr.DeepCopy()
	s.instances[id] = append(s.instances[id], sr.ID)
	return nil
}

func (s *runState) GetStageRun(ctx context.Context, id int64) (*v1alpha1.StageRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.stageRuns[id].DeepCopy(), nil
}

func (s *runState) ListStageRuns(ctx context.Context, id v1alpha1.StageIdentifier) ([]*v1alpha1.StageRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.instances[id]
	runs := make([]*v1alpha1.StageRun, 0, len(ids))
	for _, runID := range ids {
		runs = append(runs, s.stageRuns[runID].DeepCopy())
	}
	return runs, nil
}

func (s *runState) LatestStageRuns(ctx context.Context, pipelineName string, pipelineCounter int64) ([]*v1alpha1.StageRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*v1alpha1.StageRun, 0)
	for id, history := range s.instances {
		if id.PipelineName != pipelineName || id.PipelineCounter != pipelineCounter || len(history) == 0 {
			continue
		}
		runs = append(runs, s.stageRuns[history[len(history)-1]].DeepCopy())
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].ID < runs[j].ID
	})
	return runs, nil
}

func (s *runState) TransitionStageRun(ctx context.Context, id int64, state v1alpha1.StageState, by string) (*v1alpha1.StageRun, error) {
	s.mu.RLock()
	sr, ok := s.stageRuns[id]
	var key string
	if ok {
		key = stageKey(sr.PipelineName, sr.StageName)
	}
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "stage run %d not found", id)
	}

	unlock := s.stageLocks.Lock(key)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	sr = s.stageRuns[id]
	if !sr.State.CanTransitionTo(state) {
		return nil, errors.Newf(errors.KindConflict,
			"stage run %d (%s #%d) cannot move from %s to %s", id, sr.Identifier(), sr.Counter, sr.State, state)
	}

	next := sr.DeepCopy()
	next.State = state
	next.UpdatedAt = s.now()
	if state == v1alpha1.StageCancelled {
		next.CancelledBy = by
	}
	s.stageRuns[id] = next
	return next.DeepCopy(), nil
}
