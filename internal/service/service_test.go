package service

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"git.yunify.com/quanxiang/scheduler/apis"
	"git.yunify.com/quanxiang/scheduler/internal/common"
	"git.yunify.com/quanxiang/scheduler/internal/database"
	"git.yunify.com/quanxiang/scheduler/internal/database/memory"
	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
	"git.yunify.com/quanxiang/scheduler/pkg/hook"
)

var (
	alice = v1alpha1.Identity{Name: "alice"}
	bob   = v1alpha1.Identity{Name: "bob"}
	admin = v1alpha1.Identity{Name: "admin"}
)

func testConfig() *common.Config {
	conf := &common.Config{
		AdminUsers: []string{"admin"},
		Pipelines: []v1alpha1.PipelineConfig{
			{
				Name: "build-app",
				Stages: []v1alpha1.StageConfig{
					{Name: "build", Approval: v1alpha1.Approval{Type: v1alpha1.ApprovalSuccess}},
					{Name: "unit-tests", Approval: v1alpha1.Approval{Type: v1alpha1.ApprovalManual, AuthorizedUsers: []string{"alice"}}},
					{Name: "deploy", Approval: v1alpha1.Approval{Type: v1alpha1.ApprovalSuccess}},
					{Name: "release", Approval: v1alpha1.Approval{Type: v1alpha1.ApprovalManual, AuthorizedUsers: []string{"alice"}}},
				},
			},
			{
				Name: "docs",
				Stages: []v1alpha1.StageConfig{
					{Name: "compile", Approval: v1alpha1.Approval{Type: v1alpha1.ApprovalSuccess}},
					{Name: "publish", Approval: v1alpha1.Approval{Type: v1alpha1.ApprovalSuccess}, When: "state == 'Passed' && triggeredBy != 'bot'"},
				},
			},
		},
	}
	conf.Dispatcher.Parallel = 1
	conf.Dispatcher.BufferSize = 100
	return conf
}

type recorder struct {
	mu     sync.Mutex
	events []*hook.Event
}

func (r *recorder) Notify(ctx context.Context, in *hook.Event) (*hook.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, in)
	return &hook.Receipt{ID: in.ID, Accepted: true}, nil
}

func (r *recorder) count(typ hook.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	schedule apis.ScheduleService
	drain    apis.DrainModeService
	store    database.RunStateStore
	hooks    *recorder
}

func newFixture(t *testing.T, store database.RunStateStore, opts ...Option) *fixture {
	t.Helper()
	if store == nil {
		store = memory.NewRunState()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rec := &recorder{}
	svc, err := NewServer(ctx, append([]Option{
		WithConfig(testConfig()),
		WithStore(store, memory.NewDrainMode()),
		WithRegisterer(prometheus.NewRegistry()),
		WithHooks(rec),
	}, opts...)...)
	require.NoError(t, err)

	return &fixture{
		schedule: svc.GetSchedule(),
		drain:    svc.GetDrain(),
		store:    store,
		hooks:    rec,
	}
}

// seedRuns creates pipeline runs of build-app up to counter.
func (f *fixture) seedRuns(t *testing.T, counter int64) *v1alpha1.PipelineRun {
	t.Helper()
	var plr *v1alpha1.PipelineRun
	for i := int64(1); i <= counter; i++ {
		plr = &v1alpha1.PipelineRun{
			PipelineName: "build-app",
			TriggeredBy:  "alice",
			Stages:       []string{"build", "unit-tests", "deploy", "release"},
		}
		require.NoError(t, f.store.CreatePipelineRun(context.Background(), plr))
	}
	return plr
}

// seedStage creates a stage run of plr and drives it to state.
func (f *fixture) seedStage(t *testing.T, plr *v1alpha1.PipelineRun, stage string, state v1alpha1.StageState) *v1alpha1.StageRun {
	t.Helper()
	ctx := context.Background()
	sr := &v1alpha1.StageRun{
		PipelineName:    plr.PipelineName,
		PipelineCounter: plr.Counter,
		StageName:       stage,
		TriggeredBy:     "alice",
	}
	require.NoError(t, f.store.CreateStageRun(ctx, sr, database.CreateOptions{}))

	var path []v1alpha1.StageState
	switch state {
	case v1alpha1.StageBuilding:
		path = []v1alpha1.StageState{v1alpha1.StageBuilding}
	case v1alpha1.StagePassed, v1alpha1.StageFailed:
		path = []v1alpha1.StageState{v1alpha1.StageBuilding, state}
	case v1alpha1.StageCancelled:
		path = []v1alpha1.StageState{v1alpha1.StageCancelled}
	}
	for _, next := range path {
		var err error
		sr, err = f.store.TransitionStageRun(ctx, sr.ID, next, "")
		require.NoError(t, err)
	}
	return sr
}
