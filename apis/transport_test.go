package apis

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/errors"
)

type fakeService struct {
	err  error
	last interface{}
}

func (f *fakeService) GetSchedule() ScheduleService { return f }
func (f *fakeService) GetDrain() DrainModeService   { return f }

func (f *fakeService) RerunStage(ctx context.Context, in *RerunStage) (*v1alpha1.StageRun, error) {
	f.last = in
	if f.err != nil {
		return nil, f.err
	}
	return &v1alpha1.StageRun{ID: 7, PipelineName: in.PipelineName, PipelineCounter: 42, StageName: in.StageName,
		Counter: 2, State: v1alpha1.StageScheduled, TriggeredBy: in.Identity.Name}, nil
}

func (f *fakeService) CancelAndTriggerRelevantStages(ctx context.Context, in *CancelStage) (*v1alpha1.CancelResult, error) {
	f.last = in
	if f.err != nil {
		return nil, f.err
	}
	return &v1alpha1.CancelResult{Cancelled: []v1alpha1.StageOutcome{{StageRunID: in.StageRunID}}}, nil
}

func (f *fakeService) SchedulePipeline(ctx context.Context, in *SchedulePipeline) (*v1alpha1.PipelineRun, error) {
	f.last = in
	return &v1alpha1.PipelineRun{PipelineName: in.PipelineName, Counter: 1}, f.err
}

func (f *fakeService) ReportStageResult(ctx context.Context, in *ReportStageResult) (*v1alpha1.StageRun, error) {
	f.last = in
	return &v1alpha1.StageRun{ID: in.StageRunID, State: in.State}, f.err
}

func (f *fakeService) GetStageRun(ctx context.Context, in *GetStageRun) (*v1alpha1.StageRun, error) {
	f.last = in
	return &v1alpha1.StageRun{ID: in.ID}, f.err
}

func (f *fakeService) ListStageRuns(ctx context.Context, in *ListStageRuns) ([]*v1alpha1.StageRun, error) {
	f.last = in
	return []*v1alpha1.StageRun{{ID: 1}, {ID: 2}}, f.err
}

func (f *fakeService) ResolveCounter(ctx context.Context, in *ResolveCounter) (*ResolvedCounter, error) {
	f.last = in
	return &ResolvedCounter{PipelineName: in.PipelineName, Counter: 42}, f.err
}

func (f *fakeService) GetDrainMode(ctx context.Context, in *GetDrainMode) (*v1alpha1.DrainMode, error) {
	f.last = in
	return &v1alpha1.DrainMode{}, f.err
}

func (f *fakeService) SetDrainMode(ctx context.Context, in *SetDrainMode) (*v1alpha1.DrainMode, error) {
	f.last = in
	return &v1alpha1.DrainMode{Drained: in.Drained, UpdatedBy: in.Identity.Name}, f.err
}

func serve(t *testing.T, h http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(HeaderUserName, user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRerunRoute(t *testing.T) {
	svc := &fakeService{}
	h := NewHTTPHandler(svc, prometheus.NewRegistry(), log.NewNopLogger())

	rec := serve(t, h, http.MethodPost, "/api/v1/stage/build-app/latest/unit-tests/run", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)

	req := svc.last.(*RerunStage)
	assert.Equal(t, "build-app", req.PipelineName)
	assert.Equal(t, "latest", req.PipelineCounter)
	assert.Equal(t, "unit-tests", req.StageName)
	assert.Equal(t, "alice", req.Identity.Name)

	sr := &v1alpha1.StageRun{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), sr))
	assert.Equal(t, int64(7), sr.ID)
	assert.Equal(t, "alice", sr.TriggeredBy)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err     error
		status  int
		message string
	}{
		{err: errors.New(errors.KindConflict, "already running"), status: http.StatusConflict, message: "already running"},
		{err: errors.New(errors.KindUnauthorized, "no"), status: http.StatusForbidden, message: "no"},
		{err: errors.New(errors.KindUpstreamFailure, "No APPROVAL_URL environment"), status: http.StatusForbidden, message: "No APPROVAL_URL environment"},
		{err: errors.New(errors.KindNotFound, "Pipeline 'x' not found."), status: http.StatusNotFound, message: "Pipeline 'x' not found."},
		{err: errors.New(errors.KindInvalidToken, "bad token"), status: http.StatusBadRequest, message: "bad token"},
		{err: errors.New(errors.KindUnavailable, "drained"), status: http.StatusServiceUnavailable, message: "drained"},
		{err: errors.Errorf("db exploded"), status: http.StatusInternalServerError, message: "Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(string(errors.KindOf(tt.err)), func(t *testing.T) {
			h := NewHTTPHandler(&fakeService{err: tt.err}, prometheus.NewRegistry(), log.NewNopLogger())
			rec := serve(t, h, http.MethodPost, "/api/v1/stage/build-app/1/deploy/run", "alice", "")
			assert.Equal(t, tt.status, rec.Code)

			ce := &errors.CodeError{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), ce))
			assert.Equal(t, tt.status, ce.Code)
			assert.Equal(t, tt.message, ce.Message)
			assert.Equal(t, errors.KindOf(tt.err), ce.Kind)
		})
	}
}

func TestStageRunRoutes(t *testing.T) {
	svc := &fakeService{}
	h := NewHTTPHandler(svc, prometheus.NewRegistry(), log.NewNopLogger())

	rec := serve(t, h, http.MethodPost, "/api/v1/stageRun/12/cancel", "bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cancel := svc.last.(*CancelStage)
	assert.Equal(t, int64(12), cancel.StageRunID)
	assert.Equal(t, "bob", cancel.Identity.Name)

	rec = serve(t, h, http.MethodPost, "/api/v1/stageRun/12/result", "", `{"state":"Passed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	report := svc.last.(*ReportStageResult)
	assert.Equal(t, int64(12), report.StageRunID)
	assert.Equal(t, v1alpha1.StagePassed, report.State)

	rec = serve(t, h, http.MethodPost, "/api/v1/stageRun/12/result", "", `{"state":"failed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, v1alpha1.StageFailed, svc.last.(*ReportStageResult).State)

	rec = serve(t, h, http.MethodPost, "/api/v1/stageRun/12/result", "", `{"state":"Exploded"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, v1alpha1.StageState("Exploded"), svc.last.(*ReportStageResult).State)

	rec = serve(t, h, http.MethodGet, "/api/v1/stageRun/12", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(12), svc.last.(*GetStageRun).ID)

	rec = serve(t, h, http.MethodGet, "/api/v1/stageRun/abc", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, h, http.MethodPost, "/api/v1/stageRun/12/result", "", `{"state":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadRoutes(t *testing.T) {
	svc := &fakeService{}
	h := NewHTTPHandler(svc, prometheus.NewRegistry(), log.NewNopLogger())

	rec := serve(t, h, http.MethodGet, "/api/v1/stage/build-app/42/deploy/history", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := svc.last.(*ListStageRuns)
	assert.Equal(t, v1alpha1.StageIdentifier{PipelineName: "build-app", PipelineCounter: 42, StageName: "deploy"}, list.StageIdentifier)
	runs := []*v1alpha1.StageRun{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 2)

	rec = serve(t, h, http.MethodGet, "/api/v1/stage/build-app/latest/deploy/history", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, h, http.MethodGet, "/api/v1/pipeline/build-app/counter/latest", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "latest", svc.last.(*ResolveCounter).Token)

	rec = serve(t, h, http.MethodPost, "/api/v1/pipeline/build-app/schedule", "carol", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "carol", svc.last.(*SchedulePipeline).Identity.Name)
}

func TestDrainRoutes(t *testing.T) {
	svc := &fakeService{}
	h := NewHTTPHandler(svc, prometheus.NewRegistry(), log.NewNopLogger())

	rec := serve(t, h, http.MethodPost, "/api/v1/drain", "admin", `{"drained":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	dm := &v1alpha1.DrainMode{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dm))
	assert.True(t, dm.Drained)
	assert.Equal(t, "admin", dm.UpdatedBy)

	rec = serve(t, h, http.MethodGet, "/api/v1/drain", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.IsType(t, &GetDrainMode{}, svc.last)
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_test_total"})
	reg.MustRegister(counter)
	counter.Inc()

	h := NewHTTPHandler(&fakeService{}, reg, log.NewNopLogger())
	rec := serve(t, h, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scheduler_test_total 1")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusOK, StatusFor(""))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.KindInternal))
	assert.Equal(t, http.StatusForbidden, StatusFor(errors.KindUpstreamFailure))
}
