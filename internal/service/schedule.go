package service

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"git.yunify.com/quanxiang/scheduler/apis"
	"git.yunify.com/quanxiang/scheduler/internal/common"
	"git.yunify.com/quanxiang/scheduler/internal/database"
	"git.yunify.com/quanxiang/scheduler/internal/database/mysql"
	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
	"git.yunify.com/quanxiang/scheduler/pkg/client/approval"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/errors"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/expr"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/retarder"
	"git.yunify.com/quanxiang/scheduler/pkg/hook"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// approvedByChanges marks stage runs started automatically after their
// upstream stage passed.
const approvedByChanges = "changes"

const maxCancelAttempts = 3

type scheduleService struct {
	conf   *common.Config
	logger log.Logger

	store     database.RunStateStore
	drainRepo database.DrainModeRepo

	resolver   *ConfigResolver
	counters   *CounterResolver
	gate       *ApprovalGate
	dispatcher *dispatcher
	retarder   *retarder.Retarder
	metrics    *metrics

	registerer     prometheus.Registerer
	approvalClient approval.Client
	hooks          []hook.Interface
}

// cancelRetry is parked in the retarder when a cascade step failed.
type cancelRetry struct {
	stageRunID int64
	by         string
	attempt    int
}

func newScheduleService() *scheduleService {
	return &scheduleService{}
}

func (s *scheduleService) SetLogger(logger log.Logger) {
	s.logger = log.With(logger, "module", "schedule")
}

func (s *scheduleService) SetConfig(conf *common.Config) {
	s.conf = conf
}

func (s *scheduleService) SetDB(db *sql.DB) {
	s.store = mysql.NewRunState(db)
	s.drainRepo = mysql.NewDrainMode(db)
}

func (s *scheduleService) SetStore(store database.RunStateStore, drainRepo database.DrainModeRepo) {
	s.store = store
	s.drainRepo = drainRepo
}

func (s *scheduleService) SetRegisterer(reg prometheus.Registerer) {
	s.registerer = reg
}

func (s *scheduleService) SetApprovalClient(client approval.Client) {
	s.approvalClient = client
}

func (s *scheduleService) SetHooks(hooks []hook.Interface) {
	s.hooks = hooks
}

func (s *scheduleService) init(ctx context.Context) error {
	if s.registerer == nil {
		s.registerer = prometheus.NewRegistry()
	}
	s.metrics = newMetrics(s.registerer)

	s.resolver = NewConfigResolver(s.conf.Pipelines)
	s.counters = NewCounterResolver(s.store)

	if s.approvalClient == nil && s.conf.Approval.URL != "" {
		client, err := approval.New(s.conf.Approval.URL, s.conf.Approval.Timeout, s.conf.Approval.RetryMax, s.logger)
		if err != nil {
			return errors.Wrap(err, "fail init approval client")
		}
		s.approvalClient = client
	}
	s.gate = NewApprovalGate(s.conf.AdminUsers, s.approvalClient, log.With(s.logger, "component", "approval"))
	if s.conf.Approval.Cache.Enable {
		s.gate.WithDenialCache(s.conf.Approval.Cache.Size, s.conf.Approval.Cache.TTL)
	}
	s.gate.metrics = s.metrics

	if s.hooks == nil && len(s.conf.Dispatcher.Hooks) != 0 {
		s.hooks = []hook.Interface{hook.New(s.conf.Dispatcher.Hooks, s.logger)}
	}
	s.dispatcher = newDispatcher(s.hooks, s.conf.Dispatcher.BufferSize, s.logger)
	s.dispatcher.metrics = s.metrics
	s.dispatcher.Run(ctx, s.conf.Dispatcher.Parallel)

	if s.conf.Retarder.Enable {
		s.retarder = retarder.New(s.conf.Retarder.BufferSize, s.retry)
		s.dispatcher.retarder = s.retarder
		s.dispatcher.delay = s.conf.Retarder.Delay

		go s.retarder.Run(ctx)
	}
	return nil
}

func (s *scheduleService) retry(data retarder.Data) {
	switch d := data.(type) {
	case *delivery:
		level.Info(s.logger).Log("message", "retry hook event", "eventID", d.event.ID, "attempt", d.attempt)
		s.dispatcher.set(d)
	case *cancelRetry:
		level.Info(s.logger).Log("message", "retry cancel stage run", "stageRunID", d.stageRunID, "attempt", d.attempt)
		s.retryCancel(context.Background(), d)
	}
}

func (s *scheduleService) retryCancel(ctx context.Context, d *cancelRetry) {
	sr, err := s.store.TransitionStageRun(ctx, d.stageRunID, v1alpha1.StageCancelled, d.by)
	switch {
	case err == nil:
		s.metrics.cancelled.Inc()
		s.dispatcher.publish(newEvent(hook.EventStageCancelled, sr, d.by))
	case errors.IsKind(err, errors.KindConflict), errors.IsKind(err, errors.KindNotFound):
		// finished meanwhile
	default:
		level.Error(s.logger).Log("message", err.Error(), "stageRunID", d.stageRunID, "attempt", d.attempt)
		s.requeueCancel(d.stageRunID, d.by, d.attempt+1)
	}
}

func (s *scheduleService) requeueCancel(stageRunID int64, by string, attempt int) {
	if s.retarder == nil || attempt > maxCancelAttempts {
		return
	}
	err := s.retarder.Add(&cancelRetry{stageRunID: stageRunID, by: by, attempt: attempt}, s.conf.Retarder.Delay)
	if err != nil {
		level.Error(s.logger).Log("message", err, "stageRunID", stageRunID, "delay", s.conf.Retarder.Delay)
	}
}

// identity fills in the administrator capability from the configuration.
func (s *scheduleService) identity(id v1alpha1.Identity) v1alpha1.Identity {
	id.Admin = s.gate.IsAdmin(id)
	return id
}

func (s *scheduleService) checkDrain(ctx context.Context) error {
	dm, err := s.drainRepo.Get(ctx)
	if err != nil {
		return errors.Wrap(err, "fail get drain mode")
	}
	if dm.Drained {
		return errors.Newf(errors.KindUnavailable,
			"Server is in drain mode (set by '%s'); no new stages are scheduled.", dm.UpdatedBy)
	}
	return nil
}

// reject records a failed request; conflicts and upstream failures are
// logged with their identifiers.
func (s *scheduleService) reject(operation string, err error, keyvals ...interface{}) {
	kind := errors.KindOf(err)
	s.metrics.rejections.WithLabelValues(operation, string(kind)).Inc()

	switch kind {
	case errors.KindConflict, errors.KindUpstreamFailure:
		level.Warn(s.logger).Log(append([]interface{}{"message", err.Error(), "operation", operation, "kind", kind}, keyvals...)...)
	case errors.KindInternal:
		level.Error(s.logger).Log(append([]interface{}{"message", err.Error(), "operation", operation}, keyvals...)...)
	}
}

func (s *scheduleService) RerunStage(ctx context.Context, in *apis.RerunStage) (*v1alpha1.StageRun, error) {
	sr, err := s.rerunStage(ctx, in)
	if err != nil {
		s.reject("rerun", err, "pipeline", in.PipelineName, "counter", in.PipelineCounter,
			"stage", in.StageName, "user", in.Identity.Name)
		return nil, err
	}
	return sr, nil
}

func (s *scheduleService) rerunStage(ctx context.Context, in *apis.RerunStage) (*v1alpha1.StageRun, error) {
	if err := s.checkDrain(ctx); err != nil {
		return nil, err
	}

	counter, err := s.counters.Resolve(ctx, in.PipelineName, in.PipelineCounter)
	if err != nil {
		if errors.IsKind(err, errors.KindInvalidToken) {
			return nil, errors.Newf(errors.KindInvalidToken, "Error while rerunning [%s/%s/%s]. %s",
				in.PipelineName, in.PipelineCounter, in.StageName, errors.MessageOf(err))
		}
		return nil, err
	}

	conf, err := s.resolver.StageConfigFor(in.PipelineName, in.StageName)
	if err != nil {
		return nil, err
	}

	plr, err := s.store.GetPipelineRun(ctx, in.PipelineName, counter)
	if err != nil {
		return nil, errors.Wrap(err, "fail get pipeline run")
	}
	if plr == nil {
		return nil, errors.Newf(errors.KindNotFound, "pipeline run '%s/%d' not found", in.PipelineName, counter)
	}
	if !plr.HasStage(in.StageName) {
		return nil, errors.Newf(errors.KindNotFound,
			"Stage '%s' was not part of pipeline run '%s/%d'.", in.StageName, in.PipelineName, counter)
	}

	// the delegated call happens before the store serializes anything
	id := s.identity(in.Identity)
	if err := s.gate.Authorize(ctx, in.PipelineName, conf, id); err != nil {
		return nil, err
	}

	sr := &v1alpha1.StageRun{
		PipelineName:    in.PipelineName,
		PipelineCounter: counter,
		StageName:       in.StageName,
		State:           v1alpha1.StageScheduled,
		TriggeredBy:     id.Name,
		ApprovedBy:      id.Name,
	}
	opts := database.CreateOptions{}
	if IsSymbolic(in.PipelineCounter) {
		opts.ExpectedLatestPipelineCounter = counter
	}
	if err := s.store.CreateStageRun(ctx, sr, opts); err != nil {
		return nil, err
	}

	s.metrics.stageRuns.WithLabelValues("rerun").Inc()
	s.dispatcher.publish(newEvent(hook.EventStageScheduled, sr, id.Name))
	level.Info(s.logger).Log("message", "stage rerun scheduled", "stage", sr.Identifier().String(),
		"counter", sr.Counter, "user", id.Name)
	return sr, nil
}

func (s *scheduleService) CancelAndTriggerRelevantStages(ctx context.Context, in *apis.CancelStage) (*v1alpha1.CancelResult, error) {
	result, err := s.cancel(ctx, in)
	if err != nil {
		s.reject("cancel", err, "stageRunID", in.StageRunID, "user", in.Identity.Name)
		return nil, err
	}
	return result, nil
}

func (s *scheduleService) cancel(ctx context.Context, in *apis.CancelStage) (*v1alpha1.CancelResult, error) {
	target, err := s.store.GetStageRun(ctx, in.StageRunID)
	if err != nil {
		return nil, errors.Wrap(err, "fail get stage run")
	}
	if target == nil {
		return nil, errors.Newf(errors.KindNotFound, "Stage run '%d' not found.", in.StageRunID)
	}

	id := s.identity(in.Identity)
	if err := s.gate.CanOperate(target.PipelineName, s.operateConfig(target), id); err != nil {
		return nil, err
	}

	result := &v1alpha1.CancelResult{}
	if target.State.IsActive() {
		cancelled, err := s.store.TransitionStageRun(ctx, target.ID, v1alpha1.StageCancelled, id.Name)
		switch {
		case err == nil:
			result.Cancelled = append(result.Cancelled, outcome(cancelled, ""))
			s.dispatcher.publish(newEvent(hook.EventStageCancelled, cancelled, id.Name))
		case errors.IsKind(err, errors.KindConflict):
			// finished between the read and the transition
		default:
			return nil, err
		}
	}

	plr, err := s.store.GetPipelineRun(ctx, target.PipelineName, target.PipelineCounter)
	if err != nil {
		return nil, errors.Wrap(err, "fail get pipeline run")
	}
	if plr != nil {
		latest, err := s.store.LatestStageRuns(ctx, target.PipelineName, target.PipelineCounter)
		if err != nil {
			return nil, errors.Wrap(err, "fail list stage runs")
		}
		s.cascade(ctx, DownstreamActiveStagesOf(plr, target.StageName, latest), id, result)
	}

	sort.Slice(result.Cancelled, func(i, j int) bool { return result.Cancelled[i].StageRunID < result.Cancelled[j].StageRunID })
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].StageRunID < result.Failed[j].StageRunID })

	s.metrics.cancelled.Add(float64(len(result.Cancelled)))

	level.Info(s.logger).Log("message", "stage cancelled", "stageRunID", target.ID, "stage", target.Identifier().String(),
		"cancelled", len(result.Cancelled), "failed", len(result.Failed), "user", id.Name)
	return result, nil
}

// operateConfig is the configuration sr is authorized against. A stage
// dropped from the configuration can only be operated by administrators.
func (s *scheduleService) operateConfig(sr *v1alpha1.StageRun) *v1alpha1.StageConfig {
	conf, err := s.resolver.StageConfigFor(sr.PipelineName, sr.StageName)
	if err != nil {
		return &v1alpha1.StageConfig{
			Name:     sr.StageName,
			Approval: v1alpha1.Approval{Type: v1alpha1.ApprovalManual},
		}
	}
	return conf
}

// cascade cancels every downstream run independently; failures are
// collected, never propagated. Runs the identity may not operate are
// reported as failed and left alone.
func (s *scheduleService) cascade(ctx context.Context, downstream []*v1alpha1.StageRun, id v1alpha1.Identity, result *v1alpha1.CancelResult) {
	var (
		mu sync.Mutex
		g  errgroup.Group
		by = id.Name
	)
	for _, sr := range downstream {
		sr := sr
		if err := s.gate.CanOperate(sr.PipelineName, s.operateConfig(sr), id); err != nil {
			mu.Lock()
			result.Failed = append(result.Failed, outcome(sr, err.Error()))
			mu.Unlock()
			level.Warn(s.logger).Log("message", "skip downstream stage", "stageRunID", sr.ID,
				"stage", sr.Identifier().String(), "user", by)
			continue
		}
		g.Go(func() error {
			cancelled, err := s.store.TransitionStageRun(ctx, sr.ID, v1alpha1.StageCancelled, by)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.IsKind(err, errors.KindConflict) {
					// finished meanwhile, nothing left to cancel
					return nil
				}
				result.Failed = append(result.Failed, outcome(sr, err.Error()))
				s.metrics.cascadeFailures.Inc()
				level.Error(s.logger).Log("message", "fail cancel downstream stage", "stageRunID", sr.ID,
					"stage", sr.Identifier().String(), "err", err.Error())
				s.requeueCancel(sr.ID, by, 1)
				return nil
			}
			result.Cancelled = append(result.Cancelled, outcome(cancelled, ""))
			s.dispatcher.publish(newEvent(hook.EventStageCancelled, cancelled, by))
			return nil
		})
	}
	g.Wait() // nolint: errcheck
}

func outcome(sr *v1alpha1.StageRun, message string) v1alpha1.StageOutcome {
	return v1alpha1.StageOutcome{
		StageRunID: sr.ID,
		Stage:      sr.Identifier(),
		Counter:    sr.Counter,
		Message:    message,
	}
}

func (s *scheduleService) SchedulePipeline(ctx context.Context, in *apis.SchedulePipeline) (*v1alpha1.PipelineRun, error) {
	plr, err := s.schedulePipeline(ctx, in)
	if err != nil {
		s.reject("schedule", err, "pipeline", in.PipelineName, "user", in.Identity.Name)
		return nil, err
	}
	return plr, nil
}

func (s *scheduleService) schedulePipeline(ctx context.Context, in *apis.SchedulePipeline) (*v1alpha1.PipelineRun, error) {
	if err := s.checkDrain(ctx); err != nil {
		return nil, err
	}

	pipeline, err := s.resolver.PipelineConfigFor(in.PipelineName)
	if err != nil {
		return nil, err
	}
	if len(pipeline.Stages) == 0 {
		return nil, errors.Newf(errors.KindNotFound, "Pipeline '%s' has no stages.", in.PipelineName)
	}

	first := &pipeline.Stages[0]
	id := s.identity(in.Identity)
	if err := s.gate.CanOperate(in.PipelineName, first, id); err != nil {
		return nil, err
	}

	plr := &v1alpha1.PipelineRun{
		PipelineName: in.PipelineName,
		TriggeredBy:  id.Name,
		Stages:       pipeline.StageNames(),
	}
	if err := s.store.CreatePipelineRun(ctx, plr); err != nil {
		return nil, errors.Wrap(err, "fail create pipeline run")
	}

	sr := &v1alpha1.StageRun{
		PipelineName:    plr.PipelineName,
		PipelineCounter: plr.Counter,
		StageName:       first.Name,
		State:           v1alpha1.StageScheduled,
		TriggeredBy:     id.Name,
		ApprovedBy:      id.Name,
	}
	if err := s.store.CreateStageRun(ctx, sr, database.CreateOptions{}); err != nil {
		return nil, err
	}

	s.metrics.stageRuns.WithLabelValues("schedule").Inc()
	s.dispatcher.publish(newEvent(hook.EventStageScheduled, sr, id.Name))
	level.Info(s.logger).Log("message", "pipeline scheduled", "pipeline", plr.PipelineName, "counter", plr.Counter, "user", id.Name)
	return plr, nil
}

func (s *scheduleService) ReportStageResult(ctx context.Context, in *apis.ReportStageResult) (*v1alpha1.StageRun, error) {
	if !in.State.Valid() {
		err := errors.Newf(errors.KindInvalidToken, "Unknown stage state '%s'.", in.State)
		s.reject("report", err, "stageRunID", in.StageRunID)
		return nil, err
	}

	sr, err := s.store.TransitionStageRun(ctx, in.StageRunID, in.State, "")
	if err != nil {
		s.reject("report", err, "stageRunID", in.StageRunID, "state", in.State)
		return nil, err
	}

	switch sr.State {
	case v1alpha1.StagePassed:
		s.triggerNext(ctx, sr)
	case v1alpha1.StageCancelled:
		s.metrics.cancelled.Inc()
		s.dispatcher.publish(newEvent(hook.EventStageCancelled, sr, ""))
	}
	return sr, nil
}

// triggerNext schedules the stage after sr when its approval is automatic
// and its condition holds. Failures are logged only.
func (s *scheduleService) triggerNext(ctx context.Context, sr *v1alpha1.StageRun) {
	plr, err := s.store.GetPipelineRun(ctx, sr.PipelineName, sr.PipelineCounter)
	if err != nil || plr == nil {
		level.Error(s.logger).Log("message", "fail get pipeline run", "stage", sr.Identifier().String(), "err", err)
		return
	}
	next, ok := NextStage(plr, sr.StageName)
	if !ok {
		return
	}
	conf, err := s.resolver.StageConfigFor(plr.PipelineName, next)
	if err != nil {
		level.Warn(s.logger).Log("message", err.Error(), "pipeline", plr.PipelineName, "stage", next)
		return
	}
	if conf.Approval.Type != v1alpha1.ApprovalSuccess {
		return
	}

	holds, err := expr.True(conf.When, map[string]interface{}{
		"pipeline":    plr.PipelineName,
		"counter":     plr.Counter,
		"stage":       sr.StageName,
		"state":       string(sr.State),
		"triggeredBy": sr.TriggeredBy,
	})
	if err != nil {
		level.Error(s.logger).Log("message", "fail evaluate stage condition", "stage", next, "when", conf.When, "err", err.Error())
		return
	}
	if !holds {
		level.Info(s.logger).Log("message", "stage condition does not hold", "stage", next, "when", conf.When)
		return
	}
	if err := s.checkDrain(ctx); err != nil {
		level.Info(s.logger).Log("message", "skip automatic stage", "stage", next, "reason", errors.MessageOf(err))
		return
	}

	nsr := &v1alpha1.StageRun{
		PipelineName:    plr.PipelineName,
		PipelineCounter: plr.Counter,
		StageName:       next,
		State:           v1alpha1.StageScheduled,
		TriggeredBy:     sr.TriggeredBy,
		ApprovedBy:      approvedByChanges,
	}
	if err := s.store.CreateStageRun(ctx, nsr, database.CreateOptions{}); err != nil {
		s.reject("trigger", err, "stage", nsr.Identifier().String())
		return
	}

	s.metrics.stageRuns.WithLabelValues("auto").Inc()
	s.dispatcher.publish(newEvent(hook.EventStageScheduled, nsr, approvedByChanges))
}

func (s *scheduleService) GetStageRun(ctx context.Context, in *apis.GetStageRun) (*v1alpha1.StageRun, error) {
	sr, err := s.store.GetStageRun(ctx, in.ID)
	if err != nil {
		return nil, errors.Wrap(err, "fail get stage run")
	}
	if sr == nil {
		return nil, errors.Newf(errors.KindNotFound, "Stage run '%d' not found.", in.ID)
	}
	return sr, nil
}

func (s *scheduleService) ListStageRuns(ctx context.Context, in *apis.ListStageRuns) ([]*v1alpha1.StageRun, error) {
	plr, err := s.store.GetPipelineRun(ctx, in.PipelineName, in.PipelineCounter)
	if err != nil {
		return nil, errors.Wrap(err, "fail get pipeline run")
	}
	if plr == nil {
		return nil, errors.Newf(errors.KindNotFound, "pipeline run '%s/%d' not found", in.PipelineName, in.PipelineCounter)
	}
	return s.store.ListStageRuns(ctx, in.StageIdentifier)
}

func (s *scheduleService) ResolveCounter(ctx context.Context, in *apis.ResolveCounter) (*apis.ResolvedCounter, error) {
	counter, err := s.counters.Resolve(ctx, in.PipelineName, in.Token)
	if err != nil {
		return nil, err
	}
	return &apis.ResolvedCounter{
		PipelineName: in.PipelineName,
		Counter:      counter,
	}, nil
}
