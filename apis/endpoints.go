package apis

import (
	"context"

	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/errors"
	"github.com/go-kit/kit/endpoint"
)

// Endpoints collects all of the endpoints that compose a scheduler service.
type Endpoints struct {
	PostRerunStageEndpoint        endpoint.Endpoint
	PostCancelStageEndpoint       endpoint.Endpoint
	PostSchedulePipelineEndpoint  endpoint.Endpoint
	PostReportStageResultEndpoint endpoint.Endpoint
	GetStageRunEndpoint           endpoint.Endpoint
	GetListStageRunsEndpoint      endpoint.Endpoint
	GetResolveCounterEndpoint     endpoint.Endpoint
	GetDrainModeEndpoint          endpoint.Endpoint
	PostSetDrainModeEndpoint      endpoint.Endpoint
}

// NewServerEndpoints returns an Endpoints struct where each endpoint invokes
// the corresponding method on the provided service.
func NewServerEndpoints(s Service) Endpoints {
	return Endpoints{
		PostRerunStageEndpoint:        PostRerunStageEndpoint(s.GetSchedule()),
		PostCancelStageEndpoint:       PostCancelStageEndpoint(s.GetSchedule()),
		PostSchedulePipelineEndpoint:  PostSchedulePipelineEndpoint(s.GetSchedule()),
		PostReportStageResultEndpoint: PostReportStageResultEndpoint(s.GetSchedule()),
		GetStageRunEndpoint:           GetStageRunEndpoint(s.GetSchedule()),
		GetListStageRunsEndpoint:      GetListStageRunsEndpoint(s.GetSchedule()),
		GetResolveCounterEndpoint:     GetResolveCounterEndpoint(s.GetSchedule()),
		GetDrainModeEndpoint:          GetDrainModeEndpoint(s.GetDrain()),
		PostSetDrainModeEndpoint:      PostSetDrainModeEndpoint(s.GetDrain()),
	}
}

func PostRerunStageEndpoint(s ScheduleService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(*RerunStage)
		sr, err := s.RerunStage(ctx, req)
		return universalResponse{Err: err, Data: sr}, nil
	}
}

func PostCancelStageEndpoint(s ScheduleService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(*CancelStage)
		result, err := s.CancelAndTriggerRelevantStages(ctx, req)
		return universalResponse{Err: err, Data: result}, nil
	}
}

func PostSchedulePipelineEndpoint(s ScheduleService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(*SchedulePipeline)
		plr, err := s.SchedulePipeline(ctx, req)
		return universalResponse{Err: err, Data: plr}, nil
	}
}

func PostReportStageResultEndpoint(s ScheduleService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(*ReportStageResult)
		sr, err := s.ReportStageResult(ctx, req)
		return universalResponse{Err: err, Data: sr}, nil
	}
}

func GetStageRunEndpoint(s ScheduleService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(*GetStageRun)
		sr, err := s.GetStageRun(ctx, req)
		return universalResponse{Err: err, Data: sr}, nil
	}
}

func GetListStageRunsEndpoint(s ScheduleService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(*ListStageRuns)
		runs, err := s.ListStageRuns(ctx, req)
		return universalResponse{Err: err, Data: runs}, nil
	}
}

func GetResolveCounterEndpoint(s ScheduleService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(*ResolveCounter)
		resolved, err := s.ResolveCounter(ctx, req)
		return universalResponse{Err: err, Data: resolved}, nil
	}
}

func GetDrainModeEndpoint(s DrainModeService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(*GetDrainMode)
		dm, err := s.GetDrainMode(ctx, req)
		return universalResponse{Err: err, Data: dm}, nil
	}
}

func PostSetDrainModeEndpoint(s DrainModeService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(*SetDrainMode)
		dm, err := s.SetDrainMode(ctx, req)
		return universalResponse{Err: err, Data: dm}, nil
	}
}

func (e Endpoints) RerunStage(ctx context.Context, in *RerunStage) (*v1alpha1.StageRun, error) {
	return result[*v1alpha1.StageRun](e.PostRerunStageEndpoint(ctx, in))
}

func (e Endpoints) CancelAndTriggerRelevantStages(ctx context.Context, in *CancelStage) (*v1alpha1.CancelResult, error) {
	return result[*v1alpha1.CancelResult](e.PostCancelStageEndpoint(ctx, in))
}

func (e Endpoints) SchedulePipeline(ctx context.Context, in *SchedulePipeline) (*v1alpha1.PipelineRun, error) {
	return result[*v1alpha1.PipelineRun](e.PostSchedulePipelineEndpoint(ctx, in))
}

func (e Endpoints) ReportStageResult(ctx context.Context, in *ReportStageResult) (*v1alpha1.StageRun, error) {
	return result[*v1alpha1.StageRun](e.PostReportStageResultEndpoint(ctx, in))
}

func (e Endpoints) GetStageRun(ctx context.Context, in *GetStageRun) (*v1alpha1.StageRun, error) {
	return result[*v1alpha1.StageRun](e.GetStageRunEndpoint(ctx, in))
}

func (e Endpoints) ListStageRuns(ctx context.Context, in *ListStageRuns) ([]*v1alpha1.StageRun, error) {
	return result[[]*v1alpha1.StageRun](e.GetListStageRunsEndpoint(ctx, in))
}

func (e Endpoints) ResolveCounter(ctx context.Context, in *ResolveCounter) (*ResolvedCounter, error) {
	return result[*ResolvedCounter](e.GetResolveCounterEndpoint(ctx, in))
}

func (e Endpoints) GetDrainMode(ctx context.Context, in *GetDrainMode) (*v1alpha1.DrainMode, error) {
	return result[*v1alpha1.DrainMode](e.GetDrainModeEndpoint(ctx, in))
}

func (e Endpoints) SetDrainMode(ctx context.Context, in *SetDrainMode) (*v1alpha1.DrainMode, error) {
	return result[*v1alpha1.DrainMode](e.PostSetDrainModeEndpoint(ctx, in))
}

// result unpacks both server side universal responses and decoded client
// responses.
func result[T any](response interface{}, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if ur, ok := response.(ur); ok {
		if err := ur.GetErr(); err != nil {
			return zero, err
		}
		response = ur.GetData()
	}
	if response == nil {
		return zero, nil
	}
	out, ok := response.(T)
	if !ok {
		return zero, errors.Errorf("unexpected response type %T", response)
	}
	return out, nil
}

type ur interface {
	GetErr() error
	GetData() interface{}
}

type universalResponse struct {
	Err  error       `json:"err,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

func (u universalResponse) GetErr() error {
	return u.Err
}

func (u universalResponse) GetData() interface{} {
	return u.Data
}
