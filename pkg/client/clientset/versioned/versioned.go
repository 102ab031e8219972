package versioned

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"git.yunify.com/quanxiang/scheduler/apis"
	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/errors"
	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/sd"
	"github.com/go-kit/kit/sd/lb"
	httptransport "github.com/go-kit/kit/transport/http"
	"github.com/go-kit/log"
	"github.com/goccy/go-json"
)

// Client talks to one or more scheduler instances.
type Client interface {
	apis.ScheduleService
	apis.DrainModeService
}

type client struct {
	endpoints apis.Endpoints
}

func New(instance []string, logger log.Logger) Client {
	var instancer sd.FixedInstancer = instance

	var (
		retryMax     = 3
		retryTimeout = 3 * time.Second
	)

	build := func(pick func(apis.Endpoints) endpoint.Endpoint) endpoint.Endpoint {
		endpointer := sd.NewEndpointer(instancer, factoryFor(pick), logger)
		balancer := lb.NewRoundRobin(endpointer)
		return lb.RetryWithCallback(retryTimeout, balancer, func(n int, err error) (bool, error) {
			return n < retryMax && unanswered(err), nil
		})
	}

	return &client{
		endpoints: apis.Endpoints{
			PostRerunStageEndpoint:        build(func(e apis.Endpoints) endpoint.Endpoint { return e.PostRerunStageEndpoint }),
			PostCancelStageEndpoint:       build(func(e apis.Endpoints) endpoint.Endpoint { return e.PostCancelStageEndpoint }),
			PostSchedulePipelineEndpoint:  build(func(e apis.Endpoints) endpoint.Endpoint { return e.PostSchedulePipelineEndpoint }),
			PostReportStageResultEndpoint: build(func(e apis.Endpoints) endpoint.Endpoint { return e.PostReportStageResultEndpoint }),
			GetStageRunEndpoint:           build(func(e apis.Endpoints) endpoint.Endpoint { return e.GetStageRunEndpoint }),
			GetListStageRunsEndpoint:      build(func(e apis.Endpoints) endpoint.Endpoint { return e.GetListStageRunsEndpoint }),
			GetResolveCounterEndpoint:     build(func(e apis.Endpoints) endpoint.Endpoint { return e.GetResolveCounterEndpoint }),
			GetDrainModeEndpoint:          build(func(e apis.Endpoints) endpoint.Endpoint { return e.GetDrainModeEndpoint }),
			PostSetDrainModeEndpoint:      build(func(e apis.Endpoints) endpoint.Endpoint { return e.PostSetDrainModeEndpoint }),
		},
	}
}

// unanswered reports whether err came from the transport rather than from a
// scheduler verdict. Only those are safe to retry.
func unanswered(err error) bool {
	var e *errors.Error
	return !errors.As(err, &e)
}

// final strips the retry wrapper so callers see the classified error.
func final(err error) error {
	var re lb.RetryError
	if errors.As(err, &re) && re.Final != nil {
		return re.Final
	}
	return err
}

func (c *client) RerunStage(ctx context.Context, in *apis.RerunStage) (*v1alpha1.StageRun, error) {
	out, err := c.endpoints.RerunStage(ctx, in)
	return out, final(err)
}

func (c *client) CancelAndTriggerRelevantStages(ctx context.Context, in *apis.CancelStage) (*v1alpha1.CancelResult, error) {
	out, err := c.endpoints.CancelAndTriggerRelevantStages(ctx, in)
	return out, final(err)
}

func (c *client) SchedulePipeline(ctx context.Context, in *apis.SchedulePipeline) (*v1alpha1.PipelineRun, error) {
	out, err := c.endpoints.SchedulePipeline(ctx, in)
	return out, final(err)
}

func (c *client) ReportStageResult(ctx context.Context, in *apis.ReportStageResult) (*v1alpha1.StageRun, error) {
	out, err := c.endpoints.ReportStageResult(ctx, in)
	return out, final(err)
}

func (c *client) GetStageRun(ctx context.Context, in *apis.GetStageRun) (*v1alpha1.StageRun, error) {
	out, err := c.endpoints.GetStageRun(ctx, in)
	return out, final(err)
}

func (c *client) ListStageRuns(ctx context.Context, in *apis.ListStageRuns) ([]*v1alpha1.StageRun, error) {
	out, err := c.endpoints.ListStageRuns(ctx, in)
	return out, final(err)
}

func (c *client) ResolveCounter(ctx context.Context, in *apis.ResolveCounter) (*apis.ResolvedCounter, error) {
	out, err := c.endpoints.ResolveCounter(ctx, in)
	return out, final(err)
}

func (c *client) GetDrainMode(ctx context.Context, in *apis.GetDrainMode) (*v1alpha1.DrainMode, error) {
	out, err := c.endpoints.GetDrainMode(ctx, in)
	return out, final(err)
}

func (c *client) SetDrainMode(ctx context.Context, in *apis.SetDrainMode) (*v1alpha1.DrainMode, error) {
	out, err := c.endpoints.SetDrainMode(ctx, in)
	return out, final(err)
}

func factoryFor(pick func(apis.Endpoints) endpoint.Endpoint) sd.Factory {
	return func(instance string) (endpoint.Endpoint, io.Closer, error) {
		e, err := NewClientEndPoints(instance)
		if err != nil {
			return nil, nil, err
		}
		return pick(e), nil, nil
	}
}

// NewClientEndPoints returns the endpoints of a single scheduler instance.
func NewClientEndPoints(instance string) (apis.Endpoints, error) {
	if !strings.HasPrefix(instance, "http") {
		instance = "http://" + instance
	}
	tgt, err := url.Parse(instance)
	if err != nil {
		return apis.Endpoints{}, err
	}
	tgt.Path = ""

	options := []httptransport.ClientOption{}

	return apis.Endpoints{
		PostRerunStageEndpoint: httptransport.NewClient(http.MethodPost, tgt, func(ctx context.Context, r *http.Request, request interface{}) error {
			req := request.(*apis.RerunStage)
			r.URL.Path = fmt.Sprintf("/api/v1/stage/%s/%s/%s/run",
				url.PathEscape(req.PipelineName), url.PathEscape(req.PipelineCounter), url.PathEscape(req.StageName))
			setUser(r, req.Identity)
			return nil
		}, decodeResponse(func() interface{} { return &v1alpha1.StageRun{} }), options...).Endpoint(),

		PostCancelStageEndpoint: httptransport.NewClient(http.MethodPost, tgt, func(ctx context.Context, r *http.Request, request interface{}) error {
			req := request.(*apis.CancelStage)
			r.URL.Path = "/api/v1/stageRun/" + strconv.FormatInt(req.StageRunID, 10) + "/cancel"
			setUser(r, req.Identity)
			return nil
		}, decodeResponse(func() interface{} { return &v1alpha1.CancelResult{} }), options...).Endpoint(),

		PostSchedulePipelineEndpoint: httptransport.NewClient(http.MethodPost, tgt, func(ctx context.Context, r *http.Request, request interface{}) error {
			req := request.(*apis.SchedulePipeline)
			r.URL.Path = "/api/v1/pipeline/" + url.PathEscape(req.PipelineName) + "/schedule"
			setUser(r, req.Identity)
			return nil
		}, decodeResponse(func() interface{} { return &v1alpha1.PipelineRun{} }), options...).Endpoint(),

		PostReportStageResultEndpoint: httptransport.NewClient(http.MethodPost, tgt, func(ctx context.Context, r *http.Request, request interface{}) error {
			req := request.(*apis.ReportStageResult)
			r.URL.Path = "/api/v1/stageRun/" + strconv.FormatInt(req.StageRunID, 10) + "/result"
			return encodeRequest(ctx, r, req)
		}, decodeResponse(func() interface{} { return &v1alpha1.StageRun{} }), options...).Endpoint(),

		GetStageRunEndpoint: httptransport.NewClient(http.MethodGet, tgt, func(ctx context.Context, r *http.Request, request interface{}) error {
			req := request.(*apis.GetStageRun)
			r.URL.Path = "/api/v1/stageRun/" + strconv.FormatInt(req.ID, 10)
			return nil
		}, decodeResponse(func() interface{} { return &v1alpha1.StageRun{} }), options...).Endpoint(),

		GetListStageRunsEndpoint: httptransport.NewClient(http.MethodGet, tgt, func(ctx context.Context, r *http.Request, request interface{}) error {
			req := request.(*apis.ListStageRuns)
			r.URL.Path = fmt.Sprintf("/api/v1/stage/%s/%d/%s/history",
				url.PathEscape(req.PipelineName), req.PipelineCounter, url.PathEscape(req.StageName))
			return nil
		}, func(ctx context.Context, resp *http.Response) (interface{}, error) {
			if resp.StatusCode != http.StatusOK {
				return nil, decodeError(resp)
			}
			runs := []*v1alpha1.StageRun{}
			if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
				return nil, err
			}
			return runs, nil
		}, options...).Endpoint(),

		GetResolveCounterEndpoint: httptransport.NewClient(http.MethodGet, tgt, func(ctx context.Context, r *http.Request, request interface{}) error {
			req := request.(*apis.ResolveCounter)
			r.URL.Path = "/api/v1/pipeline/" + url.PathEscape(req.PipelineName) + "/counter/" + url.PathEscape(req.Token)
			return nil
		}, decodeResponse(func() interface{} { return &apis.ResolvedCounter{} }), options...).Endpoint(),

		GetDrainModeEndpoint: httptransport.NewClient(http.MethodGet, tgt, func(ctx context.Context, r *http.Request, request interface{}) error {
			r.URL.Path = "/api/v1/drain"
			return nil
		}, decodeResponse(func() interface{} { return &v1alpha1.DrainMode{} }), options...).Endpoint(),

		PostSetDrainModeEndpoint: httptransport.NewClient(http.MethodPost, tgt, func(ctx context.Context, r *http.Request, request interface{}) error {
			req := request.(*apis.SetDrainMode)
			r.URL.Path = "/api/v1/drain"
			setUser(r, req.Identity)
			return encodeRequest(ctx, r, req)
		}, decodeResponse(func() interface{} { return &v1alpha1.DrainMode{} }), options...).Endpoint(),
	}, nil
}

func setUser(r *http.Request, id v1alpha1.Identity) {
	if id.Name != "" {
		r.Header.Set(apis.HeaderUserName, id.Name)
	}
}

func encodeRequest(_ context.Context, req *http.Request, request interface{}) error {
	var buf bytes.Buffer
	err := json.NewEncoder(&buf).Encode(request)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.ContentLength = int64(buf.Len())
	req.Body = io.NopCloser(&buf)
	return nil
}

func decodeResponse(alloc func() interface{}) httptransport.DecodeResponseFunc {
	return func(ctx context.Context, resp *http.Response) (interface{}, error) {
		if resp.StatusCode != http.StatusOK {
			return nil, decodeError(resp)
		}
		out := alloc()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// decodeError restores the classified error written by the server. Bodies
// that are not a CodeError only carry the status.
func decodeError(resp *http.Response) error {
	ce := &errors.CodeError{}
	if err := json.NewDecoder(resp.Body).Decode(ce); err != nil || ce.Kind == "" {
		return errors.Newf(errors.KindUpstreamFailure, "scheduler responded %s", resp.Status)
	}
	return ce.Err()
}
