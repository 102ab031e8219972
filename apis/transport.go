package apis

import (
	"context"
	"net/http"
	"strconv"

	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/errors"
	"github.com/gin-gonic/gin"
	"github.com/go-kit/kit/transport"
	httptransport "github.com/go-kit/kit/transport/http"
	"github.com/go-kit/log"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HeaderUserName carries the name of the authenticated caller.
const HeaderUserName = "User-Name"

func NewHTTPHandler(s Service, gatherer prometheus.Gatherer, logger log.Logger) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	e := NewServerEndpoints(s)

	options := []httptransport.ServerOption{
		httptransport.ServerErrorHandler(transport.NewLogErrorHandler(logger)),
		httptransport.ServerErrorEncoder(encodeError),
	}

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	{
		group := r.Group("/api/v1/pipeline")
		group.POST("/:name/schedule", func(c *gin.Context) {
			httptransport.NewServer(
				e.PostSchedulePipelineEndpoint,
				func(ctx context.Context, r *http.Request) (request interface{}, err error) {
					return &SchedulePipeline{
						PipelineName: c.Param("name"),
						Identity:     identity(r),
					}, nil
				},
				responseJSON,
				options...,
			).ServeHTTP(c.Writer, c.Request)
		})

		group.GET("/:name/counter/:token", func(c *gin.Context) {
			httptransport.NewServer(
				e.GetResolveCounterEndpoint,
				func(ctx context.Context, r *http.Request) (request interface{}, err error) {
					return &ResolveCounter{
						PipelineName: c.Param("name"),
						Token:        c.Param("token"),
					}, nil
				},
				responseJSON,
				options...,
			).ServeHTTP(c.Writer, c.Request)
		})
	}

	{
		group := r.Group("/api/v1/stage/:pipeline/:counter/:stage")
		group.POST("/run", func(c *gin.Context) {
			httptransport.NewServer(
				e.PostRerunStageEndpoint,
				func(ctx context.Context, r *http.Request) (request interface{}, err error) {
					return &RerunStage{
						PipelineName:    c.Param("pipeline"),
						PipelineCounter: c.Param("counter"),
						StageName:       c.Param("stage"),
						Identity:        identity(r),
					}, nil
				},
				responseJSON,
				options...,
			).ServeHTTP(c.Writer, c.Request)
		})

		group.GET("/history", func(c *gin.Context) {
			httptransport.NewServer(
				e.GetListStageRunsEndpoint,
				func(ctx context.Context, r *http.Request) (request interface{}, err error) {
					counter, err := strconv.ParseInt(c.Param("counter"), 10, 64)
					if err != nil {
						return nil, errors.WithKind(errors.KindInvalidToken, err,
							"pipeline counter must be numeric, got '"+c.Param("counter")+"'")
					}
					return &ListStageRuns{
						StageIdentifier: v1alpha1.StageIdentifier{
							PipelineName:    c.Param("pipeline"),
							PipelineCounter: counter,
							StageName:       c.Param("stage"),
						},
					}, nil
				},
				responseJSON,
				options...,
			).ServeHTTP(c.Writer, c.Request)
		})
	}

	{
		group := r.Group("/api/v1/stageRun/:id")
		group.GET("", func(c *gin.Context) {
			httptransport.NewServer(
				e.GetStageRunEndpoint,
				func(ctx context.Context, r *http.Request) (request interface{}, err error) {
					id, err := stageRunID(c)
					if err != nil {
						return nil, err
					}
					return &GetStageRun{ID: id}, nil
				},
				responseJSON,
				options...,
			).ServeHTTP(c.Writer, c.Request)
		})

		group.POST("/cancel", func(c *gin.Context) {
			httptransport.NewServer(
				e.PostCancelStageEndpoint,
				func(ctx context.Context, r *http.Request) (request interface{}, err error) {
					id, err := stageRunID(c)
					if err != nil {
						return nil, err
					}
					return &CancelStage{
						StageRunID: id,
						Identity:   identity(r),
					}, nil
				},
				responseJSON,
				options...,
			).ServeHTTP(c.Writer, c.Request)
		})

		group.POST("/result", func(c *gin.Context) {
			httptransport.NewServer(
				e.PostReportStageResultEndpoint,
				func(ctx context.Context, r *http.Request) (request interface{}, err error) {
					id, err := stageRunID(c)
					if err != nil {
						return nil, err
					}
					req := &ReportStageResult{}
					if _, err := reqJSON(req)(ctx, r); err != nil {
						return nil, err
					}
					// unknown states pass through and are rejected by the service
					if state, ok := v1alpha1.ParseStageState(string(req.State)); ok {
						req.State = state
					}
					req.StageRunID = id
					return req, nil
				},
				responseJSON,
				options...,
			).ServeHTTP(c.Writer, c.Request)
		})
	}

	{
		group := r.Group("/api/v1/drain")
		group.GET("", gin.WrapH(httptransport.NewServer(
			e.GetDrainModeEndpoint,
			func(ctx context.Context, r *http.Request) (request interface{}, err error) {
				return &GetDrainMode{}, nil
			},
			responseJSON,
			options...,
		)))

		group.POST("", gin.WrapH(httptransport.NewServer(
			e.PostSetDrainModeEndpoint,
			func(ctx context.Context, r *http.Request) (request interface{}, err error) {
				req := &SetDrainMode{}
				if _, err := reqJSON(req)(ctx, r); err != nil {
					return nil, err
				}
				req.Identity = identity(r)
				return req, nil
			},
			responseJSON,
			options...,
		)))
	}

	return r
}

func identity(r *http.Request) v1alpha1.Identity {
	return v1alpha1.Identity{
		Name: r.Header.Get(HeaderUserName),
	}
}

func stageRunID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, errors.WithKind(errors.KindInvalidToken, err, "stage run id must be numeric, got '"+c.Param("id")+"'")
	}
	return id, nil
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind errors.Kind) int {
	switch kind {
	case "":
		return http.StatusOK
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindUnauthorized, errors.KindUpstreamFailure:
		return http.StatusForbidden
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindInvalidToken:
		return http.StatusBadRequest
	case errors.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func encodeError(_ context.Context, err error, w http.ResponseWriter) {
	if err == nil {
		panic("encodeError with nil error")
	}

	kind := errors.KindOf(err)
	ce := &errors.CodeError{
		Code:    StatusFor(kind),
		Kind:    kind,
		Message: errors.MessageOf(err),
	}
	if kind == errors.KindInternal {
		ce.Message = http.StatusText(http.StatusInternalServerError)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(ce.Code)
	w.Write([]byte(ce.JSON()))
}

func responseJSON(ctx context.Context, w http.ResponseWriter, response interface{}) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if ur, ok := response.(ur); ok {
		if err := ur.GetErr(); err != nil {
			encodeError(ctx, err, w)
			return nil
		}
		return json.NewEncoder(w).Encode(ur.GetData())
	}
	return json.NewEncoder(w).Encode(response)
}

func reqJSON(v any) httptransport.DecodeRequestFunc {
	return func(ctx context.Context, r *http.Request) (request interface{}, err error) {
		if e := json.NewDecoder(r.Body).Decode(v); e != nil {
			return nil, errors.WithKind(errors.KindInvalidToken, e, "malformed request body")
		}

		return v, nil
	}
}
