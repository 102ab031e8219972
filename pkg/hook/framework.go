package hook

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.yunify.com/quanxiang/scheduler/pkg/helper/errors"
	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/transport"
	httptransport "github.com/go-kit/kit/transport/http"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

const shutdownTimeout = 5 * time.Second

// NewHTTPHandler serves s as a hook receiver on POST /api/v1/notify.
func NewHTTPHandler(s Interface, logger log.Logger, opts ...Option) http.Handler {
	r := mux.NewRouter()
	e := NewEndPoints(s)

	options := []httptransport.ServerOption{
		httptransport.ServerErrorHandler(transport.NewLogErrorHandler(logger)),
		httptransport.ServerErrorEncoder(encodeError),
	}

	r.Methods(http.MethodPost).Path("/api/v1/notify").Handler(httptransport.NewServer(
		e.NotifyEndpoint,
		decodeEvent,
		func(ctx context.Context, w http.ResponseWriter, response interface{}) error {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			return json.NewEncoder(w).Encode(response)
		},
		options...,
	))

	for _, opt := range opts {
		opt(r.NewRoute(), options...)
	}

	return r
}

// decodeEvent rejects bodies that do not carry an identified event, so
// receivers never see a nil event.
func decodeEvent(_ context.Context, r *http.Request) (interface{}, error) {
	var event *Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		return nil, errors.WithKind(errors.KindInvalidToken, err, "malformed event")
	}
	if event == nil || event.ID == "" {
		return nil, errors.New(errors.KindInvalidToken, "event without id")
	}
	return event, nil
}

func encodeError(_ context.Context, err error, w http.ResponseWriter) {
	ce := &errors.CodeError{
		Code:    http.StatusInternalServerError,
		Kind:    errors.KindOf(err),
		Message: errors.MessageOf(err),
	}
	if ce.Kind == errors.KindInvalidToken {
		ce.Code = http.StatusBadRequest
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(ce.Code)
	w.Write([]byte(ce.JSON()))
}

// Main returns a runner that serves s on addr until ctx is done or the
// process receives SIGINT or SIGTERM.
func Main(logger log.Logger, addr string) func(ctx context.Context, s Interface, opts ...Option) error {
	return func(ctx context.Context, s Interface, opts ...Option) error {
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, &http.Server{
			Addr:    addr,
			Handler: NewHTTPHandler(s, logger, opts...),
		}, logger)
	}
}

func serve(ctx context.Context, server *http.Server, logger log.Logger) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		level.Info(logger).Log("message", "hook receiver shutting down", "addr", server.Addr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx) // nolint: errcheck
	}()

	level.Info(logger).Log("message", "hook receiver listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		level.Error(logger).Log("message", err.Error())
		return err
	}
	<-done
	return nil
}

// Option mounts an extra route on the receiver.
type Option func(r *mux.Route, options ...httptransport.ServerOption)

// WithRouter mounts endpoint on method and path, sharing the receiver's
// error handling.
func WithRouter(method, path string, endpoint endpoint.Endpoint,
	dec httptransport.DecodeRequestFunc, enc httptransport.EncodeResponseFunc,
	opts ...httptransport.ServerOption) Option {
	return func(r *mux.Route, options ...httptransport.ServerOption) {
		r.Methods(method).Path(path).Handler(
			httptransport.NewServer(endpoint, dec, enc, append(options, opts...)...))
	}
}
