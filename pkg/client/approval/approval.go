package approval

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"git.yunify.com/quanxiang/scheduler/pkg/helper/errors"
	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/sd"
	"github.com/go-kit/kit/sd/lb"
	httptransport "github.com/go-kit/kit/transport/http"
	"github.com/go-kit/log"
	"github.com/goccy/go-json"
)

const headerUserName = "User-Name"

type Request struct {
	PipelineName string
	UserName     string
}

// Result is the workflow verdict. Code 0 approves; anything else denies
// with Message.
type Result struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (r *Result) Approved() bool {
	return r.Code == 0
}

type Client interface {
	Approve(ctx context.Context, in *Request) (*Result, error)
}

type client struct {
	approve endpoint.Endpoint
}

// New returns a client for the workflow at base. The pipeline name is
// appended to base, so base usually ends with a slash. Every call is bounded
// by timeout across all attempts.
func New(base string, timeout time.Duration, retryMax int, logger log.Logger) (Client, error) {
	if retryMax <= 0 {
		retryMax = 1
	}

	factory := func(instance string) (endpoint.Endpoint, io.Closer, error) {
		e, err := newApproveEndpoint(instance)
		return e, nil, err
	}
	if _, _, err := factory(base); err != nil {
		return nil, err
	}

	var instancer sd.FixedInstancer = sd.FixedInstancer{base}
	endpointer := sd.NewEndpointer(instancer, factory, logger)
	balancer := lb.NewRoundRobin(endpointer)

	return &client{
		approve: lb.RetryWithCallback(timeout, balancer, func(n int, received error) (bool, error) {
			return n < retryMax && !errors.IsKind(received, errors.KindUpstreamFailure), nil
		}),
	}, nil
}

func newApproveEndpoint(base string) (endpoint.Endpoint, error) {
	if !strings.HasPrefix(base, "http") {
		base = "http://" + base
	}
	tgt, err := url.Parse(base)
	if err != nil {
		return nil, errors.WithKind(errors.KindUpstreamFailure, err, "invalid approval url")
	}
	basePath := tgt.Path

	return httptransport.NewClient("GET", tgt, func(ctx context.Context, r *http.Request, request interface{}) error {
		req := request.(*Request)
		r.URL.Path = basePath + req.PipelineName
		if req.UserName != "" {
			r.Header.Set(headerUserName, req.UserName)
		}
		return nil
	}, func(ctx context.Context, resp *http.Response) (interface{}, error) {
		if resp.StatusCode != http.StatusOK {
			return nil, errors.Newf(errors.KindUpstreamFailure, "approval workflow responded %s", resp.Status)
		}
		result := &Result{}
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return nil, errors.WithKind(errors.KindUpstreamFailure, err, "malformed approval response")
		}
		return result, nil
	}).Endpoint(), nil
}

// Approve asks the workflow. Any failure to obtain a verdict is a
// KindUpstreamFailure error.
func (c *client) Approve(ctx context.Context, in *Request) (*Result, error) {
	resp, err := c.approve(ctx, in)
	if err != nil {
		var re lb.RetryError
		if errors.As(err, &re) && re.Final != nil {
			err = re.Final
		}
		if errors.IsKind(err, errors.KindUpstreamFailure) {
			return nil, err
		}
		return nil, errors.WithKind(errors.KindUpstreamFailure, err, "approval workflow unreachable")
	}
	return resp.(*Result), nil
}
