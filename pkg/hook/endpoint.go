package hook

import (
	"bytes"
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

type Endpoints struct {
	NotifyEndpoint endpoint.Endpoint
}

func NewEndPoints(s Interface) Endpoints {
	return Endpoints{
		NotifyEndpoint: NotifyEndpoint(s),
	}
}

// New returns a hook client balancing over instance with bounded retries.
func New(instance []string, logger log.Logger) Interface {
	var endpoints Endpoints
	var instancer sd.FixedInstancer = sd.FixedInstancer(instance)

	var (
		retryMax     = 3
		retryTimeout = 3 * time.Second
	)

	{
		factory := factoryFor(NotifyEndpoint)
		endpointer := sd.NewEndpointer(instancer, factory, logger)
		balancer := lb.NewRoundRobin(endpointer)
		retry := lb.Retry(retryMax, retryTimeout, balancer)
		endpoints.NotifyEndpoint = retry
	}

	return endpoints
}

func factoryFor(makeEndpoint func(Interface) endpoint.Endpoint) sd.Factory {
	return func(instance string) (endpoint.Endpoint, io.Closer, error) {
		service, err := NewClientEndPoints(instance)
		if err != nil {
			return nil, nil, err
		}
		return makeEndpoint(service), nil, nil
	}
}

func NewClientEndPoints(instance string) (Endpoints, error) {
	if !strings.HasPrefix(instance, "http") {
		instance = "http://" + instance
	}
	tgt, err := url.Parse(instance)
	if err != nil {
		return Endpoints{}, err
	}
	tgt.Path = ""

	options := []httptransport.ClientOption{}

	return Endpoints{
		NotifyEndpoint: httptransport.NewClient("POST", tgt, func(ctx context.Context, r *http.Request, request interface{}) error {
			r.URL.Path = "/api/v1/notify"
			req := request.(*Event)

			return encodeRequest(ctx, r, req)
		}, func(ctx context.Context, resp *http.Response) (interface{}, error) {
			if resp.StatusCode != http.StatusOK {
				return nil, errors.Errorf("hook responded %s", resp.Status)
			}
			var response *Receipt
			err := json.NewDecoder(resp.Body).Decode(&response)
			return response, err
		}, options...).Endpoint(),
	}, nil
}

func encodeRequest(_ context.Context, req *http.Request, request interface{}) error {
	var buf bytes.Buffer
	err := json.NewEncoder(&buf).Encode(request)
	if err != nil {
		return err
	}
	req.Body = io.NopCloser(&buf)
	return nil
}

func NotifyEndpoint(s Interface) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(*Event)
		return s.Notify(ctx, req)
	}
}

func (e Endpoints) Notify(ctx context.Context, in *Event) (*Receipt, error) {
	resp, err := e.NotifyEndpoint(ctx, in)
	if err != nil {
		return &Receipt{}, err
	}

	receipt, _ := resp.(*Receipt)
	if receipt == nil {
		return &Receipt{}, errors.Errorf("hook returned empty receipt for event %s", in.ID)
	}
	return receipt, nil
}
