package service

import (
	"context"
	"sync"
	"time"

	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
	"git.yunify.com/quanxiang/scheduler/pkg/client/approval"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/golang/groupcache/lru"
)

const noApprovalURL = "No APPROVAL_URL environment"

// ApprovalGate decides whether an identity may operate a stage.
type ApprovalGate struct {
	logger  log.Logger
	admins  map[string]struct{}
	client  approval.Client
	denials *denialCache
	metrics *metrics
}

func NewApprovalGate(admins []string, client approval.Client, logger log.Logger) *ApprovalGate {
	g := &ApprovalGate{
		logger: logger,
		admins: make(map[string]struct{}, len(admins)),
		client: client,
	}
	for _, admin := range admins {
		g.admins[admin] = struct{}{}
	}
	return g
}

// WithDenialCache remembers workflow denials for ttl.
func (g *ApprovalGate) WithDenialCache(size int, ttl time.Duration) *ApprovalGate {
	g.denials = newDenialCache(size, ttl)
	return g
}

func (g *ApprovalGate) IsAdmin(id v1alpha1.Identity) bool {
	if id.Admin {
		return true
	}
	_, ok := g.admins[id.Name]
	return ok
}

// IsAuthorized is the configuration check alone, without the delegated
// workflow.
func (g *ApprovalGate) IsAuthorized(conf *v1alpha1.StageConfig, id v1alpha1.Identity) bool {
	if g.IsAdmin(id) {
		return true
	}
	if id.Name == "" {
		return false
	}

	users := conf.Approval.AuthorizedUsers
	if conf.Approval.Type == v1alpha1.ApprovalSuccess && len(users) == 0 {
		return true
	}
	for _, user := range users {
		if user == id.Name {
			return true
		}
	}
	return false
}

// CanOperate is the check applied to cancellations.
func (g *ApprovalGate) CanOperate(pipelineName string, conf *v1alpha1.StageConfig, id v1alpha1.Identity) error {
	if g.IsAuthorized(conf, id) {
		return nil
	}
	return errors.Newf(errors.KindUnauthorized,
		"User '%s' does not have permission to operate stage '%s' of pipeline '%s'.", id.Name, conf.Name, pipelineName)
}

// Authorize runs the configuration check and, for delegated stages, asks the
// approval workflow. Any failure to reach a verdict denies with
// KindUpstreamFailure.
func (g *ApprovalGate) Authorize(ctx context.Context, pipelineName string, conf *v1alpha1.StageConfig, id v1alpha1.Identity) error {
	if err := g.CanOperate(pipelineName, conf, id); err != nil {
		g.observe("denied")
		return err
	}
	if !conf.Approval.Delegated || g.IsAdmin(id) {
		g.observe("approved")
		return nil
	}

	if g.client == nil {
		g.observe("upstream_failure")
		return errors.New(errors.KindUpstreamFailure, noApprovalURL)
	}

	if err := g.denials.get(pipelineName, id.Name); err != nil {
		g.observe("cached")
		return err
	}

	start := time.Now()
	result, err := g.client.Approve(ctx, &approval.Request{
		PipelineName: pipelineName,
		UserName:     id.Name,
	})
	if g.metrics != nil {
		g.metrics.approvalLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		level.Error(g.logger).Log("message", "approval workflow failed", "pipeline", pipelineName,
			"stage", conf.Name, "user", id.Name, "err", err.Error())
		g.observe("upstream_failure")
		return errors.WithKind(errors.KindUpstreamFailure, err,
			"Approval workflow could not be reached for pipeline '"+pipelineName+"'")
	}

	if !result.Approved() {
		g.observe("denied")
		denied := errors.New(errors.KindUnauthorized, result.Message)
		g.denials.add(pipelineName, id.Name, denied)
		return denied
	}

	g.observe("approved")
	return nil
}

func (g *ApprovalGate) observe(result string) {
	if g.metrics != nil {
		g.metrics.approvals.WithLabelValues(result).Inc()
	}
}

// denialCache is safe on a nil receiver, which disables it.
type denialCache struct {
	mu    sync.Mutex
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

type denial struct {
	err     error
	expires time.Time
}

func newDenialCache(size int, ttl time.Duration) *denialCache {
	return &denialCache{
		cache: lru.New(size),
		ttl:   ttl,
		now:   time.Now,
	}
}

func denialKey(pipelineName, user string) string {
	return pipelineName + "\x00" + user
}

func (d *denialCache) get(pipelineName, user string) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	key := denialKey(pipelineName, user)
	v, ok := d.cache.Get(key)
	if !ok {
		return nil
	}
	entry := v.(denial)
	if d.now().After(entry.expires) {
		d.cache.Remove(key)
		return nil
	}
	return entry.err
}

func (d *denialCache) add(pipelineName, user string, err error) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cache.Add(denialKey(pipelineName, user), denial{
		err:     err,
		expires: d.now().Add(d.ttl),
	})
}
