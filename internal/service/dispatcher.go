package service

import (
	"context"

	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
	"git.yunify.com/quanxiang/scheduler/pkg/hook"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/retarder"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/quanxiang-cloud/cabin/time"
)

// dispatcher fans stage run events out to the configured hooks.
type dispatcher struct {
	logger  log.Logger
	hooks   []hook.Interface
	ch      chan *delivery
	metrics *metrics

	retarder *retarder.Retarder
	delay    int64
}

// maxDeliveryAttempts bounds the retries of one event to one hook.
const maxDeliveryAttempts = 3

type delivery struct {
	hook    hook.Interface
	event   *hook.Event
	attempt int
}

func newDispatcher(hooks []hook.Interface, buffer int, logger log.Logger) *dispatcher {
	return &dispatcher{
		logger: logger,
		hooks:  hooks,
		ch:     make(chan *delivery, buffer),
	}
}

func newEvent(typ hook.EventType, sr *v1alpha1.StageRun, by string) *hook.Event {
	return &hook.Event{
		ID:         uuid.New().String(),
		Type:       typ,
		Stage:      sr.Identifier(),
		StageRunID: sr.ID,
		Counter:    sr.Counter,
		By:         by,
		OccurredAt: time.NowUnix(),
	}
}

// publish never blocks the caller. Events that do not fit are dropped.
func (d *dispatcher) publish(event *hook.Event) {
	for _, h := range d.hooks {
		d.set(&delivery{hook: h, event: event})
	}
}

func (d *dispatcher) set(dl *delivery) {
	select {
	case d.ch <- dl:
	default:
		d.observe("dropped")
		level.Warn(d.logger).Log("message", "hook queue is full, drop event", "eventID", dl.event.ID, "type", dl.event.Type)
	}
}

func (d *dispatcher) Run(ctx context.Context, parallel int) {
	for ; parallel > 0; parallel-- {
		level.Info(d.logger).Log("message", "dispatcher is ready", "dispatcherID", parallel)
		go func(d *dispatcher, dispatcherID int) {
			for {
				select {
				case <-ctx.Done():
					level.Info(d.logger).Log("message", "dispatcher stopped", "dispatcherID", dispatcherID)
					return
				case dl := <-d.ch:
					d.deliver(ctx, dl)
				}
			}
		}(d, parallel)
	}
}

func (d *dispatcher) deliver(ctx context.Context, dl *delivery) {
	receipt, err := dl.hook.Notify(ctx, dl.event)
	if err == nil && (receipt == nil || !receipt.Accepted) {
		reason := ""
		if receipt != nil {
			reason = receipt.Message
		}
		level.Warn(d.logger).Log("message", "hook rejected event", "eventID", dl.event.ID, "reason", reason)
		d.observe("rejected")
		return
	}
	if err != nil {
		d.observe("failed")
		level.Error(d.logger).Log("message", err.Error(), "eventID", dl.event.ID, "stage", dl.event.Stage.String())
		d.requeue(dl)
		return
	}
	d.observe("delivered")
}

func (d *dispatcher) observe(outcome string) {
	if d.metrics != nil {
		d.metrics.events.WithLabelValues(outcome).Inc()
	}
}

func (d *dispatcher) requeue(dl *delivery) {
	if d.retarder == nil {
		return
	}
	if dl.attempt >= maxDeliveryAttempts {
		d.observe("dropped")
		level.Warn(d.logger).Log("message", "give up hook event", "eventID", dl.event.ID,
			"type", dl.event.Type, "attempts", dl.attempt+1)
		return
	}
	dl.attempt++
	if err := d.retarder.Add(dl, d.delay); err != nil {
		level.Error(d.logger).Log("message", err, "eventID", dl.event.ID, "delay", d.delay)
	}
}
