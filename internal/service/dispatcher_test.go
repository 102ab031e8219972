package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"

	"git.yunify.com/quanxiang/scheduler/pkg/apis/v1alpha1"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/errors"
	"git.yunify.com/quanxiang/scheduler/pkg/helper/retarder"
	"git.yunify.com/quanxiang/scheduler/pkg/hook"
)

// flakyHook fails the first failures calls.
type flakyHook struct {
	mu        sync.Mutex
	failures  int
	calls     int
	delivered []string
}

func (f *flakyHook) Notify(ctx context.Context, in *hook.Event) (*hook.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New(errors.KindUpstreamFailure, "hook unreachable")
	}
	f.delivered = append(f.delivered, in.ID)
	return &hook.Receipt{ID: in.ID, Accepted: true}, nil
}

func (f *flakyHook) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *flakyHook) deliveredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func TestDispatcherRetriesFailedDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := &flakyHook{failures: 2}
	d := newDispatcher([]hook.Interface{h}, 10, log.NewNopLogger())
	d.retarder = retarder.New(8, func(data retarder.Data) {
		d.set(data.(*delivery))
	}, retarder.WithTick(10*time.Millisecond))
	d.delay = 1
	go d.retarder.Run(ctx)
	d.Run(ctx, 1)

	event := newEvent(hook.EventStageScheduled, &v1alpha1.StageRun{ID: 3, PipelineName: "build-app", PipelineCounter: 1, StageName: "build", Counter: 1}, "alice")
	d.publish(event)

	assert.Eventually(t, func() bool { return h.deliveredCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{event.ID}, h.delivered)
}

func TestDispatcherGivesUpOnDeadHook(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := &flakyHook{failures: 1 << 30}
	d := newDispatcher([]hook.Interface{h}, 10, log.NewNopLogger())
	d.retarder = retarder.New(8, func(data retarder.Data) {
		d.set(data.(*delivery))
	}, retarder.WithTick(2*time.Millisecond))
	d.delay = 1
	go d.retarder.Run(ctx)
	d.Run(ctx, 1)

	d.publish(newEvent(hook.EventStageCancelled, &v1alpha1.StageRun{ID: 4, PipelineName: "build-app", PipelineCounter: 1, StageName: "deploy"}, "bob"))

	assert.Eventually(t, func() bool { return h.callCount() == maxDeliveryAttempts+1 }, time.Second, 2*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, maxDeliveryAttempts+1, h.callCount())
	assert.Equal(t, 0, d.retarder.Pending())
	assert.Zero(t, h.deliveredCount())
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := newDispatcher([]hook.Interface{&flakyHook{}}, 1, log.NewNopLogger())
	sr := &v1alpha1.StageRun{ID: 1, PipelineName: "build-app", PipelineCounter: 1, StageName: "build"}

	d.publish(newEvent(hook.EventStageScheduled, sr, "alice"))
	d.publish(newEvent(hook.EventStageCancelled, sr, "alice"))

	assert.Len(t, d.ch, 1)
	dl := <-d.ch
	assert.Equal(t, hook.EventStageScheduled, dl.event.Type)
	assert.NotEmpty(t, dl.event.ID)
	assert.Equal(t, "build-app/1/build", dl.event.Stage.String())
}
