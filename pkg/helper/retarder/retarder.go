package retarder

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	defaultRingBuffer int64 = 100
	defaultTick             = time.Second
)

var (
	ErrOverMaximum = errors.New("over maximum length")
	ErrInvalidTime = errors.New("invalid time")
)

// Retarder is a timing wheel: Add parks data for a number of ticks and Run
// hands it to Call once the wheel reaches that slot.
type Retarder struct {
	mu sync.Mutex

	p             int64
	ringBufferLen int64
	ringBuffer    [][]Data
	pending       int

	tick time.Duration

	// Call, when the delay arrives, the callback function is called
	Call func(data Data)
}

type Data interface{}

type Option func(*Retarder)

// WithTick sets the wheel resolution, one second by default.
func WithTick(tick time.Duration) Option {
	return func(r *Retarder) {
		if tick > 0 {
			r.tick = tick
		}
	}
}

func New(bl int64, call func(data Data), opts ...Option) *Retarder {
	if bl <= 0 {
		bl = defaultRingBuffer
	}
	r := &Retarder{
		ringBufferLen: bl,
		ringBuffer:    make([][]Data, bl),
		tick:          defaultTick,
		Call:          call,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add schedules data to be called back after delay ticks.
func (r *Retarder) Add(data Data, delay int64) error {
	if delay >= r.ringBufferLen {
		return ErrOverMaximum
	}
	if delay <= 0 {
		return ErrInvalidTime
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	slot := (r.p + delay) % r.ringBufferLen
	r.ringBuffer[slot] = append(r.ringBuffer[slot], data)
	r.pending++
	return nil
}

// Pending returns the number of parked entries.
func (r *Retarder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

func (r *Retarder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.mu.Lock()
			r.p = (r.p + 1) % r.ringBufferLen
			due := r.ringBuffer[r.p]
			r.ringBuffer[r.p] = nil
			r.pending -= len(due)
			r.mu.Unlock()
			if len(due) != 0 {
				go r.call(due)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Retarder) call(due []Data) {
	for _, data := range due {
		r.Call(data)
	}
}
