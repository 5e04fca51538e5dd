// Package pool provides admission-controlled goroutine execution and
// object pooling.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task represents a unit of work.
type Task func(ctx context.Context) error

// GoroutinePool runs tasks on their own goroutines while bounding how many
// may run at once. It queues nothing: callers own their backlog and ask
// for a slot with TryGo, or wait for one with Go.
type GoroutinePool struct {
	slots  chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup

	// Metrics
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	panicked  atomic.Int64

	panicHandler func(any)
	onDone       func(err error)
}

// GoroutinePoolConfig configures the pool.
type GoroutinePoolConfig struct {
	MaxWorkers   int       `json:"max_workers"`
	PanicHandler func(any) `json:"-"`
	// OnDone runs after every task, outside the slot.
	OnDone func(err error) `json:"-"`
}

// DefaultGoroutinePoolConfig returns sensible defaults.
func DefaultGoroutinePoolConfig() GoroutinePoolConfig {
	return GoroutinePoolConfig{MaxWorkers: 10}
}

// NewGoroutinePool creates a new goroutine pool.
func NewGoroutinePool(config GoroutinePoolConfig) *GoroutinePool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = DefaultGoroutinePoolConfig().MaxWorkers
	}
	return &GoroutinePool{
		slots:        make(chan struct{}, config.MaxWorkers),
		panicHandler: config.PanicHandler,
		onDone:       config.OnDone,
	}
}

// TryGo starts task if a slot is free, otherwise returns ErrPoolFull.
func (p *GoroutinePool) TryGo(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.slots <- struct{}{}:
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
	p.start(ctx, task)
	return nil
}

// Go waits for a free slot, then starts task.
func (p *GoroutinePool) Go(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}
	p.start(ctx, task)
	return nil
}

func (p *GoroutinePool) start(ctx context.Context, task Task) {
	p.submitted.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.executeTask(ctx, task)
		<-p.slots

		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		if p.onDone != nil {
			p.onDone(err)
		}
	}()
}

func (p *GoroutinePool) executeTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// Available returns the number of free slots.
func (p *GoroutinePool) Available() int {
	return cap(p.slots) - len(p.slots)
}

// Capacity returns the maximum number of concurrent tasks.
func (p *GoroutinePool) Capacity() int {
	return cap(p.slots)
}

// Close stops admitting tasks and waits for running ones until ctx is done.
func (p *GoroutinePool) Close(ctx context.Context) error {
	p.closed.Store(true)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns pool statistics.
func (p *GoroutinePool) Stats() GoroutinePoolStats {
	return GoroutinePoolStats{
		Capacity:  cap(p.slots),
		Active:    len(p.slots),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
		Panicked:  p.panicked.Load(),
	}
}

// GoroutinePoolStats contains pool statistics.
type GoroutinePoolStats struct {
	Capacity  int   `json:"capacity"`
	Active    int   `json:"active"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
	Panicked  int64 `json:"panicked"`
}
