// Package scheduler provides delayed and repeating execution used to build
// protocol state machines: reconnect timers, polling, macro playback.
package scheduler

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Handle cancels a scheduled or submitted function.
type Handle interface {
	// Cancel prevents the function from running if it has not started.
	// It reports whether the call stopped it.
	Cancel() bool
}

// Executor runs functions asynchronously, optionally after a delay.
type Executor interface {
	Schedule(fn func(), delay time.Duration) Handle
	Submit(fn func()) Handle
}

// Pool is an Executor backed by runtime timers. Every function runs on its
// own goroutine; Stop cancels pending work and waits for running work.
type Pool struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[uint64]*task
	nextID  uint64
	stopped bool
	wg      sync.WaitGroup
}

type task struct {
	pool  *Pool
	id    uint64
	timer *time.Timer
	state atomic.Int32 // 0 pending, 1 running/done, 2 cancelled
}

// NewPool creates an executor.
func NewPool(logger *slog.Logger) *Pool {
	return &Pool{
		logger:  logger.With("component", "scheduler"),
		pending: make(map[uint64]*task),
	}
}

// Schedule runs fn after delay. A negative delay is treated as zero.
func (p *Pool) Schedule(fn func(), delay time.Duration) Handle {
	if delay < 0 {
		delay = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	t := &task{pool: p, id: p.nextID}
	p.nextID++
	if p.stopped {
		t.state.Store(2)
		return t
	}

	p.pending[t.id] = t
	p.wg.Add(1)
	t.timer = time.AfterFunc(delay, func() {
		if !t.state.CompareAndSwap(0, 1) {
			return
		}
		defer p.wg.Done()
		p.forget(t.id)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("scheduled task panic", "panic", r)
			}
		}()
		fn()
	})
	return t
}

// Submit runs fn as soon as possible.
func (p *Pool) Submit(fn func()) Handle {
	return p.Schedule(fn, 0)
}

// Stop cancels all pending functions and waits for running ones to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	tasks := make([]*task, 0, len(p.pending))
	for _, t := range p.pending {
		tasks = append(tasks, t)
	}
	p.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
	p.wg.Wait()
}

// Pending returns the number of functions not yet started.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pool) forget(id uint64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (t *task) Cancel() bool {
	if !t.state.CompareAndSwap(0, 2) {
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.pool.forget(t.id)
	t.pool.wg.Done()
	return true
}
