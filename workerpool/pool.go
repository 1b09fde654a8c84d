// Package workerpool runs opaque tasks on a fixed set of goroutines that
// share one FIFO queue.
package workerpool

import (
	"errors"
	"runtime"
	"sync"
)

// ErrClosed is returned by Submit once Shutdown has been called.
var ErrClosed = errors.New("workerpool: pool is closed")

// Task is a unit of work. It has no result and no priority.
type Task func()

// PanicHandler is called with the recovered value when a task panics.
type PanicHandler func(v any)

// Pool is a fixed-size worker pool.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []Task
	head    int
	closed  bool
	wg      sync.WaitGroup
	onPanic PanicHandler
	size    int
}

// Option configures a Pool.
type Option func(*Pool)

// WithPanicHandler installs a handler for panicking tasks. Without one the
// panic is swallowed and the worker keeps running.
func WithPanicHandler(h PanicHandler) Option {
	return func(p *Pool) { p.onPanic = h }
}

// New starts n workers. n <= 0 uses runtime.NumCPU().
func New(n int, opts ...Option) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	p := &Pool{size: n}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Pending returns the number of queued tasks not yet picked up.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks) - p.head
}

// Submit enqueues task and wakes one idle worker.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.tasks = append(p.tasks, task)
	p.mu.Unlock()
	p.cond.Signal()
	return nil
}

// Shutdown stops accepting tasks, lets the workers drain the queue and
// waits for all of them to exit. It is safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()

	p.mu.Lock()
	for {
		if p.head < len(p.tasks) {
			task := p.tasks[p.head]
			p.tasks[p.head] = nil
			p.head++
			if p.head == len(p.tasks) {
				p.tasks = p.tasks[:0]
				p.head = 0
			}
			p.mu.Unlock()
			p.run(task)
			p.mu.Lock()
			continue
		}
		if p.closed {
			break
		}
		p.cond.Wait()
	}
	p.mu.Unlock()
}

func (p *Pool) run(task Task) {
	defer func() {
		if v := recover(); v != nil && p.onPanic != nil {
			p.onPanic(v)
		}
	}()
	task()
}
