// Package pool provides bounded goroutine pools and object pooling.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed     = errors.New("pool is closed")
	ErrForcedShutdown = errors.New("pool shutdown grace period elapsed, remaining tasks cancelled")
)

// Task represents a unit of work.
type Task func(ctx context.Context) error

// BoundedPool runs tasks on a core set of long-lived workers, a bounded
// queue, and up to MaxWorkers-CoreWorkers overflow workers. When the queue is
// full and no overflow worker can be added, the submitting goroutine runs the
// task itself.
type BoundedPool struct {
	name        string
	core        int32
	max         int32
	queue       chan *job
	idleTimeout time.Duration

	// baseCtx is cancelled on forced shutdown; every task context derives from it.
	baseCtx context.Context
	cancel  context.CancelFunc

	// mu guards closed and the send side of queue.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	workers atomic.Int32
	active  atomic.Int32

	// Metrics
	submitted  atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	callerRuns atomic.Int64
	rejected   atomic.Int64

	panicHandler func(any)
}

type job struct {
	ctx    context.Context
	task   Task
	result chan error
}

// BoundedPoolConfig configures the pool.
type BoundedPoolConfig struct {
	Name         string        `json:"name"`
	CoreWorkers  int           `json:"core_workers"`
	MaxWorkers   int           `json:"max_workers"`
	QueueSize    int           `json:"queue_size"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	PanicHandler func(any)     `json:"-"`
}

// DefaultBoundedPoolConfig returns sensible defaults.
func DefaultBoundedPoolConfig() BoundedPoolConfig {
	return BoundedPoolConfig{
		Name:        "default",
		CoreWorkers: 5,
		MaxWorkers:  20,
		QueueSize:   100,
		IdleTimeout: 60 * time.Second,
	}
}

// NewBoundedPool creates a new bounded pool. Workers are started lazily.
func NewBoundedPool(config BoundedPoolConfig) (*BoundedPool, error) {
	if config.CoreWorkers <= 0 {
		return nil, fmt.Errorf("pool %s: core workers must be positive", config.Name)
	}
	if config.MaxWorkers < config.CoreWorkers {
		return nil, fmt.Errorf("pool %s: max workers %d below core workers %d",
			config.Name, config.MaxWorkers, config.CoreWorkers)
	}
	if config.QueueSize < 0 {
		return nil, fmt.Errorf("pool %s: negative queue size", config.Name)
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &BoundedPool{
		name:         config.Name,
		core:         int32(config.CoreWorkers),
		max:          int32(config.MaxWorkers),
		queue:        make(chan *job, config.QueueSize),
		idleTimeout:  config.IdleTimeout,
		baseCtx:      ctx,
		cancel:       cancel,
		panicHandler: config.PanicHandler,
	}, nil
}

// Name returns the pool name.
func (p *BoundedPool) Name() string { return p.name }

// Execute schedules task and returns a channel that receives its result.
// Placement order: new core worker, queue, new overflow worker, caller.
// In the caller-runs case the task has already finished when Execute returns.
func (p *BoundedPool) Execute(ctx context.Context, task Task) (<-chan error, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		p.rejected.Add(1)
		return nil, ErrPoolClosed
	}

	p.submitted.Add(1)
	j := &job{ctx: ctx, task: task, result: make(chan error, 1)}

	if p.trySpawnWorker(p.core, j) {
		p.mu.RUnlock()
		return j.result, nil
	}

	select {
	case p.queue <- j:
		p.mu.RUnlock()
		return j.result, nil
	default:
	}

	if p.trySpawnWorker(p.max, j) {
		p.mu.RUnlock()
		return j.result, nil
	}
	p.mu.RUnlock()

	// Saturated: throttle the producer by running on its goroutine.
	p.callerRuns.Add(1)
	p.run(j)
	return j.result, nil
}

// SubmitWait submits a task and waits for completion.
func (p *BoundedPool) SubmitWait(ctx context.Context, task Task) error {
	result, err := p.Execute(ctx, task)
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *BoundedPool) trySpawnWorker(limit int32, first *job) bool {
	for {
		current := p.workers.Load()
		if current >= limit {
			return false
		}
		if p.workers.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker(first)
			return true
		}
	}
}

func (p *BoundedPool) worker(first *job) {
	defer p.wg.Done()

	if first != nil {
		p.run(first)
	}

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				p.workers.Add(-1)
				return
			}
			p.run(j)

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.idleTimeout)

		case <-timer.C:
			// Overflow workers retire when idle; core workers stay.
			if p.retire() {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *BoundedPool) retire() bool {
	for {
		current := p.workers.Load()
		if current <= p.core {
			return false
		}
		if p.workers.CompareAndSwap(current, current-1) {
			return true
		}
	}
}

func (p *BoundedPool) run(j *job) {
	ctx, cancel := context.WithCancel(j.ctx)
	stop := context.AfterFunc(p.baseCtx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	var err error
	if err = ctx.Err(); err == nil {
		p.active.Add(1)
		err = p.executeTask(ctx, j.task)
		p.active.Add(-1)
	}

	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	j.result <- err
	close(j.result)
}

func (p *BoundedPool) executeTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	return task(ctx)
}

// Shutdown stops accepting work and lets queued and running tasks drain until
// ctx is done. After that the pool cancels every remaining task context and
// returns ErrForcedShutdown without waiting further.
func (p *BoundedPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ErrForcedShutdown
	}
}

// Stats returns pool statistics.
func (p *BoundedPool) Stats() BoundedPoolStats {
	return BoundedPoolStats{
		Name:       p.name,
		Workers:    int(p.workers.Load()),
		Core:       int(p.core),
		Max:        int(p.max),
		Active:     int(p.active.Load()),
		Queued:     len(p.queue),
		QueueCap:   cap(p.queue),
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		CallerRuns: p.callerRuns.Load(),
		Rejected:   p.rejected.Load(),
	}
}

// BoundedPoolStats contains pool statistics.
type BoundedPoolStats struct {
	Name       string `json:"name"`
	Workers    int    `json:"workers"`
	Core       int    `json:"core"`
	Max        int    `json:"max"`
	Active     int    `json:"active"`
	Queued     int    `json:"queued"`
	QueueCap   int    `json:"queue_cap"`
	Submitted  int64  `json:"submitted"`
	Completed  int64  `json:"completed"`
	Failed     int64  `json:"failed"`
	CallerRuns int64  `json:"caller_runs"`
	Rejected   int64  `json:"rejected"`
}
