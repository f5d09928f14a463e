// Package async provides bounded worker utilities for fan-out work.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/quotedesk/quotedesk/errs"
	"github.com/quotedesk/quotedesk/internal/observability"
)

// Task is a named unit of work executed by the pool. Task failures are
// logged and never abort sibling tasks: a subscribe fan-out issues several
// independent REST fetches and each settles on its own.
type Task struct {
	Name string
	Run  func(context.Context) error
}

// Pool is a bounded worker pool enforcing backpressure when saturated.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
	once   sync.Once
}

type job struct {
	ctx  context.Context
	task Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan job, queue),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the task for execution respecting pool backpressure.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task.Run == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.wg.Add(1)
	select {
	case <-p.ctx.Done():
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.jobs <- job{ctx: ctx, task: task}:
		return nil
	default:
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// SubmitAll schedules every task, returning the number accepted. Rejected
// tasks are logged; callers treat the fan-out as settled regardless.
func (p *Pool) SubmitAll(ctx context.Context, tasks []Task) int {
	accepted := 0
	for _, task := range tasks {
		if err := p.Submit(ctx, task); err != nil {
			observability.Log().Warn("fan-out task rejected",
				observability.F("task", task.Name),
				observability.F("error", err))
			continue
		}
		accepted++
	}
	return accepted
}

// Close stops accepting new tasks and cancels workers.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.cancel()
		close(p.jobs)
	})
}

// Shutdown waits for in-flight tasks to complete or until the context expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool) worker() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			ctx := job.ctx
			if ctx == nil {
				ctx = p.ctx
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						observability.Log().Error("fan-out task panic",
							observability.F("task", job.task.Name),
							observability.F("panic", fmt.Sprint(r)))
					}
				}()
				if err := job.task.Run(ctx); err != nil {
					observability.Log().Warn("fan-out task failed",
						observability.F("task", job.task.Name),
						observability.F("error", err))
				}
			}()
			p.wg.Done()
		}
	}
}
