// ABOUTME: Fixed-size worker pool draining the dispatcher
// ABOUTME: Each worker runs one job at a time; in-flight jobs finish after cancellation

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the pool size when none is configured.
const DefaultWorkers = 8

// Handler executes a claimed job.
type Handler interface {
	Execute(ctx context.Context, job *Job) Outcome
}

// Observer is told when a worker starts and finishes a job. Calls happen
// on the worker goroutine and must not block.
type Observer interface {
	JobStarted(job *Job)
	JobFinished(job *Job, out Outcome)
}

// Pool runs workers that pull from a Dispatcher.
type Pool struct {
	dispatcher *Dispatcher
	handler    Handler
	workers    int
	observer   Observer
	logger     *slog.Logger
}

// NewPool creates a pool. workers <= 0 means DefaultWorkers.
func NewPool(d *Dispatcher, h Handler, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		dispatcher: d,
		handler:    h,
		workers:    workers,
		logger:     logger.With("component", "pool"),
	}
}

// SetObserver registers o for job lifecycle callbacks. Call it before Run.
func (p *Pool) SetObserver(o Observer) {
	p.observer = o
}

// Run starts the workers and blocks until ctx is cancelled or the
// dispatcher is closed and drained.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("starting workers", "count", p.workers)

	g, ctx := errgroup.WithContext(ctx)
	for i := range p.workers {
		name := fmt.Sprintf("worker-%d", i+1)
		g.Go(func() error {
			return p.work(ctx, name)
		})
	}
	err := g.Wait()
	p.logger.Info("workers stopped")
	return err
}

func (p *Pool) work(ctx context.Context, name string) error {
	log := p.logger.With("worker", name)
	log.Debug("worker started")

	for {
		job, err := p.dispatcher.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s: dequeue: %w", name, err)
		}

		log.Debug("claimed job", "job", job.ID, "user", job.UserID)
		// The job runs to completion even if shutdown starts now.
		outcome := p.execute(context.WithoutCancel(ctx), log, job)

		state := StateCompleted
		if !outcome.OK() {
			state = StateFailed
		}
		p.dispatcher.Done(job, state)
		if p.observer != nil {
			p.observer.JobFinished(job, outcome)
		}
	}
}

func (p *Pool) execute(ctx context.Context, log *slog.Logger, job *Job) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "job", job.ID, "panic", r)
			out = Outcome{Kind: OutcomeFailed, Category: CategoryUnknown, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	job.setState(StateExecuting)
	if p.observer != nil {
		p.observer.JobStarted(job)
	}
	return p.handler.Execute(ctx, job)
}
