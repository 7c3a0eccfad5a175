// Package dispatcher manages worker fan-out over the crawl job queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Lewis-walter7/seoanalyzer/internal/apperr"
	"github.com/Lewis-walter7/seoanalyzer/internal/crawler"
	"github.com/Lewis-walter7/seoanalyzer/internal/worker"
)

// DefaultEnqueueTimeout bounds how long Enqueue waits on a full queue.
const DefaultEnqueueTimeout = 5 * time.Second

// Dispatcher fans out queue work to a pool of workers and routes cancellations.
type Dispatcher struct {
	queue          crawler.Queue
	workers        []*worker.Worker
	registry       *worker.Registry
	enqueueTimeout time.Duration
	logger         *zap.Logger
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithEnqueueTimeout overrides DefaultEnqueueTimeout.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.enqueueTimeout = d
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger *zap.Logger) Option {
	return func(disp *Dispatcher) {
		if logger != nil {
			disp.logger = logger
		}
	}
}

// New creates a Dispatcher. registry must be the one shared by workers.
func New(queue crawler.Queue, workers []*worker.Worker, registry *worker.Registry, opts ...Option) *Dispatcher {
	if registry == nil {
		registry = worker.NewRegistry()
	}
	d := &Dispatcher{
		queue:          queue,
		workers:        workers,
		registry:       registry,
		enqueueTimeout: DefaultEnqueueTimeout,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts all workers and blocks until every one of them returns.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher starting", zap.Int("workers", len(d.workers)))
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Enqueue submits a job, failing with a ServiceUnavailable error when the
// queue stays full past the enqueue timeout.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	enqueueCtx, cancel := context.WithTimeout(ctx, d.enqueueTimeout)
	defer cancel()

	err := d.queue.Enqueue(enqueueCtx, item)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		d.logger.Warn("crawl queue full", zap.String("job_id", item.JobID))
		return apperr.Wrap(apperr.KindServiceUnavailable, "crawl queue is full", err)
	case errors.Is(err, crawler.ErrQueueClosed):
		return apperr.Wrap(apperr.KindServiceUnavailable, "crawl queue is shutting down", err)
	default:
		return fmt.Errorf("queue enqueue: %w", err)
	}
}

// Cancel interrupts a running job and reports whether it was running here.
func (d *Dispatcher) Cancel(jobID string) bool {
	return d.registry.Cancel(jobID)
}

// Running reports how many jobs are in flight.
func (d *Dispatcher) Running() int {
	return d.registry.Active()
}
