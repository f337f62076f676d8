package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-maintenance/internal/db"
	"github.com/ukydev/fleet-maintenance/internal/metrics"
	"github.com/ukydev/fleet-maintenance/internal/models"
	"golang.org/x/sync/errgroup"
)

// Recomputer is what the worker and the sweeper drive.
type Recomputer interface {
	Recompute(ctx context.Context, id string, trigger Trigger) error
	ActiveScheduleIDs(ctx context.Context, assetID string) ([]string, error)
	RecordRecomputeFailure(ctx context.Context, id string, cause error) error
}

type job struct {
	id      string
	trigger Trigger
}

// Worker recomputes schedules asynchronously. A schedule already waiting in
// the queue is not queued twice.
type Worker struct {
	svc        Recomputer
	queue      chan job
	workers    int
	newBackOff func() backoff.BackOff
	logger     log.FieldLogger

	mu      sync.Mutex
	pending map[string]struct{}
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkers sets the number of recompute goroutines.
func WithWorkers(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.workers = n
		}
	}
}

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.queue = make(chan job, n)
		}
	}
}

// WithBackOff sets the retry policy for transient failures.
func WithBackOff(fn func() backoff.BackOff) WorkerOption {
	return func(w *Worker) { w.newBackOff = fn }
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger log.FieldLogger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// DefaultBackOff retries for up to 30 seconds.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// NewWorker creates a Worker. Call Run to start processing.
func NewWorker(svc Recomputer, opts ...WorkerOption) *Worker {
	w := &Worker{
		svc:        svc,
		queue:      make(chan job, 1024),
		workers:    4,
		newBackOff: DefaultBackOff,
		logger:     log.StandardLogger(),
		pending:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Enqueue schedules a recompute. It never blocks: when the queue is full
// the trigger is dropped and the sweep picks the schedule up.
func (w *Worker) Enqueue(id string, trigger Trigger) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[id]; ok {
		return true
	}
	select {
	case w.queue <- job{id: id, trigger: trigger}:
		w.pending[id] = struct{}{}
		metrics.RecomputeQueueDepth.Set(float64(len(w.pending)))
		return true
	default:
		w.logger.WithField("schedule_id", id).Warn("recompute queue full, leaving schedule to the sweep")
		return false
	}
}

// ReadingAccepted queues every active schedule of the reading's asset.
func (w *Worker) ReadingAccepted(ctx context.Context, reading models.Reading) {
	ids, err := w.svc.ActiveScheduleIDs(ctx, reading.AssetID)
	if err != nil {
		w.logger.WithError(err).WithField("asset_id", reading.AssetID).Warn("failed to list schedules for recompute")
		return
	}
	for _, id := range ids {
		w.Enqueue(id, TriggerReading)
	}
}

// Pending returns the number of queued schedules.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Run processes the queue until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case j := <-w.queue:
					w.mu.Lock()
					delete(w.pending, j.id)
					metrics.RecomputeQueueDepth.Set(float64(len(w.pending)))
					w.mu.Unlock()
					w.process(ctx, j)
				}
			}
		})
	}
	return g.Wait()
}

func (w *Worker) process(ctx context.Context, j job) {
	op := func() error {
		err := w.svc.Recompute(ctx, j.id, j.trigger)
		if err == nil || models.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.Retry(op, backoff.WithContext(w.newBackOff(), ctx))
	if err == nil || ctx.Err() != nil {
		return
	}

	logger := w.logger.WithError(err).WithField("schedule_id", j.id)
	if errors.Is(err, db.ErrNotFound) {
		logger.Warn("dropping recompute for unknown schedule")
		return
	}
	logger.Error("recompute failed, leaving schedule to the sweep")
	if err := w.svc.RecordRecomputeFailure(ctx, j.id, err); err != nil {
		logger.WithField("record_error", err.Error()).Warn("failed to record recompute failure")
	}
}
