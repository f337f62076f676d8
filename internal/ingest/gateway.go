// Package ingest accepts batches of readings and completions from field
// clients, including ones queued while offline, and reports an outcome per
// item.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-maintenance/internal/db"
	"github.com/ukydev/fleet-maintenance/internal/metrics"
	"github.com/ukydev/fleet-maintenance/internal/models"
	"github.com/ukydev/fleet-maintenance/internal/readings"
	"github.com/ukydev/fleet-maintenance/internal/schedule"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultItemTimeout   = 5 * time.Second
	DefaultMaxBatchItems = 1000
	DefaultConcurrency   = 8
)

// Appender stores readings.
type Appender interface {
	Append(ctx context.Context, reading models.Reading) (readings.AppendResult, error)
}

// Completer applies completion events.
type Completer interface {
	Complete(ctx context.Context, completion models.CompletionEvent) (*schedule.CompletionResult, error)
}

// Gateway applies sync batches item by item. There is no cross-item
// transaction: every item succeeds or fails on its own.
type Gateway struct {
	readings    Appender
	completions Completer
	itemTimeout time.Duration
	maxItems    int
	concurrency int
	now         func() time.Time
	logger      log.FieldLogger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithItemTimeout bounds the time spent on one item.
func WithItemTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.itemTimeout = d
		}
	}
}

// WithMaxBatchItems bounds the number of items in one batch.
func WithMaxBatchItems(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxItems = n
		}
	}
}

// WithConcurrency sets how many assets are processed at once.
func WithConcurrency(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.concurrency = n
		}
	}
}

// WithClock overrides the receipt clock.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger log.FieldLogger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// NewGateway creates a Gateway.
func NewGateway(r Appender, c Completer, opts ...Option) *Gateway {
	g := &Gateway{
		readings:    r,
		completions: c,
		itemTimeout: DefaultItemTimeout,
		maxItems:    DefaultMaxBatchItems,
		concurrency: DefaultConcurrency,
		now:         time.Now,
		logger:      log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Submit applies a batch from one client. Readings are grouped by asset and
// applied in event-time order, assets in parallel; completions follow in
// event-time order, so a completion sees every reading of the batch that
// precedes it. Only a malformed batch fails the whole call.
func (g *Gateway) Submit(ctx context.Context, batch models.SyncBatch, clientID string) (*models.BatchResult, error) {
	if batch.Len() == 0 {
		return nil, &models.ValidationError{Field: "batch", Message: "contains no items"}
	}
	if batch.Len() > g.maxItems {
		return nil, &models.ValidationError{Field: "batch", Message: fmt.Sprintf("exceeds %d items", g.maxItems)}
	}

	result := &models.BatchResult{
		ClientID:   clientID,
		ReceivedAt: g.now().UTC(),
		Items:      make([]models.ItemOutcome, batch.Len()),
	}
	readingOutcomes := result.Items[:len(batch.Readings)]
	completionOutcomes := result.Items[len(batch.Readings):]

	g.applyReadings(ctx, batch.Readings, clientID, readingOutcomes)
	g.applyCompletions(ctx, batch.Completions, clientID, completionOutcomes)

	for _, item := range result.Items {
		switch item.Outcome {
		case models.OutcomeAccepted:
			result.Accepted++
		case models.OutcomeDuplicate:
			result.Duplicates++
		case models.OutcomeRejected:
			result.Rejected++
		}
		metrics.SyncItemsTotal.WithLabelValues(string(item.Kind), string(item.Outcome)).Inc()
	}

	g.logger.WithFields(log.Fields{
		"client_id":  clientID,
		"items":      len(result.Items),
		"accepted":   result.Accepted,
		"duplicates": result.Duplicates,
		"rejected":   result.Rejected,
	}).Info("sync batch applied")
	return result, nil
}

// eventOrder returns item indices sorted by event time, then array position.
func eventOrder(n int, at func(int) time.Time) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return at(order[a]).Before(at(order[b]))
	})
	return order
}

func (g *Gateway) applyReadings(ctx context.Context, items []models.Reading, clientID string, out []models.ItemOutcome) {
	order := eventOrder(len(items), func(i int) time.Time { return items[i].ObservedAt })

	groups := make(map[string][]int)
	var assets []string
	for _, i := range order {
		id := items[i].AssetID
		if _, ok := groups[id]; !ok {
			assets = append(assets, id)
		}
		groups[id] = append(groups[id], i)
	}

	eg := new(errgroup.Group)
	eg.SetLimit(g.concurrency)
	for _, asset := range assets {
		indices := groups[asset]
		eg.Go(func() error {
			for _, i := range indices {
				r := items[i]
				if r.ClientID == "" {
					r.ClientID = clientID
				}
				out[i] = g.applyReading(ctx, i, r)
			}
			return nil
		})
	}
	_ = eg.Wait()
}

func (g *Gateway) applyReading(ctx context.Context, index int, r models.Reading) models.ItemOutcome {
	outcome := models.ItemOutcome{Kind: models.KindReading, Index: index, IdempotencyKey: r.IdempotencyKey}

	var res readings.AppendResult
	err := g.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		res, err = g.readings.Append(ctx, r)
		return err
	})
	if err != nil {
		g.logItemFailure(err, outcome)
		return failed(outcome, err)
	}

	outcome.Outcome = res.Outcome
	outcome.Reason = res.Reason
	outcome.Message = res.Message
	outcome.Original = res.Original
	return outcome
}

func (g *Gateway) applyCompletions(ctx context.Context, items []models.CompletionEvent, clientID string, out []models.ItemOutcome) {
	order := eventOrder(len(items), func(i int) time.Time { return items[i].CompletedAt })
	for _, i := range order {
		c := items[i]
		if c.ClientID == "" {
			c.ClientID = clientID
		}
		out[i] = g.applyCompletion(ctx, i, c)
	}
}

func (g *Gateway) applyCompletion(ctx context.Context, index int, c models.CompletionEvent) models.ItemOutcome {
	outcome := models.ItemOutcome{Kind: models.KindCompletion, Index: index, IdempotencyKey: c.IdempotencyKey}

	var res *schedule.CompletionResult
	err := g.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		res, err = g.completions.Complete(ctx, c)
		return err
	})
	switch {
	case err == nil:
	case models.IsValidation(err):
		outcome.Outcome = models.OutcomeRejected
		outcome.Reason = models.ReasonInvalid
		outcome.Message = err.Error()
		return outcome
	case errors.Is(err, db.ErrNotFound):
		outcome.Outcome = models.OutcomeRejected
		outcome.Reason = models.ReasonUnknownSchedule
		outcome.Message = "schedule is unknown or deactivated"
		return outcome
	default:
		g.logItemFailure(err, outcome)
		return failed(outcome, err)
	}

	outcome.Outcome = models.OutcomeAccepted
	if res.Duplicate {
		outcome.Outcome = models.OutcomeDuplicate
		outcome.Original = models.OutcomeAccepted
	}
	if !res.Applied {
		outcome.Message = "completion predates the current baseline and was recorded as history"
	}
	return outcome
}

// withTimeout runs fn under the per-item deadline. It returns when the
// deadline passes even if fn has not, so one stuck item cannot hold up the
// rest of the batch.
func (g *Gateway) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	itemCtx, cancel := context.WithTimeout(ctx, g.itemTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(itemCtx) }()
	select {
	case err := <-done:
		return err
	case <-itemCtx.Done():
		return itemCtx.Err()
	}
}

// failed maps a system error to a retryable rejection.
func failed(outcome models.ItemOutcome, err error) models.ItemOutcome {
	outcome.Outcome = models.OutcomeRejected
	outcome.Reason = models.ReasonStoreUnavailable
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		outcome.Reason = models.ReasonTimeout
	}
	outcome.Retryable = true
	outcome.Message = err.Error()
	return outcome
}

func (g *Gateway) logItemFailure(err error, outcome models.ItemOutcome) {
	g.logger.WithError(err).WithFields(log.Fields{
		"kind":            outcome.Kind,
		"idempotency_key": outcome.IdempotencyKey,
	}).Warn("sync item failed")
}
