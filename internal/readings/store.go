// Package readings is the append-only usage log. It owns deduplication,
// event-time ordering and the per-asset single-writer discipline.
package readings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-maintenance/internal/db"
	"github.com/ukydev/fleet-maintenance/internal/keymutex"
	"github.com/ukydev/fleet-maintenance/internal/metrics"
	"github.com/ukydev/fleet-maintenance/internal/models"
)

// AppendResult is the outcome of one Append call.
type AppendResult struct {
	Outcome models.Outcome
	Reason  models.Reason
	Message string
	// Original is the first outcome recorded for the key when Outcome is duplicate.
	Original models.Outcome
	Reading  models.Reading
	// Err wraps a sentinel from models for rejections that have one.
	Err error
}

// Listener is notified after a reading was durably accepted.
type Listener interface {
	ReadingAccepted(ctx context.Context, reading models.Reading)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, reading models.Reading)

// ReadingAccepted calls f.
func (f ListenerFunc) ReadingAccepted(ctx context.Context, reading models.Reading) {
	f(ctx, reading)
}

// Store appends readings and answers reads over the log.
type Store struct {
	assets   db.AssetCollection
	readings db.ReadingCollection
	locks    *keymutex.KeyedMutex
	now      func() time.Time
	logger   log.FieldLogger

	mu        sync.RWMutex
	listeners []Listener
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the receipt clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger log.FieldLogger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates a Store over the given collections.
func NewStore(assets db.AssetCollection, readings db.ReadingCollection, opts ...Option) *Store {
	s := &Store{
		assets:   assets,
		readings: readings,
		locks:    keymutex.New(),
		now:      time.Now,
		logger:   log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddListener registers l for accepted readings.
func (s *Store) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func rejected(r models.Reading, reason models.Reason, msg string) AppendResult {
	metrics.ReadingsTotal.WithLabelValues(string(models.OutcomeRejected), string(reason)).Inc()
	return AppendResult{Outcome: models.OutcomeRejected, Reason: reason, Message: msg, Reading: r}
}

func duplicate(r models.Reading, original models.Outcome, reason models.Reason) AppendResult {
	metrics.ReadingsTotal.WithLabelValues(string(models.OutcomeDuplicate), string(reason)).Inc()
	return AppendResult{Outcome: models.OutcomeDuplicate, Original: original, Reason: reason, Reading: r}
}

// Append records a reading. Business rejections are reported in the
// result; the returned error is reserved for store failures and ctx
// cancellation, in which case nothing was recorded.
func (s *Store) Append(ctx context.Context, reading models.Reading) (AppendResult, error) {
	if err := reading.Validate(); err != nil {
		return rejected(reading, models.ReasonInvalid, err.Error()), nil
	}

	unlock, err := s.locks.Lock(ctx, reading.AssetID)
	if err != nil {
		return AppendResult{}, err
	}
	result, err := s.appendLocked(ctx, reading)
	unlock()
	if err != nil {
		return AppendResult{}, err
	}

	if result.Outcome == models.OutcomeAccepted {
		metrics.ReadingsTotal.WithLabelValues(string(models.OutcomeAccepted), "").Inc()
		s.notify(ctx, result.Reading)
	}
	return result, nil
}

func (s *Store) appendLocked(ctx context.Context, reading models.Reading) (AppendResult, error) {
	existing, err := s.readings.FindReadingByKey(ctx, reading.AssetID, reading.IdempotencyKey)
	if err == nil {
		return duplicate(*existing, models.OutcomeAccepted, ""), nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return AppendResult{}, fmt.Errorf("lookup reading key: %w", err)
	}
	rej, err := s.readings.FindRejectionByKey(ctx, reading.AssetID, reading.IdempotencyKey)
	if err == nil {
		return duplicate(reading, models.OutcomeRejected, rej.Reason), nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return AppendResult{}, fmt.Errorf("lookup rejection key: %w", err)
	}

	asset, err := s.assets.FindAssetByID(ctx, reading.AssetID)
	if errors.Is(err, db.ErrNotFound) {
		return rejected(reading, models.ReasonUnknownAsset, "asset is not registered"), nil
	}
	if err != nil {
		return AppendResult{}, fmt.Errorf("lookup asset: %w", err)
	}
	if !asset.IsActive {
		return rejected(reading, models.ReasonInactiveAsset, "asset is deactivated"), nil
	}

	stored, err := s.readings.FindReadings(ctx, reading.AssetID)
	if err != nil {
		return AppendResult{}, fmt.Errorf("load history: %w", err)
	}
	history := History(stored)

	reading.Reset = false
	reading.ReceivedAt = s.now().UTC()
	floor, ceiling := history.Bounds(reading.ObservedAt)
	if reading.Value < floor || reading.Value > ceiling {
		latest, _ := history.Latest()
		if reading.Value < floor && asset.ResetTolerance && reading.ObservedAt.After(latest.ObservedAt) {
			reading.Reset = true
		} else {
			return s.reject(ctx, reading, floor, ceiling)
		}
	}

	if err := s.readings.InsertReading(ctx, reading); err != nil {
		if errors.Is(err, db.ErrDuplicateKey) {
			return duplicate(reading, models.OutcomeAccepted, ""), nil
		}
		return AppendResult{}, fmt.Errorf("insert reading: %w", err)
	}

	if reading.Reset {
		metrics.MeterResetsTotal.Inc()
		last, _ := history.Latest()
		s.logger.WithFields(log.Fields{
			"asset_id":        reading.AssetID,
			"previous":        last.Value,
			"value":           reading.Value,
			"observed_at":     reading.ObservedAt,
			"idempotency_key": reading.IdempotencyKey,
		}).Warn("meter reset accepted, starting new epoch")
	}

	// The log is durable at this point. A failed projection update is
	// repaired by the next accepted reading.
	current, _ := append(history, reading).Latest()
	if err := s.assets.UpdateAssetReading(ctx, reading.AssetID, current.Value, current.ObservedAt); err != nil {
		s.logger.WithError(err).WithField("asset_id", reading.AssetID).Warn("failed to update current reading projection")
	}

	return AppendResult{Outcome: models.OutcomeAccepted, Reading: reading}, nil
}

func (s *Store) reject(ctx context.Context, reading models.Reading, floor, ceiling float64) (AppendResult, error) {
	msg := fmt.Sprintf("value %.3f is below %.3f recorded at or before %s", reading.Value, floor, reading.ObservedAt.Format(time.RFC3339))
	if reading.Value > ceiling {
		msg = fmt.Sprintf("value %.3f exceeds %.3f recorded after %s", reading.Value, ceiling, reading.ObservedAt.Format(time.RFC3339))
	}
	err := s.readings.InsertRejection(ctx, models.ReadingRejection{
		AssetID:        reading.AssetID,
		IdempotencyKey: reading.IdempotencyKey,
		Value:          reading.Value,
		ObservedAt:     reading.ObservedAt,
		Reason:         models.ReasonNonMonotonic,
		ReceivedAt:     reading.ReceivedAt,
		ClientID:       reading.ClientID,
	})
	if err != nil && !errors.Is(err, db.ErrDuplicateKey) {
		return AppendResult{}, fmt.Errorf("record rejection: %w", err)
	}
	res := rejected(reading, models.ReasonNonMonotonic, msg)
	res.Err = fmt.Errorf("%w: %s", models.ErrNonMonotonicReading, msg)
	s.logger.WithFields(log.Fields{
		"asset_id":        reading.AssetID,
		"idempotency_key": reading.IdempotencyKey,
		"client_id":       reading.ClientID,
	}).WithError(res.Err).Info("rejected non-monotonic reading")
	return res, nil
}

func (s *Store) notify(ctx context.Context, reading models.Reading) {
	s.mu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, l := range listeners {
		l.ReadingAccepted(ctx, reading)
	}
}

// History returns every accepted reading of an asset in event-time order.
func (s *Store) History(ctx context.Context, assetID string) (History, error) {
	stored, err := s.readings.FindReadings(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return History(stored), nil
}

// Current returns the accepted reading with the latest observed-at.
func (s *Store) Current(ctx context.Context, assetID string) (models.Reading, bool, error) {
	h, err := s.History(ctx, assetID)
	if err != nil {
		return models.Reading{}, false, err
	}
	r, ok := h.Latest()
	return r, ok, nil
}

// Window returns up to n of the most recent readings of the current meter
// epoch, oldest first.
func (s *Store) Window(ctx context.Context, assetID string, n int) (History, error) {
	h, err := s.History(ctx, assetID)
	if err != nil {
		return nil, err
	}
	epoch := h.CurrentEpoch()
	if n > 0 && len(epoch) > n {
		epoch = epoch[len(epoch)-n:]
	}
	return epoch, nil
}

// ValueAt returns the value of the latest reading observed at or before t.
func (s *Store) ValueAt(ctx context.Context, assetID string, t time.Time) (float64, bool, error) {
	h, err := s.History(ctx, assetID)
	if err != nil {
		return 0, false, err
	}
	v, ok := h.ValueAt(t)
	return v, ok, nil
}
