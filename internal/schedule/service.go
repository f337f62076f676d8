// Package schedule owns maintenance schedule state: recomputation, dispatcher
// locks, completions, the asynchronous recompute worker and the sweep.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-maintenance/internal/db"
	"github.com/ukydev/fleet-maintenance/internal/keymutex"
	"github.com/ukydev/fleet-maintenance/internal/metrics"
	"github.com/ukydev/fleet-maintenance/internal/models"
	"github.com/ukydev/fleet-maintenance/internal/notifier"
	"github.com/ukydev/fleet-maintenance/internal/predict"
)

// Trigger names what caused a recompute.
type Trigger string

const (
	TriggerReading    Trigger = "reading"
	TriggerSweep      Trigger = "sweep"
	TriggerLock       Trigger = "lock"
	TriggerCompletion Trigger = "completion"
	TriggerCreate     Trigger = "create"
	TriggerConfig     Trigger = "config"
)

// Predictor computes a schedule's next service date.
type Predictor interface {
	Predict(ctx context.Context, s *models.MaintenanceSchedule) (predict.Prediction, error)
}

// ValueSource answers meter values from the reading log.
type ValueSource interface {
	ValueAt(ctx context.Context, assetID string, t time.Time) (float64, bool, error)
}

// Service mutates schedules. Every mutation of one schedule is serialized
// through a per-schedule lock.
type Service struct {
	schedules   db.ScheduleCollection
	completions db.CompletionCollection
	assets      db.AssetCollection
	predictor   Predictor
	values      ValueSource
	notifier    notifier.Notifier
	locks       *keymutex.KeyedMutex
	now         func() time.Time
	logger      log.FieldLogger

	notifyTimeout time.Duration
	inflight      sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock used for status evaluation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger log.FieldLogger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithNotifier sets where recompute events go. Defaults to the log.
func WithNotifier(n notifier.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithNotifyTimeout bounds the delivery of one recompute event.
func WithNotifyTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.notifyTimeout = d
		}
	}
}

// DefaultNotifyTimeout bounds event delivery when no timeout is configured.
const DefaultNotifyTimeout = 10 * time.Second

// NewService creates a Service over the store.
func NewService(store *db.Store, predictor Predictor, values ValueSource, opts ...Option) *Service {
	s := &Service{
		schedules:   store.Schedules,
		completions: store.Completions,
		assets:      store.Assets,
		predictor:   predictor,
		values:      values,
		locks:       keymutex.New(),
		now:         time.Now,
		logger:      log.StandardLogger(),

		notifyTimeout: DefaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = notifier.LogNotifier{Logger: s.logger}
	}
	return s
}

// mutate loads a schedule under its lock, applies fn and persists the result.
// The recompute event, if any, is published after the lock is released.
func (s *Service) mutate(ctx context.Context, id string, trigger Trigger, fn func(*models.MaintenanceSchedule) error) (*models.MaintenanceSchedule, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	schedule, event, err := s.mutateLocked(ctx, id, trigger, fn)
	unlock()
	if err != nil {
		status := "error"
		if errors.Is(err, errInactive) {
			status = "skipped"
		}
		metrics.RecomputeTotal.WithLabelValues(string(trigger), status).Inc()
		return nil, err
	}
	metrics.RecomputeTotal.WithLabelValues(string(trigger), "ok").Inc()
	s.publish(ctx, event)
	return schedule, nil
}

func (s *Service) mutateLocked(ctx context.Context, id string, trigger Trigger, fn func(*models.MaintenanceSchedule) error) (*models.MaintenanceSchedule, *models.RecomputeEvent, error) {
	schedule, err := s.schedules.FindScheduleByID(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("find schedule %s: %w", id, err)
	}
	if fn != nil {
		if err := fn(schedule); err != nil {
			return nil, nil, err
		}
	}
	event, err := s.recomputeLocked(ctx, schedule)
	if err != nil {
		return nil, nil, err
	}
	if err := s.schedules.UpdateSchedule(ctx, *schedule); err != nil {
		return nil, nil, fmt.Errorf("update schedule %s: %w", id, err)
	}
	return schedule, event, nil
}

// recomputeLocked predicts and transitions s in place. It returns an event
// when the visible state changed.
func (s *Service) recomputeLocked(ctx context.Context, schedule *models.MaintenanceSchedule) (*models.RecomputeEvent, error) {
	pred, err := s.predictor.Predict(ctx, schedule)
	if err != nil {
		return nil, fmt.Errorf("predict schedule %s: %w", schedule.ID, err)
	}
	now := s.now().UTC()
	previous := schedule.Status
	previousDate := schedule.PredictedDate
	previousSource := schedule.PredictionSource

	if err := NewMachine(schedule).Transition(ctx, Evaluate(pred.Date, now, schedule.DueSoonThresholdDays)); err != nil {
		return nil, err
	}
	schedule.PredictedDate = pred.Date
	schedule.PredictionSource = pred.Source
	schedule.LastRecomputedAt = &now
	schedule.LastRecomputeError = ""
	schedule.UpdatedAt = now

	if previous == schedule.Status && sameTime(previousDate, pred.Date) && previousSource == pred.Source {
		return nil, nil
	}
	return &models.RecomputeEvent{
		ScheduleID:     schedule.ID,
		AssetID:        schedule.AssetID,
		PreviousStatus: previous,
		Status:         schedule.Status,
		PredictedDate:  pred.Date,
		Source:         pred.Source,
		ComputedAt:     now,
	}, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// publish delivers the event in the background. The caller's deadline does
// not apply: the state change is already stored when this runs.
func (s *Service) publish(ctx context.Context, event *models.RecomputeEvent) {
	if event == nil {
		return
	}
	ev := *event
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
		defer cancel()
		if err := s.notifier.Notify(ctx, ev); err != nil {
			s.logger.WithError(err).WithField("schedule_id", ev.ScheduleID).Warn("failed to publish recompute event")
		}
	}()
}

// WaitEvents blocks until every recompute event published so far was
// delivered or timed out.
func (s *Service) WaitEvents() {
	s.inflight.Wait()
}

// Recompute re-predicts one schedule and persists its status. Inactive
// schedules are left untouched.
func (s *Service) Recompute(ctx context.Context, id string, trigger Trigger) error {
	_, err := s.mutate(ctx, id, trigger, func(schedule *models.MaintenanceSchedule) error {
		if !schedule.IsActive {
			return errInactive
		}
		return nil
	})
	if errors.Is(err, errInactive) {
		return nil
	}
	return err
}

var errInactive = errors.New("schedule is inactive")

// RecomputeAsset recomputes every active schedule bound to an asset.
func (s *Service) RecomputeAsset(ctx context.Context, assetID string, trigger Trigger) error {
	ids, err := s.ActiveScheduleIDs(ctx, assetID)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if err := s.Recompute(ctx, id, trigger); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ActiveScheduleIDs lists active schedules, of one asset when assetID is set.
func (s *Service) ActiveScheduleIDs(ctx context.Context, assetID string) ([]string, error) {
	found, err := s.schedules.FindSchedules(ctx, db.ScheduleFilter{AssetID: assetID, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	ids := make([]string, len(found))
	for i := range found {
		ids[i] = found[i].ID
	}
	return ids, nil
}

// RecordRecomputeFailure stores the last recompute error on the schedule
// without touching its status. The next sweep retries.
func (s *Service) RecordRecomputeFailure(ctx context.Context, id string, cause error) error {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	schedule, err := s.schedules.FindScheduleByID(ctx, id)
	if err != nil {
		return fmt.Errorf("find schedule %s: %w", id, err)
	}
	schedule.LastRecomputeError = cause.Error()
	schedule.UpdatedAt = s.now().UTC()
	return s.schedules.UpdateSchedule(ctx, *schedule)
}

// CreateSchedule validates and stores a new schedule, computing its first
// prediction.
func (s *Service) CreateSchedule(ctx context.Context, schedule models.MaintenanceSchedule) (*models.MaintenanceSchedule, error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.assets.FindAssetByID(ctx, schedule.AssetID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, &models.ValidationError{Field: "asset_id", Message: "does not reference a registered asset"}
		}
		return nil, fmt.Errorf("find asset: %w", err)
	}

	now := s.now().UTC()
	if schedule.ID == "" {
		schedule.ID = uuid.NewString()
	}
	schedule.Status = models.StatusScheduled
	schedule.IsActive = true
	schedule.CreatedAt = now
	schedule.UpdatedAt = now
	if schedule.Lock != nil && schedule.Lock.SetAt.IsZero() {
		schedule.Lock.SetAt = now
	}

	event, err := s.recomputeLocked(ctx, &schedule)
	if err != nil {
		// Stored as scheduled with no date; the sweep fills it in.
		schedule.LastRecomputeError = err.Error()
		event = nil
	}
	if err := s.schedules.InsertSchedule(ctx, schedule); err != nil {
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	s.publish(ctx, event)
	return &schedule, nil
}

// SetActive activates or deactivates a schedule. Schedules are never deleted.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (*models.ScheduleView, error) {
	schedule, err := s.mutate(ctx, id, TriggerConfig, func(schedule *models.MaintenanceSchedule) error {
		schedule.IsActive = active
		return nil
	})
	if err != nil {
		return nil, err
	}
	view := schedule.View()
	return &view, nil
}

// SetLock pins a schedule's service date. The lock wins over every
// prediction until cleared, or until completion unless persistent.
func (s *Service) SetLock(ctx context.Context, id string, date time.Time, persistent bool, setBy string) (*models.ScheduleView, error) {
	if date.IsZero() {
		return nil, &models.ValidationError{Field: "date", Message: "is required"}
	}
	schedule, err := s.mutate(ctx, id, TriggerLock, func(schedule *models.MaintenanceSchedule) error {
		schedule.Lock = &models.Lock{
			Date:       date.UTC(),
			Persistent: persistent,
			SetBy:      setBy,
			SetAt:      s.now().UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(log.Fields{
		"schedule_id": id,
		"date":        date.UTC().Format(time.RFC3339),
		"persistent":  persistent,
		"set_by":      setBy,
	}).Info("schedule locked")
	view := schedule.View()
	return &view, nil
}

// ClearLock removes a dispatcher lock and re-predicts.
func (s *Service) ClearLock(ctx context.Context, id string) (*models.ScheduleView, error) {
	schedule, err := s.mutate(ctx, id, TriggerLock, func(schedule *models.MaintenanceSchedule) error {
		schedule.Lock = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithField("schedule_id", id).Info("schedule lock cleared")
	view := schedule.View()
	return &view, nil
}

// GetSchedule returns the dashboard view of a schedule.
func (s *Service) GetSchedule(ctx context.Context, id string) (*models.ScheduleView, error) {
	schedule, err := s.schedules.FindScheduleByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("find schedule %s: %w", id, err)
	}
	view := schedule.View()
	return &view, nil
}

// ListSchedules returns schedule views matching the filter.
func (s *Service) ListSchedules(ctx context.Context, filter db.ScheduleFilter) ([]models.ScheduleView, error) {
	found, err := s.schedules.FindSchedules(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	views := make([]models.ScheduleView, len(found))
	for i := range found {
		views[i] = found[i].View()
	}
	return views, nil
}

// Filter narrows ListDueSoonOrOverdue.
type Filter struct {
	AssetID  string
	Statuses []models.Status // due_soon and/or overdue; both when empty
	Before   *time.Time      // predicted date strictly before
}

// ListDueSoonOrOverdue returns active schedules needing attention, earliest
// predicted date first.
func (s *Service) ListDueSoonOrOverdue(ctx context.Context, filter Filter) ([]models.ScheduleView, error) {
	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = []models.Status{models.StatusDueSoon, models.StatusOverdue}
	}
	for _, st := range statuses {
		if st != models.StatusDueSoon && st != models.StatusOverdue {
			return nil, &models.ValidationError{Field: "status", Message: "must be due_soon or overdue"}
		}
	}

	found, err := s.schedules.FindSchedules(ctx, db.ScheduleFilter{AssetID: filter.AssetID, Statuses: statuses, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	views := make([]models.ScheduleView, 0, len(found))
	for i := range found {
		if filter.Before != nil && (found[i].PredictedDate == nil || !found[i].PredictedDate.Before(*filter.Before)) {
			continue
		}
		views = append(views, found[i].View())
	}
	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i].PredictedDate, views[j].PredictedDate
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return a.Before(*b)
	})
	return views, nil
}
