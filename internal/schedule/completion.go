package schedule

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-maintenance/internal/db"
	"github.com/ukydev/fleet-maintenance/internal/metrics"
	"github.com/ukydev/fleet-maintenance/internal/models"
)

// CompletionResult reports how a completion was applied.
type CompletionResult struct {
	Event     models.CompletionEvent `json:"event"`
	Duplicate bool                   `json:"duplicate"`
	// Applied is false for stale completions, which are history only.
	Applied  bool                `json:"applied"`
	Schedule models.ScheduleView `json:"schedule"`
}

// Complete records a completion event and opens the next cycle: the
// schedule passes through completed back to scheduled, the baseline moves
// to the completion, a non-persistent lock is cleared and the date is
// re-predicted. A completion older than the current baseline is kept as
// stale history. Completions are idempotent by key.
func (s *Service) Complete(ctx context.Context, completion models.CompletionEvent) (*CompletionResult, error) {
	if err := completion.Validate(); err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, completion.ScheduleID)
	if err != nil {
		return nil, err
	}
	result, event, err := s.completeLocked(ctx, completion)
	unlock()
	if err != nil {
		metrics.RecomputeTotal.WithLabelValues(string(TriggerCompletion), "error").Inc()
		return nil, err
	}
	metrics.RecomputeTotal.WithLabelValues(string(TriggerCompletion), "ok").Inc()
	s.publish(ctx, event)
	return result, nil
}

func (s *Service) completeLocked(ctx context.Context, completion models.CompletionEvent) (*CompletionResult, *models.RecomputeEvent, error) {
	schedule, err := s.schedules.FindScheduleByID(ctx, completion.ScheduleID)
	if err != nil {
		return nil, nil, fmt.Errorf("find schedule %s: %w", completion.ScheduleID, err)
	}

	existing, err := s.completions.FindCompletionByKey(ctx, completion.ScheduleID, completion.IdempotencyKey)
	switch {
	case err == nil:
		// A previous attempt may have stored the event but failed to update
		// the schedule; finish applying it.
		if existing.Stale || schedule.LastCompletionID == existing.ID || existing.CompletedAt.Before(schedule.BaselineDate) {
			return &CompletionResult{Event: *existing, Duplicate: true, Applied: !existing.Stale, Schedule: schedule.View()}, nil, nil
		}
		event, err := s.applyCompletion(ctx, schedule, *existing)
		if err != nil {
			return nil, nil, err
		}
		return &CompletionResult{Event: *existing, Duplicate: true, Applied: true, Schedule: schedule.View()}, event, nil
	case !errors.Is(err, db.ErrNotFound):
		return nil, nil, fmt.Errorf("lookup completion key: %w", err)
	}

	if !schedule.IsActive {
		return nil, nil, fmt.Errorf("schedule %s is deactivated: %w", schedule.ID, db.ErrNotFound)
	}

	completion.ID = uuid.NewString()
	completion.ReceivedAt = s.now().UTC()
	completion.Stale = completion.CompletedAt.Before(schedule.BaselineDate)
	if err := s.completions.InsertCompletion(ctx, completion); err != nil {
		if errors.Is(err, db.ErrDuplicateKey) {
			return nil, nil, fmt.Errorf("completion %s recorded concurrently: %w", completion.IdempotencyKey, models.ErrDuplicateKey)
		}
		return nil, nil, fmt.Errorf("insert completion: %w", err)
	}

	if completion.Stale {
		s.logger.WithFields(log.Fields{
			"schedule_id":   schedule.ID,
			"completed_at":  completion.CompletedAt,
			"baseline_date": schedule.BaselineDate,
		}).Info("completion predates baseline, recorded as history")
		return &CompletionResult{Event: completion, Schedule: schedule.View()}, nil, nil
	}

	event, err := s.applyCompletion(ctx, schedule, completion)
	if err != nil {
		return nil, nil, err
	}
	return &CompletionResult{Event: completion, Applied: true, Schedule: schedule.View()}, event, nil
}

// applyCompletion moves the baseline and persists the schedule. A failed
// re-prediction does not undo the completion; the schedule is stored as
// scheduled and the sweep computes its date.
func (s *Service) applyCompletion(ctx context.Context, schedule *models.MaintenanceSchedule, completion models.CompletionEvent) (*models.RecomputeEvent, error) {
	baseline, err := s.baselineReading(ctx, schedule, completion)
	if err != nil {
		return nil, err
	}
	previous := schedule.Status

	if err := NewMachine(schedule).Complete(ctx); err != nil {
		return nil, err
	}
	schedule.BaselineReading = baseline
	schedule.BaselineDate = completion.CompletedAt.UTC()
	schedule.LastCompletionID = completion.ID
	if schedule.Lock != nil && !schedule.Lock.Persistent {
		schedule.Lock = nil
	}
	schedule.PredictedDate = nil
	schedule.PredictionSource = models.SourceNone

	var event *models.RecomputeEvent
	if _, err := s.recomputeLocked(ctx, schedule); err != nil {
		s.logger.WithError(err).WithField("schedule_id", schedule.ID).Warn("re-prediction after completion failed")
		schedule.LastRecomputeError = err.Error()
		schedule.UpdatedAt = s.now().UTC()
	} else {
		event = &models.RecomputeEvent{
			ScheduleID:     schedule.ID,
			AssetID:        schedule.AssetID,
			PreviousStatus: previous,
			Status:         schedule.Status,
			PredictedDate:  schedule.PredictedDate,
			Source:         schedule.PredictionSource,
			ComputedAt:     schedule.UpdatedAt,
		}
	}
	if err := s.schedules.UpdateSchedule(ctx, *schedule); err != nil {
		return nil, fmt.Errorf("update schedule %s: %w", schedule.ID, err)
	}

	s.logger.WithFields(log.Fields{
		"schedule_id":      schedule.ID,
		"completion_id":    completion.ID,
		"baseline_reading": schedule.BaselineReading,
		"baseline_date":    schedule.BaselineDate,
		"status":           schedule.Status,
	}).Info("maintenance completed")
	return event, nil
}

// baselineReading is the completion's own reading, else the meter value
// recorded at completion time, else the previous baseline.
func (s *Service) baselineReading(ctx context.Context, schedule *models.MaintenanceSchedule, completion models.CompletionEvent) (float64, error) {
	if completion.Reading != nil {
		return *completion.Reading, nil
	}
	v, ok, err := s.values.ValueAt(ctx, schedule.AssetID, completion.CompletedAt)
	if err != nil {
		return 0, fmt.Errorf("meter value at completion: %w", err)
	}
	if !ok {
		return schedule.BaselineReading, nil
	}
	return v, nil
}

// History returns a schedule's completion history, oldest first.
func (s *Service) History(ctx context.Context, scheduleID string) ([]models.CompletionEvent, error) {
	if _, err := s.schedules.FindScheduleByID(ctx, scheduleID); err != nil {
		return nil, fmt.Errorf("find schedule %s: %w", scheduleID, err)
	}
	return s.completions.FindCompletions(ctx, scheduleID)
}
