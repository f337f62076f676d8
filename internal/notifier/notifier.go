// Package notifier publishes recompute-completed events to downstream
// consumers. Delivery guarantees beyond a single publish are out of scope.
package notifier

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-maintenance/internal/models"
)

// Notifier publishes recompute events.
type Notifier interface {
	Notify(ctx context.Context, event models.RecomputeEvent) error
}

// LogNotifier writes events to the log. It is used when no broker is configured.
type LogNotifier struct {
	Logger log.FieldLogger
}

// Notify logs the event.
func (n LogNotifier) Notify(ctx context.Context, event models.RecomputeEvent) error {
	logger := n.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	fields := log.Fields{
		"schedule_id":     event.ScheduleID,
		"asset_id":        event.AssetID,
		"previous_status": event.PreviousStatus,
		"status":          event.Status,
		"source":          event.Source,
	}
	if event.PredictedDate != nil {
		fields["predicted_date"] = event.PredictedDate.Format("2006-01-02T15:04:05Z07:00")
	}
	logger.WithFields(fields).Info("schedule recomputed")
	return nil
}

// Multi fans an event out to several notifiers and joins their errors.
type Multi []Notifier

// Notify calls every notifier.
func (m Multi) Notify(ctx context.Context, event models.RecomputeEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
