package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/looplab/fsm"
	"github.com/ukydev/fleet-maintenance/internal/metrics"
	"github.com/ukydev/fleet-maintenance/internal/models"
)

// Status events. Callers never assign a status directly; they fire events.
const (
	EventApproach = "approach" // scheduled -> due_soon
	EventLapse    = "lapse"    // scheduled, due_soon -> overdue
	EventRelax    = "relax"    // due_soon, overdue -> scheduled
	EventRecover  = "recover"  // overdue -> due_soon
	EventComplete = "complete" // any -> completed
	EventReopen   = "reopen"   // completed -> scheduled
)

var (
	scheduled = string(models.StatusScheduled)
	dueSoon   = string(models.StatusDueSoon)
	overdue   = string(models.StatusOverdue)
	completed = string(models.StatusCompleted)
)

// Evaluate derives the status a schedule should have at now. A nil
// prediction is always scheduled.
func Evaluate(predicted *time.Time, now time.Time, thresholdDays int) models.Status {
	if predicted == nil {
		return models.StatusScheduled
	}
	if predicted.Before(now) {
		return models.StatusOverdue
	}
	if predicted.Sub(now) <= time.Duration(thresholdDays)*24*time.Hour {
		return models.StatusDueSoon
	}
	return models.StatusScheduled
}

// Machine applies status transitions to one schedule.
type Machine struct {
	*fsm.FSM
	schedule *models.MaintenanceSchedule
}

// NewMachine creates a Machine starting at the schedule's current status.
// An unset status starts as scheduled.
func NewMachine(s *models.MaintenanceSchedule) *Machine {
	m := &Machine{schedule: s}
	initial := string(s.Status)
	if !models.IsValidStatus(s.Status) {
		initial = scheduled
	}

	events := fsm.Events{
		{Name: EventApproach, Src: []string{scheduled}, Dst: dueSoon},
		{Name: EventLapse, Src: []string{scheduled, dueSoon}, Dst: overdue},
		{Name: EventRelax, Src: []string{dueSoon, overdue}, Dst: scheduled},
		{Name: EventRecover, Src: []string{overdue}, Dst: dueSoon},
		{Name: EventComplete, Src: []string{scheduled, dueSoon, overdue}, Dst: completed},
		{Name: EventReopen, Src: []string{completed}, Dst: scheduled},
	}
	callbacks := fsm.Callbacks{
		"enter_state": m.enterState,
	}
	m.FSM = fsm.NewFSM(initial, events, callbacks)
	m.schedule.Status = models.Status(initial)
	return m
}

func (m *Machine) enterState(ctx context.Context, e *fsm.Event) {
	m.schedule.Status = models.Status(e.Dst)
	metrics.StatusTransitionsTotal.WithLabelValues(e.Src, e.Dst).Inc()
}

// eventFor returns the event that moves from one status to another.
func eventFor(from, to models.Status) (string, bool) {
	switch {
	case to == models.StatusCompleted:
		return EventComplete, from != models.StatusCompleted
	case from == models.StatusCompleted:
		return EventReopen, true
	case to == models.StatusOverdue:
		return EventLapse, from != models.StatusOverdue
	case to == models.StatusDueSoon && from == models.StatusScheduled:
		return EventApproach, true
	case to == models.StatusDueSoon && from == models.StatusOverdue:
		return EventRecover, true
	case to == models.StatusScheduled && from != models.StatusScheduled:
		return EventRelax, true
	}
	return "", false
}

// Transition moves the schedule to target. A completed schedule is reopened
// first. Reaching the current status is a no-op.
func (m *Machine) Transition(ctx context.Context, target models.Status) error {
	if !models.IsValidStatus(target) {
		return fmt.Errorf("unknown status %q", target)
	}
	for m.Current() != string(target) {
		event, ok := eventFor(models.Status(m.Current()), target)
		if !ok {
			return fmt.Errorf("no transition %s -> %s", m.Current(), target)
		}
		if err := m.Event(ctx, event); err != nil {
			return fmt.Errorf("status %s -> %s: %w", m.Current(), target, err)
		}
	}
	return nil
}

// Complete records a finished cycle and immediately opens the next one.
func (m *Machine) Complete(ctx context.Context) error {
	if err := m.Transition(ctx, models.StatusCompleted); err != nil {
		return err
	}
	return m.Transition(ctx, models.StatusScheduled)
}
