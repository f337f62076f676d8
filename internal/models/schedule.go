package models

import (
	"time"
)

// Status is the due state of a maintenance schedule.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusDueSoon   Status = "due_soon"
	StatusOverdue   Status = "overdue"
	StatusCompleted Status = "completed"
)

// IsValidStatus checks if a status is valid
func IsValidStatus(status Status) bool {
	switch status {
	case StatusScheduled, StatusDueSoon, StatusOverdue, StatusCompleted:
		return true
	default:
		return false
	}
}

// PredictionSource names the rule that produced a predicted date.
type PredictionSource string

const (
	SourceNone     PredictionSource = "none"
	SourceLock     PredictionSource = "lock"
	SourceCalendar PredictionSource = "calendar"
	SourceUsage    PredictionSource = "usage"
)

// Lock is a dispatcher-set service date that overrides predictions.
type Lock struct {
	Date       time.Time `bson:"date" json:"date"`
	Persistent bool      `bson:"persistent" json:"persistent"` // survives completion
	SetBy      string    `bson:"set_by,omitempty" json:"set_by,omitempty"`
	SetAt      time.Time `bson:"set_at" json:"set_at"`
}

// MaintenanceSchedule is a recurring service rule bound to an asset.
type MaintenanceSchedule struct {
	ID                   string           `bson:"_id" json:"id"`
	AssetID              string           `bson:"asset_id" json:"asset_id"`
	Name                 string           `bson:"name" json:"name"`
	CalendarIntervalDays *int             `bson:"calendar_interval_days,omitempty" json:"calendar_interval_days,omitempty"`
	UsageInterval        *float64         `bson:"usage_interval,omitempty" json:"usage_interval,omitempty"` // in the asset's metric
	DueSoonThresholdDays int              `bson:"due_soon_threshold_days" json:"due_soon_threshold_days"`
	BaselineReading      float64          `bson:"baseline_reading" json:"baseline_reading"`
	BaselineDate         time.Time        `bson:"baseline_date" json:"baseline_date"`
	Lock                 *Lock            `bson:"lock,omitempty" json:"lock,omitempty"`
	PredictedDate        *time.Time       `bson:"predicted_date,omitempty" json:"predicted_date,omitempty"`
	PredictionSource     PredictionSource `bson:"prediction_source,omitempty" json:"prediction_source,omitempty"`
	Status               Status           `bson:"status" json:"status"`
	IsActive             bool             `bson:"is_active" json:"is_active"`
	LastCompletionID     string           `bson:"last_completion_id,omitempty" json:"last_completion_id,omitempty"`
	LastRecomputedAt     *time.Time       `bson:"last_recomputed_at,omitempty" json:"last_recomputed_at,omitempty"`
	LastRecomputeError   string           `bson:"last_recompute_error,omitempty" json:"last_recompute_error,omitempty"`
	CreatedAt            time.Time        `bson:"created_at" json:"created_at"`
	UpdatedAt            time.Time        `bson:"updated_at" json:"updated_at"`
}

// Validate checks the schedule configuration invariants.
func (s *MaintenanceSchedule) Validate() error {
	if s.AssetID == "" {
		return &ValidationError{Field: "asset_id", Message: "is required"}
	}
	if s.Name == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	if s.CalendarIntervalDays == nil && s.UsageInterval == nil {
		return &ValidationError{Field: "interval", Message: "calendar or usage interval is required"}
	}
	if s.CalendarIntervalDays != nil && *s.CalendarIntervalDays <= 0 {
		return &ValidationError{Field: "calendar_interval_days", Message: "must be positive"}
	}
	if s.UsageInterval != nil && *s.UsageInterval <= 0 {
		return &ValidationError{Field: "usage_interval", Message: "must be positive"}
	}
	if s.DueSoonThresholdDays < 0 {
		return &ValidationError{Field: "due_soon_threshold_days", Message: "must not be negative"}
	}
	if s.BaselineReading < 0 {
		return &ValidationError{Field: "baseline_reading", Message: "must not be negative"}
	}
	if s.BaselineDate.IsZero() {
		return &ValidationError{Field: "baseline_date", Message: "is required"}
	}
	return nil
}

// Baseline is the reading and date a maintenance cycle is measured from.
type Baseline struct {
	Reading float64   `json:"reading"`
	Date    time.Time `json:"date"`
}

// ScheduleView is the read model served to dashboards.
type ScheduleView struct {
	ID               string           `json:"id"`
	AssetID          string           `json:"asset_id"`
	Name             string           `json:"name"`
	Status           Status           `json:"status"`
	PredictedDate    *time.Time       `json:"predicted_date"`
	PredictionSource PredictionSource `json:"prediction_source,omitempty"`
	Baseline         Baseline         `json:"baseline"`
	Lock             *Lock            `json:"lock"`
	LastRecomputedAt *time.Time       `json:"last_recomputed_at,omitempty"`
}

// View projects a schedule into its dashboard representation.
func (s *MaintenanceSchedule) View() ScheduleView {
	return ScheduleView{
		ID:               s.ID,
		AssetID:          s.AssetID,
		Name:             s.Name,
		Status:           s.Status,
		PredictedDate:    s.PredictedDate,
		PredictionSource: s.PredictionSource,
		Baseline:         Baseline{Reading: s.BaselineReading, Date: s.BaselineDate},
		Lock:             s.Lock,
		LastRecomputedAt: s.LastRecomputedAt,
	}
}

// RecomputeEvent is published after a schedule's prediction was recomputed.
type RecomputeEvent struct {
	ScheduleID     string           `json:"schedule_id"`
	AssetID        string           `json:"asset_id"`
	PreviousStatus Status           `json:"previous_status"`
	Status         Status           `json:"status"`
	PredictedDate  *time.Time       `json:"predicted_date"`
	Source         PredictionSource `json:"source"`
	ComputedAt     time.Time        `json:"computed_at"`
}
