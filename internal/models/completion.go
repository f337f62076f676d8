package models

import (
	"math"
	"time"
)

// CompletionEvent marks a maintenance cycle as finished.
type CompletionEvent struct {
	ID             string    `bson:"_id" json:"id"`
	ScheduleID     string    `bson:"schedule_id" json:"schedule_id"`
	IdempotencyKey string    `bson:"idempotency_key" json:"idempotency_key"`
	CompletedAt    time.Time `bson:"completed_at" json:"completed_at"`
	Reading        *float64  `bson:"reading,omitempty" json:"reading,omitempty"` // meter value at completion
	ClientID       string    `bson:"client_id,omitempty" json:"client_id,omitempty"`
	ReceivedAt     time.Time `bson:"received_at" json:"received_at"`
	// Stale is set when the completion predates the schedule's baseline; it
	// is kept as history only.
	Stale bool `bson:"stale,omitempty" json:"stale,omitempty"`
}

// Validate checks a submitted completion.
func (c *CompletionEvent) Validate() error {
	if c.ScheduleID == "" {
		return &ValidationError{Field: "schedule_id", Message: "is required"}
	}
	if c.IdempotencyKey == "" {
		return &ValidationError{Field: "idempotency_key", Message: "is required"}
	}
	if c.CompletedAt.IsZero() {
		return &ValidationError{Field: "completed_at", Message: "is required"}
	}
	if c.Reading != nil && (*c.Reading < 0 || math.IsNaN(*c.Reading) || math.IsInf(*c.Reading, 0)) {
		return &ValidationError{Field: "reading", Message: "must be a non-negative number"}
	}
	return nil
}
