package models

import (
	"time"
)

// MetricKind is the unit an asset's usage meter counts in.
type MetricKind string

const (
	MetricHours    MetricKind = "hours"
	MetricDistance MetricKind = "distance"
	MetricVolume   MetricKind = "volume"
)

// IsValidMetric checks if a metric kind is known
func IsValidMetric(kind MetricKind) bool {
	switch kind {
	case MetricHours, MetricDistance, MetricVolume:
		return true
	default:
		return false
	}
}

// Asset represents a piece of equipment or a vehicle with a usage meter.
type Asset struct {
	ID     string     `bson:"_id" json:"id"`
	Name   string     `bson:"name" json:"name"`
	Metric MetricKind `bson:"metric" json:"metric"`
	// ResetTolerance allows a declining reading to be accepted as a meter
	// replacement instead of being rejected.
	ResetTolerance bool `bson:"reset_tolerance" json:"reset_tolerance"`
	// CurrentReading and CurrentReadingAt are a projection over the reading
	// log; they are rewritten from the log after every accepted reading.
	CurrentReading   float64    `bson:"current_reading" json:"current_reading"`
	CurrentReadingAt *time.Time `bson:"current_reading_at,omitempty" json:"current_reading_at,omitempty"`
	IsActive         bool       `bson:"is_active" json:"is_active"`
	CreatedAt        time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `bson:"updated_at" json:"updated_at"`
}

// Validate checks the fields required to register an asset.
func (a *Asset) Validate() error {
	if a.ID == "" {
		return &ValidationError{Field: "id", Message: "is required"}
	}
	if !IsValidMetric(a.Metric) {
		return &ValidationError{Field: "metric", Message: "must be one of hours, distance, volume"}
	}
	return nil
}
