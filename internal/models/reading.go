package models

import (
	"math"
	"time"
)

// Reading is one usage observation for an asset. Readings are immutable once stored.
type Reading struct {
	AssetID        string    `bson:"asset_id" json:"asset_id"`
	Value          float64   `bson:"value" json:"value"`
	ObservedAt     time.Time `bson:"observed_at" json:"observed_at"` // device event time
	IdempotencyKey string    `bson:"idempotency_key" json:"idempotency_key"`
	ReceivedAt     time.Time `bson:"received_at" json:"received_at"`
	ClientID       string    `bson:"client_id,omitempty" json:"client_id,omitempty"`
	// Reset marks the first reading of a new meter epoch (replaced meter).
	Reset bool `bson:"reset,omitempty" json:"reset,omitempty"`
}

// Validate checks a submitted reading before it reaches the store.
func (r *Reading) Validate() error {
	if r.AssetID == "" {
		return &ValidationError{Field: "asset_id", Message: "is required"}
	}
	if r.IdempotencyKey == "" {
		return &ValidationError{Field: "idempotency_key", Message: "is required"}
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return &ValidationError{Field: "value", Message: "must be a finite number"}
	}
	if r.Value < 0 {
		return &ValidationError{Field: "value", Message: "must not be negative"}
	}
	if r.ObservedAt.IsZero() {
		return &ValidationError{Field: "observed_at", Message: "is required"}
	}
	return nil
}

// ReadingRejection records a submission the store refused, so that a
// retried submission with the same key reports the original outcome.
type ReadingRejection struct {
	AssetID        string    `bson:"asset_id" json:"asset_id"`
	IdempotencyKey string    `bson:"idempotency_key" json:"idempotency_key"`
	Value          float64   `bson:"value" json:"value"`
	ObservedAt     time.Time `bson:"observed_at" json:"observed_at"`
	Reason         Reason    `bson:"reason" json:"reason"`
	ReceivedAt     time.Time `bson:"received_at" json:"received_at"`
	ClientID       string    `bson:"client_id,omitempty" json:"client_id,omitempty"`
}
