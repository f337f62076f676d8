package models

import "time"

// Outcome is the per-item result of an ingestion attempt.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// Reason explains a rejected item.
type Reason string

const (
	ReasonInvalid          Reason = "invalid"
	ReasonNonMonotonic     Reason = "non_monotonic"
	ReasonUnknownAsset     Reason = "unknown_asset"
	ReasonInactiveAsset    Reason = "inactive_asset"
	ReasonUnknownSchedule  Reason = "unknown_schedule"
	ReasonTimeout          Reason = "timeout"
	ReasonStoreUnavailable Reason = "store_unavailable"
)

// Retryable reports whether a client should resubmit an item rejected for this reason.
func (r Reason) Retryable() bool {
	return r == ReasonTimeout || r == ReasonStoreUnavailable
}

// ItemKind distinguishes batch item types.
type ItemKind string

const (
	KindReading    ItemKind = "reading"
	KindCompletion ItemKind = "completion"
)

// SyncBatch is what a field client flushes after (re)connecting.
type SyncBatch struct {
	Readings    []Reading         `json:"readings"`
	Completions []CompletionEvent `json:"completions"`
}

// Len returns the number of items in the batch.
func (b *SyncBatch) Len() int {
	return len(b.Readings) + len(b.Completions)
}

// ItemOutcome reports what happened to one batch item.
type ItemOutcome struct {
	Kind           ItemKind `json:"kind"`
	Index          int      `json:"index"` // position within its array in the batch
	IdempotencyKey string   `json:"idempotency_key"`
	Outcome        Outcome  `json:"outcome"`
	Reason         Reason   `json:"reason,omitempty"`
	Message        string   `json:"message,omitempty"`
	Retryable      bool     `json:"retryable,omitempty"`
	// Original holds the first outcome when Outcome is duplicate.
	Original Outcome `json:"original,omitempty"`
}

// BatchResult is the gateway response for one submitted batch.
type BatchResult struct {
	ClientID   string        `json:"client_id"`
	ReceivedAt time.Time     `json:"received_at"`
	Items      []ItemOutcome `json:"items"`
	Accepted   int           `json:"accepted"`
	Duplicates int           `json:"duplicates"`
	Rejected   int           `json:"rejected"`
}
