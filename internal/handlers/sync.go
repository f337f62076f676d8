package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ukydev/fleet-maintenance/internal/metrics"
	"github.com/ukydev/fleet-maintenance/internal/middleware"
	"github.com/ukydev/fleet-maintenance/internal/models"
)

// Submitter applies a sync batch. Implemented by ingest.Gateway.
type Submitter interface {
	Submit(ctx context.Context, batch models.SyncBatch, clientID string) (*models.BatchResult, error)
}

// SyncHandler accepts batches flushed by field clients over HTTP.
type SyncHandler struct {
	gateway Submitter
}

// NewSyncHandler creates a SyncHandler that submits batches to gateway.
func NewSyncHandler(gateway Submitter) *SyncHandler {
	return &SyncHandler{gateway: gateway}
}

// Submit handles POST /api/sync. The response is 200 when every item was
// accepted or a duplicate and 207 when any item was rejected; clients
// resubmit the items marked retryable.
func (h *SyncHandler) Submit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var batch models.SyncBatch
	if !decodeJSON(w, r, &batch) {
		return
	}

	result, err := h.gateway.Submit(r.Context(), batch, clientID(r))
	metrics.SyncBatchLatency.WithLabelValues("http").Observe(time.Since(start).Seconds())
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if result.Rejected > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, result)
}

// clientID identifies the submitting device: the X-Client-ID header when
// set, otherwise the authenticated user.
func clientID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	if claims, ok := middleware.GetUserFromContext(r.Context()); ok {
		return claims.Username
	}
	return ""
}
