package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-maintenance/internal/db"
	"github.com/ukydev/fleet-maintenance/internal/models"
	"github.com/ukydev/fleet-maintenance/internal/readings"
)

// HistoryReader returns an asset's accepted readings. Implemented by readings.Store.
type HistoryReader interface {
	History(ctx context.Context, assetID string) (readings.History, error)
}

// AssetHandler manages the asset registry and exposes reading history.
type AssetHandler struct {
	assets   db.AssetCollection
	readings HistoryReader
	now      func() time.Time
}

// NewAssetHandler creates an AssetHandler.
func NewAssetHandler(assets db.AssetCollection, history HistoryReader) *AssetHandler {
	return &AssetHandler{assets: assets, readings: history, now: time.Now}
}

// Create handles POST /api/assets.
func (h *AssetHandler) Create(w http.ResponseWriter, r *http.Request) {
	var asset models.Asset
	if !decodeJSON(w, r, &asset) {
		return
	}
	if err := asset.Validate(); err != nil {
		writeError(w, err)
		return
	}

	now := h.now().UTC()
	asset.IsActive = true
	asset.CurrentReading = 0
	asset.CurrentReadingAt = nil
	asset.CreatedAt = now
	asset.UpdatedAt = now

	if err := h.assets.InsertAsset(r.Context(), asset); err != nil {
		if errors.Is(err, db.ErrDuplicateKey) {
			http.Error(w, "Asset already exists", http.StatusConflict)
			return
		}
		writeError(w, err)
		return
	}
	log.WithFields(log.Fields{"asset": asset.ID, "metric": asset.Metric}).Info("asset registered")
	writeJSON(w, http.StatusCreated, asset)
}

// Get handles GET /api/assets/{id}.
func (h *AssetHandler) Get(w http.ResponseWriter, r *http.Request) {
	asset, err := h.assets.FindAssetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

// List handles GET /api/assets?include_inactive=true.
func (h *AssetHandler) List(w http.ResponseWriter, r *http.Request) {
	assets, err := h.assets.FindAssets(r.Context(), r.URL.Query().Get("include_inactive") != "true")
	if err != nil {
		writeError(w, err)
		return
	}
	if assets == nil {
		assets = []models.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

// SetActive handles PUT /api/assets/{id}/active. Readings for an inactive
// asset are rejected.
func (h *AssetHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Active == nil {
		http.Error(w, "active is required", http.StatusBadRequest)
		return
	}

	id := mux.Vars(r)["id"]
	if err := h.assets.SetAssetActive(r.Context(), id, *req.Active); err != nil {
		writeError(w, err)
		return
	}
	asset, err := h.assets.FindAssetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

// Readings handles GET /api/assets/{id}/readings?limit=n, newest last.
func (h *AssetHandler) Readings(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	if _, err := h.assets.FindAssetByID(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	history, err := h.readings.History(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	if history == nil {
		history = readings.History{}
	}
	writeJSON(w, http.StatusOK, history)
}
