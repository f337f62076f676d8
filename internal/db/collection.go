package db

import (
	"context"
	"time"

	"github.com/ukydev/fleet-maintenance/internal/models"
)

// Errors returned by every collection implementation.
var (
	ErrNotFound     = models.ErrNotFound
	ErrDuplicateKey = models.ErrDuplicateKey
)

// AssetCollection defines the interface for asset registry operations.
type AssetCollection interface {
	InsertAsset(ctx context.Context, asset models.Asset) error
	FindAssetByID(ctx context.Context, id string) (*models.Asset, error)
	FindAssets(ctx context.Context, activeOnly bool) ([]models.Asset, error)
	UpdateAssetReading(ctx context.Context, id string, value float64, observedAt time.Time) error
	SetAssetActive(ctx context.Context, id string, active bool) error
}

// ReadingCollection defines the interface for the append-only reading log.
type ReadingCollection interface {
	// InsertReading returns ErrDuplicateKey when the asset already has a
	// reading with the same idempotency key.
	InsertReading(ctx context.Context, reading models.Reading) error
	FindReadingByKey(ctx context.Context, assetID, key string) (*models.Reading, error)
	// FindReadings returns all accepted readings of an asset ordered by
	// observed_at, then received_at.
	FindReadings(ctx context.Context, assetID string) ([]models.Reading, error)
	InsertRejection(ctx context.Context, rejection models.ReadingRejection) error
	FindRejectionByKey(ctx context.Context, assetID, key string) (*models.ReadingRejection, error)
}

// ScheduleFilter narrows FindSchedules.
type ScheduleFilter struct {
	AssetID    string
	Statuses   []models.Status
	ActiveOnly bool
}

// Matches reports whether a schedule passes the filter.
func (f ScheduleFilter) Matches(s *models.MaintenanceSchedule) bool {
	if f.AssetID != "" && s.AssetID != f.AssetID {
		return false
	}
	if f.ActiveOnly && !s.IsActive {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if s.Status == st {
			return true
		}
	}
	return false
}

// ScheduleCollection defines the interface for maintenance schedule operations.
type ScheduleCollection interface {
	InsertSchedule(ctx context.Context, schedule models.MaintenanceSchedule) error
	FindScheduleByID(ctx context.Context, id string) (*models.MaintenanceSchedule, error)
	FindSchedules(ctx context.Context, filter ScheduleFilter) ([]models.MaintenanceSchedule, error)
	UpdateSchedule(ctx context.Context, schedule models.MaintenanceSchedule) error
}

// CompletionCollection defines the interface for completion history.
type CompletionCollection interface {
	InsertCompletion(ctx context.Context, completion models.CompletionEvent) error
	FindCompletionByKey(ctx context.Context, scheduleID, key string) (*models.CompletionEvent, error)
	FindCompletions(ctx context.Context, scheduleID string) ([]models.CompletionEvent, error)
}

// Store bundles the collections a backend provides.
type Store struct {
	Assets      AssetCollection
	Readings    ReadingCollection
	Schedules   ScheduleCollection
	Completions CompletionCollection
	Users       UserCollection
}
