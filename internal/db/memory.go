package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ukydev/fleet-maintenance/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryStore keeps every collection in process memory. It backs tests and
// single-node deployments without MongoDB.
type MemoryStore struct {
	mu          sync.RWMutex
	assets      map[string]models.Asset
	readings    map[string][]models.Reading // asset id -> ordered log
	rejections  map[string]models.ReadingRejection
	schedules   map[string]models.MaintenanceSchedule
	completions map[string][]models.CompletionEvent // schedule id -> history
	users       map[primitive.ObjectID]models.User
}

var (
	_ AssetCollection      = (*MemoryStore)(nil)
	_ ReadingCollection    = (*MemoryStore)(nil)
	_ ScheduleCollection   = (*MemoryStore)(nil)
	_ CompletionCollection = (*MemoryStore)(nil)
	_ UserCollection       = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:      make(map[string]models.Asset),
		readings:    make(map[string][]models.Reading),
		rejections:  make(map[string]models.ReadingRejection),
		schedules:   make(map[string]models.MaintenanceSchedule),
		completions: make(map[string][]models.CompletionEvent),
		users:       make(map[primitive.ObjectID]models.User),
	}
}

// Collections exposes the memory store through the Store bundle.
func (m *MemoryStore) Collections() *Store {
	return &Store{Assets: m, Readings: m, Schedules: m, Completions: m, Users: m}
}

func compositeKey(a, b string) string {
	return a + "\x00" + b
}

// InsertAsset inserts an asset into the registry.
func (m *MemoryStore) InsertAsset(ctx context.Context, asset models.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[asset.ID]; ok {
		return ErrDuplicateKey
	}
	m.assets[asset.ID] = asset
	return nil
}

// FindAssetByID finds an asset by its ID.
func (m *MemoryStore) FindAssetByID(ctx context.Context, id string) (*models.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	asset, ok := m.assets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &asset, nil
}

// FindAssets lists assets ordered by ID.
func (m *MemoryStore) FindAssets(ctx context.Context, activeOnly bool) ([]models.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Asset, 0, len(m.assets))
	for _, a := range m.assets {
		if activeOnly && !a.IsActive {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateAssetReading rewrites the asset's current reading projection.
func (m *MemoryStore) UpdateAssetReading(ctx context.Context, id string, value float64, observedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	asset, ok := m.assets[id]
	if !ok {
		return ErrNotFound
	}
	at := observedAt
	asset.CurrentReading = value
	asset.CurrentReadingAt = &at
	asset.UpdatedAt = time.Now()
	m.assets[id] = asset
	return nil
}

// SetAssetActive activates or deactivates an asset.
func (m *MemoryStore) SetAssetActive(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	asset, ok := m.assets[id]
	if !ok {
		return ErrNotFound
	}
	asset.IsActive = active
	asset.UpdatedAt = time.Now()
	m.assets[id] = asset
	return nil
}

// InsertReading appends a reading to the asset's log.
func (m *MemoryStore) InsertReading(ctx context.Context, reading models.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.readings[reading.AssetID]
	for _, r := range log {
		if r.IdempotencyKey == reading.IdempotencyKey {
			return ErrDuplicateKey
		}
	}
	idx := sort.Search(len(log), func(i int) bool {
		if log[i].ObservedAt.Equal(reading.ObservedAt) {
			return log[i].ReceivedAt.After(reading.ReceivedAt)
		}
		return log[i].ObservedAt.After(reading.ObservedAt)
	})
	log = append(log, models.Reading{})
	copy(log[idx+1:], log[idx:])
	log[idx] = reading
	m.readings[reading.AssetID] = log
	return nil
}

// FindReadingByKey finds a reading by asset and idempotency key.
func (m *MemoryStore) FindReadingByKey(ctx context.Context, assetID, key string) (*models.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.readings[assetID] {
		if r.IdempotencyKey == key {
			found := r
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

// FindReadings returns a copy of the asset's ordered log.
func (m *MemoryStore) FindReadings(ctx context.Context, assetID string) ([]models.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.readings[assetID]
	out := make([]models.Reading, len(log))
	copy(out, log)
	return out, nil
}

// InsertRejection records a rejected submission.
func (m *MemoryStore) InsertRejection(ctx context.Context, rejection models.ReadingRejection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := compositeKey(rejection.AssetID, rejection.IdempotencyKey)
	if _, ok := m.rejections[key]; ok {
		return ErrDuplicateKey
	}
	m.rejections[key] = rejection
	return nil
}

// FindRejectionByKey finds a rejected submission by asset and idempotency key.
func (m *MemoryStore) FindRejectionByKey(ctx context.Context, assetID, key string) (*models.ReadingRejection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rej, ok := m.rejections[compositeKey(assetID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return &rej, nil
}

func cloneSchedule(s models.MaintenanceSchedule) models.MaintenanceSchedule {
	if s.Lock != nil {
		lock := *s.Lock
		s.Lock = &lock
	}
	if s.PredictedDate != nil {
		d := *s.PredictedDate
		s.PredictedDate = &d
	}
	return s
}

// InsertSchedule inserts a maintenance schedule.
func (m *MemoryStore) InsertSchedule(ctx context.Context, schedule models.MaintenanceSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[schedule.ID]; ok {
		return ErrDuplicateKey
	}
	m.schedules[schedule.ID] = cloneSchedule(schedule)
	return nil
}

// FindScheduleByID finds a schedule by its ID.
func (m *MemoryStore) FindScheduleByID(ctx context.Context, id string) (*models.MaintenanceSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	s = cloneSchedule(s)
	return &s, nil
}

// FindSchedules lists schedules matching the filter ordered by ID.
func (m *MemoryStore) FindSchedules(ctx context.Context, filter ScheduleFilter) ([]models.MaintenanceSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.MaintenanceSchedule, 0)
	for _, s := range m.schedules {
		if filter.Matches(&s) {
			out = append(out, cloneSchedule(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateSchedule replaces a stored schedule.
func (m *MemoryStore) UpdateSchedule(ctx context.Context, schedule models.MaintenanceSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[schedule.ID]; !ok {
		return ErrNotFound
	}
	m.schedules[schedule.ID] = cloneSchedule(schedule)
	return nil
}

// InsertCompletion records a completion event.
func (m *MemoryStore) InsertCompletion(ctx context.Context, completion models.CompletionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.completions[completion.ScheduleID] {
		if c.IdempotencyKey == completion.IdempotencyKey {
			return ErrDuplicateKey
		}
	}
	m.completions[completion.ScheduleID] = append(m.completions[completion.ScheduleID], completion)
	return nil
}

// FindCompletionByKey finds a completion by schedule and idempotency key.
func (m *MemoryStore) FindCompletionByKey(ctx context.Context, scheduleID, key string) (*models.CompletionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.completions[scheduleID] {
		if c.IdempotencyKey == key {
			found := c
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

// FindCompletions returns a schedule's completion history ordered by completed_at.
func (m *MemoryStore) FindCompletions(ctx context.Context, scheduleID string) ([]models.CompletionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.CompletionEvent, len(m.completions[scheduleID]))
	copy(out, m.completions[scheduleID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].CompletedAt.Before(out[j].CompletedAt) })
	return out, nil
}

// InsertUser inserts a new user.
func (m *MemoryStore) InsertUser(ctx context.Context, user models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username {
			return ErrDuplicateKey
		}
	}
	if user.ID.IsZero() {
		user.ID = primitive.NewObjectID()
	}
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	user.IsActive = true
	m.users[user.ID] = user
	return nil
}

// FindUserByID finds a user by their ID.
func (m *MemoryStore) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[objectID]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *MemoryStore) findUser(match func(models.User) bool) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if match(u) {
			found := u
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

// FindUserByUsername finds a user by their username.
func (m *MemoryStore) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return m.findUser(func(u models.User) bool { return u.Username == username })
}

// FindUserByEmail finds a user by their email.
func (m *MemoryStore) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return m.findUser(func(u models.User) bool { return u.Email == email })
}

// FindUsers lists users, optionally restricted to a role.
func (m *MemoryStore) FindUsers(ctx context.Context, role models.Role) ([]models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.User, 0, len(m.users))
	for _, u := range m.users {
		if role == "" || u.Role == role {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// UpdateUser replaces a stored user.
func (m *MemoryStore) UpdateUser(ctx context.Context, id string, user models.User) error {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[objectID]; !ok {
		return ErrNotFound
	}
	user.ID = objectID
	user.UpdatedAt = time.Now()
	m.users[objectID] = user
	return nil
}

// DeleteUser deletes a user.
func (m *MemoryStore) DeleteUser(ctx context.Context, id string) error {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, objectID)
	return nil
}

// UpdateLastLogin updates the last login time for a user.
func (m *MemoryStore) UpdateLastLogin(ctx context.Context, id string) error {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[objectID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	u.LastLogin = &now
	u.UpdatedAt = now
	m.users[objectID] = u
	return nil
}
