package db

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-maintenance/internal/models"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestConnectMongo_BadURI(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := ConnectMongo(ctx, "mongodb://bad:uri")
	if err == nil {
		t.Error("expected error for bad URI, got nil")
	}
	if client != nil {
		t.Error("expected nil client on error")
	}
}

func TestInsertReading_NilCollection(t *testing.T) {
	coll := &MongoReadingCollection{Collection: nil}
	err := coll.InsertReading(context.Background(), models.Reading{})
	if err == nil {
		t.Error("expected error when collection is nil")
	}
}

func TestWrapErr(t *testing.T) {
	assert.NoError(t, wrapErr("op", nil))
	assert.ErrorIs(t, wrapErr("op", mongo.ErrNoDocuments), ErrNotFound)
	assert.True(t, models.IsTransient(wrapErr("op", context.DeadlineExceeded)))
	assert.True(t, models.IsTransient(wrapErr("op", mongo.ErrClientDisconnected)))

	other := wrapErr("op", errors.New("boom"))
	assert.False(t, models.IsTransient(other))
	assert.Contains(t, other.Error(), "op")
}

func mongoTestDatabase(t *testing.T) *mongo.Database {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" || uri == "uri" {
		t.Skip("MONGO_URI not set or invalid, skipping integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := ConnectMongo(ctx, uri)
	if err != nil {
		t.Skipf("failed to connect: %v, skipping integration test", err)
	}
	t.Cleanup(func() { client.Disconnect(context.Background()) })

	database := client.Database("test_fleet_maintenance")
	require.NoError(t, database.Drop(context.Background()))
	require.NoError(t, EnsureIndexes(context.Background(), database))
	return database
}

// Integration test (requires running MongoDB)
func TestMongoReadingCollection_Integration(t *testing.T) {
	database := mongoTestDatabase(t)
	store := NewMongoStore(database)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := models.Reading{AssetID: "a1", IdempotencyKey: "k2", Value: 200, ObservedAt: base.Add(48 * time.Hour), ReceivedAt: base}
	earlier := models.Reading{AssetID: "a1", IdempotencyKey: "k1", Value: 100, ObservedAt: base.Add(24 * time.Hour), ReceivedAt: base}

	require.NoError(t, store.Readings.InsertReading(ctx, later))
	require.NoError(t, store.Readings.InsertReading(ctx, earlier))
	assert.ErrorIs(t, store.Readings.InsertReading(ctx, earlier), ErrDuplicateKey)

	readings, err := store.Readings.FindReadings(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, "k1", readings[0].IdempotencyKey)
	assert.Equal(t, "k2", readings[1].IdempotencyKey)

	_, err = store.Readings.FindReadingByKey(ctx, "a1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Integration test (requires running MongoDB)
func TestMongoScheduleCollection_Integration(t *testing.T) {
	database := mongoTestDatabase(t)
	store := NewMongoStore(database)
	ctx := context.Background()

	days := 90
	sched := models.MaintenanceSchedule{
		ID:                   "s1",
		AssetID:              "a1",
		Name:                 "service",
		CalendarIntervalDays: &days,
		DueSoonThresholdDays: 7,
		BaselineDate:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:               models.StatusScheduled,
		IsActive:             true,
	}
	require.NoError(t, store.Schedules.InsertSchedule(ctx, sched))

	sched.Status = models.StatusDueSoon
	require.NoError(t, store.Schedules.UpdateSchedule(ctx, sched))

	found, err := store.Schedules.FindSchedules(ctx, ScheduleFilter{Statuses: []models.Status{models.StatusDueSoon}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "s1", found[0].ID)
}
