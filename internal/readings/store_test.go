package readings

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-maintenance/internal/db"
	"github.com/ukydev/fleet-maintenance/internal/models"
)

var day0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func day(n float64) time.Time {
	return day0.Add(time.Duration(n * 24 * float64(time.Hour)))
}

func newTestStore(t *testing.T, assets ...models.Asset) (*Store, *db.MemoryStore) {
	t.Helper()
	mem := db.NewMemoryStore()
	for _, a := range assets {
		require.NoError(t, mem.InsertAsset(context.Background(), a))
	}
	logger, _ := test.NewNullLogger()
	return NewStore(mem, mem, WithLogger(logger), WithClock(func() time.Time { return day(100) })), mem
}

func activeAsset(id string) models.Asset {
	return models.Asset{ID: id, Name: id, Metric: models.MetricHours, IsActive: true}
}

func reading(asset, key string, value float64, at time.Time) models.Reading {
	return models.Reading{AssetID: asset, IdempotencyKey: key, Value: value, ObservedAt: at}
}

func TestAppend_Accepted(t *testing.T) {
	store, mem := newTestStore(t, activeAsset("a1"))
	ctx := context.Background()

	res, err := store.Append(ctx, reading("a1", "k1", 10, day(1)))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAccepted, res.Outcome)
	assert.Equal(t, day(100), res.Reading.ReceivedAt)

	asset, err := mem.FindAssetByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, asset.CurrentReading)
	require.NotNil(t, asset.CurrentReadingAt)
	assert.True(t, asset.CurrentReadingAt.Equal(day(1)))
}

func TestAppend_Rejections(t *testing.T) {
	inactive := activeAsset("off")
	inactive.IsActive = false
	store, _ := newTestStore(t, activeAsset("a1"), inactive)
	ctx := context.Background()

	tests := []struct {
		name    string
		reading models.Reading
		reason  models.Reason
	}{
		{"missing key", reading("a1", "", 1, day(1)), models.ReasonInvalid},
		{"negative value", reading("a1", "neg", -1, day(1)), models.ReasonInvalid},
		{"zero observed at", reading("a1", "zero", 1, time.Time{}), models.ReasonInvalid},
		{"unknown asset", reading("nope", "k", 1, day(1)), models.ReasonUnknownAsset},
		{"inactive asset", reading("off", "k", 1, day(1)), models.ReasonInactiveAsset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := store.Append(ctx, tt.reading)
			require.NoError(t, err)
			assert.Equal(t, models.OutcomeRejected, res.Outcome)
			assert.Equal(t, tt.reason, res.Reason)
			assert.NotEmpty(t, res.Message)
		})
	}
}

func TestAppend_CurrentIsLatestObservedRegardlessOfOrder(t *testing.T) {
	values := []struct {
		key   string
		value float64
		at    time.Time
	}{
		{"k1", 100, day(1)},
		{"k2", 150, day(2)},
		{"k3", 180, day(4)},
		{"k4", 210, day(7)},
		{"k5", 260, day(9)},
	}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 10; i++ {
		store, _ := newTestStore(t, activeAsset("a1"))
		ctx := context.Background()
		order := rng.Perm(len(values))
		for _, idx := range order {
			v := values[idx]
			res, err := store.Append(ctx, reading("a1", v.key, v.value, v.at))
			require.NoError(t, err)
			require.Equal(t, models.OutcomeAccepted, res.Outcome, "order %v", order)
		}
		current, ok, err := store.Current(ctx, "a1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 260.0, current.Value, "order %v", order)
	}
}

// Out-of-order arrival: day 5 then day 3. The earlier reading is history
// and does not move the current value.
func TestAppend_LateReadingIsHistory(t *testing.T) {
	store, mem := newTestStore(t, activeAsset("a1"))
	ctx := context.Background()

	res, err := store.Append(ctx, reading("a1", "d5", 100, day(5)))
	require.NoError(t, err)
	require.Equal(t, models.OutcomeAccepted, res.Outcome)

	res, err = store.Append(ctx, reading("a1", "d3", 80, day(3)))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAccepted, res.Outcome)

	res, err = store.Append(ctx, reading("a1", "d3-again", 80, day(3)))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAccepted, res.Outcome)

	current, _, err := store.Current(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, current.Value)

	asset, err := mem.FindAssetByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, asset.CurrentReading)

	h, err := store.History(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, h, 3)
}

func TestAppend_NonMonotonicRejected(t *testing.T) {
	store, _ := newTestStore(t, activeAsset("a1"))
	ctx := context.Background()

	_, err := store.Append(ctx, reading("a1", "k1", 500, day(2)))
	require.NoError(t, err)

	// Lower value at a later time.
	res, err := store.Append(ctx, reading("a1", "k2", 400, day(3)))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRejected, res.Outcome)
	assert.Equal(t, models.ReasonNonMonotonic, res.Reason)
	assert.ErrorIs(t, res.Err, models.ErrNonMonotonicReading)

	// Lower value at the same time.
	res, err = store.Append(ctx, reading("a1", "k3", 499, day(2)))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonNonMonotonic, res.Reason)

	// Higher value at an earlier time than an accepted one.
	res, err = store.Append(ctx, reading("a1", "k4", 600, day(1)))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonNonMonotonic, res.Reason)

	current, _, err := store.Current(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 500.0, current.Value)
}

// A late reading must not exceed the value accepted after it: day 5 at 100
// caps day 3 at 100.
func TestAppend_LateReadingAboveLaterValueRejected(t *testing.T) {
	store, mem := newTestStore(t, activeAsset("a1"))
	ctx := context.Background()

	res, err := store.Append(ctx, reading("a1", "d5", 100, day(5)))
	require.NoError(t, err)
	require.Equal(t, models.OutcomeAccepted, res.Outcome)

	res, err = store.Append(ctx, reading("a1", "d3", 150, day(3)))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRejected, res.Outcome)
	assert.Equal(t, models.ReasonNonMonotonic, res.Reason)
	assert.True(t, errors.Is(res.Err, models.ErrNonMonotonicReading))
	assert.Contains(t, res.Message, "exceeds 100.000")

	// Equal to the later value is still monotonic.
	res, err = store.Append(ctx, reading("a1", "d3-eq", 100, day(3)))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAccepted, res.Outcome)

	h, err := store.History(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, h, 2)
	asset, err := mem.FindAssetByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, asset.CurrentReading)
}

func TestAppend_Duplicates(t *testing.T) {
	store, _ := newTestStore(t, activeAsset("a1"))
	ctx := context.Background()

	var calls int
	store.AddListener(ListenerFunc(func(ctx context.Context, r models.Reading) { calls++ }))

	_, err := store.Append(ctx, reading("a1", "k1", 500, day(2)))
	require.NoError(t, err)
	_, err = store.Append(ctx, reading("a1", "bad", 100, day(3)))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := store.Append(ctx, reading("a1", "k1", 500, day(2)))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeDuplicate, res.Outcome)
		assert.Equal(t, models.OutcomeAccepted, res.Original)

		// A retried rejected item keeps its original rejection.
		res, err = store.Append(ctx, reading("a1", "bad", 100, day(3)))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeDuplicate, res.Outcome)
		assert.Equal(t, models.OutcomeRejected, res.Original)
		assert.Equal(t, models.ReasonNonMonotonic, res.Reason)
	}

	assert.Equal(t, 1, calls)
	h, err := store.History(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, h, 1)
}

func TestAppend_ResetTolerance(t *testing.T) {
	asset := activeAsset("a1")
	asset.ResetTolerance = true
	store, _ := newTestStore(t, asset)
	ctx := context.Background()

	for i, v := range []float64{1000, 1100, 1200} {
		_, err := store.Append(ctx, reading("a1", fmt.Sprintf("old-%d", i), v, day(float64(i))))
		require.NoError(t, err)
	}

	// A late low reading is not a reset.
	res, err := store.Append(ctx, reading("a1", "late-low", 5, day(1.5)))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonNonMonotonic, res.Reason)

	res, err = store.Append(ctx, reading("a1", "new-0", 10, day(3)))
	require.NoError(t, err)
	require.Equal(t, models.OutcomeAccepted, res.Outcome)
	assert.True(t, res.Reading.Reset)

	res, err = store.Append(ctx, reading("a1", "new-1", 60, day(4)))
	require.NoError(t, err)
	require.Equal(t, models.OutcomeAccepted, res.Outcome)
	assert.False(t, res.Reading.Reset)

	window, err := store.Window(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, 10.0, window[0].Value)

	current, _, err := store.Current(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 60.0, current.Value)

	// A late reading for the old meter is still checked against the old epoch.
	res, err = store.Append(ctx, reading("a1", "old-late", 1150, day(1.5)))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAccepted, res.Outcome)
}

func TestAppend_ResetWithoutToleranceRejected(t *testing.T) {
	store, _ := newTestStore(t, activeAsset("a1"))
	ctx := context.Background()

	_, err := store.Append(ctx, reading("a1", "k1", 1000, day(1)))
	require.NoError(t, err)
	res, err := store.Append(ctx, reading("a1", "k2", 3, day(2)))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonNonMonotonic, res.Reason)
}

func TestAppend_ConcurrentSameAssetStaysMonotonic(t *testing.T) {
	store, _ := newTestStore(t, activeAsset("a1"))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Device clocks disagree: some values land out of step with time.
			value := float64(i*10 + (i%3)*7)
			_, err := store.Append(ctx, reading("a1", fmt.Sprintf("k%d", i), value, day(float64(i))))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	h, err := store.History(ctx, "a1")
	require.NoError(t, err)
	require.NotEmpty(t, h)
	for i := 1; i < len(h); i++ {
		assert.GreaterOrEqual(t, h[i].Value, h[i-1].Value)
	}
	assert.Zero(t, store.locks.Len())
}

func TestAppend_LockTimeout(t *testing.T) {
	store, _ := newTestStore(t, activeAsset("a1"))
	unlock, err := store.locks.Lock(context.Background(), "a1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = store.Append(ctx, reading("a1", "k1", 1, day(1)))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAppend_ResetIsLogged(t *testing.T) {
	asset := activeAsset("a1")
	asset.ResetTolerance = true
	mem := db.NewMemoryStore()
	require.NoError(t, mem.InsertAsset(context.Background(), asset))
	logger, hook := test.NewNullLogger()
	store := NewStore(mem, mem, WithLogger(logger))

	ctx := context.Background()
	_, err := store.Append(ctx, reading("a1", "k1", 1000, day(1)))
	require.NoError(t, err)
	_, err = store.Append(ctx, reading("a1", "k2", 0, day(2)))
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, 1000.0, entry.Data["previous"])
}
