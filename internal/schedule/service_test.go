package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-maintenance/internal/db"
	"github.com/ukydev/fleet-maintenance/internal/models"
	"github.com/ukydev/fleet-maintenance/internal/predict"
	"github.com/ukydev/fleet-maintenance/internal/rate"
	"github.com/ukydev/fleet-maintenance/internal/readings"
)

var day0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func day(n float64) time.Time {
	return day0.Add(time.Duration(n * 24 * float64(time.Hour)))
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.RecomputeEvent
}

func (n *recordingNotifier) Notify(ctx context.Context, event models.RecomputeEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) last() models.RecomputeEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[len(n.events)-1]
}

type harness struct {
	svc      *Service
	readings *readings.Store
	mem      *db.MemoryStore
	clock    *clock
	notified *recordingNotifier
	keys     int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := db.NewMemoryStore()
	require.NoError(t, mem.InsertAsset(context.Background(), models.Asset{ID: "a1", Metric: models.MetricHours, IsActive: true}))

	logger, _ := test.NewNullLogger()
	store := readings.NewStore(mem, mem, readings.WithLogger(logger))
	clk := &clock{now: day(0)}
	rec := &recordingNotifier{}
	svc := NewService(mem.Collections(), predict.NewPredictor(rate.NewEstimator(store), store), store,
		WithClock(clk.Now), WithLogger(logger), WithNotifier(rec))
	return &harness{svc: svc, readings: store, mem: mem, clock: clk, notified: rec}
}

func (h *harness) observe(t *testing.T, value float64, at time.Time) {
	t.Helper()
	h.keys++
	res, err := h.readings.Append(context.Background(), models.Reading{
		AssetID: "a1", IdempotencyKey: fmt.Sprintf("r%d", h.keys), Value: value, ObservedAt: at,
	})
	require.NoError(t, err)
	require.Equal(t, models.OutcomeAccepted, res.Outcome, res.Message)
}

func (h *harness) create(t *testing.T, s models.MaintenanceSchedule) string {
	t.Helper()
	if s.AssetID == "" {
		s.AssetID = "a1"
	}
	if s.Name == "" {
		s.Name = "service"
	}
	created, err := h.svc.CreateSchedule(context.Background(), s)
	require.NoError(t, err)
	return created.ID
}

func (h *harness) statusAt(t *testing.T, id string, now time.Time) *models.ScheduleView {
	t.Helper()
	h.clock.Set(now)
	require.NoError(t, h.svc.Recompute(context.Background(), id, TriggerSweep))
	view, err := h.svc.GetSchedule(context.Background(), id)
	require.NoError(t, err)
	return view
}

func TestService_CalendarScheduleTransitions(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, models.MaintenanceSchedule{
		CalendarIntervalDays: intPtr(90),
		DueSoonThresholdDays: 7,
		BaselineDate:         day(0),
	})

	for d := 0; d <= 82; d++ {
		assert.Equal(t, models.StatusScheduled, h.statusAt(t, id, day(float64(d))).Status, "day %d", d)
	}
	assert.Equal(t, models.StatusDueSoon, h.statusAt(t, id, day(83)).Status)
	assert.Equal(t, models.StatusDueSoon, h.statusAt(t, id, day(90)).Status)
	view := h.statusAt(t, id, day(91))
	assert.Equal(t, models.StatusOverdue, view.Status)
	assert.Equal(t, day(90), *view.PredictedDate)
	assert.Equal(t, models.SourceCalendar, view.PredictionSource)
}

func TestService_UsageSchedule(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, models.MaintenanceSchedule{
		UsageInterval:        floatPtr(5000),
		DueSoonThresholdDays: 7,
		BaselineReading:      10000,
		BaselineDate:         day(0),
	})
	h.observe(t, 11000, day(10))
	h.observe(t, 12000, day(20))

	view := h.statusAt(t, id, day(21))
	require.NotNil(t, view.PredictedDate)
	assert.Equal(t, day(50), *view.PredictedDate)
	assert.Equal(t, models.StatusScheduled, view.Status)
}

func TestService_NoPredictionStaysScheduled(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, models.MaintenanceSchedule{
		UsageInterval: floatPtr(500),
		BaselineDate:  day(0),
	})
	view := h.statusAt(t, id, day(5000))
	assert.Nil(t, view.PredictedDate)
	assert.Equal(t, models.StatusScheduled, view.Status)
}

func TestService_CompletionStartsNextCycle(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, models.MaintenanceSchedule{
		CalendarIntervalDays: intPtr(90),
		DueSoonThresholdDays: 7,
		BaselineDate:         day(0),
	})
	require.Equal(t, models.StatusOverdue, h.statusAt(t, id, day(95)).Status)
	h.svc.WaitEvents()

	reading := 812.5
	res, err := h.svc.Complete(context.Background(), models.CompletionEvent{
		ScheduleID: id, IdempotencyKey: "c1", CompletedAt: day(95), Reading: &reading,
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.False(t, res.Duplicate)
	assert.Equal(t, models.StatusScheduled, res.Schedule.Status)
	assert.Equal(t, 812.5, res.Schedule.Baseline.Reading)
	assert.Equal(t, day(95), res.Schedule.Baseline.Date)
	require.NotNil(t, res.Schedule.PredictedDate)
	assert.True(t, res.Schedule.PredictedDate.After(h.clock.Now()))
	assert.Equal(t, day(185), *res.Schedule.PredictedDate)

	h.svc.WaitEvents()
	event := h.notified.last()
	assert.Equal(t, models.StatusOverdue, event.PreviousStatus)
	assert.Equal(t, models.StatusScheduled, event.Status)
}

func TestService_CompletionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, models.MaintenanceSchedule{CalendarIntervalDays: intPtr(30), BaselineDate: day(0)})
	h.clock.Set(day(20))

	completion := models.CompletionEvent{ScheduleID: id, IdempotencyKey: "c1", CompletedAt: day(20)}
	first, err := h.svc.Complete(context.Background(), completion)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := h.svc.Complete(context.Background(), completion)
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
		assert.Equal(t, first.Event.ID, again.Event.ID)
		assert.Equal(t, first.Schedule.Baseline, again.Schedule.Baseline)
	}

	history, err := h.svc.History(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestService_StaleCompletionIsHistoryOnly(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, models.MaintenanceSchedule{CalendarIntervalDays: intPtr(30), BaselineDate: day(10)})

	res, err := h.svc.Complete(context.Background(), models.CompletionEvent{ScheduleID: id, IdempotencyKey: "old", CompletedAt: day(5)})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.True(t, res.Event.Stale)
	assert.Equal(t, day(10), res.Schedule.Baseline.Date)

	history, err := h.svc.History(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestService_CompletionWithoutReadingUsesMeterValue(t *testing.T) {
	h := newHarness(t)
	h.observe(t, 100, day(1))
	h.observe(t, 300, day(5))
	h.observe(t, 400, day(9))
	id := h.create(t, models.MaintenanceSchedule{UsageInterval: floatPtr(250), BaselineReading: 100, BaselineDate: day(1)})

	res, err := h.svc.Complete(context.Background(), models.CompletionEvent{ScheduleID: id, IdempotencyKey: "c1", CompletedAt: day(6)})
	require.NoError(t, err)
	assert.Equal(t, 300.0, res.Schedule.Baseline.Reading)
}

func TestService_DuplicateCompletionFinishesInterruptedApply(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, models.MaintenanceSchedule{CalendarIntervalDays: intPtr(30), BaselineDate: day(0)})

	// Stored by an attempt that failed before updating the schedule.
	require.NoError(t, h.mem.InsertCompletion(context.Background(), models.CompletionEvent{
		ID: "c-1", ScheduleID: id, IdempotencyKey: "k", CompletedAt: day(12),
	}))

	res, err := h.svc.Complete(context.Background(), models.CompletionEvent{ScheduleID: id, IdempotencyKey: "k", CompletedAt: day(12)})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.True(t, res.Applied)
	assert.Equal(t, day(12), res.Schedule.Baseline.Date)
	assert.Equal(t, day(42), *res.Schedule.PredictedDate)
}

func TestService_Locks(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, models.MaintenanceSchedule{
		UsageInterval:        floatPtr(5000),
		CalendarIntervalDays: intPtr(365),
		DueSoonThresholdDays: 7,
		BaselineReading:      10000,
		BaselineDate:         day(0),
	})
	h.observe(t, 11000, day(10))
	h.observe(t, 12000, day(20))
	h.clock.Set(day(21))

	view, err := h.svc.SetLock(context.Background(), id, day(70), false, "dispatch-1")
	require.NoError(t, err)
	assert.Equal(t, day(70), *view.PredictedDate)
	assert.Equal(t, models.SourceLock, view.PredictionSource)
	assert.Equal(t, "dispatch-1", view.Lock.SetBy)

	// New usage does not move a locked date.
	h.observe(t, 14000, day(22))
	view = h.statusAt(t, id, day(22))
	assert.Equal(t, day(70), *view.PredictedDate)

	view, err = h.svc.ClearLock(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, view.Lock)
	assert.Equal(t, models.SourceUsage, view.PredictionSource)
	assert.True(t, view.PredictedDate.Before(day(70)))
}

func TestService_LockInPastIsOverdue(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, models.MaintenanceSchedule{CalendarIntervalDays: intPtr(365), BaselineDate: day(0)})
	h.clock.Set(day(30))

	view, err := h.svc.SetLock(context.Background(), id, day(29), false, "d")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOverdue, view.Status)
}

func TestService_CompletionClearsNonPersistentLock(t *testing.T) {
	for _, persistent := range []bool{false, true} {
		t.Run(fmt.Sprintf("persistent=%v", persistent), func(t *testing.T) {
			h := newHarness(t)
			id := h.create(t, models.MaintenanceSchedule{CalendarIntervalDays: intPtr(90), BaselineDate: day(0)})
			_, err := h.svc.SetLock(context.Background(), id, day(200), persistent, "d")
			require.NoError(t, err)

			h.clock.Set(day(40))
			res, err := h.svc.Complete(context.Background(), models.CompletionEvent{ScheduleID: id, IdempotencyKey: "c", CompletedAt: day(40)})
			require.NoError(t, err)
			if persistent {
				require.NotNil(t, res.Schedule.Lock)
				assert.Equal(t, day(200), *res.Schedule.PredictedDate)
			} else {
				assert.Nil(t, res.Schedule.Lock)
				assert.Equal(t, day(130), *res.Schedule.PredictedDate)
			}
		})
	}
}

func TestService_ListDueSoonOrOverdue(t *testing.T) {
	h := newHarness(t)
	dueSoonID := h.create(t, models.MaintenanceSchedule{Name: "soon", CalendarIntervalDays: intPtr(5), DueSoonThresholdDays: 7, BaselineDate: day(0)})
	overdueID := h.create(t, models.MaintenanceSchedule{Name: "late", CalendarIntervalDays: intPtr(1), DueSoonThresholdDays: 7, BaselineDate: day(-3)})
	h.create(t, models.MaintenanceSchedule{Name: "fine", CalendarIntervalDays: intPtr(100), DueSoonThresholdDays: 7, BaselineDate: day(0)})

	views, err := h.svc.ListDueSoonOrOverdue(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, overdueID, views[0].ID)
	assert.Equal(t, dueSoonID, views[1].ID)

	views, err = h.svc.ListDueSoonOrOverdue(context.Background(), Filter{Statuses: []models.Status{models.StatusDueSoon}})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, dueSoonID, views[0].ID)

	before := day(0)
	views, err = h.svc.ListDueSoonOrOverdue(context.Background(), Filter{Before: &before})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, overdueID, views[0].ID)

	_, err = h.svc.ListDueSoonOrOverdue(context.Background(), Filter{Statuses: []models.Status{models.StatusScheduled}})
	assert.True(t, models.IsValidation(err))
}

func TestService_CreateScheduleValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.CreateSchedule(context.Background(), models.MaintenanceSchedule{AssetID: "a1", Name: "x", BaselineDate: day(0)})
	assert.True(t, models.IsValidation(err))

	_, err = h.svc.CreateSchedule(context.Background(), models.MaintenanceSchedule{
		AssetID: "missing", Name: "x", CalendarIntervalDays: intPtr(3), BaselineDate: day(0),
	})
	assert.True(t, models.IsValidation(err))
}

func TestService_UnknownSchedule(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.GetSchedule(context.Background(), "nope")
	assert.ErrorIs(t, err, db.ErrNotFound)

	_, err = h.svc.Complete(context.Background(), models.CompletionEvent{ScheduleID: "nope", IdempotencyKey: "c", CompletedAt: day(1)})
	assert.ErrorIs(t, err, db.ErrNotFound)

	err = h.svc.Recompute(context.Background(), "nope", TriggerSweep)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestService_InactiveScheduleIsSkipped(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, models.MaintenanceSchedule{CalendarIntervalDays: intPtr(10), BaselineDate: day(0)})
	_, err := h.svc.SetActive(context.Background(), id, false)
	require.NoError(t, err)

	h.clock.Set(day(50))
	require.NoError(t, h.svc.Recompute(context.Background(), id, TriggerSweep))
	view, err := h.svc.GetSchedule(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, view.Status)

	ids, err := h.svc.ActiveScheduleIDs(context.Background(), "a1")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestService_RecordRecomputeFailure(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, models.MaintenanceSchedule{CalendarIntervalDays: intPtr(10), BaselineDate: day(0)})

	require.NoError(t, h.svc.RecordRecomputeFailure(context.Background(), id, errors.New("store down")))
	s, err := h.mem.FindScheduleByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "store down", s.LastRecomputeError)

	require.NoError(t, h.svc.Recompute(context.Background(), id, TriggerSweep))
	s, err = h.mem.FindScheduleByID(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, s.LastRecomputeError)
}

func TestService_ReadingTriggersRecomputeThroughWorker(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, models.MaintenanceSchedule{
		UsageInterval:   floatPtr(5000),
		BaselineReading: 10000,
		BaselineDate:    day(0),
	})
	logger, _ := test.NewNullLogger()
	worker := NewWorker(h.svc, WithWorkerLogger(logger))
	h.readings.AddListener(worker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Run(ctx) }()

	h.observe(t, 11000, day(10))
	h.observe(t, 12000, day(20))

	assert.Eventually(t, func() bool {
		view, err := h.svc.GetSchedule(context.Background(), id)
		return err == nil && view.PredictedDate != nil && view.PredictedDate.Equal(day(50))
	}, 2*time.Second, 10*time.Millisecond)
}
