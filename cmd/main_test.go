package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-maintenance/internal/config"
	"github.com/ukydev/fleet-maintenance/internal/models"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		StoreBackend:     config.BackendMemory,
		JWTSecret:        "test-secret",
		JWTExpiry:        time.Hour,
		AdminUsername:    "admin",
		AdminPassword:    "admin-password",
		SweepInterval:    time.Hour,
		RecomputeWorkers: 2,
		RateWindow:       10,
		RateMinSpan:      time.Hour,
		ItemTimeout:      time.Second,
		MaxBatchItems:    100,
		LogLevel:         "error",
	}
}

func call(t *testing.T, h http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestNewApp_UnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.StoreBackend = "sqlite"
	_, err := newApp(context.Background(), cfg)
	assert.ErrorContains(t, err, "unknown store backend")
}

func TestNewApp_BootstrapsAdminOnce(t *testing.T) {
	a, err := newApp(context.Background(), testConfig())
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.bootstrapAdmin(context.Background()))
	admin, err := a.store.Users.FindUserByUsername(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, admin.Role)
	assert.Contains(t, a.checks, "store")
	assert.NotContains(t, a.checks, "mqtt")
	assert.NotContains(t, a.checks, "influx")
}

func TestApp_EndToEnd(t *testing.T) {
	a, err := newApp(context.Background(), testConfig())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.worker.Run(ctx) }()

	w := call(t, a.router, http.MethodPost, "/api/auth/login", "", models.LoginRequest{Username: "admin", Password: "admin-password"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var login models.LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))

	w = call(t, a.router, http.MethodPost, "/api/assets", login.Token, models.Asset{ID: "gen-1", Metric: models.MetricHours})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	now := time.Now().UTC().Truncate(time.Second)
	w = call(t, a.router, http.MethodPost, "/api/schedules", login.Token, map[string]interface{}{
		"asset_id":                "gen-1",
		"name":                    "250h service",
		"usage_interval":          250,
		"due_soon_threshold_days": 3,
		"baseline_date":           now.Add(-10 * 24 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created models.ScheduleView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Nil(t, created.PredictedDate)

	w = call(t, a.router, http.MethodPost, "/api/sync", login.Token, models.SyncBatch{Readings: []models.Reading{
		{AssetID: "gen-1", IdempotencyKey: "r2", Value: 100, ObservedAt: now.Add(-24 * time.Hour)},
		{AssetID: "gen-1", IdempotencyKey: "r1", Value: 50, ObservedAt: now.Add(-6 * 24 * time.Hour)},
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 10 hours/day leaves 150 hours after the last reading: 15 days out.
	assert.Eventually(t, func() bool {
		w := call(t, a.router, http.MethodGet, "/api/schedules/"+created.ID, login.Token, nil)
		var view models.ScheduleView
		if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &view) != nil || view.PredictedDate == nil {
			return false
		}
		return view.PredictedDate.Equal(now.Add(14 * 24 * time.Hour))
	}, 2*time.Second, 20*time.Millisecond)

	w = call(t, a.router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSweepCommand(t *testing.T) {
	cmd := newRootCmd(testConfig())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sweep"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "checked 0 schedules, 0 failed\n", out.String())
}

func TestRootCommand_Flags(t *testing.T) {
	cfg := testConfig()
	cmd := newRootCmd(cfg)
	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	require.NoError(t, cmd.PersistentFlags().Set("store", "mongo"))
	require.NoError(t, serve.Flags().Set("port", "9000"))
	require.NoError(t, serve.Flags().Set("sweep-interval", "15s"))

	assert.Equal(t, config.BackendMongo, cfg.StoreBackend)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 15*time.Second, cfg.SweepInterval)
}
