package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/ukydev/fleet-maintenance/internal/auth"
	"github.com/ukydev/fleet-maintenance/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func tokenFor(t *testing.T, svc *auth.Service, role models.Role) string {
	t.Helper()
	token, err := svc.GenerateToken(&models.User{
		ID:       primitive.NewObjectID(),
		Username: string(role) + "-user",
		Role:     role,
	})
	assert.NoError(t, err)
	return token
}

func TestAuthMiddleware_Authenticate(t *testing.T) {
	authService := auth.NewService("", 0)
	m := NewAuthMiddleware(authService)

	tests := []struct {
		name       string
		path       string
		header     string
		wantCalled bool
		wantCode   int
	}{
		{"valid token", "/api/schedules", "Bearer " + tokenFor(t, authService, models.RoleDispatcher), true, http.StatusOK},
		{"missing header", "/api/schedules", "", false, http.StatusUnauthorized},
		{"invalid token", "/api/schedules", "Bearer invalid-token", false, http.StatusUnauthorized},
		{"token without bearer scheme", "/api/schedules", tokenFor(t, authService, models.RoleDispatcher), false, http.StatusUnauthorized},
		{"basic scheme", "/api/schedules", "Basic YWRtaW46cGFzcw==", false, http.StatusUnauthorized},
		{"login skips auth", "/api/auth/login", "", true, http.StatusOK},
		{"health skips auth", "/health", "", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			called := false
			m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				if tt.header != "" {
					claims, ok := GetUserFromContext(r.Context())
					assert.True(t, ok)
					assert.Equal(t, models.RoleDispatcher, claims.Role)
				}
			})).ServeHTTP(w, req)

			assert.Equal(t, tt.wantCalled, called)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestAuthMiddleware_RequireRole(t *testing.T) {
	authService := auth.NewService("", 0)
	m := NewAuthMiddleware(authService)

	tests := []struct {
		role     models.Role
		wantCode int
	}{
		{models.RoleDispatcher, http.StatusOK},
		{models.RoleAdmin, http.StatusOK},
		{models.RoleTechnician, http.StatusForbidden},
		{models.RoleViewer, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/api/schedules/s1/lock", nil)
			req.Header.Set("Authorization", "Bearer "+tokenFor(t, authService, tt.role))
			w := httptest.NewRecorder()

			h := m.Authenticate(m.RequireRole(models.RoleDispatcher)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestAuthMiddleware_RequirePermission(t *testing.T) {
	authService := auth.NewService("", 0)
	m := NewAuthMiddleware(authService)

	tests := []struct {
		role     models.Role
		action   string
		wantCode int
	}{
		{models.RoleTechnician, models.ActionSubmitSync, http.StatusOK},
		{models.RoleDispatcher, models.ActionSubmitSync, http.StatusForbidden},
		{models.RoleDispatcher, models.ActionLockSchedule, http.StatusOK},
		{models.RoleTechnician, models.ActionLockSchedule, http.StatusForbidden},
		{models.RoleViewer, models.ActionViewSchedules, http.StatusOK},
		{models.RoleViewer, models.ActionCompleteWork, http.StatusForbidden},
		{models.RoleAdmin, models.ActionManageAssets, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+tt.action, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/anything", nil)
			req.Header.Set("Authorization", "Bearer "+tokenFor(t, authService, tt.role))
			w := httptest.NewRecorder()

			h := m.Authenticate(m.RequirePermission(tt.action)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}

	t.Run("no claims in context", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/schedules", nil)
		m.RequirePermission(models.ActionViewSchedules)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimitMiddleware()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	h := rl.RateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	do := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
		req.RemoteAddr = ip + ":4321"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2"))

	now = now.Add(61 * time.Second)
	assert.Equal(t, http.StatusOK, do("10.0.0.1"))
}

func TestRateLimitMiddleware_KeysByUser(t *testing.T) {
	rl := NewRateLimitMiddleware()
	h := rl.RateLimit(1, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	do := func(username string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
		req.RemoteAddr = "10.0.0.9:1111"
		req = req.WithContext(WithClaims(req.Context(), &models.Claims{Username: username, Role: models.RoleTechnician}))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("tech01"))
	assert.Equal(t, http.StatusOK, do("tech02"))
	assert.Equal(t, http.StatusTooManyRequests, do("tech01"))
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.5:5555"
	assert.Equal(t, "192.168.1.5", getClientIP(req))

	req.Header.Set("X-Real-IP", "172.16.0.3")
	assert.Equal(t, "172.16.0.3", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", getClientIP(req))
}
