package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ukydev/fleet-maintenance/internal/auth"
	"github.com/ukydev/fleet-maintenance/internal/db"
	"github.com/ukydev/fleet-maintenance/internal/middleware"
	"github.com/ukydev/fleet-maintenance/internal/models"
)

// Deps carries everything the HTTP API is built from.
type Deps struct {
	Auth      *auth.Service
	Users     db.UserCollection
	Assets    db.AssetCollection
	History   HistoryReader
	Schedules ScheduleService
	Sync      Submitter
	Checks    map[string]HealthCheck

	// Sync requests allowed per caller within RateLimitWindow; zero disables the limit.
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter wires every route with authentication and permissions.
func NewRouter(d Deps) *mux.Router {
	authMW := middleware.NewAuthMiddleware(d.Auth)
	allow := func(action string, h http.HandlerFunc) http.Handler {
		return authMW.RequirePermission(action)(h)
	}

	authHandler := NewAuthHandler(d.Auth, d.Users)
	syncHandler := NewSyncHandler(d.Sync)
	scheduleHandler := NewScheduleHandler(d.Schedules)
	assetHandler := NewAssetHandler(d.Assets, d.History)
	userHandler := NewUserHandler(d.Users)

	r := mux.NewRouter()
	r.Handle("/health", NewHealthHandler(d.Checks)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(authMW.Authenticate)

	api.HandleFunc("/auth/login", authHandler.Login).Methods(http.MethodPost)
	api.HandleFunc("/auth/register", authHandler.Register).Methods(http.MethodPost)
	api.HandleFunc("/auth/profile", authHandler.GetProfile).Methods(http.MethodGet)
	api.HandleFunc("/auth/change-password", authHandler.ChangePassword).Methods(http.MethodPost)

	api.Handle("/users", allow(models.ActionManageUsers, userHandler.List)).Methods(http.MethodGet)
	api.Handle("/users/{id}", allow(models.ActionManageUsers, userHandler.Delete)).Methods(http.MethodDelete)

	var sync http.Handler = allow(models.ActionSubmitSync, syncHandler.Submit)
	if d.RateLimitRequests > 0 {
		sync = middleware.NewRateLimitMiddleware().RateLimit(d.RateLimitRequests, d.RateLimitWindow)(sync)
	}
	api.Handle("/sync", sync).Methods(http.MethodPost)

	api.Handle("/assets", allow(models.ActionManageAssets, assetHandler.Create)).Methods(http.MethodPost)
	api.Handle("/assets", allow(models.ActionViewReadings, assetHandler.List)).Methods(http.MethodGet)
	api.Handle("/assets/{id}", allow(models.ActionViewReadings, assetHandler.Get)).Methods(http.MethodGet)
	api.Handle("/assets/{id}/active", allow(models.ActionManageAssets, assetHandler.SetActive)).Methods(http.MethodPut)
	api.Handle("/assets/{id}/readings", allow(models.ActionViewReadings, assetHandler.Readings)).Methods(http.MethodGet)

	api.Handle("/schedules", allow(models.ActionManageAssets, scheduleHandler.Create)).Methods(http.MethodPost)
	api.Handle("/schedules", allow(models.ActionViewSchedules, scheduleHandler.List)).Methods(http.MethodGet)
	api.Handle("/schedules/attention", allow(models.ActionViewSchedules, scheduleHandler.Attention)).Methods(http.MethodGet)
	api.Handle("/schedules/{id}", allow(models.ActionViewSchedules, scheduleHandler.Get)).Methods(http.MethodGet)
	api.Handle("/schedules/{id}/lock", allow(models.ActionLockSchedule, scheduleHandler.SetLock)).Methods(http.MethodPut)
	api.Handle("/schedules/{id}/lock", allow(models.ActionLockSchedule, scheduleHandler.ClearLock)).Methods(http.MethodDelete)
	api.Handle("/schedules/{id}/active", allow(models.ActionManageAssets, scheduleHandler.SetActive)).Methods(http.MethodPut)
	api.Handle("/schedules/{id}/completions", allow(models.ActionCompleteWork, scheduleHandler.Complete)).Methods(http.MethodPost)
	api.Handle("/schedules/{id}/completions", allow(models.ActionViewSchedules, scheduleHandler.History)).Methods(http.MethodGet)

	return r
}
