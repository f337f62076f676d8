package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-maintenance/internal/auth"
	"github.com/ukydev/fleet-maintenance/internal/config"
	"github.com/ukydev/fleet-maintenance/internal/db"
	"github.com/ukydev/fleet-maintenance/internal/handlers"
	"github.com/ukydev/fleet-maintenance/internal/influx"
	"github.com/ukydev/fleet-maintenance/internal/ingest"
	"github.com/ukydev/fleet-maintenance/internal/models"
	"github.com/ukydev/fleet-maintenance/internal/mqtt"
	"github.com/ukydev/fleet-maintenance/internal/notifier"
	"github.com/ukydev/fleet-maintenance/internal/predict"
	"github.com/ukydev/fleet-maintenance/internal/rate"
	"github.com/ukydev/fleet-maintenance/internal/readings"
	"github.com/ukydev/fleet-maintenance/internal/schedule"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/sync/errgroup"
)

// app holds the wired service graph.
type app struct {
	cfg       *config.Config
	store     *db.Store
	auth      *auth.Service
	readings  *readings.Store
	schedules *schedule.Service
	worker    *schedule.Worker
	sweeper   *schedule.Sweeper
	gateway   *ingest.Gateway
	mqtt      pahomqtt.Client
	syncMQTT  *mqtt.Handler
	influx    *influx.Writer
	router    http.Handler
	checks    map[string]handlers.HealthCheck
	closers   []func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, checks: make(map[string]handlers.HealthCheck)}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	a.readings = readings.NewStore(a.store.Assets, a.store.Readings,
		readings.WithLogger(log.WithField("component", "readings")))
	estimator := rate.NewEstimator(a.readings, rate.WithWindow(cfg.RateWindow), rate.WithMinSpan(cfg.RateMinSpan))
	predictor := predict.NewPredictor(estimator, a.readings)

	notifiers := notifier.Multi{notifier.LogNotifier{Logger: log.WithField("component", "notifier")}}
	if cfg.MQTTBroker != "" {
		client, err := mqtt.Connect(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTUser, cfg.MQTTPass)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.mqtt = client
		a.closers = append(a.closers, func() { client.Disconnect(250) })
		a.checks["mqtt"] = func(context.Context) error {
			if !client.IsConnectionOpen() {
				return errors.New("not connected")
			}
			return nil
		}
		notifiers = append(notifiers, notifier.NewMQTTNotifier(client))
		log.WithField("broker", cfg.MQTTBroker).Info("connected to MQTT broker")
	}

	a.schedules = schedule.NewService(a.store, predictor, a.readings,
		schedule.WithNotifier(notifiers), schedule.WithNotifyTimeout(cfg.NotifyTimeout),
		schedule.WithLogger(log.WithField("component", "schedule")))
	a.worker = schedule.NewWorker(a.schedules,
		schedule.WithWorkers(cfg.RecomputeWorkers), schedule.WithWorkerLogger(log.WithField("component", "worker")))
	a.readings.AddListener(a.worker)
	a.sweeper = schedule.NewSweeper(a.schedules, cfg.SweepInterval, log.WithField("component", "sweeper"))

	if cfg.InfluxURL != "" {
		a.influx = influx.NewWriter(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, log.WithField("component", "influx"))
		a.closers = append(a.closers, a.influx.Close)
		a.checks["influx"] = a.influx.Health
		a.readings.AddListener(a.influx)
	}

	a.gateway = ingest.NewGateway(a.readings, a.schedules,
		ingest.WithItemTimeout(cfg.ItemTimeout),
		ingest.WithMaxBatchItems(cfg.MaxBatchItems),
		ingest.WithLogger(log.WithField("component", "ingest")))

	a.auth = auth.NewService(cfg.JWTSecret, cfg.JWTExpiry)
	if err := a.bootstrapAdmin(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.router = handlers.NewRouter(handlers.Deps{
		Auth:              a.auth,
		Users:             a.store.Users,
		Assets:            a.store.Assets,
		History:           a.readings,
		Schedules:         a.schedules,
		Sync:              a.gateway,
		Checks:            a.checks,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   time.Duration(cfg.RateLimitWindow) * time.Second,
	})
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.StoreBackend {
	case config.BackendMemory:
		a.store = db.NewMemoryStore().Collections()
		a.checks["store"] = func(context.Context) error { return nil }
		log.Warn("using in-memory store, data is lost on restart")
		return nil
	case config.BackendMongo:
		client, err := db.ConnectMongo(ctx, a.cfg.MongoURI)
		if err != nil {
			return fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Disconnect(context.Background()) })
		database := client.Database(a.cfg.MongoDB)
		if err := db.EnsureIndexes(ctx, database); err != nil {
			a.Close()
			return err
		}
		a.store = db.NewMongoStore(database)
		a.checks["store"] = func(ctx context.Context) error { return client.Ping(ctx, nil) }
		log.WithField("database", a.cfg.MongoDB).Info("connected to MongoDB")
		return nil
	default:
		return fmt.Errorf("unknown store backend %q", a.cfg.StoreBackend)
	}
}

// bootstrapAdmin creates the configured admin account when it does not exist.
func (a *app) bootstrapAdmin(ctx context.Context) error {
	if a.cfg.AdminPassword == "" {
		return nil
	}
	if _, err := a.store.Users.FindUserByUsername(ctx, a.cfg.AdminUsername); err == nil {
		return nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("look up admin user: %w", err)
	}

	hash, err := a.auth.HashPassword(a.cfg.AdminPassword)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	err = a.store.Users.InsertUser(ctx, models.User{
		ID:           primitive.NewObjectID(),
		Username:     a.cfg.AdminUsername,
		PasswordHash: hash,
		Role:         models.RoleAdmin,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil && !errors.Is(err, db.ErrDuplicateKey) {
		return fmt.Errorf("create admin user: %w", err)
	}
	log.WithField("user", a.cfg.AdminUsername).Info("admin user created")
	return nil
}

// run serves HTTP and MQTT and runs the background loops until ctx is done.
func (a *app) run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.mqtt != nil {
		h := mqtt.NewHandler(a.gateway, a.mqtt, 0, log.WithField("component", "mqtt"))
		if err := mqtt.Subscribe(a.mqtt, h); err != nil {
			return err
		}
		a.syncMQTT = h
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.worker.Run(ctx) })
	g.Go(func() error { return a.sweeper.Run(ctx) })
	if a.influx != nil {
		g.Go(func() error { return a.influx.Run(ctx) })
	}
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close drains in-flight MQTT batches and recompute events, then releases
// connections in reverse order of opening.
func (a *app) Close() {
	if a.syncMQTT != nil {
		a.mqtt.Unsubscribe(mqtt.TopicSync).WaitTimeout(time.Second)
		a.syncMQTT.Wait()
		a.syncMQTT = nil
	}
	if a.schedules != nil {
		a.schedules.WaitEvents()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
