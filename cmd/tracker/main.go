package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"fleettrack/internal/alert"
	"fleettrack/internal/api"
	"fleettrack/internal/assignment"
	"fleettrack/internal/attendance"
	"fleettrack/internal/config"
	"fleettrack/internal/db"
	"fleettrack/internal/eta"
	"fleettrack/internal/gtfs"
	"fleettrack/internal/ingest"
	"fleettrack/internal/livemap"
	"fleettrack/internal/logging"
	"fleettrack/internal/metrics"
	"fleettrack/internal/notify"
	"fleettrack/internal/publisher"
	"fleettrack/internal/telemetry"
	"fleettrack/internal/tracking"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("tracker stopped")
	}
	logger.Info("shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config) (db.Repository, error) {
	var dsn string
	switch cfg.StoreDriver {
	case db.DriverMemory:
		return db.NewMemoryStore(), nil
	case db.DriverPostgres:
		dsn = cfg.DatabaseURL
		if cfg.DatabaseName != "" {
			var err error
			if dsn, err = db.WithDBName(dsn, cfg.DatabaseName); err != nil {
				return nil, fmt.Errorf("compose DSN: %w", err)
			}
		}
	case db.DriverSQLite:
		dsn = cfg.SQLitePath
	}
	sqlDB, err := db.Open(cfg.StoreDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	store := db.NewStore(sqlDB, cfg.StoreDriver)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.WithField("driver", cfg.StoreDriver).Info("store ready")

	// Metrics are always collected; the server only runs with METRICS_ADDR.
	mcol := metrics.NewCollector()
	if cfg.MetricsAddr != "" {
		srv := mcol.Serve(cfg.MetricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var (
		nc  *nats.Conn
		pub *publisher.NATSPublisher
	)
	if cfg.NATSEnabled {
		nc, err = publisher.Connect(cfg.NATSURL, cfg.AppName, mcol, logger)
		if err != nil {
			return err
		}
		pub = publisher.NewNATSPublisher(nc, cfg.LogNATSSubjects, mcol, logger)
		defer pub.Close()
	}

	// Notifications: email through SendGrid, push over NATS, the rest logged.
	router := notify.NewRouter(notify.LogSender{Log: logger.WithField("component", "notify")}, logger, mcol)
	if cfg.SendGridAPIKey != "" {
		router.Handle(notify.ChannelEmail, notify.NewSendGridSender(cfg.SendGridAPIKey, cfg.AppName, cfg.NotifyFromEmail))
	}
	if pub != nil {
		router.Handle(notify.ChannelPush, notify.NewPushSender(pub))
	}

	var alertPub alert.Publisher
	if pub != nil {
		alertPub = pub
	}
	dispatcher := alert.NewDispatcher(store, router, alertPub, mcol, logger.WithField("component", "alert")).
		WithMaxAttempts(cfg.NotifyMaxAttempts)

	var provider eta.RouteProvider = eta.StraightLineProvider{}
	if cfg.OSRMURL != "" {
		provider = eta.NewOSRMProvider(cfg.OSRMURL, nil)
	}
	estimator := eta.NewEstimator(provider, cfg.RouteTimeout, mcol)
	logger.WithField("provider", estimator.ProviderName()).Info("route provider ready")

	// The in-process map either follows the NATS map stream or is fed directly.
	view := livemap.NewMemoryView()
	recon := livemap.NewReconciler(view, mcol)
	defer recon.Close()
	var mapOut livemap.Handler = recon
	if pub != nil {
		if err := recon.Attach(livemap.NewNATSSource(nc, logger)); err != nil {
			return fmt.Errorf("attach live map: %w", err)
		}
		mapOut = pub.MapHandler()
	}

	pipeline := tracking.NewPipeline(ingest.New(), store, estimator, dispatcher, mapOut, logger.WithField("component", "tracking"), tracking.Options{
		RetryAttempts: cfg.ETARetryAttempts,
		RetryBase:     cfg.ETARetryBase,
		StaleAfter:    cfg.StaleAfter,
		SweepInterval: cfg.StaleSweepInterval,
		RetryInterval: cfg.NotifyRetryInterval,
	}).WithObserver(mcol)
	if pub != nil {
		pipeline.WithPublisher(pub)
	}
	if err := applyFile(cfg.File, pipeline, mapOut); err != nil {
		return err
	}

	policy := assignment.PolicyBlock
	if cfg.ConflictPolicy == string(assignment.PolicyWarn) {
		policy = assignment.PolicyWarn
	}
	assignments := assignment.NewService(store, policy, logger.WithField("component", "assignment"), mcol)
	attendanceSvc := attendance.NewService(store, dispatcher, logger.WithField("component", "attendance"))

	var sources []telemetry.Source
	if nc != nil {
		sources = append(sources, telemetry.NewNATSSource(nc, logger))
	}
	if len(cfg.KafkaBrokers) > 0 {
		sources = append(sources, telemetry.NewKafkaSource(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, logger))
	}
	if cfg.GTFSRTVehiclePositionsURL != "" {
		client := gtfs.NewClient(cfg.GTFSRTVehiclePositionsURL, nil)
		sources = append(sources, telemetry.NewGTFSRTSource(client, cfg.GTFSRTPollInterval, logger))
	}

	pipeline.Run(ctx, func(now time.Time) { recon.MarkStale(now, cfg.StaleAfter) })

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src telemetry.Source) {
			defer wg.Done()
			logger.WithField("source", src.Name()).Info("telemetry source started")
			if err := src.Run(ctx, pipeline); err != nil {
				logger.WithError(err).WithField("source", src.Name()).Error("telemetry source stopped")
			}
		}(src)
	}

	server := api.NewServer(cfg.HTTPAddr, cfg.CORSOrigins, api.Deps{
		Tracker:     pipeline,
		ETAs:        estimator,
		Assignments: assignments,
		Attendance:  attendanceSvc,
		Alerts:      dispatcher,
		Store:       store,
		Map:         view.Snapshot,
	}, logger)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	// Block until context cancelled or the API fails
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			logger.WithError(err).Error("api server failed")
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if stopErr := server.Stop(shutdownCtx); stopErr != nil && !errors.Is(stopErr, http.ErrServerClosed) {
		logger.WithError(stopErr).Warn("api shutdown")
	}
	pipeline.Wait()
	wg.Wait()
	return err
}

// applyFile seeds next stops and route outlines from the YAML overlay.
func applyFile(f *config.File, p *tracking.Pipeline, mapOut livemap.Handler) error {
	if f == nil {
		return nil
	}
	for _, v := range f.Vehicles {
		stop, ok := v.Stop()
		if !ok {
			continue
		}
		if err := p.SetStop(v.ID, stop); err != nil {
			return fmt.Errorf("vehicle %s: %w", v.ID, err)
		}
	}
	for _, r := range f.Routes {
		mapOut.HandleRoute(r.Event())
	}
	return nil
}
