// Package app builds the long-lived services of the worker and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/pagewatch/internal/api"
	"github.com/JakeFAU/pagewatch/internal/baseline"
	"github.com/JakeFAU/pagewatch/internal/clock/system"
	"github.com/JakeFAU/pagewatch/internal/config"
	"github.com/JakeFAU/pagewatch/internal/diff"
	collyfetcher "github.com/JakeFAU/pagewatch/internal/fetcher/colly"
	"github.com/JakeFAU/pagewatch/internal/hash/sha256"
	"github.com/JakeFAU/pagewatch/internal/id/uuid"
	"github.com/JakeFAU/pagewatch/internal/monitor"
	"github.com/JakeFAU/pagewatch/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/pagewatch/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/pagewatch/internal/publisher/pubsub"
	"github.com/JakeFAU/pagewatch/internal/recorder"
	"github.com/JakeFAU/pagewatch/internal/scheduler"
	blobstorage "github.com/JakeFAU/pagewatch/internal/storage"
	gcsstorage "github.com/JakeFAU/pagewatch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/pagewatch/internal/storage/local"
	memorystorage "github.com/JakeFAU/pagewatch/internal/storage/memory"
	pgstore "github.com/JakeFAU/pagewatch/internal/storage/postgres"
	"github.com/JakeFAU/pagewatch/internal/telemetry"
	"github.com/JakeFAU/pagewatch/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Store is everything the app needs from the job database.
type Store interface {
	monitor.JobStore
	scheduler.Maintainer
	api.Store
	Close()
}

// App contains the application's dependencies.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	store       Store
	worker      *worker.Worker
	scheduler   *scheduler.Scheduler
	maintenance *scheduler.Maintenance
	apiServer   *api.Server

	storageClient  *storage.Client
	pubsubClient   *pubsub.Client
	pubsubTopic    *gcppublisher.Publisher
	tracerShutdown telemetry.Shutdown
}

// Build connects to Postgres and creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:          cfg.Database.URL,
		MaxConns:     cfg.Database.MaxConns,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		LeaseTimeout: cfg.Worker.LeaseTimeout,
	}, uuid.New())
	if err != nil {
		return nil, fmt.Errorf("postgres store init failed: %w", err)
	}
	app, err := BuildWithStore(ctx, cfg, store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return app, nil
}

// BuildWithStore wires every service around an existing store.
func BuildWithStore(ctx context.Context, cfg config.Config, store Store, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, store: store}
	logger.Info("building application dependencies",
		zap.String("archive", cfg.Archive.Provider),
		zap.String("events", cfg.Events.Provider),
		zap.Int("concurrency", cfg.Worker.Concurrency),
	)

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		ProjectID:   cfg.Tracing.ProjectID,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = shutdown

	archive, err := app.setupArchive(ctx)
	if err != nil {
		app.closeClients()
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		app.closeClients()
		return nil, err
	}

	clock := system.New()
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.Fetch.RateLimitRPS,
		Burst: cfg.Fetch.RateLimitBurst,
	})
	if limiter.Enabled() {
		logger.Info("rate limiter enabled",
			zap.Float64("rps", cfg.Fetch.RateLimitRPS),
			zap.Int("burst", cfg.Fetch.RateLimitBurst),
		)
	}
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      cfg.Fetch.Timeout,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
	}, limiter)
	checker := baseline.New(fetcher, sha256.New(), clock)
	rec := recorder.New(diff.New(diff.Options{
		WindowChars:          cfg.Diff.WindowChars,
		ExcerptChars:         cfg.Diff.ExcerptChars,
		FallbackExcerptChars: cfg.Diff.FallbackExcerptChars,
	}))

	app.worker = worker.New(store, checker, rec, archive, publisher, clock, worker.Config{
		Concurrency:   cfg.Worker.Concurrency,
		ArchivePrefix: cfg.Archive.Prefix,
		EventsTopic:   cfg.Events.Topic,
	}, logger.Named("worker"))
	app.scheduler = scheduler.New(store, app.worker, scheduler.Config{
		BatchSize:    cfg.Worker.BatchSize,
		PollInterval: cfg.Worker.PollInterval(),
	}, logger.Named("scheduler"))

	var schedules scheduler.MaintenanceConfig
	if cfg.Maintenance.Enabled {
		schedules = scheduler.MaintenanceConfig{
			ReclaimSchedule: cfg.Maintenance.ReclaimSchedule,
			EnqueueSchedule: cfg.Maintenance.EnqueueSchedule,
			PurgeSchedule:   cfg.Maintenance.PurgeSchedule,
		}
	}
	app.maintenance, err = scheduler.NewMaintenance(store, schedules, logger.Named("maintenance"))
	if err != nil {
		app.closeClients()
		return nil, fmt.Errorf("maintenance init failed: %w", err)
	}

	if cfg.Server.Enabled {
		app.apiServer = api.NewServer(store, api.Config{APIKey: cfg.Server.APIKey}, logger.Named("api"))
	}
	return app, nil
}

// RunOnce performs a single pass: the housekeeping tasks followed by one claimed batch.
func (a *App) RunOnce(ctx context.Context) (int, error) {
	if err := a.maintenance.RunAll(ctx); err != nil {
		return 0, fmt.Errorf("maintenance: %w", err)
	}
	n, err := a.scheduler.RunOnce(ctx)
	if err != nil {
		return 0, err
	}
	a.logger.Info("single pass finished", zap.Int("jobs", n))
	return n, nil
}

// Run starts the scheduler, the maintenance cron and the optional HTTP server, and
// blocks until ctx is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.maintenance.Start()
	a.logger.Info("maintenance started", zap.Strings("tasks", a.maintenance.Tasks()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	if a.apiServer != nil {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("server shutdown error", zap.Error(err))
			}
			return nil
		})
	}

	err := g.Wait()
	a.logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	a.maintenance.Stop(shutdownCtx)
	return err
}

// Enqueue queues an immediate check for a monitor.
func (a *App) Enqueue(ctx context.Context, monitorID string) (string, error) {
	jobID, err := a.store.EnqueueNow(ctx, monitorID)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", monitorID, err)
	}
	a.logger.Info("check queued", zap.String("monitor_id", monitorID), zap.String("job_id", jobID))
	return jobID, nil
}

// Handler exposes the HTTP surface, or nil when the server is disabled.
func (a *App) Handler() http.Handler {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Handler()
}

// Close releases the clients and the database pool.
func (a *App) Close() {
	a.closeClients()
	a.store.Close()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func (a *App) closeClients() {
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
		a.pubsubTopic = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storageClient = nil
	}
	if a.tracerShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
}

func (a *App) setupArchive(ctx context.Context) (monitor.BlobStore, error) {
	cfg := a.cfg.Archive
	switch cfg.Provider {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storageClient = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		if err := store.CheckBucket(ctx); err != nil {
			return nil, err
		}
		a.logger.Info("using GCS archive", zap.String("bucket", cfg.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local archive", zap.String("path", cfg.LocalDir))
		return store, nil
	case "memory":
		a.logger.Info("using in-memory archive")
		return memorystorage.NewBlobStore(), nil
	case "", "none":
		return blobstorage.Discard{}, nil
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Provider)
	}
}

func (a *App) setupPublisher(ctx context.Context) (monitor.Publisher, error) {
	cfg := a.cfg.Events
	switch cfg.Provider {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.pubsubTopic = gcppublisher.New(client.Topic(cfg.Topic))
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.ProjectID),
			zap.String("topic", cfg.Topic),
		)
		return a.pubsubTopic, nil
	case "memory":
		a.logger.Info("using in-memory publisher", zap.String("topic", cfg.Topic))
		return memorypublisher.New(), nil
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown events provider %q", cfg.Provider)
	}
}
