// Package app initializes and holds long-lived engine services, acting as a
// dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/templio/gallery-engine/internal/adminjobs"
	"github.com/templio/gallery-engine/internal/api"
	"github.com/templio/gallery-engine/internal/capture"
	"github.com/templio/gallery-engine/internal/clock/system"
	"github.com/templio/gallery-engine/internal/config"
	"github.com/templio/gallery-engine/internal/discovery"
	"github.com/templio/gallery-engine/internal/gallery"
	"github.com/templio/gallery-engine/internal/id/uuid"
	"github.com/templio/gallery-engine/internal/metrics"
	"github.com/templio/gallery-engine/internal/opqueue"
	"github.com/templio/gallery-engine/internal/pool"
	memorypublisher "github.com/templio/gallery-engine/internal/publisher/memory"
	pubsubpublisher "github.com/templio/gallery-engine/internal/publisher/pubsub"
	"github.com/templio/gallery-engine/internal/scheduler"
	"github.com/templio/gallery-engine/internal/scrape"
	"github.com/templio/gallery-engine/internal/storage/gcs"
	"github.com/templio/gallery-engine/internal/storage/local"
	memorystorage "github.com/templio/gallery-engine/internal/storage/memory"
	"github.com/templio/gallery-engine/internal/store"
	memorystore "github.com/templio/gallery-engine/internal/store/memory"
	"github.com/templio/gallery-engine/internal/store/postgres"
	"github.com/templio/gallery-engine/internal/store/queued"
	"github.com/templio/gallery-engine/internal/task"
	"github.com/templio/gallery-engine/internal/thumbnail"
)

// engineStores bundles the four persistence contracts one backend serves.
type engineStores interface {
	store.SessionStore
	store.BatchStore
	store.TaskStore
	store.ResumeStore
}

// catalogStores bundles the catalog and filter reads one backend serves.
type catalogStores interface {
	store.TemplateCatalog
	store.FilterStore
}

// upProber reports the backing store as always reachable. Used with the
// in-memory stores, which cannot be down.
type upProber struct{}

func (upProber) Ping(context.Context) error { return nil }

// App holds all the shared, long-lived services for the engine.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	ops       *opqueue.Queue
	pool      *pool.Pool
	capturer  *capture.Service
	scheduler *scheduler.Scheduler
	jobs      *adminjobs.Service
	server    *http.Server

	closers []func()
}

// New builds every service from configuration, failing fast when a critical
// dependency cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}

	engine, catalog, prober, err := a.buildStores(ctx)
	if err != nil {
		return nil, err
	}

	blobs, err := a.buildBlobStore(ctx)
	if err != nil {
		return nil, err
	}

	publisher, err := a.buildPublisher(ctx)
	if err != nil {
		return nil, err
	}

	p, err := pool.New(cfg.Pool)
	if err != nil {
		return nil, fmt.Errorf("init pool: %w", err)
	}

	capturer, err := capture.New(capture.Config{
		UserAgent:      cfg.Browser.UserAgent,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
	}, logger.Named("capture"))
	if err != nil {
		return nil, fmt.Errorf("init capturer: %w", err)
	}
	a.capturer = capturer
	a.closers = append(a.closers, capturer.Close)

	a.ops = opqueue.New(prober, opqueue.Config{
		Depth:             cfg.OpQueue.Depth,
		BaseDelay:         time.Duration(cfg.OpQueue.BaseDelayMs) * time.Millisecond,
		MaxDelay:          time.Duration(cfg.OpQueue.MaxDelayMs) * time.Millisecond,
		ReconnectInterval: time.Duration(cfg.OpQueue.ReconnectIntervalSec) * time.Second,
		ReconnectTimeout:  time.Duration(cfg.OpQueue.ReconnectTimeoutSec) * time.Second,
	}, logger.Named("opqueue"))

	// Engine-state writes are serialized through the operation queue; reads
	// go straight to the backend.
	queuedEngine := queued.New(engine, a.ops, cfg.OpQueue.MaxRetries)

	scraper := scrape.New(scrape.Config{
		UserAgent: cfg.Discovery.UserAgent,
		Timeout:   cfg.DiscoveryTimeout(),
	}, logger.Named("scrape"))

	clk := system.New()
	ids := uuid.New()

	runner := task.New(
		scraper,
		capturer,
		thumbnail.New(0),
		blobs,
		catalog,
		catalog,
		queuedEngine,
		a.ops,
		publisher,
		clk,
		task.Config{
			RetryCeiling: cfg.Task.RetryCeiling,
			OpRetries:    cfg.OpQueue.MaxRetries,
			BlobPrefix:   cfg.Storage.Prefix,
			Topic:        cfg.PubSub.TopicName,
		},
		logger.Named("task"),
	)

	a.scheduler = scheduler.New(
		queuedEngine, queuedEngine, queuedEngine, queuedEngine,
		catalog, catalog,
		runner,
		p,
		ids,
		clk,
		scheduler.Config{DefaultBatchSize: cfg.Pool.BatchSize},
		logger.Named("scheduler"),
	)
	a.scheduler.SetPublisher(publisher, cfg.PubSub.TopicName)

	a.jobs = adminjobs.New(
		runner,
		catalog,
		catalog,
		p,
		ids,
		clk,
		adminjobs.Config{HistoryLimit: cfg.Jobs.HistoryLimit, Capture: cfg.Capture},
		logger.Named("jobs"),
	)

	disc := discovery.New(catalog, discovery.Config{
		Timeout:   cfg.DiscoveryTimeout(),
		UserAgent: cfg.Discovery.UserAgent,
		Denylist:  cfg.Discovery.Denylist,
	}, logger.Named("discovery"))

	apiServer := api.NewServer(
		a.scheduler,
		a.jobs,
		disc,
		prober.Ping,
		api.Config{
			SitemapURL:     cfg.Discovery.SitemapURL,
			RequestTimeout: cfg.ServerTimeout(),
		},
		logger.Named("api"),
	)

	a.pool = p
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a, nil
}

// Run starts the queue, scheduler, job loop and HTTP server, then blocks
// until the context is cancelled and shutdown completes.
func (a *App) Run(ctx context.Context) error {
	a.ops.Start(ctx)
	a.scheduler.Start(ctx)
	a.jobs.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	a.logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.ops.Close()
	a.logger.Info("shutdown complete")
	return nil
}

// Close releases every long-lived resource in reverse initialization order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if err := a.logger.Sync(); err != nil {
		// Best effort; stderr sync failures are expected on some platforms.
		_ = err
	}
}

func (a *App) buildStores(ctx context.Context) (engineStores, catalogStores, opqueue.Prober, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("using in-memory stores")
		return memorystore.NewEngineStore(), memorystore.NewCatalog(), upProber{}, nil
	}

	a.logger.Info("connecting to postgres")
	engine, err := postgres.NewEngineStore(ctx, a.cfg.DB.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init engine store: %w", err)
	}
	a.closers = append(a.closers, engine.Close)

	catalog, err := postgres.NewCatalog(ctx, a.cfg.DB.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init catalog: %w", err)
	}
	a.closers = append(a.closers, catalog.Close)

	return engine, catalog, engine, nil
}

func (a *App) buildBlobStore(ctx context.Context) (gallery.BlobStore, error) {
	switch a.cfg.Storage.Provider {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if cerr := client.Close(); cerr != nil {
				a.logger.Warn("gcs client close failed", zap.Error(cerr))
			}
		})
		blobs, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs blob store: %w", err)
		}
		a.logger.Info("using gcs blob store", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobs, nil
	case "local":
		blobs, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local blob store: %w", err)
		}
		a.logger.Info("using local blob store", zap.String("dir", a.cfg.Storage.LocalDir))
		return blobs, nil
	case "memory":
		a.logger.Info("using in-memory blob store")
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", a.cfg.Storage.Provider)
	}
}

func (a *App) buildPublisher(ctx context.Context) (gallery.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	}

	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	a.closers = append(a.closers, func() {
		if cerr := client.Close(); cerr != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(cerr))
		}
	})
	topic := client.Topic(a.cfg.PubSub.TopicName)
	a.closers = append(a.closers, topic.Stop)
	a.logger.Info("using pubsub publisher", zap.String("topic", a.cfg.PubSub.TopicName))
	return pubsubpublisher.New(topic), nil
}
