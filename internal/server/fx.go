// Package server provides the core application container and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/myfishnameisqwerty/menagerie/internal/api"
	archivegcs "github.com/myfishnameisqwerty/menagerie/internal/archive/gcs"
	archivememory "github.com/myfishnameisqwerty/menagerie/internal/archive/memory"
	"github.com/myfishnameisqwerty/menagerie/internal/artifact"
	"github.com/myfishnameisqwerty/menagerie/internal/clock/system"
	"github.com/myfishnameisqwerty/menagerie/internal/config"
	"github.com/myfishnameisqwerty/menagerie/internal/fetch"
	"github.com/myfishnameisqwerty/menagerie/internal/gallery"
	historymemory "github.com/myfishnameisqwerty/menagerie/internal/history/memory"
	historypostgres "github.com/myfishnameisqwerty/menagerie/internal/history/postgres"
	"github.com/myfishnameisqwerty/menagerie/internal/id/uuid"
	"github.com/myfishnameisqwerty/menagerie/internal/logging"
	"github.com/myfishnameisqwerty/menagerie/internal/pipeline"
	publishmemory "github.com/myfishnameisqwerty/menagerie/internal/publish/memory"
	publishpubsub "github.com/myfishnameisqwerty/menagerie/internal/publish/pubsub"
	"github.com/myfishnameisqwerty/menagerie/internal/render"
	"github.com/myfishnameisqwerty/menagerie/internal/scraper"
	"github.com/myfishnameisqwerty/menagerie/internal/urlcache"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	closed atomic.Bool

	apiServer   *api.Server
	coordinator *pipeline.Coordinator

	historyStore    gallery.BatchStore
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	gcsArchiver     *archivegcs.Archiver
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	// Define a struct for logging only non-sensitive config fields
	type SanitizedConfig struct {
		ServerPort   int `json:"server_port"`
		FetchWorkers int `json:"fetch_workers"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:   cfg.Server.Port,
		FetchWorkers: cfg.Fetch.Workers,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Build creates the application's dependencies. Collaborators without
// configuration (history DSN, Pub/Sub topic, archive bucket) fall back to
// in-memory stand-ins, so a bare config still yields a runnable app.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	app.logger.Info("building application dependencies")

	store, err := artifact.New(artifact.Config{BaseDir: cfg.Artifact.BaseDir})
	if err != nil {
		return nil, fmt.Errorf("artifact store init failed: %w", err)
	}

	if err = setupHistory(ctx, app); err != nil {
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	archiver, err := setupArchiver(ctx, app)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	cache := urlcache.New(urlcache.Config{TTL: cfg.CacheTTL()}, clock)

	registry := scraper.NewRegistry()
	wiki, err := scraper.New(scraper.Config{
		UserAgent:     cfg.Scraper.UserAgent,
		Timeout:       time.Duration(cfg.Scraper.TimeoutSeconds) * time.Second,
		PageTimeout:   time.Duration(cfg.Scraper.PageTimeoutSeconds) * time.Second,
		MaxRetries:    cfg.Scraper.MaxRetries,
		RetryDelay:    time.Duration(cfg.Scraper.RetryDelaySeconds) * time.Second,
		ListURL:       cfg.Scraper.ListURL,
		BaseURL:       cfg.Scraper.BaseURL,
		RespectRobots: cfg.Scraper.RespectRobots,
		CrawlDelay:    time.Duration(cfg.Scraper.CrawlDelaySeconds) * time.Second,
	}, cache, clock, logger.Named("scraper"))
	if err != nil {
		return nil, fmt.Errorf("wikipedia source init failed: %w", err)
	}
	registry.Register(wiki)

	executor := fetch.New(store, clock, fetch.Config{
		Workers:        cfg.Fetch.Workers,
		RequestTimeout: time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		UserAgent:      cfg.Fetch.UserAgent,
		MaxAttempts:    cfg.Fetch.MaxAttempts,
		BackoffBase:    time.Duration(cfg.Fetch.BackoffInitialMs) * time.Millisecond,
	}, logger.Named("fetch"))

	renderer, err := render.New(render.Config{OutputDir: cfg.Render.OutputDir}, store, logger.Named("render"))
	if err != nil {
		return nil, fmt.Errorf("renderer init failed: %w", err)
	}

	app.coordinator = pipeline.New(
		registry,
		executor,
		store,
		renderer,
		app.historyStore,
		publisher,
		archiver,
		clock,
		uuid.New(),
		pipeline.Config{ArchivePrefix: cfg.Archive.Prefix},
		logger.Named("pipeline"),
	)

	app.apiServer = api.NewServer(
		app.coordinator,
		registry,
		store,
		cache,
		renderer,
		app.historyStore,
		*cfg,
		logger.Named("api"),
	)

	return app, nil
}

func setupHistory(ctx context.Context, app *App) error {
	if app.cfg.History.DSN == "" {
		app.logger.Warn("No DSN specified for history, using in-memory batch store")
		app.historyStore = historymemory.New()
		return nil
	}
	pg, err := historypostgres.New(ctx, historypostgres.Config{
		DSN:             app.cfg.History.DSN,
		BatchesTable:    app.cfg.History.BatchesTable,
		ResultsTable:    app.cfg.History.ResultsTable,
		MaxConns:        app.cfg.History.MaxConns,
		MinConns:        app.cfg.History.MinConns,
		MaxConnLifetime: app.cfg.History.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("history store init failed: %w", err)
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return fmt.Errorf("history schema init failed: %w", err)
	}
	app.logger.Info("history store initialized",
		zap.String("batches_table", app.cfg.History.BatchesTable),
		zap.String("results_table", app.cfg.History.ResultsTable),
	)
	app.historyStore = pg
	return nil
}

func setupPublisher(ctx context.Context, app *App) (gallery.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return publishmemory.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return publishpubsub.New(app.pubsubPublisher), nil
}

func setupArchiver(ctx context.Context, app *App) (gallery.Archiver, error) {
	if app.cfg.Archive.Bucket == "" {
		app.logger.Warn("No archive bucket configured, using in-memory archiver")
		return archivememory.New(), nil
	}
	gcsArchiver, err := archivegcs.New(ctx, archivegcs.Config{Bucket: app.cfg.Archive.Bucket})
	if err != nil {
		return nil, fmt.Errorf("gcs archiver init failed: %w", err)
	}
	app.logger.Info("GCS archiver initialized", zap.String("bucket", app.cfg.Archive.Bucket))
	app.gcsArchiver = gcsArchiver
	return gcsArchiver, nil
}

// RunWorkflow triggers one synchronous acquisition workflow. The one-shot CLI
// path uses this instead of going through the HTTP server.
func (a *App) RunWorkflow(ctx context.Context, source, category string) (pipeline.Report, error) {
	return a.coordinator.Run(ctx, source, category)
}

// Handler exposes the HTTP API for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application. Both the server loop and the
// CLI teardown call it, so repeated calls are no-ops.
func (a *App) Close(_ context.Context) error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.closeInfrastructure()
	a.closeObservability()
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsArchiver != nil {
		if err := a.gcsArchiver.Close(); err != nil {
			a.logger.Warn("gcs archiver close failed", zap.Error(err))
		}
	}
	if pg, ok := a.historyStore.(*historypostgres.Store); ok {
		pg.Close()
	}
}

func (a *App) closeObservability() {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
