// Package server builds the watcher's dependencies from configuration and
// runs the HTTP server and scheduler until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Frunin/diario-oficial/internal/acquire"
	"github.com/Frunin/diario-oficial/internal/api"
	"github.com/Frunin/diario-oficial/internal/cache"
	"github.com/Frunin/diario-oficial/internal/clock/system"
	"github.com/Frunin/diario-oficial/internal/config"
	"github.com/Frunin/diario-oficial/internal/extract"
	"github.com/Frunin/diario-oficial/internal/fallback"
	collyfetcher "github.com/Frunin/diario-oficial/internal/fetcher/colly"
	headlessfetcher "github.com/Frunin/diario-oficial/internal/fetcher/headless"
	"github.com/Frunin/diario-oficial/internal/gazette"
	"github.com/Frunin/diario-oficial/internal/gemini"
	"github.com/Frunin/diario-oficial/internal/headless/detector"
	"github.com/Frunin/diario-oficial/internal/id/uuid"
	"github.com/Frunin/diario-oficial/internal/logging"
	"github.com/Frunin/diario-oficial/internal/metrics"
	"github.com/Frunin/diario-oficial/internal/pdftext"
	"github.com/Frunin/diario-oficial/internal/pipeline"
	"github.com/Frunin/diario-oficial/internal/policy/ratelimit"
	memorypublisher "github.com/Frunin/diario-oficial/internal/publisher/memory"
	gcppublisher "github.com/Frunin/diario-oficial/internal/publisher/pubsub"
	"github.com/Frunin/diario-oficial/internal/schedule"
	gcsstorage "github.com/Frunin/diario-oficial/internal/storage/gcs"
	localstorage "github.com/Frunin/diario-oficial/internal/storage/local"
	memorystorage "github.com/Frunin/diario-oficial/internal/storage/memory"
	pgstore "github.com/Frunin/diario-oficial/internal/storage/postgres"
	"github.com/Frunin/diario-oficial/internal/telemetry"
	"github.com/Frunin/diario-oficial/internal/watcher"
)

// App contains the application's dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	clock          gazette.Clock
	watcher        *watcher.Watcher
	scheduler      *schedule.Scheduler
	apiServer      *api.Server
	batchStore     *pgstore.BatchStore
	gcsStore       *gcsstorage.BlobStore
	publisher      *gcppublisher.Publisher
	tracerShutdown telemetry.ShutdownFunc
}

// Watcher exposes the check runner, mainly for one-shot commands.
func (a *App) Watcher() *watcher.Watcher {
	return a.watcher
}

// Handler returns the HTTP handler of the API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	metrics.Init()

	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
	}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("target_url", cfg.Source.TargetURL),
		zap.Strings("strategies", cfg.Fetch.Strategies),
	)

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.Init(ctx, cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = shutdown
	}

	driver, err := setupPipeline(ctx, app)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	batchStore, err := setupBatchStore(ctx, app)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	blobStore, err := setupBlobStore(ctx, app)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	app.watcher = watcher.New(driver, batchStore, uuid.New(),
		watcher.Config{
			Topic:       cfg.PubSub.TopicName,
			BlobPrefix:  cfg.Storage.Prefix,
			ContentType: cfg.Storage.ContentType,
			Timeout:     cfg.CheckTimeout(),
		},
		watcher.WithBlobStore(blobStore),
		watcher.WithPublisher(publisher),
		watcher.WithClock(app.clock),
		watcher.WithLogger(logger),
	)

	if cfg.Schedule.Enabled {
		app.scheduler, err = schedule.New(cfg.Schedule.Times, cfg.Schedule.Timezone, app.watcher,
			schedule.WithClock(app.clock),
			schedule.WithLogger(logger),
		)
		if err != nil {
			app.Close(ctx)
			return nil, fmt.Errorf("scheduler init failed: %w", err)
		}
		logger.Info("scheduled checks enabled",
			zap.Strings("times", cfg.Schedule.Times),
			zap.String("timezone", cfg.Schedule.Timezone),
		)
	}

	var apiOpts []api.Option
	if app.batchStore != nil {
		apiOpts = append(apiOpts, api.WithReadiness(app.batchStore.Ping))
	}
	app.apiServer = api.NewServer(app.watcher, cfg, logger, apiOpts...)
	return app, nil
}

// Run starts the scheduler and HTTP server and blocks until the context is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.logger.Info("application started")

	if a.scheduler != nil {
		go a.scheduler.Run(ctx)
	}

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
	a.Close(shutdownCtx)
	return nil
}

// Close releases external clients. It is safe on a partially built App.
func (a *App) Close(ctx context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.gcsStore != nil {
		if err := a.gcsStore.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.batchStore != nil {
		a.batchStore.Close()
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}

func setupPipeline(ctx context.Context, app *App) (*pipeline.Driver, error) {
	cfg := app.cfg
	logger := app.logger

	limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.Fetch.UpstreamRPS,
		Burst: cfg.Fetch.UpstreamBurst,
	})
	detect := detector.NewHeuristic(cfg.Headless.ChallengeBodyThreshold, cfg.Headless.BlockTitleMarkers)
	extractor := extract.New(extract.Config{
		ContainerSelector:   cfg.Extract.ContainerSelector,
		RecordSelector:      cfg.Extract.RecordSelector,
		FieldSelector:       cfg.Extract.FieldSelector,
		LabelSelector:       cfg.Extract.LabelSelector,
		ValueSelector:       cfg.Extract.ValueSelector,
		ActionPattern:       cfg.Extract.ActionPattern,
		DocumentURLTemplate: cfg.Source.DocumentURLTemplate,
		FallbackTitle:       cfg.Extract.FallbackTitle,
	}, app.clock, logger)

	strategies, err := setupStrategies(app, extractor, limiter, detect)
	if err != nil {
		return nil, err
	}

	orchOpts := []acquire.Option{
		acquire.WithCache(cache.New(cfg.CacheTTL(), app.clock, logger)),
		acquire.WithClock(app.clock),
		acquire.WithLogger(logger),
	}
	var driverOpts []pipeline.Option
	if cfg.Gemini.APIKey != "" {
		client, err := gemini.New(ctx, gemini.Config{
			APIKey:       cfg.Gemini.APIKey,
			SearchModel:  cfg.Gemini.SearchModel,
			SummaryModel: cfg.Gemini.SummaryModel,
			Timeout:      cfg.GeminiTimeout(),
			Temperature:  float32(cfg.Gemini.Temperature),
			MaxChars:     cfg.PDF.MaxChars,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("gemini client init failed: %w", err)
		}
		orchOpts = append(orchOpts, acquire.WithFallback(fallback.New(client,
			fallback.Config{
				Municipality: cfg.Source.Municipality,
				Domain:       siteDomain(cfg.Source.TargetURL),
				ListingURL:   cfg.Source.TargetURL,
			},
			fallback.WithClock(app.clock),
			fallback.WithLogger(logger),
		)))
		pdf := pdftext.New(pdftext.Config{
			UserAgent:      cfg.Fetch.UserAgent,
			AcceptLanguage: cfg.Fetch.AcceptLanguage,
			Referer:        cfg.Source.Referer,
			Timeout:        cfg.PDFTimeout(),
			MaxBytes:       cfg.PDF.MaxBytes,
			MaxPages:       cfg.PDF.MaxPages,
		}, pdftext.WithLimiter(limiter), pdftext.WithLogger(logger))
		driverOpts = append(driverOpts, pipeline.WithEnrichment(pdf, client))
		logger.Info("generative fallback and summaries enabled",
			zap.String("search_model", cfg.Gemini.SearchModel),
			zap.String("summary_model", cfg.Gemini.SummaryModel),
		)
	} else {
		logger.Warn("gemini.api_key not set, generative fallback and summaries disabled")
	}

	orchestrator := acquire.New(strategies, acquire.NewValidator(extractor), orchOpts...)
	driverOpts = append(driverOpts, pipeline.WithLogger(logger))
	return pipeline.New(pipeline.Config{
		TargetURL:  cfg.Source.TargetURL,
		Window:     cfg.Pipeline.Window,
		YearFilter: cfg.Extract.YearFilter,
	}, orchestrator, extractor, driverOpts...), nil
}

func setupStrategies(
	app *App,
	extractor *extract.Extractor,
	limiter *ratelimit.Limiter,
	detect *detector.Heuristic,
) ([]gazette.Strategy, error) {
	cfg := app.cfg
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:      cfg.Fetch.UserAgent,
		AcceptLanguage: cfg.Fetch.AcceptLanguage,
		Referer:        cfg.Source.Referer,
		IgnoreRobots:   cfg.Fetch.IgnoreRobots,
		Timeout:        cfg.FetchTimeout(),
	},
		collyfetcher.WithLimiter(limiter),
		collyfetcher.WithDetector(detect),
		collyfetcher.WithClock(app.clock),
		collyfetcher.WithLogger(app.logger),
	)

	strategies := make([]gazette.Strategy, 0, len(cfg.Fetch.Strategies))
	for _, name := range cfg.Fetch.Strategies {
		switch name {
		case collyfetcher.DirectName:
			strategies = append(strategies, collyfetcher.NewDirect(fetcher))
		case collyfetcher.ProxiedName:
			strategies = append(strategies, collyfetcher.NewProxied(fetcher, cfg.Source.RelayURLTemplate))
		case headlessfetcher.Name:
			strategies = append(strategies, setupRendered(app, extractor, limiter, detect))
		default:
			return nil, fmt.Errorf("unknown strategy %q", name)
		}
	}
	return strategies, nil
}

func setupRendered(
	app *App,
	extractor *extract.Extractor,
	limiter *ratelimit.Limiter,
	detect *detector.Heuristic,
) gazette.Strategy {
	cfg := app.cfg
	if !cfg.Headless.Enabled {
		app.logger.Info("headless browsing disabled")
		return headlessfetcher.NewNoop()
	}
	rendered, err := headlessfetcher.NewRendered(headlessfetcher.Config{
		UserAgent:         cfg.Fetch.UserAgent,
		AcceptLanguage:    cfg.Fetch.AcceptLanguage,
		Referer:           cfg.Source.Referer,
		NavigationTimeout: cfg.NavTimeout(),
		QuiescenceTimeout: time.Duration(cfg.Headless.QuiescenceTimeoutSec) * time.Second,
		ContainerWait:     time.Duration(cfg.Headless.ContainerWaitSec) * time.Second,
		Mode:              cfg.Headless.Mode,
		ExecPath:          cfg.Headless.ExecPath,
		Selectors:         extractor.Config(),
	}, extractor,
		headlessfetcher.WithDetector(detect),
		headlessfetcher.WithLimiter(limiter),
		headlessfetcher.WithClock(app.clock),
		headlessfetcher.WithLogger(app.logger),
	)
	if err != nil {
		app.logger.Warn("headless fetcher init failed", zap.Error(err))
		return headlessfetcher.NewNoop()
	}
	app.logger.Info("using headless fetcher", zap.String("mode", cfg.Headless.Mode))
	return rendered
}

func setupBatchStore(ctx context.Context, app *App) (gazette.BatchStore, error) {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("No DSN specified for database, latest batch kept in memory")
		return memorystorage.NewBatchStore(), nil
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:             app.cfg.DB.DSN,
		Table:           app.cfg.DB.Table,
		MaxConns:        int32(app.cfg.DB.MaxOpenConns),
		MaxConnLifetime: app.cfg.ConnLifetime(),
	})
	if err != nil {
		return nil, fmt.Errorf("batch store init failed: %w", err)
	}
	app.batchStore = store
	app.logger.Info("batch store initialized", zap.String("table", app.cfg.DB.Table))
	return store, nil
}

func setupBlobStore(ctx context.Context, app *App) (gazette.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: app.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.gcsStore = store
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
		return store, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (gazette.Publisher, error) {
	if app.cfg.PubSub.ProjectID == "" || app.cfg.PubSub.TopicName == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(app.logger), nil
	}
	pub, err := gcppublisher.Dial(ctx, app.cfg.PubSub.ProjectID, app.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.publisher = pub
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return pub, nil
}

// siteDomain returns the listing host without a leading "www.".
func siteDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
