// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/blog-digest/internal/config"
	"github.com/bissquit/blog-digest/internal/content"
	"github.com/bissquit/blog-digest/internal/content/feed"
	"github.com/bissquit/blog-digest/internal/content/tina"
	"github.com/bissquit/blog-digest/internal/digest"
	"github.com/bissquit/blog-digest/internal/mail"
	"github.com/bissquit/blog-digest/internal/mail/smtp"
	"github.com/bissquit/blog-digest/internal/pkg/ctxlog"
	"github.com/bissquit/blog-digest/internal/pkg/httputil"
	"github.com/bissquit/blog-digest/internal/pkg/metrics"
	"github.com/bissquit/blog-digest/internal/pkg/postgres"
	"github.com/bissquit/blog-digest/internal/pkg/redis"
	"github.com/bissquit/blog-digest/internal/subscribers"
	subscriberspostgres "github.com/bissquit/blog-digest/internal/subscribers/postgres"
	subscribersredis "github.com/bissquit/blog-digest/internal/subscribers/redis"
	"github.com/bissquit/blog-digest/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
)

// App represents the application instance.
type App struct {
	config           *config.Config
	logger           *slog.Logger
	redis            *goredis.Client
	db               *pgxpool.Pool
	subscribers      *subscribers.Service
	orchestrator     *digest.Orchestrator
	limiter          *httputil.IPRateLimiter
	server           *http.Server
	metricsServer    *http.Server
	backgroundCancel context.CancelFunc
	scheduler        *digest.Scheduler
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	app := &App{
		config: cfg,
		logger: logger,
	}

	repo, err := app.connectStore()
	if err != nil {
		return nil, err
	}
	app.subscribers = subscribers.NewService(repo)

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	app.backgroundCancel = backgroundCancel

	router, err := app.setupRouter()
	if err != nil {
		backgroundCancel()
		app.closeStore()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	go app.collectPoolMetrics(backgroundCtx)
	if app.limiter != nil {
		go app.sweepLimiter(backgroundCtx)
	}

	if cfg.Digest.ScheduleEnabled {
		app.scheduler = digest.NewScheduler(app.orchestrator, cfg.Digest.ScheduleInterval)
		app.scheduler.Start(backgroundCtx)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// connectStore opens the configured subscriber store backend.
func (a *App) connectStore() (subscribers.Repository, error) {
	switch a.config.Storage.Driver {
	case config.StoragePostgres:
		pg := a.config.Storage.Postgres
		ctx, cancel := context.WithTimeout(context.Background(), pg.ConnectTimeout)
		defer cancel()

		db, err := postgres.Connect(ctx, postgres.Config{
			URL:             pg.URL,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: pg.ConnMaxLifetime,
			ConnectAttempts: pg.ConnectAttempts,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}

		if err := postgres.Migrate(subscriberspostgres.Migrations, subscriberspostgres.MigrationsDir, pg.URL); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}

		a.db = db
		return subscriberspostgres.NewRepository(db), nil

	default:
		rc := a.config.Storage.Redis
		ctx, cancel := context.WithTimeout(context.Background(), rc.ConnectTimeout)
		defer cancel()

		client, err := redis.Connect(ctx, redis.Config{
			URL:             rc.URL,
			PoolSize:        rc.PoolSize,
			MinIdleConns:    rc.MinIdleConns,
			ConnectAttempts: rc.ConnectAttempts,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}

		a.redis = client
		return subscribersredis.NewRepository(client), nil
	}
}

func (a *App) closeStore() {
	if a.db != nil {
		a.db.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", "error", err)
		}
	}
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"storage", a.config.Storage.Driver,
		"content", a.config.Content.Driver,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	// Stop the scheduler first so no run starts during shutdown
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	a.backgroundCancel()

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.closeStore()

	return errors.Join(errs...)
}

func (a *App) collectPoolMetrics(ctx context.Context) {
	record := func() {
		if a.db != nil {
			metrics.RecordDBPoolMetrics(a.db)
		}
		if a.redis != nil {
			metrics.RecordRedisPoolMetrics(a.redis)
		}
	}

	// Collect immediately on start
	record()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			record()
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := a.limiter.Sweep(); n > 0 {
				slog.Debug("rate limiter entries evicted", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) setupRouter() (*chi.Mux, error) {
	source, err := newContentSource(a.config.Content)
	if err != nil {
		return nil, fmt.Errorf("create content source: %w", err)
	}

	transport, err := newTransport(a.config.Email)
	if err != nil {
		return nil, fmt.Errorf("create mail transport: %w", err)
	}

	renderer, err := digest.NewRenderer(a.config.Newsletter.ListName, a.config.Newsletter.SiteURL)
	if err != nil {
		return nil, fmt.Errorf("create digest renderer: %w", err)
	}

	a.orchestrator = digest.NewOrchestrator(
		digest.Config{
			MinPosts:   a.config.Newsletter.MinPosts,
			Lookback:   a.config.Newsletter.Lookback,
			LockTTL:    a.config.Digest.LockTTL,
			RunTimeout: a.config.Digest.RunTimeout,
		},
		content.NewAdapter(source, a.config.Newsletter.SiteURL),
		a.subscribers,
		renderer,
		transport,
		newThrottle(a.config.Digest),
	)

	a.limiter = httputil.NewIPRateLimiter(a.config.Newsletter.SubscribeRateLimit, a.config.Newsletter.SubscribeBurst)

	subscribersHandler, err := subscribers.NewHandler(a.subscribers, subscribers.PageConfig{
		SiteURL:  a.config.Newsletter.SiteURL,
		ListName: a.config.Newsletter.ListName,
	}, a.limiter)
	if err != nil {
		return nil, fmt.Errorf("create subscribers handler: %w", err)
	}
	digestHandler := digest.NewHandler(a.orchestrator, a.config.Newsletter.CronSecret)

	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	r.Route("/api/newsletter", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			subscribersHandler.RegisterRoutes(r)
		})

		// Digest runs are bounded by digest.run_timeout instead of the request timeout.
		digestHandler.RegisterRoutes(r)
	})

	return r, nil
}

func newContentSource(cfg config.ContentConfig) (content.Source, error) {
	if cfg.Driver == config.ContentFeed {
		src, err := feed.NewSource(cfg.Feed.URL, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		return src, nil
	}

	client, err := tina.NewClient(tina.Config{
		URL:      cfg.Tina.URL,
		Token:    cfg.Tina.Token,
		PageSize: cfg.Tina.PageSize,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func newTransport(cfg config.EmailConfig) (mail.Transport, error) {
	if !cfg.Enabled {
		slog.Warn("email delivery is disabled: digests will be logged, not sent")
		return mail.LogTransport{}, nil
	}

	sender, err := smtp.NewSender(smtp.Config{
		Enabled:      true,
		Host:         cfg.SMTPHost,
		Port:         cfg.SMTPPort,
		User:         cfg.SMTPUser,
		Password:     cfg.SMTPPassword,
		FromAddress:  cfg.FromAddress,
		Secure:       cfg.Secure,
		SendAttempts: uint(max(cfg.SendAttempts, 1)),
	})
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func newThrottle(cfg config.DigestConfig) digest.Throttle {
	switch cfg.Throttle {
	case config.ThrottleRate:
		return digest.NewRateLimit(cfg.RatePerSecond, 1)
	case config.ThrottleNone:
		return digest.NoDelay{}
	default:
		return digest.FixedDelay(cfg.SendDelay)
	}
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.subscribers.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Store unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
