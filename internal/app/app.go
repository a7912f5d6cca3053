package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/utafrali/identity/internal/auth"
	"github.com/utafrali/identity/internal/config"
	"github.com/utafrali/identity/internal/event"
	handler "github.com/utafrali/identity/internal/handler/http"
	"github.com/utafrali/identity/internal/hasher"
	"github.com/utafrali/identity/internal/oauth"
	"github.com/utafrali/identity/internal/reconcile"
	"github.com/utafrali/identity/internal/repository"
	"github.com/utafrali/identity/internal/repository/memory"
	"github.com/utafrali/identity/internal/repository/postgres"
	"github.com/utafrali/identity/internal/service"
	"github.com/utafrali/identity/migrations"
	"github.com/utafrali/identity/pkg/database"
	"github.com/utafrali/identity/pkg/health"
	"github.com/utafrali/identity/pkg/httpclient"
	pkgkafka "github.com/utafrali/identity/pkg/kafka"
	"github.com/utafrali/identity/pkg/middleware"
	"github.com/utafrali/identity/pkg/tracing"
)

// ServiceName labels logs, metrics and traces.
const ServiceName = "identity"

// App wires together all dependencies and runs the identity service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redis          *redis.Client
	producer       *pkgkafka.Producer
	rateLimiter    *middleware.RateLimiter
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
// Anything opened before a failure is closed again.
func NewApp(cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	// Initialize OpenTelemetry tracing.
	a.tracerShutdown, err = tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    ServiceName,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := httpclient.RegisterMetrics(registry); err != nil {
		return nil, fmt.Errorf("register circuit breaker metrics: %w", err)
	}

	healthHandler := health.NewHandler()

	// Storage.
	users, err := a.openStorage(ctx, registry, healthHandler)
	if err != nil {
		return nil, err
	}

	// OAuth state.
	states, err := a.openStateStore(ctx, healthHandler)
	if err != nil {
		return nil, err
	}

	// Events.
	events, err := a.openPublisher(registry, healthHandler)
	if err != nil {
		return nil, err
	}

	// Build the dependency graph.
	tokens, err := auth.NewTokenManager(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("create token manager: %w", err)
	}
	if cfg.JWTSecret == auth.DevelopmentSigningKey {
		logger.Warn("JWT_SECRET not set, using the development signing key")
	}

	reconcileMetrics, err := reconcile.NewMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("register reconcile metrics: %w", err)
	}
	passwords := hasher.New(cfg.HashMaxConcurrency)
	reconciler := reconcile.New(users, passwords, reconcile.WithMetrics(reconcileMetrics))
	accounts := service.NewAccountService(users, reconciler, passwords, tokens, events, logger)

	flow := oauth.NewFlow(oauth.Config{
		Google: oauth.ProviderConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		},
		GitHub: oauth.ProviderConfig{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.GitHubRedirectURL,
		},
		StateTTL: cfg.OAuthStateTTL,
		HTTP:     httpclient.DefaultConfig(),
	}, states, logger)

	a.rateLimiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
		RPS:        cfg.AuthRateLimitRPS,
		Burst:      cfg.AuthRateLimitBurst,
		IdleTTL:    10 * time.Minute,
		TrustProxy: cfg.TrustProxy,
	}, logger)

	// HTTP router.
	router := handler.NewRouter(handler.RouterConfig{
		ServiceName:   ServiceName,
		Accounts:      accounts,
		OAuth:         flow,
		Health:        healthHandler,
		Metrics:       middleware.NewHTTPMetrics(registry, ServiceName),
		Gatherer:      registry,
		RateLimiter:   a.rateLimiter,
		CORS:          middleware.DefaultCORSConfig(cfg.CORSAllowedOrigins...),
		FrontendURL:   cfg.FrontendURL,
		UserDirectory: cfg.UserDirectoryEnabled,
		Logger:        logger,
	})

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

func (a *App) openStorage(ctx context.Context, reg prometheus.Registerer, hh *health.Handler) (repository.UserRepository, error) {
	if a.cfg.StorageDriver == config.StorageDriverMemory {
		a.logger.Warn("using in-memory storage, data is lost on restart")
		return memory.NewUserRepository(), nil
	}

	pool, err := database.NewPostgresPool(ctx, a.cfg.Postgres(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	a.pool = pool
	a.logger.Info("connected to PostgreSQL",
		slog.String("host", a.cfg.PostgresHost),
		slog.Int("port", a.cfg.PostgresPort),
		slog.String("database", a.cfg.PostgresDB),
	)

	if err := reg.Register(database.NewPoolStatsCollector(pool, ServiceName)); err != nil {
		return nil, fmt.Errorf("register pool metrics: %w", err)
	}

	// Run database migrations.
	if err := database.RunMigrations(ctx, pool, migrations.FS, a.logger); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	a.logger.Info("database migrations completed")

	hh.RegisterCritical("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})

	tracer := database.NewQueryTracer(a.cfg.SlowQueryThreshold(), a.logger)
	return postgres.NewUserRepository(pool, tracer), nil
}

func (a *App) openStateStore(ctx context.Context, hh *health.Handler) (oauth.StateStore, error) {
	redisCfg := a.cfg.Redis()
	if !redisCfg.Enabled() {
		a.logger.Info("REDIS_HOST not set, keeping OAuth state in process")
		return oauth.NewMemoryStateStore(nil), nil
	}

	client, err := database.NewRedisClient(ctx, redisCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.redis = client
	a.logger.Info("connected to Redis", slog.String("addr", redisCfg.Addr()))

	hh.RegisterNonCritical("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	return oauth.NewRedisStateStore(client), nil
}

func (a *App) openPublisher(reg prometheus.Registerer, hh *health.Handler) (event.Publisher, error) {
	if !a.cfg.EventsEnabled {
		a.logger.Info("event publishing disabled")
		return event.NoopPublisher{}, nil
	}

	metrics, err := pkgkafka.NewProducerMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("register kafka metrics: %w", err)
	}
	a.producer = pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(a.cfg.KafkaBrokers), metrics, a.logger)
	a.logger.Info("kafka producer initialized", slog.Any("brokers", a.cfg.KafkaBrokers))

	hh.RegisterNonCritical("kafka", a.producer.Ping)
	return event.NewProducer(a.producer, a.logger), nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.closeResources()
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in order: the HTTP server drains
// in-flight requests, then pending spans are flushed, then the producer,
// Redis and the PostgreSQL pool are closed.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	httpCtx, httpCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error

	if a.rateLimiter != nil {
		a.rateLimiter.Stop()
	}

	// Flush pending spans after HTTP drain so in-flight request spans are captured.
	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.pool != nil {
		a.pool.Close()
	}
	return errors.Join(errs...)
}
