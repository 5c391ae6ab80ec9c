package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/Khin-96/Nova/internal/config"
	"github.com/Khin-96/Nova/internal/event"
	"github.com/Khin-96/Nova/internal/gateway/daraja"
	handler "github.com/Khin-96/Nova/internal/handler/http"
	"github.com/Khin-96/Nova/internal/reconcile"
	"github.com/Khin-96/Nova/internal/repository/postgres"
	"github.com/Khin-96/Nova/internal/service"
	"github.com/Khin-96/Nova/migrations"
	"github.com/Khin-96/Nova/pkg/database"
	"github.com/Khin-96/Nova/pkg/health"
	"github.com/Khin-96/Nova/pkg/httpclient"
	pkgkafka "github.com/Khin-96/Nova/pkg/kafka"
	"github.com/Khin-96/Nova/pkg/tracing"
)

// App wires together all dependencies and runs the order payment service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	producer       *pkgkafka.Producer
	redisClient    *redis.Client
	sweeper        *reconcile.Sweeper
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "orders",
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.TracingEndpoint,
		SampleRate:     1.0,
		Enabled:        cfg.TracingEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Initialize PostgreSQL connection pool.
	pgCfg := database.DefaultPostgresConfig()
	pgCfg.Host = cfg.PostgresHost
	pgCfg.Port = cfg.PostgresPort
	pgCfg.User = cfg.PostgresUser
	pgCfg.Password = cfg.PostgresPass
	pgCfg.DBName = cfg.PostgresDB
	pgCfg.SSLMode = cfg.PostgresSSL

	pool, err := database.NewPostgresPoolWithLogger(ctx, &pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	database.RegisterPoolMetrics(pool, "orders")

	// Run database migrations.
	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	// Kafka producer is optional: without brokers the service runs without
	// event publishing.
	var producer *pkgkafka.Producer
	var events event.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer = pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
		events = event.NewProducer(producer, logger)
		logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))
	} else {
		logger.Info("kafka brokers not configured, event publishing disabled")
	}

	// Redis is optional: without it the Daraja token is cached in process,
	// which only costs extra token requests when running multiple replicas.
	var redisClient *redis.Client
	var tokenCache daraja.TokenCache
	if cfg.RedisHost != "" {
		redisClient, err = database.NewRedisClient(ctx, database.RedisConfig{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		tokenCache = daraja.NewRedisTokenCache(redisClient)
		logger.Info("connected to Redis", slog.String("host", cfg.RedisHost))
	}

	// HTTP client with a circuit breaker in front of the Daraja API.
	baseClient := httpclient.New(httpclient.Config{
		Timeout:         cfg.MpesaTimeout,
		MaxRetries:      3,
		RetryWaitMin:    500 * time.Millisecond,
		RetryWaitMax:    5 * time.Second,
		MaxConnsPerHost: 100,
	})
	cbClient := httpclient.NewCircuitBreakerClient(baseClient, httpclient.DefaultCircuitBreakerConfig("daraja"), logger)

	gw := daraja.New(daraja.Config{
		BaseURL:        cfg.MpesaBaseURL,
		ConsumerKey:    cfg.MpesaConsumerKey,
		ConsumerSecret: cfg.MpesaConsumerSecret,
		Shortcode:      cfg.MpesaShortcode,
		Passkey:        cfg.MpesaPasskey,
		CallbackURL:    cfg.MpesaCallbackURL,
		Timeout:        cfg.MpesaTimeout,
	}, cbClient, tokenCache, logger)

	// Build the dependency graph.
	repo := postgres.NewOrderRepository(pool)
	engine := reconcile.NewEngine(repo, gw, events, logger)
	sweeper := reconcile.NewSweeper(repo, engine, reconcile.SweeperConfig{
		Interval:       cfg.SweepInterval,
		GracePeriod:    cfg.SweepGracePeriod,
		PendingTimeout: cfg.PaymentPendingTimeout,
	}, logger)

	orderService := service.NewOrderService(repo, gw, engine, events, service.Pricing{
		StandardFee:   cfg.DeliveryFee,
		FreeLocations: cfg.FreeDeliveryLocations,
	}, logger)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	if producer != nil {
		healthHandler.RegisterNonCritical("kafka", func(ctx context.Context) error {
			return producer.Ping(ctx)
		})
	}
	if redisClient != nil {
		healthHandler.RegisterNonCritical("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	// HTTP router.
	router := handler.NewRouter(orderService, healthHandler, handler.RouterConfig{
		Environment:    cfg.Environment,
		AllowedOrigins: cfg.AllowedOrigins,
		PprofCIDRs:     cfg.PprofAllowedCIDRs,
	}, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		producer:       producer,
		redisClient:    redisClient,
		sweeper:        sweeper,
		httpServer:     httpServer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Run starts the sweeper and HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.sweeper.Start()
	a.logger.Info("reconciliation sweeper started",
		slog.Duration("interval", a.cfg.SweepInterval),
		slog.Duration("pending_timeout", a.cfg.PaymentPendingTimeout),
	)

	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in the correct order:
// 1. HTTP server (drain in-flight requests, including late callbacks)
// 2. Reconciliation sweeper
// 3. Tracer (flush pending spans from drained requests)
// 4. Kafka producer
// 5. Redis client
// 6. PostgreSQL pool
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Drain in-flight HTTP requests (5s budget).
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 2. Stop the sweeper; waits for the in-flight sweep to finish.
	a.sweeper.Stop()

	// 3. Flush pending spans after HTTP drain so in-flight request spans are captured.
	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 4. Close Kafka producer.
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 5. Close Redis client.
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 6. Close PostgreSQL pool.
	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}
