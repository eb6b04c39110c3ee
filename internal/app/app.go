package app

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver для goose миграций
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	httpapi "github.com/NYCU-ST-113/payment/internal/api/http"
	"github.com/NYCU-ST-113/payment/internal/config"
	"github.com/NYCU-ST-113/payment/internal/event"
	kafkaevent "github.com/NYCU-ST-113/payment/internal/event/kafka"
	"github.com/NYCU-ST-113/payment/internal/gateway/mockpay"
	"github.com/NYCU-ST-113/payment/internal/idempotency"
	redisidem "github.com/NYCU-ST-113/payment/internal/idempotency/redis"
	"github.com/NYCU-ST-113/payment/internal/repository"
	"github.com/NYCU-ST-113/payment/internal/repository/memory"
	"github.com/NYCU-ST-113/payment/internal/repository/postgres"
	"github.com/NYCU-ST-113/payment/internal/service"
	platformlogging "github.com/NYCU-ST-113/payment/platform/logging"
	platformobservability "github.com/NYCU-ST-113/payment/platform/observability"
	platformshutdown "github.com/NYCU-ST-113/payment/platform/shutdown"
)

// App содержит все зависимости для запуска и корректного shutdown Payment Service
type App struct {
	logger      *zap.Logger
	httpServer  *http.Server
	reconciler  *service.Reconciler
	shutdownMgr *platformshutdown.Manager
	readiness   func() bool
	wg          sync.WaitGroup

	// отмена фонового reconciliation sweep при shutdown
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// Build создаёт и настраивает все зависимости Payment Service
func Build(cfg config.Config) (*App, error) {
	const op = "app.Build"

	// Создаём logger
	logger, err := platformlogging.New(platformlogging.Config{
		ServiceName: "payment",
		Env:         string(cfg.AppEnv),
		Level:       cfg.LogLevel,
		Format:      os.Getenv("LOG_FORMAT"),
	})
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("op", op))
	logger.Info("Building Payment service", zap.String("http_addr", cfg.HTTPAddr))

	// Создаём shutdown manager
	shutdownMgr := platformshutdown.New(cfg.ShutdownTimeout, logger)

	// OpenTelemetry
	otelCfg := platformobservability.Config{
		Enabled:               cfg.OTelEnabled,
		OTLPEndpoint:          cfg.OTelEndpoint,
		SamplingRatio:         cfg.OTelSamplingRatio,
		ServiceName:           "payment",
		DeploymentEnvironment: string(cfg.AppEnv),
	}
	otelShutdown, err := platformobservability.Init(context.Background(), otelCfg)
	if err != nil {
		return nil, err
	}
	shutdownMgr.Add("otel", otelShutdown)

	// readiness-проверки зависимостей, заполняются по мере подключения
	var pingers []func(context.Context) error

	// Хранилище транзакций
	var store repository.TransactionStore
	switch cfg.StoreBackend {
	case config.StorePostgres:
		logger.Info("Connecting to PostgreSQL")
		pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(context.Background()); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("PostgreSQL connection established")

		// Применяем миграции
		logger.Info("Applying database migrations")
		db, err := goose.OpenDBWithDriver("pgx", cfg.PostgresDSN)
		if err != nil {
			pool.Close()
			return nil, err
		}
		defer db.Close()

		wd, err := os.Getwd()
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := goose.Up(db, filepath.Join(wd, "migrations")); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("Database migrations applied successfully")

		store = postgres.NewStore(pool)
		shutdownMgr.Add("postgres_pool", platformshutdown.ClosePool(pool))
		pingers = append(pingers, pool.Ping)
	default:
		logger.Info("Using in-memory transaction store")
		store = memory.NewMemoryStore()
	}

	// Реестр idempotency ключей
	var registry idempotency.Registry
	switch cfg.RegistryBackend {
	case config.RegistryRedis:
		logger.Info("Connecting to Redis", zap.String("addr", cfg.RedisAddr))
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   0,
		})
		ctxRedis, cancelRedis := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelRedis()
		if err := redisClient.Ping(ctxRedis).Err(); err != nil {
			return nil, err
		}
		logger.Info("Redis connection established")

		registry = redisidem.NewRegistry(redisClient, logger)
		shutdownMgr.Add("redis_client", platformshutdown.CloseCloser(redisClient))
		pingers = append(pingers, func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	default:
		logger.Info("Using in-memory idempotency registry")
		registry = idempotency.NewMemoryRegistry()
	}

	// Публикация терминальных событий
	var notifier service.Notifier
	switch cfg.NotifierBackend {
	case config.NotifierKafka:
		logger.Info("Using Kafka notifier",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
		kafkaNotifier := kafkaevent.NewNotifier(logger, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		notifier = kafkaNotifier
		shutdownMgr.Add("kafka_writer", platformshutdown.CloseCloser(kafkaNotifier))
	default:
		logger.Info("Using log notifier")
		notifier = event.NewLogNotifier(logger)
	}

	// Gateway (симулятор процессинга)
	gw := mockpay.NewProcessor()

	// Service слой
	paymentService := service.NewPaymentService(logger, store, registry, gw, notifier, service.Policy{
		MaxAttempts:    cfg.MaxAttempts,
		BackoffBase:    cfg.BackoffBase,
		GatewayTimeout: cfg.GatewayTimeout,
		ChargeDeadline: cfg.ChargeDeadline,
	})

	// Reconciliation sweep
	reconciler := service.NewReconciler(
		logger, store, gw, notifier,
		cfg.ReconcileInterval, cfg.StaleAfter, cfg.GatewayTimeout, 0,
	)

	// Функция readiness для health check
	readiness := func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, ping := range pingers {
			if err := ping(ctx); err != nil {
				return false
			}
		}
		return true
	}

	// HTTP handler и роутер
	handler := httpapi.NewHandler(logger, paymentService)
	router := httpapi.NewRouter(handler, readiness, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	shutdownMgr.Add("reconciler", func(ctx context.Context) error {
		bgCancel()
		return nil
	})
	shutdownMgr.Add("http_server", platformshutdown.ShutdownHTTPServer(httpServer))

	return &App{
		logger:      logger,
		httpServer:  httpServer,
		reconciler:  reconciler,
		shutdownMgr: shutdownMgr,
		readiness:   readiness,
		bgCtx:       bgCtx,
		bgCancel:    bgCancel,
	}, nil
}

// Run запускает сервис и блокируется до получения сигнала shutdown
func (a *App) Run() error {
	defer platformlogging.Sync(a.logger)

	a.logger.Info("Starting Payment service", zap.String("addr", a.httpServer.Addr))
	a.logger.Info("Health check available", zap.String("url", "http://"+a.httpServer.Addr+"/health"))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.reconciler.Start(a.bgCtx); err != nil && a.bgCtx.Err() == nil {
			a.logger.Error("Reconciler error", zap.Error(err))
		}
	}()

	// Ожидаем сигнал и выполняем shutdown
	a.shutdownMgr.Wait()

	a.wg.Wait()
	a.logger.Info("Payment service stopped")
	return nil
}
