// Command executor launches the SwapFlow order execution service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"

	dbmigrations "github.com/coachpo/swapflow/db/migrations"
	"github.com/coachpo/swapflow/internal/app/execution"
	"github.com/coachpo/swapflow/internal/app/gateway"
	"github.com/coachpo/swapflow/internal/domain/orderstore"
	"github.com/coachpo/swapflow/internal/infra/adapters/dex"
	"github.com/coachpo/swapflow/internal/infra/bus/eventbus"
	"github.com/coachpo/swapflow/internal/infra/config"
	"github.com/coachpo/swapflow/internal/infra/database"
	"github.com/coachpo/swapflow/internal/infra/persistence/memory"
	"github.com/coachpo/swapflow/internal/infra/persistence/migrations"
	"github.com/coachpo/swapflow/internal/infra/persistence/postgres"
	"github.com/coachpo/swapflow/internal/infra/queue"
	httpserver "github.com/coachpo/swapflow/internal/infra/server/http"
	"github.com/coachpo/swapflow/internal/observability"
	"github.com/coachpo/swapflow/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	drainShutdownMargin      = 5 * time.Second
	queueShutdownTimeout     = 2 * time.Second
	busShutdownTimeout       = 2 * time.Second
	storeShutdownTimeout     = 5 * time.Second
	redisShutdownTimeout     = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zl, err := observability.NewZapLogger(observability.ZapConfig{
		Level:       appCfg.Logging.Level,
		Development: appCfg.Logging.Development,
	})
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	logger := zl.With(observability.F("service", appCfg.Telemetry.ServiceName))
	observability.SetLogger(logger)

	if !loadedFromFile {
		logger.Warn("configuration file not found, using defaults", observability.F("path", configPath))
	}
	logger.Info("configuration initialised",
		observability.F("env", string(appCfg.Environment)),
		observability.F("database", string(appCfg.Database.Driver)),
		observability.F("queue", string(appCfg.Queue.Backend)),
		observability.F("eventbus", string(appCfg.Eventbus.Backend)),
	)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}

	store, closeStore, err := openOrderStore(ctx, logger, appCfg.Database)
	if err != nil {
		return err
	}

	var redisClient *redis.Client
	if appCfg.Queue.Backend == config.BackendRedis || appCfg.Eventbus.Backend == config.BackendRedis {
		redisClient, err = database.NewRedisClient(ctx, database.RedisOptions{
			Addr:         appCfg.Redis.Addr,
			Password:     appCfg.Redis.Password,
			DB:           appCfg.Redis.DB,
			DialTimeout:  appCfg.Redis.DialTimeout,
			ConnectTries: appCfg.Redis.ConnectTries,
		}, logger)
		if err != nil {
			closeStore()
			return err
		}
		logger.Info("redis connected", observability.F("addr", appCfg.Redis.Addr))
	}

	bus := newEventBus(appCfg.Eventbus, redisClient, logger)
	jobs := newQueue(appCfg.Queue, redisClient, logger)
	topics := appCfg.Eventbus.Topics()

	dexRouter, err := newRouter(appCfg.Router, logger)
	if err != nil {
		closeStore()
		return err
	}

	worker, err := execution.NewWorker(store, dexRouter, bus, execution.Config{
		BuildDelay: appCfg.Worker.BuildDelay,
		StaleAfter: appCfg.Worker.StaleAfter,
		Topics:     topics,
		Logger:     logger,
	})
	if err != nil {
		closeStore()
		return fmt.Errorf("initialise worker: %w", err)
	}

	streams, err := gateway.New(bus, gateway.Config{Topics: topics, Logger: logger})
	if err != nil {
		closeStore()
		return fmt.Errorf("initialise gateway: %w", err)
	}

	var lifecycle conc.WaitGroup
	var consumers conc.WaitGroup
	consumers.Go(func() {
		if err := jobs.Consume(ctx, worker.Handler()); err != nil {
			logger.Error("queue consumer stopped", observability.Err(err))
		}
	})
	logger.Info("execution workers started",
		observability.F("concurrency", appCfg.Queue.Concurrency),
		observability.F("venues", dexRouter.Venues()),
	)

	apiServer := buildAPIServer(ctx, appCfg.APIServer, httpserver.Options{
		Store:          store,
		Queue:          jobs,
		Streams:        streams,
		Logger:         logger,
		AllowedOrigins: appCfg.APIServer.AllowedOrigins,
	})
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Info("order API listening", observability.F("addr", apiServer.Addr))

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	err = performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:       apiServer,
		mainCancel:   cancel,
		lifecycle:    &lifecycle,
		consumers:    &consumers,
		drainTimeout: appCfg.Queue.DrainTimeout + drainShutdownMargin,
		queue:        jobs,
		bus:          bus,
		closeStore:   closeStore,
		redis:        redisClient,
		telemetry:    telemetryProvider,
	})
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart).String()))
	return err
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initTelemetry(ctx context.Context, logger observability.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if provider.Enabled() {
		logger.Info("telemetry initialized",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func openOrderStore(ctx context.Context, logger observability.Logger, cfg config.DatabaseConfig) (orderstore.Store, func(), error) {
	if cfg.Driver != config.BackendPostgres {
		logger.Info("order store: in-memory")
		return memory.NewOrderStore(), func() {}, nil
	}
	if cfg.RunMigrations {
		if err := migrations.Apply(ctx, cfg.DSN, dbmigrations.Files, logger); err != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pg, err := postgres.Open(ctx, postgres.PoolOptions{
		DSN:               cfg.DSN,
		MaxConns:          cfg.MaxConns,
		MinConns:          cfg.MinConns,
		MaxConnLifetime:   cfg.MaxConnLifetime,
		MaxConnIdleTime:   cfg.MaxConnIdleTime,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("order store: postgres", observability.F("maxConns", cfg.MaxConns))
	return pg.Orders(), pg.Close, nil
}

func newEventBus(cfg config.EventbusConfig, client *redis.Client, logger observability.Logger) eventbus.Bus {
	busCfg := eventbus.MemoryConfig{
		BufferSize:    cfg.BufferSize,
		FanoutWorkers: cfg.FanoutWorkerCount(),
		Logger:        logger,
	}
	if cfg.Backend == config.BackendRedis {
		return eventbus.NewRedisBus(client, busCfg)
	}
	return eventbus.NewMemoryBus(busCfg)
}

func newQueue(cfg config.QueueConfig, client *redis.Client, logger observability.Logger) queue.Queue {
	queueCfg := queue.Config{
		Name:        cfg.Name,
		Concurrency: cfg.Concurrency,
		Retry: queue.RetryPolicy{
			MaxAttempts:         cfg.MaxAttempts,
			InitialInterval:     cfg.InitialBackoff,
			MaxInterval:         cfg.MaxBackoff,
			Multiplier:          cfg.BackoffMultiplier,
			RandomizationFactor: cfg.BackoffJitter,
		},
		PollInterval: cfg.PollInterval,
		LeaseTTL:     cfg.LeaseTTL,
		Capacity:     cfg.Capacity,
		DrainTimeout: cfg.DrainTimeout,
		Logger:       logger,
	}
	if cfg.Backend == config.BackendRedis {
		return queue.NewRedisQueue(client, queueCfg)
	}
	return queue.NewMemoryQueue(queueCfg)
}

func newRouter(cfg config.RouterConfig, logger observability.Logger) (*dex.Router, error) {
	basePrice, err := cfg.BasePriceDecimal()
	if err != nil {
		return nil, fmt.Errorf("router base price: %w", err)
	}
	venues := make([]dex.Venue, 0, len(cfg.Venues))
	for _, v := range cfg.Venues {
		venues = append(venues, dex.Venue{Name: v.Name, Fee: v.Fee})
	}
	return dex.NewRouter(dex.Options{
		Venues:              venues,
		BasePrice:           basePrice,
		PriceJitter:         cfg.PriceJitter,
		Latency:             cfg.Latency,
		SlippageTolerance:   cfg.SlippageTolerance,
		SlippageProbability: cfg.SlippageProbability,
		FailureProbability:  cfg.FailureProbability,
		RequestsPerSecond:   cfg.RequestsPerSecond,
		Burst:               cfg.Burst,
		Logger:              logger,
	}), nil
}

// buildAPIServer ties request contexts to ctx so open streams end with the process.
func buildAPIServer(ctx context.Context, cfg config.APIServerConfig, opts httpserver.Options) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(opts),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger observability.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("order API server stopped", observability.Err(err))
		}
	})
}

type gracefulShutdownConfig struct {
	server       *http.Server
	mainCancel   context.CancelFunc
	lifecycle    *conc.WaitGroup
	consumers    *conc.WaitGroup
	drainTimeout time.Duration
	queue        queue.Queue
	bus          eventbus.Bus
	closeStore   func()
	redis        *redis.Client
	telemetry    *telemetry.Provider
}

// performGracefulShutdown runs every step even when earlier ones fail and
// returns the failures joined.
func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) error {
	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name + "...")
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown: "+name+" failed", observability.Err(err))
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
		} else {
			logger.Info("shutdown: " + name + " completed")
		}
	}

	// Stop intake first; open WebSocket handlers end when mainCancel fires.
	if cfg.server != nil {
		shutdownStep("stopping order API", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			err := cfg.server.Shutdown(stepCtx)
			if errors.Is(err, context.DeadlineExceeded) {
				return cfg.server.Close()
			}
			return err
		})
	}

	logger.Info("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.consumers != nil {
		shutdownStep("draining execution workers", cfg.drainTimeout, func(stepCtx context.Context) error {
			return waitGroup(stepCtx, cfg.consumers)
		})
	}
	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return waitGroup(stepCtx, cfg.lifecycle)
		})
	}

	if cfg.queue != nil {
		shutdownStep("closing job queue", queueShutdownTimeout, func(context.Context) error {
			return cfg.queue.Close()
		})
	}

	if cfg.bus != nil {
		shutdownStep("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.bus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.closeStore != nil {
		shutdownStep("closing order store", storeShutdownTimeout, func(context.Context) error {
			cfg.closeStore()
			return nil
		})
	}

	if cfg.redis != nil {
		shutdownStep("closing redis client", redisShutdownTimeout, func(context.Context) error {
			return cfg.redis.Close()
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
	return observability.AggregateErrors("graceful shutdown", failures)
}

func waitGroup(ctx context.Context, wg *conc.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for goroutines: %w", ctx.Err())
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
