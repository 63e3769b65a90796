package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"galaxymarket/cmd/server/config"
	httpadapter "galaxymarket/internal/adapters/http"
	"galaxymarket/internal/bus"
	"galaxymarket/internal/demand"
	"galaxymarket/internal/demand/saga"
	"galaxymarket/internal/observability"
	"galaxymarket/internal/projector"
	"galaxymarket/internal/realtime"
	"galaxymarket/internal/reliability"
	"galaxymarket/internal/statusfeed"
	"galaxymarket/internal/telemetry"
	"galaxymarket/internal/worker"
	"galaxymarket/internal/workflow"
)

// serviceName is the gRPC health service reported alongside overall readiness.
const serviceName = "galaxymarket.DemandService"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		AuthHeader:     cfg.Tracing.AuthHeader,
		Logs:           cfg.Tracing.Logs,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	logger, err := telemetry.NewLogger(cfg.ServiceName, cfg.LogLevel, cfg.Tracing.Endpoint != "" && cfg.Tracing.Logs)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	metrics := observability.NewMetrics()

	stores, cleanupStores, err := buildStores(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer cleanupStores()

	engine, err := buildEngine(ctx, cfg.Engine, logger)
	if err != nil {
		return err
	}

	busGuard := cfg.BusGuard.Guard(breakerLogger(logger, "bus"))
	publisher, subscriber, closeBus, err := buildBus(cfg.Kafka, busGuard.Retry, metrics, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	delegate := workflow.NewDelegate(engine, cfg.Engine.ProcessKey, cfg.EngineGuard.Guard(breakerLogger(logger, "engine")), logger)

	service := demand.NewService(demand.ServiceDeps{
		Store:      stores.Demands,
		Publisher:  publisher,
		BusBreaker: busGuard.Breaker,
		Starter:    delegate,
		Tasks:      engine,
		Sagas:      stores.Sagas,
		Objects:    stores.Objects,
		Metrics:    metrics,
		Logger:     logger,
	})
	processor := demand.NewProcessor(stores.Sagas, delegate, publisher, metrics, logger)

	emitter := worker.NewEmitter(publisher, busGuard.Retry, logger)
	workers := make([]*worker.Worker, 0, len(saga.Steps))
	for _, h := range worker.Handlers(stores.Demands, stores.Objects, stores.Balances, emitter) {
		workers = append(workers, worker.New(engine, h, worker.Config{
			WorkerID:     cfg.Worker.ID,
			PollInterval: cfg.Worker.PollInterval,
			LockDuration: cfg.Worker.LockDuration,
			MaxTasks:     cfg.Worker.MaxTasks,
			LongPoll:     cfg.Worker.AsyncResponseTimeout,
		}, emitter, metrics, logger))
	}

	hub := realtime.NewHub(logger)
	latest := statusfeed.NewMemoryLatest()
	var reader statusfeed.LatestReader = latest
	sinks := []statusfeed.Sink{statusfeed.NewTrailSink(stores.Sagas), latest}
	if cfg.Redis != nil {
		redisStore, cleanupRedis, err := buildStatusStore(ctx, cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer cleanupRedis()
		sinks = append(sinks, redisStore)
		reader = redisStore
	}
	feed := statusfeed.NewFeed(statusfeed.NewMultiSink(sinks...), hub, metrics, logger)

	router := httpadapter.NewRouter(httpadapter.NewHandler(service, reader, logger), httpadapter.RouterConfig{
		Limiter: newRateLimiter(cfg.HTTP.RateLimitInterval, cfg.HTTP.RateLimitBurst),
		Metrics: metrics,
		Live:    hub,
		Logger:  logger,
	})
	httpSrv := &http.Server{Addr: cfg.HTTP.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	grpcSrv, healthServer := newHealthServer(newRateLimiter(cfg.GRPC.RateLimitInterval, cfg.GRPC.RateLimitBurst), metrics, logger)
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}

	obsMux := http.NewServeMux()
	obsMux.Handle("/metrics", observability.Handler(metrics))
	obsSrv := &http.Server{Addr: cfg.Observability.Addr, Handler: obsMux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return processor.Run(gctx, subscriber, cfg.Kafka.RequestsGroup) })
	g.Go(func() error { return feed.Run(gctx, subscriber, cfg.Kafka.StatusGroup) })
	for _, w := range workers {
		g.Go(func() error { return w.Run(gctx) })
	}
	if cfg.RunProjector {
		proj := projector.New(projector.Deps{Demands: stores.Demands, Objects: stores.Objects, Metrics: metrics, Logger: logger})
		g.Go(func() error { return proj.Run(gctx, subscriber, cfg.Kafka.ProjectorGroup) })
	}
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc health server listening", zap.String("addr", cfg.GRPC.Addr))
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		if err := obsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		markNotServing(healthServer)
		drain(cfg.HTTP.ShutdownTimeout, metrics, logger,
			shutdownStep{"http", httpSrv.Shutdown},
			shutdownStep{"observability", obsSrv.Shutdown},
			shutdownStep{"grpc", func(context.Context) error {
				grpcSrv.GracefulStop()
				return nil
			}},
		)
		return nil
	})

	err = g.Wait()
	logger.Info("demand service stopped", zap.Error(err))
	return err
}

// buildEngine returns the Camunda client when ENGINE_URL is set and the
// in-memory engine otherwise, deploying ENGINE_DEPLOY_FILE when given.
func buildEngine(ctx context.Context, cfg config.EngineConfig, logger *zap.Logger) (workflow.Engine, error) {
	var engine workflow.Engine
	if cfg.URL == "" {
		logger.Warn("ENGINE_URL not set; using in-memory engine")
		process := workflow.DemandProcess()
		process.Key = cfg.ProcessKey
		engine = workflow.NewMemoryEngine(process)
	} else {
		client, err := workflow.NewCamundaClient(cfg.URL, &http.Client{Timeout: cfg.HTTPTimeout}, logger)
		if err != nil {
			return nil, err
		}
		engine = client
	}

	if cfg.DeployFile != "" {
		data, err := os.ReadFile(cfg.DeployFile)
		if err != nil {
			return nil, fmt.Errorf("read ENGINE_DEPLOY_FILE: %w", err)
		}
		id, err := engine.Deploy(ctx, "galactic-market", map[string][]byte{filepath.Base(cfg.DeployFile): data})
		if err != nil {
			return nil, fmt.Errorf("deploy process: %w", err)
		}
		logger.Info("process deployed", zap.String("deployment_id", id), zap.String("file", cfg.DeployFile))
	}
	return engine, nil
}

// buildBus returns Kafka when brokers are configured and one shared in-memory
// bus otherwise.
func buildBus(cfg config.KafkaConfig, retry reliability.RetryPolicy, metrics *observability.Metrics, logger *zap.Logger) (bus.Publisher, bus.Subscriber, func(), error) {
	if len(cfg.Brokers) == 0 {
		logger.Warn("KAFKA_BROKERS not set; using in-memory bus")
		mem := bus.NewMemoryBus(logger)
		return mem, mem, func() {}, nil
	}
	kcfg := bus.KafkaConfig{
		Brokers:        cfg.Brokers,
		PublishTimeout: cfg.PublishTimeout,
		HandlerRetry:   retry,
	}
	publisher, err := bus.NewKafkaPublisher(kcfg, logger, metrics)
	if err != nil {
		return nil, nil, nil, err
	}
	subscriber, err := bus.NewKafkaSubscriber(kcfg, logger, metrics)
	if err != nil {
		_ = publisher.Close()
		return nil, nil, nil, err
	}
	closeFn := func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("close kafka publisher", zap.Error(err))
		}
	}
	return publisher, subscriber, closeFn, nil
}

type shutdownStep struct {
	name string
	stop func(context.Context) error
}

// drain runs the shutdown steps under one deadline and records how many
// operations were still in flight when shutdown began.
func drain(timeout time.Duration, metrics *observability.Metrics, logger *zap.Logger, steps ...shutdownStep) {
	inflight := metrics.InFlight()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, step := range steps {
		if err := step.stop(ctx); err != nil {
			logger.Warn("shutdown", zap.String("component", step.name), zap.Error(err))
		}
	}
	metrics.MarkShutdown(inflight)
	logger.Info("servers drained", zap.Int64("inflight_at_shutdown", inflight))
}

func breakerLogger(logger *zap.Logger, dependency string) func(from, to reliability.BreakerState) {
	return func(from, to reliability.BreakerState) {
		logger.Warn("circuit breaker state changed",
			zap.String("dependency", dependency),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}
}

// newRateLimiter returns a nil interface when limiting is disabled so
// callers can skip the wait entirely.
func newRateLimiter(interval time.Duration, burst int) rateLimiter {
	if interval <= 0 || burst <= 0 {
		return nil
	}
	return reliability.NewRateLimiter(interval, burst)
}
