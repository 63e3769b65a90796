// Command projector runs the object-side consumer of demand events. It
// applies ownership transfers to the object store and nothing else.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"galaxymarket/internal/bus"
	objectsdb "galaxymarket/internal/db/objects"
	"galaxymarket/internal/observability"
	"galaxymarket/internal/projector"
	"galaxymarket/internal/reliability"
	"galaxymarket/internal/telemetry"
)

type projectorConfig struct {
	ServiceName string   `env:"SERVICE_NAME" envDefault:"object-service"`
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL string   `env:"DATABASE_URL,required,notEmpty"`
	Brokers     []string `env:"KAFKA_BROKERS,required,notEmpty" envSeparator:","`
	Group       string   `env:"KAFKA_PROJECTOR_GROUP" envDefault:"object-service-consumer-group"`
	MetricsAddr string   `env:"OBS_ADDR" envDefault:":9091"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_ENDPOINT"`
	OTLPInsecure bool   `env:"OTEL_EXPORTER_INSECURE"`
}

func loadConfig() (projectorConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return projectorConfig{}, fmt.Errorf("load .env: %w", err)
	}
	var cfg projectorConfig
	if err := env.Parse(&cfg); err != nil {
		return projectorConfig{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("projector error: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	guardCfg, err := reliability.LoadConfig("BUS_")
	if err != nil {
		return err
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	logger, err := telemetry.NewLogger(cfg.ServiceName, cfg.LogLevel, false)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	objects, err := objectsdb.NewObjectStoreWithSchema(ctx, db)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	subscriber, err := bus.NewKafkaSubscriber(bus.KafkaConfig{
		Brokers:      cfg.Brokers,
		HandlerRetry: guardCfg.Guard(nil).Retry,
	}, logger, metrics)
	if err != nil {
		return err
	}

	proj := projector.New(projector.Deps{Objects: objects, Metrics: metrics, Logger: logger})
	obsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: observability.Handler(metrics), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("object projector started", zap.String("group", cfg.Group))
		return proj.Run(gctx, subscriber, cfg.Group)
	})
	g.Go(func() error {
		if err := obsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return obsSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
