package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"galaxymarket/cmd/server/config"
	demandsdb "galaxymarket/internal/db/demands"
	objectsdb "galaxymarket/internal/db/objects"
	"galaxymarket/internal/demand"
	"galaxymarket/internal/demand/saga"
	"galaxymarket/internal/object"
	"galaxymarket/internal/statusfeed"
)

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// storeSet is every durable store the service writes to.
type storeSet struct {
	Demands  demand.Store
	Sagas    saga.Store
	Objects  object.Store
	Balances object.Balances
}

// buildStores opens Postgres when databaseURL is set and falls back to the
// in-memory stores otherwise.
func buildStores(ctx context.Context, databaseURL string, logger *zap.Logger) (storeSet, func(), error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		logger.Warn("DATABASE_URL not set; using in-memory stores")
		objects := object.NewMemoryStore()
		return storeSet{
			Demands:  demand.NewMemoryStore(),
			Sagas:    saga.NewMemoryStore(),
			Objects:  objects,
			Balances: objects,
		}, func() {}, nil
	}

	db, err := openDB("pgx", databaseURL)
	if err != nil {
		return storeSet{}, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return storeSet{}, nil, fmt.Errorf("ping database: %w", err)
	}

	demands, err := demandsdb.NewDemandStoreWithSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return storeSet{}, nil, err
	}
	sagas, err := demandsdb.NewSagaStoreWithSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return storeSet{}, nil, err
	}
	objects, err := objectsdb.NewObjectStoreWithSchema(ctx, db)
	if err != nil {
		_ = db.Close()
		return storeSet{}, nil, err
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			logger.Warn("close database", zap.Error(err))
		}
	}
	return storeSet{Demands: demands, Sagas: sagas, Objects: objects, Balances: objects}, cleanup, nil
}

// buildStatusStore connects the Redis latest-status store. cfg must be non-nil.
func buildStatusStore(ctx context.Context, cfg *config.RedisConfig, logger *zap.Logger) (*statusfeed.RedisStatusStore, func(), error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}

	store := statusfeed.NewRedisStatusStore(statusfeed.NewRedisClient(client), cfg.Stream, cfg.StatusTTL, cfg.StreamMaxLen)
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Warn("close redis", zap.Error(err))
		}
	}
	return store, cleanup, nil
}
