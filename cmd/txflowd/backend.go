package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/petrijr/txflow"
	"github.com/petrijr/txflow/pkg/worker"
)

// backend is an orchestrator and the worker consuming its queue.
type backend struct {
	orch   txflow.Orchestrator
	worker *worker.Worker
	close  func()
}

func openBackend(ctx context.Context, cfg config, rdb *redis.Client, logger *slog.Logger, opts []txflow.Option) (*backend, error) {
	wcfg := worker.Config{
		MaxAttempts: cfg.MaxAttempts,
		LeaseTTL:    cfg.LeaseTTL,
		Logger:      logger,
	}
	noop := func() {}

	switch cfg.Backend {
	case backendMemory:
		orch := txflow.NewInMemory(opts...)
		return &backend{
			orch:   orch,
			worker: worker.NewWithConfig(orch, txflow.NewInMemoryQueue(), wcfg),
			close:  noop,
		}, nil

	case backendSQLite:
		db, err := sql.Open("sqlite", cfg.SQLiteDSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		b, err := txflow.NewSQLiteBundle(db, wcfg, opts...)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &backend{orch: b.Orchestrator, worker: b.Worker, close: func() { _ = db.Close() }}, nil

	case backendPostgres:
		db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		b, err := txflow.NewPostgresBundle(db, wcfg, opts...)
		if err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		return &backend{orch: b.Orchestrator, worker: b.Worker, close: func() { _ = sqlDB.Close() }}, nil

	case backendRedis:
		b := txflow.NewRedisBundle(rdb, cfg.RedisPrefix, wcfg, opts...)
		return &backend{orch: b.Orchestrator, worker: b.Worker, close: noop}, nil

	case backendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		if rdb != nil {
			// Several replicas over one database need a shared lock.
			opts = append(opts, txflow.WithLocker(txflow.NewRedisLocker(rdb, cfg.RedisPrefix, 0)))
		}
		b, err := txflow.NewMongoBundle(ctx, client, cfg.MongoDB, wcfg, opts...)
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		return &backend{
			orch:   b.Orchestrator,
			worker: b.Worker,
			close:  func() { _ = client.Disconnect(context.Background()) },
		}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}
