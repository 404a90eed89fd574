package txflow

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"gorm.io/gorm"

	"github.com/petrijr/txflow/internal/taskqueue"
	workerpkg "github.com/petrijr/txflow/pkg/worker"
)

// WorkerBundle wires together an Orchestrator, a durable task queue, and a
// Worker that consumes tasks from that queue. Both share one backend.
type WorkerBundle struct {
	Orchestrator Orchestrator
	Worker       *workerpkg.Worker

	// queue is kept unexported; the public API goes through Worker.
	queue taskqueue.Queue
}

// Pending returns the number of queued or in-flight tasks.
func (b *WorkerBundle) Pending() int {
	return b.queue.Len()
}

// NewSQLiteBundle constructs a durable Orchestrator + Queue + Worker combo
// sharing the same SQLite database.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:txflow.db?_pragma=journal_mode(WAL)")
//	bundle, err := txflow.NewSQLiteBundle(db, worker.Config{MaxAttempts: 3})
//	// register workflows on bundle.Orchestrator
//	// enqueue work via bundle.Worker
func NewSQLiteBundle(db *sql.DB, cfg workerpkg.Config, opts ...Option) (*WorkerBundle, error) {
	orch, err := NewSQLite(db, opts...)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return newBundle(orch, q, cfg), nil
}

// NewPostgresBundle is NewSQLiteBundle for PostgreSQL. The queue uses the
// connection pool underneath db.
func NewPostgresBundle(db *gorm.DB, cfg workerpkg.Config, opts ...Option) (*WorkerBundle, error) {
	orch, err := NewPostgres(db, opts...)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("txflow: postgres pool: %w", err)
	}
	q, err := taskqueue.NewPostgresQueue(sqlDB)
	if err != nil {
		return nil, err
	}
	return newBundle(orch, q, cfg), nil
}

// NewRedisBundle keeps transactions, locks and tasks in Redis under prefix.
func NewRedisBundle(client *redis.Client, prefix string, cfg workerpkg.Config, opts ...Option) *WorkerBundle {
	return newBundle(NewRedis(client, prefix, opts...), taskqueue.NewRedisQueue(client, prefix), cfg)
}

// NewMongoBundle keeps transactions and tasks in the dbName database.
func NewMongoBundle(ctx context.Context, client *mongo.Client, dbName string, cfg workerpkg.Config, opts ...Option) (*WorkerBundle, error) {
	orch, err := NewMongo(ctx, client, dbName, opts...)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewMongoQueue(ctx, client, dbName, "")
	if err != nil {
		return nil, err
	}
	return newBundle(orch, q, cfg), nil
}

func newBundle(orch Orchestrator, q taskqueue.Queue, cfg workerpkg.Config) *WorkerBundle {
	return &WorkerBundle{
		Orchestrator: orch,
		Worker:       workerpkg.NewWithConfig(orch, q, cfg),
		queue:        q,
	}
}
