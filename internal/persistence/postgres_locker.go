package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresLocker is a Locker built on PostgreSQL session advisory locks.
// Each held lock pins one pooled connection until it is released.
type PostgresLocker struct {
	db *sql.DB
}

// Ensure PostgresLocker implements Locker.
var _ Locker = (*PostgresLocker)(nil)

// NewPostgresLocker creates a locker on an existing pool, for example the
// one behind a gorm connection (gormDB.DB()).
func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{db: db}
}

// OpenPostgresLocker opens a dedicated pgx pool for advisory locks.
func OpenPostgresLocker(dsn string) (*PostgresLocker, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open lock pool: %w", err)
	}
	return NewPostgresLocker(db), nil
}

// advisoryKey maps a string key onto the bigint space of pg_advisory_lock.
func advisoryKey(key string) int64 {
	sum := sha256.Sum256([]byte(key))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

func (l *PostgresLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}

	id := advisoryKey(key)
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", id); err != nil {
		// The lock may have been granted right before cancellation.
		cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _ = conn.ExecContext(cleanup, "SELECT pg_advisory_unlock_all()")
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("lock %q: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, _ = conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", id)
			_ = conn.Close()
		})
	}, nil
}

// Close closes the underlying pool.
func (l *PostgresLocker) Close() error {
	return l.db.Close()
}
