package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS txflow_queue_tasks (
//	    seq            BIGSERIAL PRIMARY KEY,
//	    id             TEXT NOT NULL UNIQUE,
//	    ...
//	    not_before     BIGINT NOT NULL,
//	    owner          TEXT NOT NULL DEFAULT '',
//	    lease_until    BIGINT NOT NULL DEFAULT 0
//	);
//
// Times are stored as unix nanoseconds. Claims use FOR UPDATE SKIP LOCKED
// so concurrent workers never block on each other's rows.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db, pollInterval: 100 * time.Millisecond}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// OpenPostgresQueue opens a pgx-backed *sql.DB for dsn and wraps it.
func OpenPostgresQueue(dsn string) (*PostgresQueue, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	q, err := NewPostgresQueue(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS txflow_queue_tasks (
			seq            BIGSERIAL PRIMARY KEY,
			id             TEXT NOT NULL UNIQUE,
			type           TEXT NOT NULL,
			workflow_id    TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			step_id        TEXT NOT NULL DEFAULT '',
			action         TEXT NOT NULL DEFAULT '',
			payload        BYTEA,
			enqueued_at    BIGINT NOT NULL,
			not_before     BIGINT NOT NULL,
			attempts       INTEGER NOT NULL,
			owner          TEXT NOT NULL DEFAULT '',
			lease_until    BIGINT NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(`CREATE INDEX IF NOT EXISTS txflow_queue_tasks_due ON txflow_queue_tasks (not_before, seq)`)
	return err
}

// Enqueue inserts a task into the queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t, time.Now())

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO txflow_queue_tasks (id, type, workflow_id, transaction_id, step_id, action, payload, enqueued_at, not_before, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, string(t.Type), t.WorkflowID, t.TransactionID, t.StepID, string(t.Action), []byte(t.Payload),
		t.EnqueuedAt.UnixNano(), t.NotBefore.UnixNano(), t.Attempts)
	return err
}

// Dequeue blocks (with polling) until a task is available or ctx is cancelled.
func (q *PostgresQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	// Use a reusable timer to avoid allocating a new timer on every idle poll.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		<-tmr.C
	}
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := time.Now()
		row := q.db.QueryRowContext(ctx, `
			UPDATE txflow_queue_tasks
			SET owner = $1, lease_until = $2
			WHERE seq = (
				SELECT seq FROM txflow_queue_tasks
				WHERE not_before <= $3 AND (owner = '' OR lease_until <= $3)
				ORDER BY not_before, seq
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING id, type, workflow_id, transaction_id, step_id, action, payload, enqueued_at, not_before, attempts
		`, owner, now.Add(leaseTTL).UnixNano(), now.UnixNano())

		task, err := scanSQLTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			tmr.Reset(q.pollInterval)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-tmr.C:
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return task, nil
	}
}

func (q *PostgresQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM txflow_queue_tasks WHERE id = $1 AND owner = $2`, taskID, owner)
	if err != nil {
		return err
	}
	return leaseResult(res)
}

func (q *PostgresQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE txflow_queue_tasks
		SET owner = '', lease_until = 0, not_before = $1, attempts = $2
		WHERE id = $3 AND owner = $4
	`, notBefore.UnixNano(), attempts, taskID, owner)
	if err != nil {
		return err
	}
	return leaseResult(res)
}

func (q *PostgresQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	res, err := q.db.ExecContext(ctx, `UPDATE txflow_queue_tasks SET lease_until = $1 WHERE id = $2 AND owner = $3`,
		time.Now().Add(leaseTTL).UnixNano(), taskID, owner)
	if err != nil {
		return err
	}
	return leaseResult(res)
}

// Len returns an approximate number of queued tasks.
func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM txflow_queue_tasks`).Scan(&n); err != nil {
		slog.Default().Warn("postgres queue length", "error", err)
		return 0
	}
	return n
}

// Close releases the underlying database handle.
func (q *PostgresQueue) Close() error {
	return q.db.Close()
}
