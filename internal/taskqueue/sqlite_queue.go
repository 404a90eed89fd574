package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/petrijr/txflow/pkg/api"
)

// SQLiteQueue is a persistent task queue backed by SQLite. Tasks are
// claimed in (not_before, seq) order with a single UPDATE ... RETURNING, so
// several workers may share one database file.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the txflow_tasks table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS txflow_tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			step_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL DEFAULT '',
			payload BLOB,
			enqueued_at INTEGER NOT NULL,
			not_before INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			lease_until INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(`CREATE INDEX IF NOT EXISTS txflow_tasks_due ON txflow_tasks (not_before, seq)`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t, time.Now())

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO txflow_tasks (id, type, workflow_id, transaction_id, step_id, action, payload, enqueued_at, not_before, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		string(t.Type),
		t.WorkflowID,
		t.TransactionID,
		t.StepID,
		string(t.Action),
		[]byte(t.Payload),
		t.EnqueuedAt.UnixNano(),
		t.NotBefore.UnixNano(),
		t.Attempts,
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := time.Now()
		row := q.db.QueryRowContext(ctx, `
			UPDATE txflow_tasks
			SET owner = ?, lease_until = ?
			WHERE seq = (
				SELECT seq FROM txflow_tasks
				WHERE not_before <= ? AND (owner = '' OR lease_until <= ?)
				ORDER BY not_before, seq
				LIMIT 1
			)
			RETURNING id, type, workflow_id, transaction_id, step_id, action, payload, enqueued_at, not_before, attempts`,
			owner, now.Add(leaseTTL).UnixNano(), now.UnixNano(), now.UnixNano())

		task, err := scanSQLTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			// Nothing available: sleep a bit and retry.
			if err := waitFor(ctx, q.pollInterval); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return task, nil
	}
}

func (q *SQLiteQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM txflow_tasks WHERE id = ? AND owner = ?`, taskID, owner)
	if err != nil {
		return err
	}
	return leaseResult(res)
}

func (q *SQLiteQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE txflow_tasks
		SET owner = '', lease_until = 0, not_before = ?, attempts = ?
		WHERE id = ? AND owner = ?`,
		notBefore.UnixNano(), attempts, taskID, owner)
	if err != nil {
		return err
	}
	return leaseResult(res)
}

func (q *SQLiteQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	res, err := q.db.ExecContext(ctx, `UPDATE txflow_tasks SET lease_until = ? WHERE id = ? AND owner = ?`,
		time.Now().Add(leaseTTL).UnixNano(), taskID, owner)
	if err != nil {
		return err
	}
	return leaseResult(res)
}

func (q *SQLiteQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM txflow_tasks`).Scan(&n); err != nil {
		slog.Default().Warn("sqlite queue length", "error", err)
		return 0
	}
	return n
}

// scanSQLTask reads the column list shared by the SQL queues.
func scanSQLTask(row *sql.Row) (*Task, error) {
	var (
		t          Task
		typ        string
		action     string
		payload    []byte
		enqueuedAt int64
		notBefore  int64
	)
	err := row.Scan(&t.ID, &typ, &t.WorkflowID, &t.TransactionID, &t.StepID, &action, &payload, &enqueuedAt, &notBefore, &t.Attempts)
	if err != nil {
		return nil, err
	}
	t.Type = TaskType(typ)
	t.Action = api.Action(action)
	if len(payload) > 0 {
		t.Payload = payload
	}
	t.EnqueuedAt = time.Unix(0, enqueuedAt)
	t.NotBefore = time.Unix(0, notBefore)
	return &t, nil
}

func leaseResult(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
