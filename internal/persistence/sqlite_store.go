package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/petrijr/txflow/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_executions (
			workflow_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			state TEXT NOT NULL,
			version INTEGER NOT NULL,
			retain_until INTEGER,
			execution BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (workflow_id, transaction_id)
		);
		CREATE INDEX IF NOT EXISTS workflow_executions_state_idx ON workflow_executions (state);
		CREATE INDEX IF NOT EXISTS workflow_executions_retain_idx ON workflow_executions (retain_until);`,
	)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, workflowID, transactionID string) (*api.TransactionExecution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution
		FROM workflow_executions
		WHERE workflow_id = ? AND transaction_id = ?`,
		workflowID, transactionID,
	)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return DecodeTransaction(data)
}

func (s *SQLiteStore) Save(ctx context.Context, tx *api.TransactionExecution) error {
	prev := tx.Version
	tx.Version++
	data, err := EncodeTransaction(tx)
	if err != nil {
		tx.Version = prev
		return err
	}

	var retainUntil sql.NullInt64
	if tx.RetainUntil != nil {
		retainUntil = sql.NullInt64{Int64: tx.RetainUntil.UnixNano(), Valid: true}
	}

	var res sql.Result
	if prev == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO workflow_executions (workflow_id, transaction_id, state, version, retain_until, execution, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (workflow_id, transaction_id) DO NOTHING`,
			tx.WorkflowID,
			tx.TransactionID,
			string(tx.State),
			tx.Version,
			retainUntil,
			data,
			tx.CreatedAt.UnixNano(),
			tx.UpdatedAt.UnixNano(),
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE workflow_executions
			SET state = ?, version = ?, retain_until = ?, execution = ?, updated_at = ?
			WHERE workflow_id = ? AND transaction_id = ? AND version = ?`,
			string(tx.State),
			tx.Version,
			retainUntil,
			data,
			tx.UpdatedAt.UnixNano(),
			tx.WorkflowID,
			tx.TransactionID,
			prev,
		)
	}
	if err != nil {
		tx.Version = prev
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		tx.Version = prev
		return err
	}
	if affected == 0 {
		tx.Version = prev
		return ErrVersionConflict
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, workflowID, transactionID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM workflow_executions
		WHERE workflow_id = ? AND transaction_id = ?`,
		workflowID, transactionID,
	)
	return err
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*api.TransactionExecution, error) {
	query := `
		SELECT execution
		FROM workflow_executions`
	var args []any
	var clauses []string

	if filter.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, st := range filter.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if !filter.RetainedBefore.IsZero() {
		clauses = append(clauses, "retain_until IS NOT NULL AND retain_until < ?")
		args = append(args, filter.RetainedBefore.UnixNano())
	}
	if !filter.UnexpiredAt.IsZero() {
		clauses = append(clauses, "(retain_until IS NULL OR retain_until > ?)")
		args = append(args, filter.UnexpiredAt.UnixNano())
	}

	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY workflow_id, transaction_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.TransactionExecution
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		tx, err := DecodeTransaction(data)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
