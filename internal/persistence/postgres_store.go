package persistence

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/petrijr/txflow/pkg/api"
)

// PostgresStore is a Store backed by PostgreSQL through gorm.
//
// The caller opens the *gorm.DB, typically with gorm.io/driver/postgres:
//
//	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
//
// The full execution is kept in a jsonb column; the columns used for
// filtering are kept next to it.
type PostgresStore struct {
	db *gorm.DB
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type workflowExecutionRow struct {
	WorkflowID    string         `gorm:"primaryKey;size:255"`
	TransactionID string         `gorm:"primaryKey;size:255"`
	State         string         `gorm:"size:32;not null;index"`
	Version       int64          `gorm:"not null"`
	RetainUntil   *time.Time     `gorm:"index"`
	Execution     datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (workflowExecutionRow) TableName() string {
	return "workflow_executions"
}

// NewPostgresStore migrates the workflow_executions table and returns a new
// PostgresStore.
func NewPostgresStore(db *gorm.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	return s.db.AutoMigrate(&workflowExecutionRow{})
}

func (s *PostgresStore) Get(ctx context.Context, workflowID, transactionID string) (*api.TransactionExecution, error) {
	var row workflowExecutionRow
	err := s.db.WithContext(ctx).
		Where("workflow_id = ? AND transaction_id = ?", workflowID, transactionID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return DecodeTransaction(row.Execution)
}

func (s *PostgresStore) Save(ctx context.Context, tx *api.TransactionExecution) error {
	prev := tx.Version
	tx.Version++
	data, err := EncodeTransaction(tx)
	if err != nil {
		tx.Version = prev
		return err
	}

	row := workflowExecutionRow{
		WorkflowID:    tx.WorkflowID,
		TransactionID: tx.TransactionID,
		State:         string(tx.State),
		Version:       tx.Version,
		RetainUntil:   tx.RetainUntil,
		Execution:     datatypes.JSON(data),
		CreatedAt:     tx.CreatedAt,
		UpdatedAt:     tx.UpdatedAt,
	}

	var res *gorm.DB
	if prev == 0 {
		res = s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&row)
	} else {
		res = s.db.WithContext(ctx).
			Model(&workflowExecutionRow{}).
			Where("workflow_id = ? AND transaction_id = ? AND version = ?", tx.WorkflowID, tx.TransactionID, prev).
			Updates(map[string]any{
				"state":        row.State,
				"version":      row.Version,
				"retain_until": row.RetainUntil,
				"execution":    row.Execution,
				"updated_at":   row.UpdatedAt,
			})
	}
	if res.Error != nil {
		tx.Version = prev
		return res.Error
	}
	if res.RowsAffected == 0 {
		tx.Version = prev
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, workflowID, transactionID string) error {
	return s.db.WithContext(ctx).
		Where("workflow_id = ? AND transaction_id = ?", workflowID, transactionID).
		Delete(&workflowExecutionRow{}).Error
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*api.TransactionExecution, error) {
	q := s.db.WithContext(ctx).Model(&workflowExecutionRow{})

	if filter.WorkflowID != "" {
		q = q.Where("workflow_id = ?", filter.WorkflowID)
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		q = q.Where("state IN ?", states)
	}
	if !filter.RetainedBefore.IsZero() {
		q = q.Where("retain_until IS NOT NULL AND retain_until < ?", filter.RetainedBefore)
	}
	if !filter.UnexpiredAt.IsZero() {
		q = q.Where("(retain_until IS NULL OR retain_until > ?)", filter.UnexpiredAt)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []workflowExecutionRow
	if err := q.Order("workflow_id, transaction_id").Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]*api.TransactionExecution, 0, len(rows))
	for _, row := range rows {
		tx, err := DecodeTransaction(row.Execution)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}
