package persistence

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/petrijr/txflow/pkg/api"
)

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("transaction record not found")

	// ErrVersionConflict is returned by Save when the stored version differs
	// from the version carried by the record being saved.
	ErrVersionConflict = errors.New("transaction record version conflict")
)

// Filter is used to select records from the store.
// Zero values mean "no filter" for that field.
type Filter struct {
	WorkflowID string
	States     []api.TransactionState

	// RetainedBefore selects records whose RetainUntil is set and before the
	// given time.
	RetainedBefore time.Time

	// UnexpiredAt drops records whose RetainUntil is set and not after the
	// given time, before Limit is applied.
	UnexpiredAt time.Time

	Limit int
}

// Match reports whether tx satisfies the filter. Adapters that cannot push a
// condition down to the backend use it to filter in memory.
func (f Filter) Match(tx *api.TransactionExecution) bool {
	if f.WorkflowID != "" && tx.WorkflowID != f.WorkflowID {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, tx.State) {
		return false
	}
	if !f.RetainedBefore.IsZero() {
		if tx.RetainUntil == nil || !tx.RetainUntil.Before(f.RetainedBefore) {
			return false
		}
	}
	if !f.UnexpiredAt.IsZero() && tx.RetainUntil != nil && !tx.RetainUntil.After(f.UnexpiredAt) {
		return false
	}
	return true
}

// Store is the transaction log. It is the single source of truth between
// facade calls.
//
// Save is an upsert guarded by TransactionExecution.Version: a record with
// Version 0 must not exist yet, any other record must still carry the stored
// version. On success the store increments Version on the passed record.
// Stores never keep references to records passed in or handed out.
type Store interface {
	Get(ctx context.Context, workflowID, transactionID string) (*api.TransactionExecution, error)
	Save(ctx context.Context, tx *api.TransactionExecution) error
	Delete(ctx context.Context, workflowID, transactionID string) error
	List(ctx context.Context, filter Filter) ([]*api.TransactionExecution, error)
}
