package persistence

import (
	"context"
	"strings"
	"sync"

	"github.com/tidwall/btree"

	"github.com/petrijr/txflow/pkg/api"
)

// MemoryStore is a goroutine-safe Store backed by an ordered map.
//
// Records are kept encoded, so a caller mutating a record it saved or loaded
// never changes what the store holds. Keys are ordered by workflow id then
// transaction id, which makes per-workflow listing a range scan.
type MemoryStore struct {
	mu      sync.RWMutex
	records btree.Map[string, memoryRecord]
}

type memoryRecord struct {
	version int64
	data    []byte
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func memoryKey(workflowID, transactionID string) string {
	return workflowID + "\x00" + transactionID
}

func (s *MemoryStore) Get(ctx context.Context, workflowID, transactionID string) (*api.TransactionExecution, error) {
	s.mu.RLock()
	rec, ok := s.records.Get(memoryKey(workflowID, transactionID))
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return DecodeTransaction(rec.data)
}

func (s *MemoryStore) Save(ctx context.Context, tx *api.TransactionExecution) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey(tx.WorkflowID, tx.TransactionID)
	cur, exists := s.records.Get(key)
	switch {
	case tx.Version == 0 && exists:
		return ErrVersionConflict
	case tx.Version != 0 && (!exists || cur.version != tx.Version):
		return ErrVersionConflict
	}

	tx.Version++
	data, err := EncodeTransaction(tx)
	if err != nil {
		tx.Version--
		return err
	}
	s.records.Set(key, memoryRecord{version: tx.Version, data: data})
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, workflowID, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records.Delete(memoryKey(workflowID, transactionID))
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*api.TransactionExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		out     []*api.TransactionExecution
		scanErr error
	)
	visit := func(key string, rec memoryRecord) bool {
		tx, err := DecodeTransaction(rec.data)
		if err != nil {
			scanErr = err
			return false
		}
		if filter.Match(tx) {
			out = append(out, tx)
		}
		return filter.Limit <= 0 || len(out) < filter.Limit
	}

	if filter.WorkflowID != "" {
		prefix := filter.WorkflowID + "\x00"
		s.records.Ascend(prefix, func(key string, rec memoryRecord) bool {
			if !strings.HasPrefix(key, prefix) {
				return false
			}
			return visit(key, rec)
		})
	} else {
		s.records.Scan(visit)
	}

	if scanErr != nil {
		return nil, scanErr
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records.Len()
}
