package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/petrijr/txflow/pkg/api"
)

// EncodeTransaction serializes a record for storage.
func EncodeTransaction(tx *api.TransactionExecution) ([]byte, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("encode transaction %s: %w", tx.Key(), err)
	}
	return data, nil
}

// DecodeTransaction is the inverse of EncodeTransaction.
func DecodeTransaction(data []byte) (*api.TransactionExecution, error) {
	var tx api.TransactionExecution
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	if tx.Steps == nil {
		tx.Steps = make(map[string]*api.StepExecutionRecord)
	}
	return &tx, nil
}

// applyLimit truncates list results the way every adapter does.
func applyLimit(out []*api.TransactionExecution, limit int) []*api.TransactionExecution {
	if limit > 0 && len(out) > limit {
		return out[:limit]
	}
	return out
}
