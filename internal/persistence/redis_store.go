package persistence

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/txflow/pkg/api"
)

// RedisStore is a Store backed by Redis.
// It uses a simple key structure:
//
//	<prefix>tx:<workflow>:<transaction>  => JSON-encoded TransactionExecution
//	<prefix>idx:all                      => SET of record members
//	<prefix>idx:wf:<workflow>            => SET of record members for a workflow
//	<prefix>idx:retain                   => ZSET of members scored by retain-until (unix nanos)
//
// A member is "<workflow>:<transaction>". Save is a WATCH/MULTI transaction
// on the record key, so a concurrent writer makes it fail with
// ErrVersionConflict.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// Ensure RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "txflow:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "txflow:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisStore) keyRecord(member string) string {
	return r.prefix + "tx:" + member
}

func (r *RedisStore) keyAll() string {
	return r.prefix + "idx:all"
}

func (r *RedisStore) keyWorkflow(workflowID string) string {
	return r.prefix + "idx:wf:" + workflowID
}

func (r *RedisStore) keyRetain() string {
	return r.prefix + "idx:retain"
}

func (r *RedisStore) Get(ctx context.Context, workflowID, transactionID string) (*api.TransactionExecution, error) {
	data, err := r.client.Get(ctx, r.keyRecord(api.TransactionKey(workflowID, transactionID))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return DecodeTransaction(data)
}

func (r *RedisStore) Save(ctx context.Context, tx *api.TransactionExecution) error {
	member := tx.Key()
	key := r.keyRecord(member)
	prev := tx.Version

	tx.Version++
	data, err := EncodeTransaction(tx)
	if err != nil {
		tx.Version = prev
		return err
	}

	err = r.client.Watch(ctx, func(txn *redis.Tx) error {
		cur, err := txn.Get(ctx, key).Bytes()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists = false
		} else if err != nil {
			return err
		}

		if prev == 0 && exists {
			return ErrVersionConflict
		}
		if prev != 0 {
			if !exists {
				return ErrVersionConflict
			}
			stored, err := DecodeTransaction(cur)
			if err != nil {
				return err
			}
			if stored.Version != prev {
				return ErrVersionConflict
			}
		}

		_, err = txn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, r.keyAll(), member)
			pipe.SAdd(ctx, r.keyWorkflow(tx.WorkflowID), member)
			if tx.RetainUntil != nil {
				pipe.ZAdd(ctx, r.keyRetain(), redis.Z{Score: float64(tx.RetainUntil.UnixNano()), Member: member})
			} else {
				pipe.ZRem(ctx, r.keyRetain(), member)
			}
			return nil
		})
		return err
	}, key)

	if err != nil {
		tx.Version = prev
		if errors.Is(err, redis.TxFailedErr) {
			return ErrVersionConflict
		}
		return err
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, workflowID, transactionID string) error {
	member := api.TransactionKey(workflowID, transactionID)
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.keyRecord(member))
	pipe.SRem(ctx, r.keyAll(), member)
	pipe.SRem(ctx, r.keyWorkflow(workflowID), member)
	pipe.ZRem(ctx, r.keyRetain(), member)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) List(ctx context.Context, filter Filter) ([]*api.TransactionExecution, error) {
	var (
		members []string
		err     error
	)

	switch {
	case !filter.RetainedBefore.IsZero():
		members, err = r.client.ZRangeByScore(ctx, r.keyRetain(), &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(filter.RetainedBefore.UnixNano(), 10),
		}).Result()
	case filter.WorkflowID != "":
		members, err = r.client.SMembers(ctx, r.keyWorkflow(filter.WorkflowID)).Result()
	default:
		members, err = r.client.SMembers(ctx, r.keyAll()).Result()
	}
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	sort.Strings(members)
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = r.keyRecord(m)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var out []*api.TransactionExecution
	for _, v := range values {
		// Index entries may outlive their record.
		s, ok := v.(string)
		if !ok {
			continue
		}
		tx, err := DecodeTransaction([]byte(s))
		if err != nil {
			return nil, err
		}
		if filter.Match(tx) {
			out = append(out, tx)
		}
	}
	return applyLimit(out, filter.Limit), nil
}
