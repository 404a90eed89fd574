package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements the Queue interface using Redis.
//
// Keys:
//
//	<prefix>queue:ready   ZSET  task id scored by not-before (unix ms)
//	<prefix>queue:leases  ZSET  task id scored by lease expiry (unix ms)
//	<prefix>queue:owners  HASH  task id -> lease owner
//	<prefix>queue:tasks   HASH  task id -> gob-encoded Task
//
// Claims, acks and nacks run as Lua scripts so a task is never handed to
// two owners at once.
type RedisQueue struct {
	client       *redis.Client
	ready        string
	leases       string
	owners       string
	tasks        string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "txflow:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "txflow:"
	}
	return &RedisQueue{
		client:       client,
		ready:        prefix + "queue:ready",
		leases:       prefix + "queue:leases",
		owners:       prefix + "queue:owners",
		tasks:        prefix + "queue:tasks",
		pollInterval: 50 * time.Millisecond,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// KEYS: ready, leases, owners  ARGV: now, owner, leaseUntil
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('HDEL', KEYS[3], id)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[3], id)
redis.call('HSET', KEYS[3], id, ARGV[2])
return id
`)

// KEYS: leases, owners, tasks  ARGV: id, owner
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// KEYS: ready, leases, owners, tasks  ARGV: id, owner, notBefore, task
var nackScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[4])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// KEYS: leases, owners  ARGV: id, owner, leaseUntil
var renewScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// Enqueue stores the task and schedules it at its NotBefore.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.tasks, t.ID, data)
		p.ZAdd(ctx, q.ready, redis.Z{Score: float64(t.NotBefore.UnixMilli()), Member: t.ID})
		return nil
	})
	return err
}

// Dequeue polls the ready set until a due task can be claimed or ctx is
// cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	for {
		now := time.Now()
		id, err := claimScript.Run(ctx, q.client,
			[]string{q.ready, q.leases, q.owners},
			now.UnixMilli(), owner, now.Add(leaseTTL).UnixMilli(),
		).Text()
		switch {
		case errors.Is(err, redis.Nil):
			if err := waitFor(ctx, q.pollInterval); err != nil {
				return nil, err
			}
			continue
		case err != nil:
			return nil, err
		}

		data, err := q.client.HGet(ctx, q.tasks, id).Bytes()
		if errors.Is(err, redis.Nil) {
			// Acked by a previous owner between the claim and this read.
			_ = q.Ack(ctx, id, owner)
			continue
		}
		if err != nil {
			return nil, err
		}
		return DecodeTask(data)
	}
}

func (q *RedisQueue) Ack(ctx context.Context, taskID, owner string) error {
	n, err := ackScript.Run(ctx, q.client, []string{q.leases, q.owners, q.tasks}, taskID, owner).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	data, err := q.client.HGet(ctx, q.tasks, taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrLeaseLost
	}
	if err != nil {
		return err
	}
	t, err := DecodeTask(data)
	if err != nil {
		return err
	}
	t.NotBefore = notBefore
	t.Attempts = attempts
	if data, err = EncodeTask(*t); err != nil {
		return err
	}

	n, err := nackScript.Run(ctx, q.client,
		[]string{q.ready, q.leases, q.owners, q.tasks},
		taskID, owner, strconv.FormatInt(notBefore.UnixMilli(), 10), data,
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	n, err := renewScript.Run(ctx, q.client, []string{q.leases, q.owners},
		taskID, owner, time.Now().Add(leaseTTL).UnixMilli()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Len returns the approximate number of queued and leased tasks.
func (q *RedisQueue) Len() int {
	n, err := q.client.HLen(context.Background(), q.tasks).Result()
	if err != nil {
		slog.Default().Warn("redis queue length", "error", err)
		return 0
	}
	return int(n)
}
