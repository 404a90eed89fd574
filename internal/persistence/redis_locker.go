package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

var errLockHeld = errors.New("lock held by another owner")

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker is a Locker built on SET NX PX leases. A held lease is renewed
// every TTL/3 until released, so a crashed holder frees the key after TTL.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

// Ensure RedisLocker implements Locker.
var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a RedisLocker. ttl defaults to 30s.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "txflow:"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		poll:   25 * time.Millisecond,
		logger: slog.Default(),
	}
}

func (l *RedisLocker) keyLock(key string) string {
	return l.prefix + "lock:" + key
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := l.keyLock(key)
	token := uuid.NewString()

	err := retry.Do(ctx, retry.NewConstant(l.poll), func(ctx context.Context) error {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(errLockHeld)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lock %q: %w", key, err)
	}

	stop := make(chan struct{})
	go l.renew(lockKey, token, stop)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{lockKey}, token).Err(); err != nil {
				l.logger.Warn("redis_lock_release_failed", slog.String("key", lockKey), slog.Any("error", err))
			}
		})
	}, nil
}

func (l *RedisLocker) renew(lockKey, token string, stop <-chan struct{}) {
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			err := renewScript.Run(ctx, l.client, []string{lockKey}, token, l.ttl.Milliseconds()).Err()
			cancel()
			if err != nil {
				l.logger.Warn("redis_lock_renew_failed", slog.String("key", lockKey), slog.Any("error", err))
			}
		}
	}
}
