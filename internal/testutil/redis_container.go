package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// GetRedisAddress starts a shared redis container on first use and returns
// its host:port.
func GetRedisAddress(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	redisOnce.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		redisC, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			redisErr = err
			return
		}

		endpoint, err := redisC.Endpoint(ctx, "")
		if err != nil {
			_ = redisC.Terminate(context.Background()) // best-effort cleanup
			redisErr = err
			return
		}
		redisAddr = endpoint
	})

	if redisErr != nil {
		t.Fatalf("start redis container: %v", redisErr)
	}
	return redisAddr
}

// NewRedisClient connects to the shared container and removes every key
// under prefix, so each test starts from a clean slate.
func NewRedisClient(t *testing.T, prefix string) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: GetRedisAddress(t)})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	FlushRedisPrefix(t, client, prefix)
	return client
}

// FlushRedisPrefix deletes all keys starting with prefix.
func FlushRedisPrefix(t *testing.T, client *redis.Client, prefix string) {
	t.Helper()
	ctx := context.Background()
	iter := client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := client.Del(ctx, iter.Val()).Err(); err != nil {
			t.Fatalf("redis DEL %q failed: %v", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		t.Fatalf("redis SCAN failed: %v", err)
	}
}
