package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	mongoOnce sync.Once
	mongoURI  string
	mongoErr  error
)

// GetMongoURI starts a shared mongo:7 container on first use and returns
// its connection URI.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	mongoOnce.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		mongoC, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("Waiting for connections"),
			),
		)
		if err != nil {
			mongoErr = err
			return
		}

		endpoint, err := mongoC.Endpoint(ctx, "")
		if err != nil {
			_ = mongoC.Terminate(context.Background()) // best-effort cleanup
			mongoErr = err
			return
		}
		mongoURI = fmt.Sprintf("mongodb://%s", endpoint)
	})

	if mongoErr != nil {
		t.Fatalf("start mongo container: %v", mongoErr)
	}
	return mongoURI
}

// NewMongoClient connects to the shared container.
func NewMongoClient(t *testing.T) *mongo.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(GetMongoURI(t)))
	if err != nil {
		t.Fatalf("mongo connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	if err := client.Ping(ctx, nil); err != nil {
		t.Fatalf("mongo ping failed: %v", err)
	}
	return client
}
