package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// RedisTest returns a client for REDIS_URL, or for a disposable Redis
// container when TXG_TESTCONTAINERS=1. The database is flushed on cleanup.
func RedisTest(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	ctx := context.Background()

	url := os.Getenv("REDIS_URL")
	var terminate func()
	if url == "" {
		if os.Getenv(ContainersEnv) != "1" {
			t.Skip("REDIS_URL not set, skipping integration test")
		}
		container, err := tcredis.Run(ctx, "redis:7-alpine")
		if err != nil {
			t.Fatalf("redistest: start redis container: %v", err)
		}
		url, err = container.ConnectionString(ctx)
		if err != nil {
			_ = container.Terminate(ctx)
			t.Fatalf("redistest: container connection string: %v", err)
		}
		terminate = func() { _ = container.Terminate(context.Background()) }
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("redistest: parse redis URL: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("redistest: ping: %v", err)
	}

	return client, func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
		if terminate != nil {
			terminate()
		}
	}
}
