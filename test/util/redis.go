package util

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	sharedRedisURL string
	redisOnce      sync.Once
	redisErr       error
)

// SetupTestRedis returns the URL of a Redis instance for one test. Skipped
// under -short. CI points CI_REDIS_URL at an external Redis; local runs
// share one testcontainer per package. Callers must use unique keys for
// isolation.
func SetupTestRedis(t *testing.T) string {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	if ciRedisURL := os.Getenv("CI_REDIS_URL"); ciRedisURL != "" {
		t.Log("Using external Redis from CI_REDIS_URL")
		return ciRedisURL
	}

	redisOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared Redis testcontainer for all tests")

		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor: wait.ForLog("Ready to accept connections").
					WithStartupTimeout(30 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			redisErr = fmt.Errorf("failed to start redis container: %w", err)
			return
		}

		endpoint, err := container.Endpoint(ctx, "")
		if err != nil {
			redisErr = fmt.Errorf("failed to get redis endpoint: %w", err)
			return
		}
		sharedRedisURL = "redis://" + endpoint + "/0"
	})

	require.NoError(t, redisErr, "Failed to setup shared Redis container")
	return sharedRedisURL
}
