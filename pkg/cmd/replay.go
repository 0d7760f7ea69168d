package cmd

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/procflow/procflow/pkg/replay"
)

// NewReplayQueue returns a redis-backed replay queue when a URL is given,
// an in-memory one otherwise.
func NewReplayQueue(ctx context.Context, redisURL string) (replay.Queue, error) {
	if redisURL == "" {
		return replay.NewMemoryQueue(), nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	return replay.NewRedisQueue(ctx, opts)
}
