package replay

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "procflow:replay:"

// RedisQueue parks completions in a Redis list per instance id, surviving
// engine restarts.
type RedisQueue struct {
	client redis.UniversalClient
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, opts *redis.Options) (*RedisQueue, error) {
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := client.Ping(pingCtx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisQueue{client: client}, nil
}

func (q *RedisQueue) key(instanceID string) string {
	return keyPrefix + instanceID
}

func (q *RedisQueue) Park(ctx context.Context, instanceID string, entry Entry) error {
	data, err := marshalEntry(entry)
	if err != nil {
		return fmt.Errorf("failed to encode replay entry: %w", err)
	}

	err = q.client.RPush(ctx, q.key(instanceID), data).Err()
	if err != nil {
		return fmt.Errorf("failed to park replay entry: %w", err)
	}

	return nil
}

func (q *RedisQueue) Drain(ctx context.Context, instanceID string) ([]Entry, error) {
	key := q.key(instanceID)

	pipe := q.client.TxPipeline()
	itemsCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to drain replay entries: %w", err)
	}

	raw := itemsCmd.Val()
	entries := make([]Entry, 0, len(raw))

	for _, item := range raw {
		entry, err := unmarshalEntry([]byte(item))
		if err != nil {
			return nil, fmt.Errorf("failed to decode replay entry: %w", err)
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (q *RedisQueue) Discard(ctx context.Context, instanceID string) error {
	err := q.client.Del(ctx, q.key(instanceID)).Err()
	if err != nil {
		return fmt.Errorf("failed to discard replay entries: %w", err)
	}

	return nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
