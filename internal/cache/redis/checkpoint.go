package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradecdc/internal/domain"
)

// CheckpointStore implements domain.CheckpointStore with one Redis key per
// consumer.
type CheckpointStore struct {
	rdb *redis.Client
}

// NewCheckpointStore creates a CheckpointStore backed by the given Client.
func NewCheckpointStore(c *Client) *CheckpointStore {
	return &CheckpointStore{rdb: c.rdb}
}

func checkpointKey(consumer string) string {
	return "checkpoint:" + consumer
}

// Get returns the last stream ID the consumer committed, or "" when it has
// never committed one.
func (s *CheckpointStore) Get(ctx context.Context, consumer string) (string, error) {
	id, err := s.rdb.Get(ctx, checkpointKey(consumer)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("redis: get checkpoint %s: %w", consumer, err)
	}
	return id, nil
}

// Set records id as the consumer's checkpoint.
func (s *CheckpointStore) Set(ctx context.Context, consumer, id string) error {
	if err := s.rdb.Set(ctx, checkpointKey(consumer), id, 0).Err(); err != nil {
		return fmt.Errorf("redis: set checkpoint %s: %w", consumer, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.CheckpointStore = (*CheckpointStore)(nil)
