package domain

import (
	"context"
	"time"
)

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a delivery stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// DeliveryStream is the durable, ordered transport between the record
// adapter and the batch merge job.
type DeliveryStream interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// CheckpointStore remembers how far a consumer has read a stream.
type CheckpointStore interface {
	Get(ctx context.Context, consumer string) (string, error)
	Set(ctx context.Context, consumer, id string) error
}

// Notifier delivers ephemeral, best-effort notifications. Subscribers only
// see messages published while they are subscribed.
type Notifier interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
