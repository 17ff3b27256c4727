package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradecdc/internal/domain"
)

// defaultStreamMaxLen is the approximate maximum length of a delivery
// stream, enforced via XADD MAXLEN ~.
const defaultStreamMaxLen int64 = 1_000_000

// payloadField is the stream entry field holding the record payload.
const payloadField = "payload"

// Stream implements domain.DeliveryStream on Redis Streams and
// domain.Notifier on Redis Pub/Sub.
type Stream struct {
	rdb    *redis.Client
	maxLen int64
}

// NewStream creates a Stream backed by the given Client.
func NewStream(c *Client) *Stream {
	return NewStreamWithMaxLen(c, defaultStreamMaxLen)
}

// NewStreamWithMaxLen creates a Stream that trims to roughly maxLen entries.
// A non-positive maxLen disables trimming.
func NewStreamWithMaxLen(c *Client, maxLen int64) *Stream {
	return &Stream{rdb: c.rdb, maxLen: maxLen}
}

// StreamAppend appends a payload to a Redis stream using XADD.
func (s *Stream) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{payloadField: payload},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead reads up to count messages from a Redis stream strictly after
// lastID without blocking. An empty lastID reads from the beginning. It
// returns an empty slice (not an error) when no messages are available.
func (s *Stream) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	if lastID == "" {
		lastID = "0-0"
	}
	args := &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   int64(count),
		Block:   -1,
	}

	results, err := s.rdb.XRead(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var messages []domain.StreamMessage
	for _, res := range results {
		for _, msg := range res.Messages {
			var data []byte
			switch v := msg.Values[payloadField].(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				continue
			}
			messages = append(messages, domain.StreamMessage{ID: msg.ID, Payload: data})
		}
	}
	return messages, nil
}

// StreamLen returns the number of entries in a stream.
func (s *Stream) StreamLen(ctx context.Context, stream string) (int64, error) {
	n, err := s.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: stream len %s: %w", stream, err)
	}
	return n, nil
}

// Publish sends a payload to a Redis Pub/Sub channel.
func (s *Stream) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe creates a Redis Pub/Sub subscription and returns a channel of
// payloads. The subscription and the returned channel are closed when ctx
// is cancelled.
func (s *Stream) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if hasPattern(channel) {
		pubsub = s.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = s.rdb.Subscribe(ctx, channel)
	}

	// Wait for the subscription confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// hasPattern reports whether channel contains glob wildcards, in which case
// PSubscribe is used.
func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

// Compile-time interface checks.
var (
	_ domain.DeliveryStream = (*Stream)(nil)
	_ domain.Notifier       = (*Stream)(nil)
)
