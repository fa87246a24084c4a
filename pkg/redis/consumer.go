package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamConsumerConfig configures a StreamConsumer.
type StreamConsumerConfig struct {
	// Stream is the Redis stream name to consume from (required).
	Stream string

	// Group is the consumer group name. Required for consumer group mode.
	Group string

	// Consumer is the consumer name within the group. Required if Group is set.
	Consumer string

	// LastID is the starting position for simple (group-less) consumers:
	//   - "0" = read from beginning
	//   - "$" = read only new messages
	//   - "<id>" = read after specific ID (e.g., "1234567890123-0")
	// Default: "0"
	LastID string

	// Count is the max number of entries to read per batch. Default: 100.
	Count int64

	// Block is how long to wait for new entries. Default: 5 seconds.
	Block time.Duration

	// RetryInterval is how long to wait before retrying after an error.
	// Default: 1 second.
	RetryInterval time.Duration

	// MaxRetryInterval is the maximum retry interval (with exponential backoff).
	// Default: 30 seconds.
	MaxRetryInterval time.Duration

	// ClaimMinIdle makes a group consumer take over entries left pending by other
	// consumers for at least this long before it starts. 0 disables claiming.
	ClaimMinIdle time.Duration

	// Logger for logging. If nil, uses a no-op logger.
	Logger *zap.Logger
}

// MessageHandler processes a stream message. Return nil to acknowledge,
// or return an error to leave the entry pending for redelivery.
type MessageHandler func(ctx context.Context, msg Message) error

// Message represents a single stream entry with parsed fields.
type Message struct {
	// ID is the Redis stream entry ID (e.g., "1234567890123-0").
	ID string

	// Stream is the stream name this message came from.
	Stream string

	// Values contains the entry fields as key-value pairs.
	Values map[string]interface{}
}

// streamReader is the subset of Client used by StreamConsumer.
type streamReader interface {
	XRead(ctx context.Context, stream, lastID string, count int64, block time.Duration) ([]redis.XStream, error)
	XReadGroup(ctx context.Context, group, consumer, stream, lastID string, count int64, block time.Duration) ([]redis.XStream, error)
	XAck(ctx context.Context, stream, group string, ids ...string) (int64, error)
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) error
	XAutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]redis.XMessage, string, error)
}

// StreamConsumer consumes messages from a Redis stream with automatic
// reconnection and optional consumer group support.
type StreamConsumer struct {
	client streamReader
	config StreamConsumerConfig
	logger *zap.Logger
}

// NewStreamConsumer creates a new stream consumer.
func NewStreamConsumer(client *Client, config StreamConsumerConfig) (*StreamConsumer, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return newStreamConsumer(client, config)
}

func newStreamConsumer(client streamReader, config StreamConsumerConfig) (*StreamConsumer, error) {
	if config.Stream == "" {
		return nil, errors.New("stream name is required")
	}
	if config.Group != "" && config.Consumer == "" {
		return nil, errors.New("consumer name is required when using consumer groups")
	}

	// Apply defaults
	if config.LastID == "" {
		config.LastID = "0"
	}
	if config.Count == 0 {
		config.Count = 100
	}
	if config.Block == 0 {
		config.Block = 5 * time.Second
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = 1 * time.Second
	}
	if config.MaxRetryInterval == 0 {
		config.MaxRetryInterval = 30 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StreamConsumer{
		client: client,
		config: config,
		logger: logger,
	}, nil
}

// Run starts consuming messages and calls handler for each message, one at a time and in
// stream order. Blocks until context is cancelled. Automatically handles reconnection.
// In group mode the consumer first drains its own pending entries, then reads new ones.
// A handler error stops the batch; after a backoff the failed entry is delivered again
// before anything newer.
func (sc *StreamConsumer) Run(ctx context.Context, handler MessageHandler) error {
	lastID := sc.config.LastID
	if sc.config.Group != "" {
		if err := sc.client.XGroupCreateMkStream(ctx, sc.config.Stream, sc.config.Group, "0"); err != nil {
			return err
		}
		sc.logger.Info("Consumer group ready",
			zap.String("stream", sc.config.Stream),
			zap.String("group", sc.config.Group),
			zap.String("consumer", sc.config.Consumer))
		if err := sc.claimOrphaned(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// XAUTOCLAIM needs Redis 6.2; own pending entries are still read below.
			sc.logger.Warn("Unable to claim idle pending entries",
				zap.String("stream", sc.config.Stream),
				zap.String("group", sc.config.Group),
				zap.Error(err))
		}
		lastID = "0"
	}

	retryInterval := sc.config.RetryInterval

	for {
		select {
		case <-ctx.Done():
			sc.logger.Info("Stream consumer shutting down",
				zap.String("stream", sc.config.Stream),
				zap.String("group", sc.config.Group))
			return ctx.Err()
		default:
		}

		messages, err := sc.readMessages(ctx, lastID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if errors.Is(err, redis.Nil) {
				// No messages available (timeout), continue
				continue
			}

			sc.logger.Warn("Error reading from stream, will retry",
				zap.String("stream", sc.config.Stream),
				zap.Error(err),
				zap.Duration("retryIn", retryInterval))

			if err := sc.wait(ctx, &retryInterval); err != nil {
				return err
			}
			continue
		}

		if sc.config.Group != "" && lastID != ">" && len(messages) == 0 {
			// Pending backlog drained.
			lastID = ">"
			continue
		}

		failed := false
		for _, msg := range messages {
			if err := sc.processMessage(ctx, handler, msg); err != nil {
				sc.logger.Error("Error processing message, will redeliver",
					zap.String("stream", sc.config.Stream),
					zap.String("id", msg.ID),
					zap.Error(err),
					zap.Duration("retryIn", retryInterval))
				failed = true
				break
			}
			if sc.config.Group == "" {
				lastID = msg.ID
			}
		}

		if !failed {
			retryInterval = sc.config.RetryInterval
			continue
		}
		if sc.config.Group != "" {
			// The failed entry and the rest of the batch are still pending.
			lastID = "0"
		}
		if err := sc.wait(ctx, &retryInterval); err != nil {
			return err
		}
	}
}

// wait sleeps for *interval and doubles it up to MaxRetryInterval.
func (sc *StreamConsumer) wait(ctx context.Context, interval *time.Duration) error {
	select {
	case <-time.After(*interval):
		*interval = min(*interval*2, sc.config.MaxRetryInterval)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// claimOrphaned moves entries idle for ClaimMinIdle from other consumers of the group to
// this one, so a consumer that never comes back does not strand its pending blocks.
func (sc *StreamConsumer) claimOrphaned(ctx context.Context) error {
	if sc.config.ClaimMinIdle <= 0 {
		return nil
	}
	start := "0-0"
	claimed := 0
	for {
		msgs, next, err := sc.client.XAutoClaim(ctx, sc.config.Stream, sc.config.Group, sc.config.Consumer,
			sc.config.ClaimMinIdle, start, sc.config.Count)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return err
		}
		claimed += len(msgs)
		if next == "" || next == "0-0" {
			break
		}
		start = next
	}
	if claimed > 0 {
		sc.logger.Info("Claimed pending entries from idle consumers",
			zap.String("stream", sc.config.Stream),
			zap.String("group", sc.config.Group),
			zap.Int("claimed", claimed))
	}
	return nil
}

// readMessages reads a batch of messages from the stream.
func (sc *StreamConsumer) readMessages(ctx context.Context, lastID string) ([]Message, error) {
	var streams []redis.XStream
	var err error

	if sc.config.Group != "" {
		block := sc.config.Block
		if lastID != ">" {
			// Pending entries are returned immediately.
			block = -1
		}
		streams, err = sc.client.XReadGroup(ctx,
			sc.config.Group,
			sc.config.Consumer,
			sc.config.Stream,
			lastID,
			sc.config.Count,
			block,
		)
	} else {
		streams, err = sc.client.XRead(ctx,
			sc.config.Stream,
			lastID,
			sc.config.Count,
			sc.config.Block,
		)
	}

	if err != nil {
		return nil, err
	}

	var messages []Message

	for _, stream := range streams {
		for _, xmsg := range stream.Messages {
			messages = append(messages, Message{
				ID:     xmsg.ID,
				Stream: stream.Stream,
				Values: xmsg.Values,
			})
		}
	}

	return messages, nil
}

// processMessage processes a single message and acknowledges it in group mode.
func (sc *StreamConsumer) processMessage(ctx context.Context, handler MessageHandler, msg Message) error {
	if err := handler(ctx, msg); err != nil {
		return err
	}

	if sc.config.Group != "" {
		if _, ackErr := sc.client.XAck(ctx, sc.config.Stream, sc.config.Group, msg.ID); ackErr != nil {
			sc.logger.Warn("Failed to acknowledge message",
				zap.String("stream", sc.config.Stream),
				zap.String("id", msg.ID),
				zap.Error(ackErr))
		}
	}

	return nil
}

// GetData is a helper to extract the "data" field from a message.
// Returns nil if not found.
func (m *Message) GetData() []byte {
	if data, ok := m.Values["data"].(string); ok {
		return []byte(data)
	}
	if data, ok := m.Values["data"].([]byte); ok {
		return data
	}
	return nil
}

// GetHeight is a helper to extract the "height" field from a message.
// Returns 0 if not found or not parseable.
func (m *Message) GetHeight() uint64 {
	val, ok := m.Values["height"]
	if !ok {
		return 0
	}
	return parseUint64(val)
}

// parseUint64 converts the field types go-redis may hand back to uint64.
func parseUint64(v interface{}) uint64 {
	switch val := v.(type) {
	case uint64:
		return val
	case int64:
		if val > 0 {
			return uint64(val)
		}
	case int:
		if val > 0 {
			return uint64(val)
		}
	case float64:
		if val > 0 {
			return uint64(val)
		}
	case string:
		// Redis returns numbers as strings
		if n, err := strconv.ParseUint(val, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
