package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"conductor.app/conductor/common/logger"
)

type ConsumerConfig struct {
	PriorityStreams []string      // Low-latency lane streams, drained first
	StandardStreams []string      // Standard lane streams
	Group           string        // Redis consumer group name
	Consumer        string        // Redis consumer name
	DLQStream       string        // Dead letter queue stream for exhausted messages
	BatchSize       int64         // Number of messages to claim per read
	Block           time.Duration // How long to block/poll for new messages
	RequeueDelay    time.Duration // Delay before retrying failed messages
}

// Consumer claims envelopes from the dispatch streams. Claims are
// visibility-timeout based: an entry read here stays pending until Ack,
// and the reclaimer re-claims entries whose consumer went quiet.
type Consumer struct {
	client *redis.Client
	cfg    ConsumerConfig
}

func NewConsumer(client *redis.Client, cfg ConsumerConfig) (*Consumer, error) {
	c := &Consumer{client: client, cfg: cfg}

	for _, stream := range c.Streams() {
		if err := c.ensureGroup(context.Background(), stream); err != nil { //nolint:contextcheck
			return nil, err
		}
	}
	return c, nil
}

// Streams returns every stream this consumer claims from, priority lanes
// first.
func (c *Consumer) Streams() []string {
	streams := make([]string, 0, len(c.cfg.PriorityStreams)+len(c.cfg.StandardStreams))
	streams = append(streams, c.cfg.PriorityStreams...)
	streams = append(streams, c.cfg.StandardStreams...)
	return streams
}

func (c *Consumer) ensureGroup(ctx context.Context, stream string) error {
	// Consumer groups are just readers, messages live in the stream itself.
	// Starting from "0" instead of "$" means we don't lose messages that
	// arrived during a restart.
	if err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err(); err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("creating consumer group (stream=%s): %w", stream, err)
	}
	return nil
}

// Read claims the next batch. The priority lanes are drained with a
// non-blocking read before the blocking read across all lanes, so
// latency-sensitive work never queues behind standard throughput work.
func (c *Consumer) Read(ctx context.Context) ([]Message, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "conductor.queue.consumer",
	})

	if len(c.cfg.PriorityStreams) > 0 {
		messages, err := c.read(ctx, c.cfg.PriorityStreams, 0)
		if err != nil {
			return nil, err
		}
		if len(messages) > 0 {
			return messages, nil
		}
	}

	return c.read(ctx, c.Streams(), c.cfg.Block)
}

func (c *Consumer) read(ctx context.Context, streams []string, block time.Duration) ([]Message, error) {
	if len(streams) == 0 {
		return nil, nil
	}

	// XReadGroup wants [stream, stream, ..., ">", ">", ...].
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}
	if block == 0 {
		// go-redis treats 0 as "block forever"; use a negative value for a
		// truly non-blocking probe.
		block = -1
	}

	result, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  args,
		Count:    c.cfg.BatchSize,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("reading from streams: %w", err)
	}

	var messages []Message
	for _, stream := range result {
		for _, raw := range stream.Messages {
			parsed, parseErr := ParseMessage(stream.Stream, raw)
			if parseErr != nil {
				slog.ErrorContext(ctx, "failed to parse message",
					"error", parseErr,
					"raw_message_id", raw.ID,
					"stream", stream.Stream)
				_ = c.Ack(ctx, Message{ID: raw.ID, Stream: stream.Stream, Raw: raw})
				continue
			}
			messages = append(messages, parsed)
		}
	}

	if len(messages) > 0 {
		slog.DebugContext(ctx, "read messages from streams",
			"count", len(messages),
			"consumer", c.cfg.Consumer)
	}

	return messages, nil
}

func (c *Consumer) Ack(ctx context.Context, msg Message) error {
	if err := c.client.XAck(ctx, msg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", msg.Stream, err)
	}

	slog.DebugContext(ctx, "message acknowledged", "stream", msg.Stream)
	return nil
}

// Requeue acknowledges the claimed entry and re-adds it with an
// incremented attempt count.
func (c *Consumer) Requeue(ctx context.Context, msg Message, errMsg string) error {
	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking failed message for requeue: %w", err)
	}

	values, err := messageValues(msg.Envelope, msg.Attempt+1, errMsg)
	if err != nil {
		return err
	}

	if c.cfg.RequeueDelay > 0 {
		time.Sleep(c.cfg.RequeueDelay)
	}

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: msg.Stream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd requeue: %w", err)
	}

	slog.InfoContext(ctx, "message requeued for retry",
		"message_id", msg.Envelope.MessageID,
		"next_attempt", msg.Attempt+1,
		"reason", errMsg)
	return nil
}

func (c *Consumer) SendDLQ(ctx context.Context, msg Message, errMsg string) error {
	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking failed message for dlq: %w", err)
	}

	values, err := messageValues(msg.Envelope, msg.Attempt, errMsg)
	if err != nil {
		return err
	}
	values["origin_stream"] = msg.Stream

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DLQStream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd dlq (stream=%s): %w", c.cfg.DLQStream, err)
	}

	slog.ErrorContext(ctx, "message sent to DLQ",
		"message_id", msg.Envelope.MessageID,
		"final_error", errMsg,
		"dlq_stream", c.cfg.DLQStream)
	return nil
}
