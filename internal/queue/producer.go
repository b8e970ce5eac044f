package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"conductor.app/conductor/internal/envelope"
)

// QueueSaturatedError reports that the bounded priority lane is full. The
// caller marks the job failed with a retryable error instead of blocking.
type QueueSaturatedError struct {
	Stream string
	Depth  int64
	Cap    int64
}

func (e *QueueSaturatedError) Error() string {
	return fmt.Sprintf("queue %s saturated (%d/%d)", e.Stream, e.Depth, e.Cap)
}

// Producer routes envelopes onto their dispatch streams.
type Producer interface {
	Enqueue(ctx context.Context, env envelope.Envelope) (envelope.Destination, error)
	Depth(ctx context.Context, dest envelope.Destination) (int64, error)
}

type ProducerConfig struct {
	// PriorityLaneCap bounds the low-latency lane. Zero disables the check.
	PriorityLaneCap int64
}

type redisProducer struct {
	client *redis.Client
	router *envelope.Router
	cfg    ProducerConfig
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, router *envelope.Router, cfg ProducerConfig, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		router: router,
		cfg:    cfg,
		logger: logger,
	}
}

func (p *redisProducer) Enqueue(ctx context.Context, env envelope.Envelope) (envelope.Destination, error) {
	dest, err := p.router.Route(env)
	if err != nil {
		return envelope.Destination{}, err
	}

	if dest.Lane == envelope.LanePriority && p.cfg.PriorityLaneCap > 0 {
		depth, err := p.client.XLen(ctx, dest.Stream).Result()
		if err != nil {
			return envelope.Destination{}, fmt.Errorf("checking queue depth: %w", err)
		}
		if depth >= p.cfg.PriorityLaneCap {
			return envelope.Destination{}, &QueueSaturatedError{Stream: dest.Stream, Depth: depth, Cap: p.cfg.PriorityLaneCap}
		}
	}

	values, err := messageValues(env, 1, "")
	if err != nil {
		return envelope.Destination{}, err
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dest.Stream,
		Values: values,
	}).Err(); err != nil {
		return envelope.Destination{}, fmt.Errorf("enqueue envelope: %w", err)
	}

	p.logger.InfoContext(ctx, "enqueued envelope",
		"message_id", env.MessageID,
		"task_id", env.TaskID,
		"stream", dest.Stream,
		"lane", dest.Lane)
	return dest, nil
}

// Depth reports the stream length, the primary backpressure signal for
// operational tooling to throttle submission rates.
func (p *redisProducer) Depth(ctx context.Context, dest envelope.Destination) (int64, error) {
	depth, err := p.client.XLen(ctx, dest.Stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen (stream=%s): %w", dest.Stream, err)
	}
	return depth, nil
}
