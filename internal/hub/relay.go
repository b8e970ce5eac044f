package hub

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	"conductor.app/conductor/common/logger"
	"conductor.app/conductor/internal/envelope"
)

// eventsChannel carries job event envelopes between processes. Workers
// publish here; every gateway replica relays into its local hub.
const eventsChannel = "jobs:events"

// RedisPublisher pushes job events onto the shared event channel. It is
// the Notifier used by processes that do not hold subscriber
// connections themselves.
type RedisPublisher struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisPublisher(client *redis.Client, log *slog.Logger) *RedisPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &RedisPublisher{client: client, logger: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, jobID int64, env envelope.Envelope) {
	data, err := env.Marshal()
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to marshal job event", "job_id", jobID, "error", err)
		return
	}
	if err := p.client.Publish(ctx, eventsChannel, data).Err(); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish job event", "job_id", jobID, "error", err)
	}
}

// Relay feeds the shared event channel into a local hub. Channel
// delivery is fire-and-forget; a subscriber that connects late gets the
// current job state as a snapshot, so a dropped event is never the only
// copy of an outcome.
type Relay struct {
	client *redis.Client
	hub    *Hub
	logger *slog.Logger
}

func NewRelay(client *redis.Client, h *Hub, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{client: client, hub: h, logger: log}
}

// Run blocks relaying events until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "conductor.hub.relay",
	})

	sub := r.client.Subscribe(ctx, eventsChannel)
	defer sub.Close()

	r.logger.InfoContext(ctx, "event relay started", "channel", eventsChannel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := envelope.Unmarshal([]byte(msg.Payload))
			if err != nil {
				r.logger.WarnContext(ctx, "dropping undecodable job event", "error", err)
				continue
			}
			jobID, err := strconv.ParseInt(env.TaskID, 10, 64)
			if err != nil {
				r.logger.WarnContext(ctx, "dropping job event with unusable task id", "task_id", env.TaskID)
				continue
			}
			r.hub.Publish(ctx, jobID, env)
		}
	}
}
