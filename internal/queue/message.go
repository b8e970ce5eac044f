package queue

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"conductor.app/conductor/internal/envelope"
)

// Message is one claimed stream entry: a wire envelope plus delivery
// bookkeeping the queue layer owns.
type Message struct {
	ID        string
	Stream    string
	Envelope  envelope.Envelope
	Attempt   int
	LastError string
	Raw       redis.XMessage
}

// MessageProcessor processes a claimed queue message.
type MessageProcessor func(ctx context.Context, msg Message) error

// messageValues flattens a message into stream fields. The envelope rides
// as one JSON field; attempt and last_error stay flat so operational
// tooling can read them without decoding the envelope.
func messageValues(env envelope.Envelope, attempt int, lastError string) (map[string]any, error) {
	data, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	values := map[string]any{
		"envelope": string(data),
		"attempt":  attempt,
	}
	if lastError != "" {
		values["last_error"] = lastError
	}
	return values, nil
}

// ParseMessage decodes a raw stream entry back into a Message.
func ParseMessage(stream string, msg redis.XMessage) (Message, error) {
	raw, ok := msg.Values["envelope"]
	if !ok {
		return Message{}, fmt.Errorf("missing envelope field")
	}

	env, err := envelope.Unmarshal([]byte(fmt.Sprint(raw)))
	if err != nil {
		return Message{}, fmt.Errorf("decoding envelope: %w", err)
	}

	attempt := 1
	if rawAttempt, ok := msg.Values["attempt"]; ok {
		parsed, err := strconv.Atoi(fmt.Sprint(rawAttempt))
		if err != nil {
			return Message{}, fmt.Errorf("parsing attempt: %w", err)
		}
		if parsed > 0 {
			attempt = parsed
		}
	}

	lastError := ""
	if rawErr, ok := msg.Values["last_error"]; ok {
		lastError = fmt.Sprint(rawErr)
	}

	return Message{
		ID:        msg.ID,
		Stream:    stream,
		Envelope:  env,
		Attempt:   attempt,
		LastError: lastError,
		Raw:       msg,
	}, nil
}
