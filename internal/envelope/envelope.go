package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped on every envelope. Routers treat unknown fields
// as forward-compatible extensions; existing field types never change.
const SchemaVersion = "1.0"

// Domain identifies the subsystem a message belongs to.
type Domain string

const (
	DomainJob  Domain = "job"
	DomainTool Domain = "tool"
)

// Action identifies what the message carries within its domain.
type Action string

const (
	ActionExecute  Action = "execute"
	ActionStatus   Action = "status"
	ActionResponse Action = "response"
	ActionError    Action = "error"
	ActionToken    Action = "token"
	ActionCancel   Action = "cancel"
)

// Type is the (domain, action) pair that discriminates envelope payloads.
type Type struct {
	Domain Domain `json:"domain"`
	Action Action `json:"action"`
}

// ErrorInfo is the structured error body carried instead of a payload.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the wire unit exchanged between the core and any collaborator.
// Routing and validation never inspect Payload.
type Envelope struct {
	SchemaVersion string            `json:"schema_version"`
	MessageID     string            `json:"message_id"`
	CorrelationID string            `json:"correlation_id"`
	TaskID        string            `json:"task_id"`
	TenantID      string            `json:"tenant_id"`
	Type          Type              `json:"type"`
	SourceService string            `json:"source_service"`
	TargetService string            `json:"target_service"`
	Priority      int               `json:"priority"`
	Status        string            `json:"status,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Error         *ErrorInfo        `json:"error,omitempty"`
}

// MalformedEnvelopeError reports a missing required field. Malformed
// envelopes are surfaced synchronously to the caller, never enqueued.
type MalformedEnvelopeError struct {
	Field string
}

func (e *MalformedEnvelopeError) Error() string {
	return fmt.Sprintf("malformed envelope: missing %s", e.Field)
}

// New builds an envelope with identity fields populated. CorrelationID is
// minted when empty so derived messages can inherit it.
func New(taskID, tenantID string, typ Type, source, target string, priority int) Envelope {
	return Envelope{
		SchemaVersion: SchemaVersion,
		MessageID:     uuid.NewString(),
		CorrelationID: uuid.NewString(),
		TaskID:        taskID,
		TenantID:      tenantID,
		Type:          typ,
		SourceService: source,
		TargetService: target,
		Priority:      priority,
		CreatedAt:     time.Now().UTC(),
	}
}

// Derive builds a follow-up message for the same logical operation. The
// correlation id is carried over unchanged so an observer can join the
// original request with every status update, token chunk and error.
func (e Envelope) Derive(action Action, source, target string) Envelope {
	out := New(e.TaskID, e.TenantID, Type{Domain: e.Type.Domain, Action: action}, source, target, e.Priority)
	out.CorrelationID = e.CorrelationID
	return out
}

// Validate checks the fields every router and consumer depends on.
func (e Envelope) Validate() error {
	checks := []struct {
		field string
		ok    bool
	}{
		{"message_id", e.MessageID != ""},
		{"task_id", e.TaskID != ""},
		{"tenant_id", e.TenantID != ""},
		{"type.domain", e.Type.Domain != ""},
		{"type.action", e.Type.Action != ""},
		{"source_service", e.SourceService != ""},
		{"target_service", e.TargetService != ""},
	}
	for _, c := range checks {
		if !c.ok {
			return &MalformedEnvelopeError{Field: c.field}
		}
	}
	return nil
}

// Marshal serializes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	return data, nil
}

// Unmarshal parses a wire envelope without validating it.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("unmarshaling envelope: %w", err)
	}
	return e, nil
}
