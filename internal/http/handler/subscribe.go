package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"conductor.app/conductor/internal/envelope"
	"conductor.app/conductor/internal/http/dto"
	"conductor.app/conductor/internal/hub"
	"conductor.app/conductor/internal/store"
)

const wsWriteTimeout = 10 * time.Second

// SubscriberHub is the hub surface the WebSocket edge depends on.
type SubscriberHub interface {
	Subscribe(sub hub.Subscriber, jobID int64)
	Drop(subscriberID string)
}

type SubscribeHandler struct {
	service  JobService
	hub      SubscriberHub
	upgrader websocket.Upgrader
}

func NewSubscribeHandler(service JobService, h SubscriberHub) *SubscribeHandler {
	return &SubscribeHandler{
		service: service,
		hub:     h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// wsSubscriber adapts one WebSocket connection to the hub. The mutex
// serializes writes: the hub delivers sequentially per job, but one
// connection can be bound to several jobs.
type wsSubscriber struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSubscriber) ID() string { return s.id }

func (s *wsSubscriber) Send(env envelope.Envelope) error {
	return s.writeJSON(env)
}

func (s *wsSubscriber) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(v)
}

// Subscribe upgrades the connection and binds it to the job's event
// stream. The current job state is sent first, so a client subscribing
// after completion still sees the outcome; the binding is then kept
// until the job finishes or the client disconnects.
func (h *SubscribeHandler) Subscribe(c *gin.Context) {
	ctx := c.Request.Context()

	jobID, ok := parseJobID(c)
	if !ok {
		return
	}

	job, err := h.service.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to load job for subscription", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		slog.WarnContext(ctx, "websocket upgrade failed", "error", err)
		return
	}

	sub := &wsSubscriber{id: uuid.NewString(), conn: conn}

	// Bind before the snapshot: an event firing in between is delivered
	// twice at worst, never missed.
	h.hub.Subscribe(sub, jobID)

	if err := sub.writeJSON(dto.JobResponseFrom(job)); err != nil {
		slog.WarnContext(ctx, "failed to send job snapshot", "error", err)
		h.hub.Drop(sub.id)
		_ = conn.Close()
		return
	}

	if job.Status.Terminal() {
		h.hub.Drop(sub.id)
		_ = conn.Close()
		return
	}

	slog.InfoContext(ctx, "subscriber connected",
		"subscriber_id", sub.id,
		"job_id", jobID)

	go h.readLoop(conn, sub.id)
}

// readLoop drains inbound frames to detect disconnects; clients are not
// expected to send anything.
func (h *SubscribeHandler) readLoop(conn *websocket.Conn, subscriberID string) {
	defer func() {
		h.hub.Drop(subscriberID)
		_ = conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
