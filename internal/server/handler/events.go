package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/arborlabs/arbd/internal/domain"
)

// EventStreamReader reads entries from a durable event stream.
type EventStreamReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// EventsHandler serves the recent lifecycle-event history recorded on the
// durable stream. WebSocket delivery is best-effort; this endpoint is how an
// operator or a reconnecting client catches up on what was broadcast.
type EventsHandler struct {
	stream EventStreamReader
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(stream EventStreamReader, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		stream: stream,
		logger: logHandler(logger, "events"),
	}
}

// streamEvent pairs a stream entry id with its event body. The id doubles as
// the cursor for the next request.
type streamEvent struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// List returns events appended after the given cursor, oldest first.
// GET /api/events?after=0&limit=100
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	after := q.Get("after")
	if after == "" {
		after = "0"
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 1000 {
		limit = 1000
	}

	msgs, err := h.stream.StreamRead(r.Context(), domain.StreamEvents, after, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "stream read failed", slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}

	events := make([]streamEvent, 0, len(msgs))
	for _, m := range msgs {
		events = append(events, streamEvent{ID: m.ID, Event: json.RawMessage(m.Payload)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
	})
}
