package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/nostrmarket/internal/domain"
)

const (
	defaultEventCount = 100
	maxEventCount     = 1000
)

// EventHandler replays the durable market event stream so websocket clients
// can catch up after a disconnect.
type EventHandler struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

func NewEventHandler(bus domain.SignalBus, logger *slog.Logger) *EventHandler {
	return &EventHandler{bus: bus, logger: logger.With(slog.String("handler", "events"))}
}

type streamEntry struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// ListEvents GET /api/events?after=<stream id>&count=
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	count := defaultEventCount
	if n, err := strconv.Atoi(r.URL.Query().Get("count")); err == nil && n > 0 {
		count = min(n, maxEventCount)
	}

	msgs, err := h.bus.StreamRead(r.Context(), domain.StreamMarketEvents, after, count)
	if err != nil {
		writeServiceError(w, r, h.logger, "read events", err)
		return
	}
	entries := make([]streamEntry, 0, len(msgs))
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		entries = append(entries, streamEntry{ID: m.ID, Event: m.Payload})
	}
	// Skipped entries still advance the cursor.
	next := after
	if len(msgs) > 0 {
		next = msgs[len(msgs)-1].ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries, "next": next})
}
