package handlers

import (
	"net/http"
	"strings"

	"github.com/kozaktomas/face-clusters/internal/clustering"
)

// EventsHandler streams every engine event
type EventsHandler struct {
	engine *clustering.Engine
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(engine *clustering.Engine) *EventsHandler {
	return &EventsHandler{engine: engine}
}

// Stream sends engine events via SSE until the client disconnects.
// ?types=assigned,deferred limits the stream to the listed event types.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	var keep func(clustering.Event) bool
	if types := r.URL.Query().Get("types"); types != "" {
		wanted := map[clustering.EventType]bool{}
		for t := range strings.SplitSeq(types, ",") {
			wanted[clustering.EventType(strings.TrimSpace(t))] = true
		}
		keep = func(e clustering.Event) bool { return wanted[e.Type] }
	}

	streamEvents(w, r, h.engine.Events(), streamOptions{
		initialType: "connected",
		initial: func() (any, bool) {
			return map[string]string{"status": "connected"}, false
		},
		keep: keep,
	})
}
