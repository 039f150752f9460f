package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/kozaktomas/face-clusters/internal/clustering"
)

// sendSSEEvent writes one server-sent event and flushes it.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	jsonData, _ := json.Marshal(data)
	_, _ = io.WriteString(w, "event: "+eventType+"\n")
	_, _ = io.WriteString(w, "data: ")
	_, _ = io.Copy(w, bytes.NewReader(jsonData))
	_, _ = io.WriteString(w, "\n\n")
	flusher.Flush()
}

// setupSSEConnection sets the streaming headers.
// On failure it writes an error response and returns false.
func setupSSEConnection(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return flusher, true
}

// streamOptions shape an event stream.
type streamOptions struct {
	initialType string
	// initial is called once the listener is registered. final ends the stream
	// right after the initial event.
	initial func() (data any, final bool)
	keep    func(clustering.Event) bool // nil keeps every event
	last    func(clustering.Event) bool // ends the stream after sending the event
}

// streamEvents streams engine events until the client disconnects, the broadcaster
// closes, or opts.last reports the final event.
func streamEvents(w http.ResponseWriter, r *http.Request, events *clustering.Broadcaster, opts streamOptions) {
	flusher, ok := setupSSEConnection(w)
	if !ok {
		return
	}

	eventCh := events.AddListener()
	defer events.RemoveListener(eventCh)

	if opts.initial != nil {
		data, final := opts.initial()
		sendSSEEvent(w, flusher, opts.initialType, data)
		if final {
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if opts.keep != nil && !opts.keep(event) {
				continue
			}
			sendSSEEvent(w, flusher, string(event.Type), event)
			if opts.last != nil && opts.last(event) {
				return
			}
		}
	}
}
