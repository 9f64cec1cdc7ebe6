package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/membersync/pkg/events"
)

const keepaliveInterval = 15 * time.Second

// streamEvents relays broker events as server-sent events until the client
// goes away or the server shuts down. ?type= takes a comma separated list
// of event types or subjects, e.g. ?type=task or ?type=work.failed,work.retrying.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "event stream is not enabled")
		return
	}

	rc := http.NewResponseController(w)
	// The stream is long lived; the server write timeout must not cut it
	_ = rc.SetWriteDeadline(time.Time{})

	filter := events.ParseFilter(r.URL.Query().Get("type"))
	sub := s.broker.Subscribe(filter...)
	defer s.broker.Unsubscribe(sub)

	logger := requestLogger(r)
	logger.Debug().Strs("type", filter).Msg("Event stream opened")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.Warn().Err(err).Msg("Event stream not supported by response writer")
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
		case event, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
