package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pricepulse/internal/bus"
)

// LiveHandler streams bus events to a client as a text event stream.
// Each event is written as `data: <json>` followed by a blank line; a
// `: connected` comment is sent on connect and a `: heartbeat` comment on
// a fixed period to defeat idle-connection timeouts in intermediaries.
// Heartbeats are independent of bus traffic. The subscription is released
// when the request context is canceled.
type LiveHandler struct {
	bus       *bus.Bus
	heartbeat time.Duration
	logger    zerolog.Logger
}

// NewLiveHandler creates the SSE handler. heartbeat defaults to 15s.
func NewLiveHandler(b *bus.Bus, heartbeat time.Duration, logger zerolog.Logger) *LiveHandler {
	if heartbeat == 0 {
		heartbeat = 15 * time.Second
	}
	return &LiveHandler{
		bus:       b,
		heartbeat: heartbeat,
		logger:    logger.With().Str("component", "live").Logger(),
	}
}

// ServeHTTP implements http.Handler. Subjects are taken from the
// `subjects` query parameter, comma separated.
func (h *LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	subjects := splitSubjects(r.URL.Query().Get("subjects"))
	if len(subjects) == 0 {
		http.Error(w, "subjects parameter required", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	// Events are funneled through a channel so a single goroutine owns
	// the response writer. A full buffer drops the event rather than
	// blocking the publisher.
	events := make(chan []byte, 64)
	unsubs := make([]func(), 0, len(subjects))
	for _, subject := range subjects {
		unsubs = append(unsubs, h.bus.Subscribe(subject, func(event interface{}) {
			raw, err := json.Marshal(event)
			if err != nil {
				h.logger.Debug().Err(err).Msg("unencodable event")
				return
			}
			select {
			case events <- raw:
			default:
			}
		}))
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case raw := <-events:
			fmt.Fprintf(w, "data: %s\n\n", raw)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func splitSubjects(raw string) []string {
	var subjects []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			subjects = append(subjects, s)
		}
	}
	return subjects
}
