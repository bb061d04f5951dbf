package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/banshee-data/vision-bridge/internal/detection"
	"github.com/banshee-data/vision-bridge/internal/httputil"
	"github.com/banshee-data/vision-bridge/internal/monitoring"
)

// keepAlive is how often an idle stream gets a comment line so proxies do
// not drop it.
const keepAlive = 15 * time.Second

// streamDetections sends every published batch as a server-sent event.
func (s *Server) streamDetections(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok || s.hub == nil {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	id, batches := s.hub.Subscribe()
	defer s.hub.Unsubscribe(id)

	serveEvents(w, r, flusher, nil, batches, func(b detection.RecognizedObjects) (string, interface{}) {
		return fmt.Sprintf("event: detections\nid: %d\n", b.Header.Seq), b.AsMap()
	})
}

// streamLatest follows the latest-value channel: the current detection set
// first, then each new one. A slow client skips intermediate sets.
func (s *Server) streamLatest(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok || s.hub == nil {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	id, sets := s.hub.SubscribeWire()
	defer s.hub.UnsubscribeWire(id)

	serveEvents(w, r, flusher, []detection.Set{s.hub.OutValue()}, sets, func(set detection.Set) (string, interface{}) {
		return "event: detections-latest\n", set
	})
}

// serveEvents writes initial and then everything received on updates until
// the channel closes or the client goes away.
func serveEvents[T any](w http.ResponseWriter, r *http.Request, flusher http.Flusher, initial []T, updates <-chan T, event func(T) (string, interface{})) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	send := func(v T) bool {
		head, body := event(v)
		payload, err := json.Marshal(body)
		if err != nil {
			monitoring.Logf("[api] encode stream event: %v", err)
			return true
		}
		if _, err := fmt.Fprintf(w, "%sdata: %s\n\n", head, payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, v := range initial {
		if !send(v) {
			return
		}
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case v, ok := <-updates:
			if !ok || !send(v) {
				return
			}
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
