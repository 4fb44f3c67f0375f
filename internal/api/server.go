// Package api provides the HTTP server and handlers. Serialization
// here follows the external tree representation; the daemon owns no
// other wire format.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/printlink/printlink/internal/events"
	"github.com/printlink/printlink/internal/logging"
	"github.com/printlink/printlink/internal/metrics"
	"github.com/printlink/printlink/internal/sdcard"
)

// Server is the HTTP server.
type Server struct {
	informer    *sdcard.Informer
	broadcaster *events.Broadcaster
	started     time.Time
}

// NewServer creates a new server.
func NewServer(informer *sdcard.Informer, broadcaster *events.Broadcaster) *Server {
	return &Server{
		informer:    informer,
		broadcaster: broadcaster,
		started:     time.Now(),
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/files", s.handleFiles)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/healthz", s.handleHealth)
	return metrics.Middleware(mux)
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tree, state := s.informer.Snapshot()
	writeJSON(w, http.StatusOK, events.TreeUpdated{
		Tree:    tree,
		SDState: state.String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sd_state":       s.informer.State().String(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"subscribers":    s.broadcaster.Count(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleEvents streams the three event kinds over SSE until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	updated := s.broadcaster.SubscribeUpdated()
	inserted := s.broadcaster.SubscribeInserted()
	ejected := s.broadcaster.SubscribeEjected()
	defer s.broadcaster.UnsubscribeUpdated(updated)
	defer s.broadcaster.UnsubscribeInserted(inserted)
	defer s.broadcaster.UnsubscribeEjected(ejected)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-updated:
			if err := writeSSE(w, flusher, events.TypeTreeUpdated, ev); err != nil {
				return
			}
		case ev := <-inserted:
			if err := writeSSE(w, flusher, events.TypeCardInserted, ev); err != nil {
				return
			}
		case ev := <-ejected:
			if err := writeSSE(w, flusher, events.TypeCardEjected, ev); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("encode response", zap.Error(err))
	}
}
