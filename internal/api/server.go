// Package api exposes the dispatcher's ops surface: liveness, ledger row
// lookup, and queue depths. Monitoring consumes it; nothing in the
// pipeline's own logic does.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"tweet-scheduler/internal/queue"
	"tweet-scheduler/internal/store"
	"tweet-scheduler/internal/telemetry"
)

// Server wires the ops HTTP handlers.
type Server struct {
	store  *store.Store
	queue  *queue.Queue
	logger *zap.Logger
}

func New(st *store.Store, q *queue.Queue, logger *zap.Logger) *Server {
	return &Server{store: st, queue: q, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())
	r.Get("/posts/{id}", s.handleGetPost)
	r.Get("/queue/stats", s.handleQueueStats)
	return r
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	post, err := s.store.GetPost(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "post not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get post", zap.String("post_id", id), zap.Error(err))
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.logger.Error("queue stats", zap.Error(err))
		http.Error(w, "stats failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
