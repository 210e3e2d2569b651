// Package api exposes the key-value store over HTTP: point writes and
// node-local reads, a status view, and the metrics surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/replikv/replikv/pkg/raft"
)

const writeTimeout = 5 * time.Second

// Handler serves the client-facing HTTP API for one node.
type Handler struct {
	node   *raft.Node
	mux    *http.ServeMux
	logger zerolog.Logger
}

// NewHandler builds the API handler around a node.
func NewHandler(node *raft.Node, logger zerolog.Logger) *Handler {
	h := &Handler{
		node:   node,
		mux:    http.NewServeMux(),
		logger: logger.With().Str("component", "api").Logger(),
	}

	h.mux.HandleFunc("/kv/", h.handleKV)
	h.mux.HandleFunc("/status", h.handleStatus)
	h.mux.Handle("/metrics", promhttp.HandlerFor(node.Metrics().Registry(), promhttp.HandlerOpts{}))

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		// Reads return the node-local state; any node answers.
		value, found := h.node.Get(key)
		if !found {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"value": value})

	case http.MethodPut, http.MethodPost:
		var req struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
		defer cancel()

		err := h.node.Put(ctx, key, req.Value)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		case errors.Is(err, raft.ErrNotLeader):
			h.respondNotLeader(w)
		case errors.Is(err, raft.ErrNoQuorum):
			http.Error(w, "write not committed: no quorum", http.StatusServiceUnavailable)
		case errors.Is(err, context.DeadlineExceeded):
			http.Error(w, "request timeout", http.StatusGatewayTimeout)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) respondNotLeader(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
		"error":     "not leader",
		"leader_id": h.node.LeaderID(),
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.node.Status())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
