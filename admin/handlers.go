package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/murmurchat/murmur/event"
	"github.com/murmurchat/murmur/eventlog"
	"github.com/murmurchat/murmur/ws"
)

// Handlers serves the read-only admin surface: connected identities,
// per-identity log positions and node stats.
type Handlers struct {
	nodeID   uint64
	registry *ws.Registry
	events   *eventlog.Log
}

// NewHandlers creates the admin handler set.
func NewHandlers(nodeID uint64, registry *ws.Registry, events *eventlog.Log) *Handlers {
	return &Handlers{
		nodeID:   nodeID,
		registry: registry,
		events:   events,
	}
}

// handleHealth reports liveness.
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]any{"status": "ok", "node_id": h.nodeID})
}

// handleConnections lists currently connected identities.
func (h *Handlers) handleConnections(w http.ResponseWriter, r *http.Request) {
	ids := h.registry.Identities()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	writeJSONResponse(w, map[string]any{
		"count":      len(out),
		"identities": out,
	})
}

// handleIdentitySeq reports an identity's max allocated seq and whether
// it has a live session.
func (h *Handlers) handleIdentitySeq(w http.ResponseWriter, r *http.Request) {
	id := event.Identity(chi.URLParam(r, "identity"))
	if id == "" {
		writeErrorResponse(w, http.StatusBadRequest, "identity is required")
		return
	}

	maxSeq, err := h.events.MaxSeq(id)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	_, connected := h.registry.Lookup(id)
	writeJSONResponse(w, map[string]any{
		"identity":  string(id),
		"max_seq":   maxSeq,
		"connected": connected,
	})
}

// handleStats reports node-level delivery stats.
func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]any{
		"node_id":     h.nodeID,
		"connections": h.registry.ConnectionCount(),
	})
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON error response")
	}
}
