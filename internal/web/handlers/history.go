package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-clusters/internal/clustering"
)

// HistoryHandler handles the audit log endpoints
type HistoryHandler struct {
	engine *clustering.Engine
	logger *slog.Logger
}

// NewHistoryHandler creates a new history handler
func NewHistoryHandler(engine *clustering.Engine, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{engine: engine, logger: logger}
}

// List returns history entries, newest first, optionally for one cluster.
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.History(r.Context(), r.URL.Query().Get("cluster_id"), queryLimit(r))
	if err != nil {
		respondEngineError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(entries))
}

// Undo reverses one history entry. A refused undo is reported with applied=false.
func (h *HistoryHandler) Undo(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.Undo(r.Context(), chi.URLParam(r, "historyId"))
	if err != nil {
		respondEngineError(w, h.logger, err)
		return
	}
	status := http.StatusOK
	if !result.Applied {
		status = http.StatusConflict
	}
	respondJSON(w, status, result)
}
