package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-clusters/internal/clustering"
	"github.com/kozaktomas/face-clusters/internal/database"
)

// ConstraintsHandler handles must-link and cannot-link endpoints
type ConstraintsHandler struct {
	engine *clustering.Engine
	logger *slog.Logger
}

// NewConstraintsHandler creates a new constraints handler
func NewConstraintsHandler(engine *clustering.Engine, logger *slog.Logger) *ConstraintsHandler {
	return &ConstraintsHandler{engine: engine, logger: logger}
}

// AddConstraintRequest is the body of a new constraint.
type AddConstraintRequest struct {
	Type      database.ConstraintType `json:"type"`
	FaceID1   string                  `json:"face_id_1"`
	FaceID2   string                  `json:"face_id_2"`
	CreatedBy string                  `json:"created_by"`
}

// List returns every stored constraint.
func (h *ConstraintsHandler) List(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, nonNil(h.engine.Constraints()))
}

// Add stores a constraint. Adding an existing pair returns it unchanged.
func (h *ConstraintsHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req AddConstraintRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := h.engine.AddConstraint(r.Context(), req.Type, req.FaceID1, req.FaceID2, req.CreatedBy)
	if err != nil {
		respondEngineError(w, h.logger, err)
		return
	}
	status := http.StatusCreated
	if result.Existing {
		status = http.StatusOK
	}
	respondJSON(w, status, result)
}

// Remove deletes a constraint.
func (h *ConstraintsHandler) Remove(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RemoveConstraint(r.Context(), chi.URLParam(r, "constraintId")); err != nil {
		respondEngineError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
