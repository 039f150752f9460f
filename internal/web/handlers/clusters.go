package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-clusters/internal/clustering"
)

// ClustersHandler handles cluster and face endpoints
type ClustersHandler struct {
	engine *clustering.Engine
	logger *slog.Logger
}

// NewClustersHandler creates a new clusters handler
func NewClustersHandler(engine *clustering.Engine, logger *slog.Logger) *ClustersHandler {
	return &ClustersHandler{engine: engine, logger: logger}
}

// MergeRequest names the clusters to merge. The first one survives.
type MergeRequest struct {
	ClusterIDs []string `json:"cluster_ids"`
}

// SplitRequest names the faces moved into a new cluster.
type SplitRequest struct {
	FaceIDs []string `json:"face_ids"`
}

// MoveFaceRequest names the target cluster of a face.
type MoveFaceRequest struct {
	ClusterID string `json:"cluster_id"`
}

// RenameRequest carries a new display name.
type RenameRequest struct {
	Name string `json:"name"`
}

// RefreshRequest names the clusters whose statistics are recomputed; empty means all.
type RefreshRequest struct {
	ClusterIDs []string `json:"cluster_ids"`
}

// List returns clusters. ?q filters by name, ?deleted=true includes soft-deleted clusters.
func (h *ClustersHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if q := strings.TrimSpace(query.Get("q")); q != "" {
		respondJSON(w, http.StatusOK, nonNil(h.engine.SearchClusters(q)))
		return
	}
	includeDeleted, _ := strconv.ParseBool(query.Get("deleted"))
	respondJSON(w, http.StatusOK, h.engine.Clusters(includeDeleted))
}

// Get returns a cluster with its anchors, members and statistics.
func (h *ClustersHandler) Get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.engine.Cluster(chi.URLParam(r, "clusterId"))
	if err != nil {
		respondEngineError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, detail)
}

// Merge merges clusters into the first one.
func (h *ClustersHandler) Merge(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.ClusterIDs) < 2 {
		respondError(w, http.StatusBadRequest, "at least two cluster_ids are required")
		return
	}
	result, err := h.engine.MergeClusters(r.Context(), req.ClusterIDs)
	h.respondMutation(w, http.StatusOK, result, err)
}

// Split moves the given faces of a cluster into a new cluster.
func (h *ClustersHandler) Split(w http.ResponseWriter, r *http.Request) {
	var req SplitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.FaceIDs) == 0 {
		respondError(w, http.StatusBadRequest, "face_ids is required")
		return
	}
	result, err := h.engine.SplitCluster(r.Context(), chi.URLParam(r, "clusterId"), req.FaceIDs)
	h.respondMutation(w, http.StatusCreated, result, err)
}

// Rename sets the display name of a cluster.
func (h *ClustersHandler) Rename(w http.ResponseWriter, r *http.Request) {
	var req RenameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := h.engine.RenameCluster(r.Context(), chi.URLParam(r, "clusterId"), req.Name)
	h.respondMutation(w, http.StatusOK, result, err)
}

// Delete soft-deletes a cluster and releases its faces.
func (h *ClustersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.DeleteCluster(r.Context(), chi.URLParam(r, "clusterId"))
	h.respondMutation(w, http.StatusOK, result, err)
}

// MoveFace moves a face into another cluster.
func (h *ClustersHandler) MoveFace(w http.ResponseWriter, r *http.Request) {
	var req MoveFaceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ClusterID == "" {
		respondError(w, http.StatusBadRequest, "cluster_id is required")
		return
	}
	result, err := h.engine.MoveFace(r.Context(), chi.URLParam(r, "faceId"), req.ClusterID)
	h.respondMutation(w, http.StatusOK, result, err)
}

// GetFace returns a stored face.
func (h *ClustersHandler) GetFace(w http.ResponseWriter, r *http.Request) {
	face, err := h.engine.Face(chi.URLParam(r, "faceId"))
	if err != nil {
		respondEngineError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, face)
}

// Statistics returns the cached statistics of a cluster.
func (h *ClustersHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	clusterID := chi.URLParam(r, "clusterId")
	stats, ok := h.engine.Statistics(clusterID)
	if !ok {
		respondError(w, http.StatusNotFound, "no statistics for cluster")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// RefreshStatistics recomputes cluster statistics synchronously.
func (h *ClustersHandler) RefreshStatistics(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if err := h.engine.RefreshStatistics(r.Context(), req.ClusterIDs...); err != nil {
		respondEngineError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// Suggestions returns pose-bridge merge suggestions over the current anchors.
func (h *ClustersHandler) Suggestions(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.Snapshot()
	if snap == nil {
		respondError(w, http.StatusServiceUnavailable, "engine not loaded")
		return
	}
	respondJSON(w, http.StatusOK, nonNil(h.engine.DetectPoseBridges(snap)))
}

func (h *ClustersHandler) respondMutation(w http.ResponseWriter, status int, result *clustering.MutationResult, err error) {
	if err != nil {
		respondEngineError(w, h.logger, err)
		return
	}
	respondJSON(w, status, result)
}

// nonNil keeps empty results encoded as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
