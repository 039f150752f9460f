package handlers

import (
	"net/http"

	"github.com/kozaktomas/face-clusters/internal/clustering"
	"github.com/kozaktomas/face-clusters/internal/config"
	"github.com/kozaktomas/face-clusters/internal/facematch"
)

// ConfigHandler handles configuration endpoints
type ConfigHandler struct {
	config *config.Config
	engine *clustering.Engine
}

// NewConfigHandler creates a new config handler
func NewConfigHandler(cfg *config.Config, engine *clustering.Engine) *ConfigHandler {
	return &ConfigHandler{
		config: cfg,
		engine: engine,
	}
}

// ConfigResponse represents the configuration response
type ConfigResponse struct {
	StoreBackend         string                   `json:"store_backend"`
	Sources              []SourceInfo             `json:"sources"`
	Thresholds           facematch.ThresholdTable `json:"thresholds"`
	MinEvidenceGap       float64                  `json:"min_evidence_gap"`
	SessionBoost         float64                  `json:"session_boost"`
	SessionWindow        string                   `json:"session_window"`
	MinSupportingAnchors int                      `json:"min_supporting_anchors"`
	MaxAnchorsPerCluster int                      `json:"max_anchors_per_cluster"`
	UndoTTL              string                   `json:"undo_ttl"`
	AuthRequired         bool                     `json:"auth_required"`
}

// SourceInfo represents an embedding source the engine accepts
type SourceInfo struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
}

// Get returns the effective clustering configuration
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	cfg := h.engine.Config()

	var sources []SourceInfo
	for _, src := range facematch.KnownSources {
		sources = append(sources, SourceInfo{Name: string(src), Dimension: src.Dimension()})
	}

	response := ConfigResponse{
		StoreBackend:         h.config.Store.Backend,
		Sources:              sources,
		Thresholds:           cfg.Thresholds,
		MinEvidenceGap:       cfg.MinEvidenceGap,
		SessionBoost:         cfg.SessionBoost,
		SessionWindow:        cfg.SessionWindow.String(),
		MinSupportingAnchors: cfg.MinSupportingAnchors,
		MaxAnchorsPerCluster: cfg.MaxAnchorsPerCluster,
		UndoTTL:              cfg.UndoTTL.String(),
		AuthRequired:         h.config.Web.APIToken != "",
	}

	respondJSON(w, http.StatusOK, response)
}
