package handlers

import (
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-clusters/internal/clustering"
	"github.com/kozaktomas/face-clusters/internal/constants"
	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/intake"
)

// ScansHandler handles scan endpoints
type ScansHandler struct {
	engine *clustering.Engine
	logger *slog.Logger
}

// NewScansHandler creates a new scans handler
func NewScansHandler(engine *clustering.Engine, logger *slog.Logger) *ScansHandler {
	return &ScansHandler{engine: engine, logger: logger}
}

// StartScanRequest is the JSON body of a scan request.
type StartScanRequest struct {
	Faces []database.DetectedFace `json:"faces"`
}

// StartScanResponse is returned when a scan was accepted.
type StartScanResponse struct {
	ScanID  string                `json:"scan_id"`
	Status  database.ScanStatus   `json:"status"`
	Skipped []string              `json:"skipped,omitempty"` // malformed JSON Lines records
	Counts  database.ScanCounters `json:"counters"`
}

// ScanResponse describes a scan. Result is set while the scan is held by this process.
type ScanResponse struct {
	Checkpoint database.ScanCheckpoint `json:"checkpoint"`
	Result     *clustering.ScanResult  `json:"result,omitempty"`
}

// Start accepts a batch of detected faces, as a JSON object or as JSON Lines, and
// starts a scan over it.
func (h *ScansHandler) Start(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxScanRequestSize)

	var faces []database.DetectedFace
	var skipped []string
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-ndjson", "application/jsonl":
		batch, err := intake.ReadAll(r.Body)
		if err != nil {
			respondError(w, http.StatusBadRequest, "failed to read faces: "+err.Error())
			return
		}
		faces = batch.Faces
		for _, lineErr := range batch.Skipped {
			skipped = append(skipped, lineErr.Error())
		}
	default:
		var req StartScanRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		faces = req.Faces
	}

	if len(faces) == 0 {
		respondError(w, http.StatusBadRequest, "no faces provided")
		return
	}

	scan, err := h.engine.StartScan(r.Context(), faces)
	if err != nil {
		respondEngineError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusAccepted, StartScanResponse{
		ScanID:  scan.ID(),
		Status:  scan.Status(),
		Skipped: skipped,
		Counts:  scan.Counters(),
	})
}

// List returns the checkpoints of every known scan, newest first.
func (h *ScansHandler) List(w http.ResponseWriter, r *http.Request) {
	scans, err := h.engine.Scans(r.Context())
	if err != nil {
		respondEngineError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, scans)
}

// Get returns one scan.
func (h *ScansHandler) Get(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanId")

	if scan, ok := h.engine.Scan(scanID); ok {
		result := scan.Result()
		respondJSON(w, http.StatusOK, ScanResponse{Checkpoint: scan.Checkpoint(), Result: &result})
		return
	}
	cp, err := h.engine.ScanCheckpoint(r.Context(), scanID)
	if err != nil {
		respondEngineError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, ScanResponse{Checkpoint: *cp})
}

// Pause asks a running scan to stop at the next face boundary.
func (h *ScansHandler) Pause(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanId")
	if err := h.engine.PauseScan(r.Context(), scanID); err != nil {
		respondEngineError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"scan_id": scanID, "status": "pausing"})
}

// Resume continues a paused, cancelled or failed scan from its checkpoint.
func (h *ScansHandler) Resume(w http.ResponseWriter, r *http.Request) {
	scan, err := h.engine.ResumeScan(r.Context(), chi.URLParam(r, "scanId"))
	if err != nil {
		respondEngineError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusAccepted, StartScanResponse{
		ScanID: scan.ID(),
		Status: scan.Status(),
		Counts: scan.Counters(),
	})
}

// Cancel stops a running scan. Committed decisions are kept.
func (h *ScansHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanId")
	if err := h.engine.CancelScan(r.Context(), scanID); err != nil {
		respondEngineError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"scan_id": scanID, "status": "cancelling"})
}

// Events streams the decision events of one scan via SSE. The stream ends when
// the scan reaches a terminal status.
func (h *ScansHandler) Events(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanId")
	if _, err := h.engine.ScanCheckpoint(r.Context(), scanID); err != nil {
		respondEngineError(w, h.logger, err)
		return
	}

	streamEvents(w, r, h.engine.Events(), streamOptions{
		initialType: "status",
		initial: func() (any, bool) {
			cp, err := h.engine.ScanCheckpoint(r.Context(), scanID)
			if err != nil {
				return map[string]string{"error": err.Error()}, true
			}
			return cp, cp.Status.IsTerminal()
		},
		keep: func(e clustering.Event) bool {
			return e.ScanID == scanID
		},
		last: func(e clustering.Event) bool {
			return e.Type == clustering.EventScanStatus && e.Status.IsTerminal()
		},
	})
}
