package clustering

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/facematch"
)

type admission struct {
	records  []database.FaceRecord // new faces to persist
	accepted []string              // face ids to process, in arrival order
	rejected []RejectedFace
}

// admit validates a batch against the working set. Stored faces are immutable, so a
// face that is already known is processed again but not rewritten. Caller holds e.mu.
func (e *Engine) admit(faces []database.DetectedFace, now time.Time) admission {
	var adm admission

	photos := make(map[string]bool)
	for i := range faces {
		photos[faces[i].PhotoURI] = true
	}
	boxes := make(map[string][]facematch.BoundingBox)
	for _, f := range e.ws.faces {
		if f.PhotoURI != "" && photos[f.PhotoURI] && !f.BBox.IsZero() {
			boxes[f.PhotoURI] = append(boxes[f.PhotoURI], f.BBox)
		}
	}

	seen := make(map[string]bool, len(faces))
	for i, f := range faces {
		reject := func(reason DeferReason, detail string) {
			adm.rejected = append(adm.rejected, RejectedFace{Index: i, FaceID: f.FaceID, Reason: reason, Detail: detail})
		}

		if f.FaceID == "" {
			reject(ReasonMissingIdentifier, "")
			continue
		}
		if seen[f.FaceID] {
			reject(ReasonDuplicate, "face id repeated in batch")
			continue
		}
		seen[f.FaceID] = true
		if _, known := e.ws.faces[f.FaceID]; known {
			adm.accepted = append(adm.accepted, f.FaceID)
			continue
		}

		f.Source = facematch.ParseSource(string(f.Source))
		tier := facematch.ClassifyQuality(f.Metrics())
		if !tier.IsPersisted() {
			reject(ReasonQualityRejected, "")
			continue
		}
		if err := facematch.ValidateEmbedding(f.Embedding, f.Source); err != nil {
			reject(ReasonInvalidEmbedding, err.Error())
			continue
		}
		if !f.BBox.IsZero() && f.PhotoURI != "" {
			duplicate := slices.ContainsFunc(boxes[f.PhotoURI], func(b facematch.BoundingBox) bool {
				return facematch.BoxIoU(f.BBox, b) >= e.cfg.DuplicateIoU
			})
			if duplicate {
				reject(ReasonDuplicate, "overlaps another face of the same photo")
				continue
			}
			boxes[f.PhotoURI] = append(boxes[f.PhotoURI], f.BBox)
		}

		adm.records = append(adm.records, database.FaceRecord{
			DetectedFace: f,
			Tier:         tier,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		adm.accepted = append(adm.accepted, f.FaceID)
	}
	return adm
}

// StartScan validates and stores a batch of detected faces, then clusters them in the
// background in the given order. Invalid faces are rejected individually and never
// abort the batch.
func (e *Engine) StartScan(ctx context.Context, faces []database.DetectedFace) (*Scan, error) {
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}
	e.scanMu.Lock()
	defer e.scanMu.Unlock()
	if e.active != nil && e.active.running() {
		return nil, ErrScanRunning
	}

	now := e.now()
	e.mu.RLock()
	adm := e.admit(faces, now)
	e.mu.RUnlock()

	cp := database.ScanCheckpoint{
		ScanID:  e.newID(),
		Status:  database.ScanRunning,
		Phase:   database.PhasePass1,
		FaceIDs: adm.accepted,
		Counters: database.ScanCounters{
			ScannedCount: len(adm.rejected),
			TotalCount:   len(faces),
			FacesFound:   len(adm.accepted),
			Rejected:     len(adm.rejected),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.commit(ctx, &database.ChangeSet{Faces: adm.records, Checkpoint: &cp}); err != nil {
		return nil, fmt.Errorf("store scan %s: %w", cp.ScanID, err)
	}

	records := make(map[string]*database.FaceRecord, len(adm.accepted))
	e.mu.RLock()
	for _, id := range adm.accepted {
		records[id] = e.ws.faces[id]
	}
	e.mu.RUnlock()

	s := newScan(cp, records)
	s.result.Pass1.Rejected = adm.rejected
	for _, r := range adm.rejected {
		e.logger.Info("face rejected", "scan_id", cp.ScanID, "face_id", r.FaceID, "index", r.Index, "reason", r.Reason, "detail", r.Detail)
		e.emit(Event{Type: EventRejected, ScanID: cp.ScanID, FaceID: r.FaceID, Reason: string(r.Reason)})
	}
	e.launch(ctx, s)
	return s, nil
}

// ResumeScan continues a paused scan, or reloads a stopped one from its checkpoint.
// Faces committed before the stop are not processed again.
func (e *Engine) ResumeScan(ctx context.Context, scanID string) (*Scan, error) {
	if s, ok := e.Scan(scanID); ok && s.running() {
		if !s.requestResume() {
			return nil, ErrInvalidState
		}
		return s, nil
	}
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}

	e.scanMu.Lock()
	defer e.scanMu.Unlock()
	if e.active != nil && e.active.running() {
		return nil, ErrScanRunning
	}

	cp, err := e.store.GetCheckpoint(ctx, scanID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrScanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load scan %s: %w", scanID, err)
	}
	if cp.Status == database.ScanCompleted {
		return nil, ErrInvalidState
	}

	ids := slices.Clone(cp.Pending())
	if cp.Pass2Cursor < len(cp.DeferredFaceIDs) {
		ids = append(ids, cp.DeferredFaceIDs[cp.Pass2Cursor:]...)
	}
	stored, err := e.store.GetFaces(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load faces of scan %s: %w", scanID, err)
	}

	records := make(map[string]*database.FaceRecord, len(stored))
	e.mu.Lock()
	for i := range stored {
		f := stored[i]
		if current, ok := e.ws.faces[f.FaceID]; ok {
			records[f.FaceID] = current
			continue
		}
		e.ws.putFace(&f)
		records[f.FaceID] = &f
	}
	e.mu.Unlock()
	if missing := len(slices.Compact(slices.Sorted(slices.Values(ids)))) - len(records); missing > 0 {
		e.logger.Warn("scan checkpoint references missing faces, skipping them", "scan_id", scanID, "missing", missing)
	}

	cp.Status = database.ScanRunning
	cp.Error = ""
	cp.UpdatedAt = e.now()
	if err := e.store.Apply(ctx, &database.ChangeSet{Checkpoint: cp}); err != nil {
		return nil, fmt.Errorf("store scan %s: %w", scanID, err)
	}

	s := newScan(*cp, records)
	e.launch(ctx, s)
	e.logger.Info("scan resumed", "scan_id", scanID, "phase", cp.Phase,
		"pass1_cursor", cp.Pass1Cursor, "pass2_cursor", cp.Pass2Cursor)
	return s, nil
}

// PauseScan asks a running scan to stop at the next face boundary. The scan persists
// its checkpoint as paused and waits for ResumeScan or CancelScan.
func (e *Engine) PauseScan(ctx context.Context, scanID string) error {
	s, ok := e.Scan(scanID)
	if !ok {
		if _, err := e.ScanCheckpoint(ctx, scanID); err != nil {
			return err
		}
		return ErrInvalidState
	}
	if !s.running() || !s.requestPause() {
		return ErrInvalidState
	}
	return nil
}

// CancelScan stops a scan. Committed decisions stay; the scan can be resumed later.
func (e *Engine) CancelScan(ctx context.Context, scanID string) error {
	if s, ok := e.Scan(scanID); ok && s.running() {
		s.cancel()
		return nil
	}

	cp, err := e.ScanCheckpoint(ctx, scanID)
	if err != nil {
		return err
	}
	if cp.Status.IsTerminal() {
		return ErrInvalidState
	}
	cp.Status = database.ScanCancelled
	cp.UpdatedAt = e.now()
	if err := e.store.Apply(ctx, &database.ChangeSet{Checkpoint: cp}); err != nil {
		return fmt.Errorf("store scan %s: %w", scanID, err)
	}
	e.emit(Event{Type: EventScanStatus, ScanID: scanID, Status: cp.Status, Phase: cp.Phase})
	return nil
}

// launch registers s as the active scan and starts its goroutine. Caller holds e.scanMu.
func (e *Engine) launch(ctx context.Context, s *Scan) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	e.scans[s.id] = s
	e.active = s

	cp := s.Checkpoint()
	e.emit(Event{Type: EventScanStatus, ScanID: s.id, Status: cp.Status, Phase: cp.Phase, Counters: &cp.Counters})
	go e.runScan(runCtx, s)
}

func (e *Engine) runScan(ctx context.Context, s *Scan) {
	defer close(s.done)
	defer s.cancel()

	err := e.runPass1(ctx, s)
	if err == nil {
		err = e.runPass2(ctx, s)
	}
	e.finishScan(ctx, s, err)
}

func (e *Engine) finishScan(ctx context.Context, s *Scan, err error) {
	status := database.ScanCompleted
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		status = database.ScanCancelled
	default:
		status = database.ScanFailed
	}

	now := e.now()
	cp := s.update(func(cp *database.ScanCheckpoint, r *ScanResult) {
		cp.Status = status
		cp.UpdatedAt = now
		if status == database.ScanCompleted {
			cp.Phase = database.PhaseDone
		}
		if status == database.ScanFailed {
			cp.Error = err.Error()
			r.Error = err.Error()
		}
	})
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	if perr := e.store.Apply(context.WithoutCancel(ctx), &database.ChangeSet{Checkpoint: cp}); perr != nil {
		e.logger.Error("failed to store final scan state", "scan_id", s.id, "status", status, "error", perr)
	}

	logger := e.logger.With("scan_id", s.id, "status", status,
		"assigned", cp.Counters.Assigned, "created", cp.Counters.Created,
		"deferred", cp.Counters.Deferred, "resolved", cp.Counters.Resolved)
	if status == database.ScanFailed {
		logger.Error("scan failed", "error", err)
	} else {
		logger.Info("scan finished")
	}
	e.emit(Event{Type: EventScanStatus, ScanID: s.id, Status: status, Phase: cp.Phase, Counters: &cp.Counters, Reason: cp.Error})
}

// pausePoint blocks while a pause is requested. It is called between faces only.
func (e *Engine) pausePoint(ctx context.Context, s *Scan) error {
	resume := s.pauseChannel()
	if resume == nil {
		return nil
	}

	if err := e.setScanStatus(ctx, s, database.ScanPaused); err != nil {
		return err
	}
	e.logger.Info("scan paused", "scan_id", s.id)

	select {
	case <-resume:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.logger.Info("scan resumed", "scan_id", s.id)
	return e.setScanStatus(ctx, s, database.ScanRunning)
}

func (e *Engine) setScanStatus(ctx context.Context, s *Scan, status database.ScanStatus) error {
	now := e.now()
	cp := s.update(func(cp *database.ScanCheckpoint, _ *ScanResult) {
		cp.Status = status
		cp.UpdatedAt = now
	})
	if err := e.store.Apply(ctx, &database.ChangeSet{Checkpoint: cp}); err != nil {
		return fmt.Errorf("store scan %s status: %w", s.id, err)
	}
	e.emit(Event{Type: EventScanStatus, ScanID: s.id, Status: status, Phase: cp.Phase, Counters: &cp.Counters})
	return nil
}

// step commits one scan decision together with the advanced checkpoint.
func (e *Engine) step(ctx context.Context, s *Scan, changes *database.ChangeSet, progress func(cp *database.ScanCheckpoint), record func(r *ScanResult)) error {
	now := e.now()
	cp := s.next(func(cp *database.ScanCheckpoint) {
		progress(cp)
		cp.UpdatedAt = now
	})
	changes.Checkpoint = cp
	if err := e.commit(ctx, changes); err != nil {
		return fmt.Errorf("commit scan %s decision: %w", s.id, err)
	}
	s.advance(cp, record)
	e.emit(Event{Type: EventProgress, ScanID: s.id, Phase: cp.Phase, Counters: &cp.Counters})
	return nil
}
