package clustering

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/facematch"
)

// gapEpsilon absorbs float rounding when comparing an evidence gap with its minimum.
const gapEpsilon = 1e-9

type action int

const (
	actSkip action = iota
	actDisplayOnly
	actDefer
	actAssign
	actCreate
)

// decision is the outcome of evaluating one face against the current anchors.
type decision struct {
	action     action
	clusterID  string
	match      *AnchorMatch // anchor that carried the decision, nil for forced assignments
	similarity float64
	reason     DeferReason
	forced     bool // must-link assignment
	evidence   AnchorMatchDecision
	matches    []AnchorMatch
}

// runPass1 processes the pending faces of the checkpoint in arrival order. Searches of a
// window of faces run in parallel against one snapshot; decisions are committed one at
// a time, so anchors created earlier in the window are matched directly.
func (e *Engine) runPass1(ctx context.Context, s *Scan) error {
	cp := s.Checkpoint()
	if cp.Phase != database.PhasePass1 {
		return nil
	}

	pending := cp.Pending()
	for start := 0; start < len(pending); start += e.cfg.Pass1Window {
		window := pending[start:min(start+e.cfg.Pass1Window, len(pending))]
		snap := e.publishSnapshot()
		found := e.searchWindow(ctx, snap, s, window)

		var fresh []*database.ClusterAnchor
		for i, faceID := range window {
			if err := e.pausePoint(ctx, s); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			created, err := e.processPass1(ctx, s, faceID, found[i], fresh)
			if err != nil {
				return err
			}
			if created != nil {
				fresh = append(fresh, created)
			}
		}
	}

	e.publishSnapshot()
	return e.step(ctx, s, &database.ChangeSet{}, func(cp *database.ScanCheckpoint) {
		cp.Phase = database.PhasePass2
	}, nil)
}

// searchWindow matches every clusterable face of the window against snap.
func (e *Engine) searchWindow(ctx context.Context, snap *AnchorSnapshot, s *Scan, window []string) [][]AnchorMatch {
	results := make([][]AnchorMatch, len(window))
	semaphore := make(chan struct{}, e.cfg.SearchWorkers)
	var wg sync.WaitGroup
	for i, faceID := range window {
		face, ok := s.faces[faceID]
		if !ok || !face.Tier.CanJoinCluster() {
			continue
		}
		wg.Add(1)
		go func(idx int, f *database.FaceRecord) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()
			if ctx.Err() != nil {
				return
			}
			results[idx] = snap.Match(f.Source, f.Embedding)
		}(i, face)
	}
	wg.Wait()
	return results
}

// currentMatches merges snapshot matches with matches against anchors created since the
// snapshot, then maps every anchor to its current cluster. Anchors that were deactivated
// or whose cluster disappeared are dropped. Caller holds e.mu.
func (e *Engine) currentMatches(face *database.FaceRecord, found []AnchorMatch, fresh []*database.ClusterAnchor) []AnchorMatch {
	all := append(slices.Clone(found), matchAnchors(face.Source, face.Embedding, fresh)...)
	seen := make(map[string]bool, len(all))
	result := make([]AnchorMatch, 0, len(all))
	for _, m := range all {
		if seen[m.AnchorID] {
			continue
		}
		seen[m.AnchorID] = true
		a, ok := e.ws.liveAnchor(m.AnchorID)
		if !ok {
			continue
		}
		m.ClusterID = a.ClusterID
		result = append(result, m)
	}
	sortMatches(result)
	return result
}

func (e *Engine) processPass1(ctx context.Context, s *Scan, faceID string, found []AnchorMatch, fresh []*database.ClusterAnchor) (*database.ClusterAnchor, error) {
	face, ok := s.faces[faceID]
	if !ok {
		return nil, e.step(ctx, s, &database.ChangeSet{}, pass1Progress(nil), nil)
	}

	e.mu.RLock()
	if current, ok := e.ws.faces[faceID]; ok {
		face = current
	}
	d := e.decidePass1(face, e.currentMatches(face, found, fresh))
	e.mu.RUnlock()

	logger := e.logger.With("scan_id", s.id, "face_id", faceID)
	switch d.action {
	case actSkip:
		return nil, e.step(ctx, s, &database.ChangeSet{}, pass1Progress(nil), nil)

	case actDisplayOnly:
		err := e.step(ctx, s, &database.ChangeSet{}, pass1Progress(func(c *database.ScanCounters) { c.DisplayOnly++ }),
			func(r *ScanResult) { r.Pass1.DisplayOnly = append(r.Pass1.DisplayOnly, faceID) })
		if err == nil {
			e.emit(Event{Type: EventDisplayOnly, ScanID: s.id, FaceID: faceID})
		}
		return nil, err

	case actDefer:
		return nil, e.deferFace(ctx, s, face, d)

	case actAssign:
		return e.commitAssign(ctx, s, face, d, 1)

	case actCreate:
		return e.commitCreate(ctx, s, face)
	}

	logger.Error("unknown pass 1 action", "action", d.action)
	return nil, fmt.Errorf("unknown pass 1 action %d", d.action)
}

// decidePass1 applies the decision model to one face. Caller holds e.mu.
func (e *Engine) decidePass1(face *database.FaceRecord, matches []AnchorMatch) decision {
	if face.ClusterID != "" {
		return decision{action: actSkip}
	}
	switch {
	case face.Tier == facematch.TierDisplayOnly:
		return decision{action: actDisplayOnly}
	case !face.Tier.CanJoinCluster():
		return decision{action: actSkip}
	}

	if d, ok := e.mustLinkDecision(face, matches); ok {
		return d
	}

	candidates, vetoed := e.allowedCandidates(face.FaceID, groupCandidates(matches))
	d := decision{matches: matches, evidence: AnchorMatchDecision{Zone: facematch.ZoneSafeDifferent, Vetoed: vetoed}}
	if len(candidates) == 0 {
		return e.noNearbyAnchor(face, d)
	}

	best := candidates[0]
	thresholds := e.cfg.Thresholds.For(face.Source)
	zone := facematch.ClassifyZone(best.Similarity(), thresholds)
	second := 0.0
	if len(candidates) > 1 {
		second = candidates[1].Similarity()
	}
	d.evidence = AnchorMatchDecision{
		Zone:              zone,
		Best:              &best,
		SecondBest:        second,
		EvidenceGap:       best.Similarity() - second,
		SupportingAnchors: countSupport(best.Matches, 0, thresholds.SafeSame),
		Vetoed:            vetoed,
	}
	d.clusterID = best.ClusterID
	d.similarity = best.Similarity()

	switch zone {
	case facematch.ZoneSafeDifferent:
		d.clusterID = ""
		return e.noNearbyAnchor(face, d)
	case facematch.ZoneSafeSame:
		if d.evidence.EvidenceGap+gapEpsilon >= e.cfg.MinEvidenceGap {
			d.action = actAssign
			d.match = &best.Best
			return d
		}
		d.action = actDefer
		d.reason = ReasonAmbiguous
		return d
	default:
		d.action = actDefer
		d.reason = ReasonUncertain
		return d
	}
}

// noNearbyAnchor founds a cluster for anchor-tier faces and defers the rest.
func (e *Engine) noNearbyAnchor(face *database.FaceRecord, d decision) decision {
	if face.Tier.CanFormCluster() {
		d.action = actCreate
		return d
	}
	d.action = actDefer
	d.reason = ReasonNoNearbyAnchor
	return d
}

// mustLinkDecision forces the face into the cluster of its must-linked faces. It reports
// false when no linked face is clustered yet. Caller holds e.mu.
func (e *Engine) mustLinkDecision(face *database.FaceRecord, matches []AnchorMatch) (decision, bool) {
	group := e.constraints.mustLinkGroup(face.FaceID)
	if len(group) == 0 {
		return decision{}, false
	}

	targets := make(map[string]bool)
	for _, other := range group {
		if id := e.ws.clusterOfFace(other); id != "" {
			if _, live := e.ws.liveCluster(id); live {
				targets[id] = true
			}
		}
	}
	switch len(targets) {
	case 0:
		return decision{}, false
	case 1:
	default:
		return decision{action: actDefer, reason: ReasonMustLinkConflict, matches: matches}, true
	}

	var target string
	for id := range targets {
		target = id
	}
	if e.vetoed(face.FaceID, target) {
		return decision{action: actDefer, reason: ReasonMustLinkConflict, matches: matches}, true
	}

	d := decision{action: actAssign, clusterID: target, forced: true, matches: matches}
	for i := range matches {
		if matches[i].ClusterID == target {
			d.match = &matches[i]
			d.similarity = matches[i].Similarity
			break
		}
	}
	return d, true
}

// allowedCandidates drops clusters holding a cannot-link partner of the face. Caller holds e.mu.
func (e *Engine) allowedCandidates(faceID string, candidates []ClusterCandidate) ([]ClusterCandidate, []string) {
	var vetoed []string
	allowed := candidates[:0:0]
	for _, c := range candidates {
		if e.vetoed(faceID, c.ClusterID) {
			vetoed = append(vetoed, c.ClusterID)
			continue
		}
		allowed = append(allowed, c)
	}
	return allowed, vetoed
}

// vetoed reports whether clusterID holds a cannot-link partner of the face. Caller holds e.mu.
func (e *Engine) vetoed(faceID, clusterID string) bool {
	for _, partner := range e.constraints.cannotLinkPartners(faceID) {
		if e.ws.clusterOfFace(partner) == clusterID {
			return true
		}
	}
	return false
}

// countSupport counts the anchors whose boosted similarity reaches threshold.
func countSupport(matches []AnchorMatch, boost, threshold float64) int {
	n := 0
	for _, m := range matches {
		if m.Similarity+boost >= threshold {
			n++
		}
	}
	return n
}

func pass1Progress(counter func(c *database.ScanCounters)) func(cp *database.ScanCheckpoint) {
	return func(cp *database.ScanCheckpoint) {
		cp.Pass1Cursor++
		cp.Counters.ScannedCount++
		if counter != nil {
			counter(&cp.Counters)
		}
	}
}

func pass2Progress(counter func(c *database.ScanCounters)) func(cp *database.ScanCheckpoint) {
	return func(cp *database.ScanCheckpoint) {
		cp.Pass2Cursor++
		if counter != nil {
			counter(&cp.Counters)
		}
	}
}

// deferFace records a Pass 1 deferral in the checkpoint.
func (e *Engine) deferFace(ctx context.Context, s *Scan, face *database.FaceRecord, d decision) error {
	df := DeferredFace{
		FaceID:         face.FaceID,
		Embedding:      face.Embedding,
		Source:         face.Source,
		QualityScore:   face.QualityScore,
		Tier:           face.Tier,
		PoseCategory:   face.Pose(),
		AllMatches:     d.matches,
		PhotoURI:       face.PhotoURI,
		PhotoTimestamp: face.PhotoTimestamp,
		Reason:         d.reason,
	}
	if len(d.matches) > 0 {
		df.CandidateClusterID = d.matches[0].ClusterID
		df.CandidateSimilarity = d.matches[0].Similarity
	}

	progress := pass1Progress(func(c *database.ScanCounters) { c.Deferred++ })
	err := e.step(ctx, s, &database.ChangeSet{}, func(cp *database.ScanCheckpoint) {
		progress(cp)
		cp.DeferredFaceIDs = append(cp.DeferredFaceIDs, face.FaceID)
	}, func(r *ScanResult) {
		r.Pass1.Deferred = append(r.Pass1.Deferred, df)
	})
	if err != nil {
		return err
	}
	s.deferred[face.FaceID] = df

	e.logger.Debug("face deferred", "scan_id", s.id, "face_id", face.FaceID, "reason", d.reason,
		"candidate_cluster_id", df.CandidateClusterID, "similarity", df.CandidateSimilarity)
	e.emit(Event{Type: EventDeferred, ScanID: s.id, FaceID: face.FaceID, ClusterID: df.CandidateClusterID,
		Similarity: df.CandidateSimilarity, Reason: string(d.reason)})
	return nil
}

// commitAssign adds a face to d.clusterID. In Pass 1 an anchor-tier face is also promoted
// to an anchor. The assignment, promotion, anchor bookkeeping and statistics update are
// one change set.
func (e *Engine) commitAssign(ctx context.Context, s *Scan, face *database.FaceRecord, d decision, pass int) (*database.ClusterAnchor, error) {
	unlock := e.locks.Lock(d.clusterID, faceLockKey(face.FaceID))
	defer unlock()

	now := e.now()
	e.mu.RLock()
	current, ok := e.ws.faces[face.FaceID]
	_, live := e.ws.liveCluster(d.clusterID)
	if !ok || current.ClusterID != "" || !live || e.vetoed(face.FaceID, d.clusterID) {
		e.mu.RUnlock()
		d.reason = ReasonClusterChanged
		if pass == 1 {
			return nil, e.deferFace(ctx, s, face, d)
		}
		return nil, e.leaveUnresolved(ctx, s, face, d)
	}

	changes := &database.ChangeSet{}
	rec := *current
	rec.ClusterID = d.clusterID
	rec.UpdatedAt = now
	changes.Faces = append(changes.Faces, rec)

	if d.match != nil {
		if a, ok := e.ws.liveAnchor(d.match.AnchorID); ok && a.ClusterID == d.clusterID {
			matched := *a
			matched.MatchCount++
			matched.LastMatchedAt = &now
			changes.Anchors = append(changes.Anchors, matched)
		}
	}

	var promoted *database.ClusterAnchor
	if pass == 1 && current.Tier.CanUpdateRepresentatives() {
		a := e.promote(current, d.clusterID, now)
		changes.Anchors = append(changes.Anchors, a)
		promoted = &a
	}

	if st, ok := e.ws.stats[d.clusterID]; ok {
		updated := *st
		updated.TotalFaceCount = e.ws.memberCount(d.clusterID) + 1
		changes.Statistics = append(changes.Statistics, updated)
	}
	e.mu.RUnlock()

	assignment := Assignment{
		FaceID:     face.FaceID,
		ClusterID:  d.clusterID,
		Similarity: d.similarity,
		Promoted:   promoted != nil,
		Pass:       pass,
	}
	if d.match != nil {
		assignment.AnchorID = d.match.AnchorID
	}

	progress := pass1Progress(func(c *database.ScanCounters) { c.Assigned++ })
	record := func(r *ScanResult) { r.Pass1.Assigned = append(r.Pass1.Assigned, assignment) }
	if pass == 2 {
		progress = pass2Progress(func(c *database.ScanCounters) { c.Resolved++ })
		record = func(r *ScanResult) { r.Pass2.Resolved = append(r.Pass2.Resolved, assignment) }
	}
	if err := e.step(ctx, s, changes, progress, record); err != nil {
		return nil, err
	}

	e.logger.Debug("face assigned", "scan_id", s.id, "face_id", face.FaceID, "cluster_id", d.clusterID,
		"similarity", d.similarity, "pass", pass, "forced", d.forced, "promoted", promoted != nil)
	e.emit(Event{Type: EventAssigned, ScanID: s.id, FaceID: face.FaceID, ClusterID: d.clusterID,
		AnchorID: assignment.AnchorID, Similarity: d.similarity})
	if promoted == nil {
		return nil, nil
	}
	e.refresher.enqueue(d.clusterID)

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ws.anchors[promoted.AnchorID], nil
}

// promote returns the anchor record of a face in clusterID. A face keeps at most one
// anchor, so an earlier deactivated anchor of the face is reused. Caller holds e.mu.
func (e *Engine) promote(face *database.FaceRecord, clusterID string, now time.Time) database.ClusterAnchor {
	if id, ok := e.ws.anchorOfFace[face.FaceID]; ok {
		a := *e.ws.anchors[id]
		a.ClusterID = clusterID
		a.IsActive = true
		return a
	}
	return e.newAnchor(face, clusterID, now)
}

// commitCreate founds a cluster with the face as its sole anchor.
func (e *Engine) commitCreate(ctx context.Context, s *Scan, face *database.FaceRecord) (*database.ClusterAnchor, error) {
	now := e.now()
	cluster := database.PersonCluster{
		ClusterID: e.newID(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	unlock := e.locks.Lock(cluster.ClusterID, faceLockKey(face.FaceID))
	defer unlock()

	e.mu.RLock()
	current, ok := e.ws.faces[face.FaceID]
	if !ok || current.ClusterID != "" {
		e.mu.RUnlock()
		return nil, e.deferFace(ctx, s, face, decision{reason: ReasonClusterChanged})
	}
	anchor := e.promote(current, cluster.ClusterID, now)
	e.mu.RUnlock()

	rec := *current
	rec.ClusterID = cluster.ClusterID
	rec.UpdatedAt = now

	undo := database.CreateUndo{
		ClusterID: cluster.ClusterID,
		AnchorIDs: []string{anchor.AnchorID},
		FaceIDs:   []string{face.FaceID},
	}
	changes := &database.ChangeSet{
		Clusters: []database.PersonCluster{cluster},
		Faces:    []database.FaceRecord{rec},
		Anchors:  []database.ClusterAnchor{anchor},
		History:  []database.ClusterHistory{e.newHistory(cluster.ClusterID, undo, "cluster created from face "+face.FaceID, now)},
	}
	err := e.step(ctx, s, changes, pass1Progress(func(c *database.ScanCounters) { c.Created++ }), func(r *ScanResult) {
		r.Pass1.Created = append(r.Pass1.Created, cluster.ClusterID)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("cluster created", "scan_id", s.id, "face_id", face.FaceID, "cluster_id", cluster.ClusterID)
	e.emit(Event{Type: EventClusterCreated, ScanID: s.id, FaceID: face.FaceID, ClusterID: cluster.ClusterID, AnchorID: anchor.AnchorID})

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ws.anchors[anchor.AnchorID], nil
}
