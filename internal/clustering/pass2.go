package clustering

import (
	"context"
	"time"

	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/facematch"
)

// runPass2 replays the deferred faces against the snapshot published at the end of
// Pass 1. Faces gain a session boost toward clusters that already hold a face from the
// same photo or session. Pass 2 never promotes anchors.
func (e *Engine) runPass2(ctx context.Context, s *Scan) error {
	cp := s.Checkpoint()
	if cp.Phase == database.PhaseDone {
		return nil
	}

	snap := e.Snapshot()
	hints := e.sessionHints()
	thresholds := make(map[string]float64)

	for i := cp.Pass2Cursor; i < len(cp.DeferredFaceIDs); i++ {
		if err := e.pausePoint(ctx, s); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		faceID := cp.DeferredFaceIDs[i]
		face, ok := s.faces[faceID]
		if !ok {
			if err := e.step(ctx, s, &database.ChangeSet{}, pass2Progress(nil), nil); err != nil {
				return err
			}
			continue
		}

		matches := snap.Match(face.Source, face.Embedding)
		e.mu.RLock()
		if current, ok := e.ws.faces[faceID]; ok {
			face = current
		}
		d := e.decidePass2(face, e.currentMatches(face, matches, nil), hints, func(clusterID string) float64 {
			return e.pass2Threshold(snap, thresholds, clusterID, face.Source)
		})
		e.mu.RUnlock()

		var err error
		switch d.action {
		case actAssign:
			_, err = e.commitAssign(ctx, s, face, d, 2)
		case actDefer:
			err = e.leaveUnresolved(ctx, s, face, d)
		default:
			err = e.step(ctx, s, &database.ChangeSet{}, pass2Progress(nil), nil)
		}
		if err != nil {
			return err
		}
	}

	e.suggestMerges(s, snap)
	return nil
}

// decidePass2 evaluates a deferred face. The single-anchor path accepts the best
// boosted similarity at the cluster's threshold; the corroboration path needs
// MinSupportingAnchors anchors of one cluster at the multi-anchor threshold. A pick
// that beats its closest rival by less than Pass2MinMargin stays ambiguous.
// Caller holds e.mu.
func (e *Engine) decidePass2(face *database.FaceRecord, matches []AnchorMatch, hints *sessionHints, threshold func(clusterID string) float64) decision {
	if face.ClusterID != "" || !face.Tier.CanJoinCluster() {
		return decision{action: actSkip}
	}
	if d, ok := e.mustLinkDecision(face, matches); ok {
		return d
	}

	candidates, _ := e.allowedCandidates(face.FaceID, groupCandidates(matches))
	multi := e.cfg.Thresholds.Pass2Multi(face.Source)

	scores := make([]float64, len(candidates))
	counts := make([]int, len(candidates))
	single, support := -1, -1
	for i := range candidates {
		c := &candidates[i]
		boost := 0.0
		if e.sessionRelated(face, c.ClusterID, hints) {
			boost = e.cfg.SessionBoost
		}
		scores[i] = min(1, c.Similarity()+boost)
		counts[i] = countSupport(c.Matches, boost, multi)

		if scores[i] >= threshold(c.ClusterID) && (single < 0 || scores[i] > scores[single]) {
			single = i
		}
		if counts[i] >= e.cfg.MinSupportingAnchors &&
			(support < 0 || counts[i] > counts[support] || (counts[i] == counts[support] && scores[i] > scores[support])) {
			support = i
		}
	}

	// The rival of a single-anchor pick is any other cluster; a corroboration pick only
	// competes with clusters backed by as many anchors.
	pick, rivals := single, func(int) bool { return true }
	if pick < 0 {
		pick = support
		rivals = func(i int) bool { return counts[i] == counts[support] }
	}
	if pick < 0 {
		return decision{action: actDefer, reason: ReasonUnresolved, matches: matches}
	}
	for i := range candidates {
		if i == pick || !rivals(i) {
			continue
		}
		if gap := scores[pick] - scores[i]; gap <= gapEpsilon || gap+gapEpsilon < e.cfg.Pass2MinMargin {
			return decision{action: actDefer, reason: ReasonAmbiguous, matches: matches}
		}
	}
	chosen, score := &candidates[pick], scores[pick]
	best := chosen.Best
	return decision{
		action:     actAssign,
		clusterID:  chosen.ClusterID,
		match:      &best,
		similarity: score,
		matches:    matches,
	}
}

// pass2Threshold returns the single-anchor threshold of a cluster: the source's Pass 2
// threshold, lowered toward the multi-anchor threshold for clusters whose anchors vary
// naturally.
func (e *Engine) pass2Threshold(snap *AnchorSnapshot, cache map[string]float64, clusterID string, source facematch.Source) float64 {
	high := e.cfg.Thresholds.Pass2High(source)
	multi := e.cfg.Thresholds.Pass2Multi(source)

	acceptance, ok := cache[clusterID]
	if !ok {
		acceptance = -1
		if stats, _ := ComputeStatistics(clusterID, snap.Anchors(clusterID), 0, &e.cfg, time.Time{}); stats != nil {
			acceptance = stats.AcceptanceThreshold
		}
		cache[clusterID] = acceptance
	}
	if acceptance < 0 {
		return high
	}
	return max(multi, min(high, acceptance))
}

// sessionHints groups every known photo into sessions.
func (e *Engine) sessionHints() *sessionHints {
	e.mu.RLock()
	photos := make(map[string]time.Time)
	for _, f := range e.ws.faces {
		if f.PhotoURI == "" {
			continue
		}
		if at, ok := photos[f.PhotoURI]; !ok || at.IsZero() {
			photos[f.PhotoURI] = f.PhotoTimestamp
		}
	}
	e.mu.RUnlock()

	_, sessionOf := buildSessions(photos, e.cfg.SessionWindow)
	return &sessionHints{sessionOf: sessionOf}
}

// sessionRelated reports whether the cluster holds a face from the same photo or
// session as face. Caller holds e.mu.
func (e *Engine) sessionRelated(face *database.FaceRecord, clusterID string, hints *sessionHints) bool {
	for memberID := range e.ws.members[clusterID] {
		if m, ok := e.ws.faces[memberID]; ok && hints.related(face.PhotoURI, m.PhotoURI) {
			return true
		}
	}
	return false
}

// leaveUnresolved records a deferred face that Pass 2 could not place.
func (e *Engine) leaveUnresolved(ctx context.Context, s *Scan, face *database.FaceRecord, d decision) error {
	df, ok := s.deferred[face.FaceID]
	if !ok {
		df = DeferredFace{
			FaceID:         face.FaceID,
			Embedding:      face.Embedding,
			Source:         face.Source,
			QualityScore:   face.QualityScore,
			Tier:           face.Tier,
			PoseCategory:   face.Pose(),
			PhotoURI:       face.PhotoURI,
			PhotoTimestamp: face.PhotoTimestamp,
		}
	}
	df.Reason = d.reason
	df.AllMatches = d.matches
	df.CandidateClusterID, df.CandidateSimilarity = "", 0
	if len(d.matches) > 0 {
		df.CandidateClusterID = d.matches[0].ClusterID
		df.CandidateSimilarity = d.matches[0].Similarity
	}

	err := e.step(ctx, s, &database.ChangeSet{}, pass2Progress(nil), func(r *ScanResult) {
		r.Pass2.Unresolved = append(r.Pass2.Unresolved, df)
	})
	if err != nil {
		return err
	}
	e.logger.Debug("face left unassigned", "scan_id", s.id, "face_id", face.FaceID, "reason", d.reason)
	e.emit(Event{Type: EventDeferred, ScanID: s.id, FaceID: face.FaceID, ClusterID: df.CandidateClusterID,
		Similarity: df.CandidateSimilarity, Reason: string(d.reason)})
	return nil
}
