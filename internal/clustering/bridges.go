package clustering

import (
	"cmp"
	"slices"

	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/facematch"
)

// BridgeConfidence scores a cross-cluster anchor pair. Similarity carries most of the
// weight, the weaker anchor's quality and pose complementarity the rest.
func BridgeConfidence(similarity, qualityA, qualityB float64, poseA, poseB facematch.PoseCategory) float64 {
	pose := 0.5
	if facematch.Complementary(poseA, poseB) {
		pose = 1
	}
	quality := min(qualityA, qualityB) / 100
	return 0.5*similarity + 0.3*min(1, max(0, quality)) + 0.2*pose
}

// DetectPoseBridges searches the snapshot for anchor pairs of different clusters that
// likely show one person. Only the strongest bridge of each cluster pair is kept.
// Pairs separated by a cannot-link constraint are never suggested.
func (e *Engine) DetectPoseBridges(snap *AnchorSnapshot) []PoseBridge {
	if snap == nil {
		return nil
	}

	type pair struct{ a, b string }
	best := make(map[pair]PoseBridge)
	blocked := make(map[pair]bool)

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, clusterID := range snap.ClusterIDs() {
		if _, live := e.ws.liveCluster(clusterID); !live {
			continue
		}
		for _, a := range snap.Anchors(clusterID) {
			hits := snap.index.Search(a.Source, a.Embedding, snap.candidates, func(id string) bool {
				b, ok := snap.anchors[id]
				return ok && b.ClusterID != a.ClusterID && b.Source == a.Source
			})
			for _, h := range hits {
				if h.Similarity < e.cfg.PoseBridgeMinSimilarity {
					break
				}
				b := snap.anchors[h.AnchorID]
				if _, live := e.ws.liveCluster(b.ClusterID); !live {
					continue
				}
				conf := BridgeConfidence(h.Similarity, a.QualityScore, b.QualityScore, a.PoseCategory, b.PoseCategory)
				if conf < e.cfg.PoseBridgeMinConfidence {
					continue
				}

				x, y := a, b
				if y.ClusterID < x.ClusterID {
					x, y = y, x
				}
				key := pair{x.ClusterID, y.ClusterID}
				if _, seen := blocked[key]; !seen {
					blocked[key] = e.cannotLinkBetween(key.a, key.b)
				}
				if blocked[key] {
					continue
				}
				if cur, ok := best[key]; ok && cur.Confidence >= conf {
					continue
				}
				best[key] = PoseBridge{
					ClusterA:   x.ClusterID,
					ClusterB:   y.ClusterID,
					AnchorA:    x.AnchorID,
					AnchorB:    y.AnchorID,
					PoseA:      x.PoseCategory,
					PoseB:      y.PoseCategory,
					Similarity: h.Similarity,
					Confidence: conf,
				}
			}
		}
	}

	bridges := make([]PoseBridge, 0, len(best))
	for _, b := range best {
		bridges = append(bridges, b)
	}
	slices.SortFunc(bridges, func(x, y PoseBridge) int {
		if c := cmp.Compare(y.Confidence, x.Confidence); c != 0 {
			return c
		}
		if c := cmp.Compare(x.ClusterA, y.ClusterA); c != 0 {
			return c
		}
		return cmp.Compare(x.ClusterB, y.ClusterB)
	})
	return bridges
}

// cannotLinkBetween reports whether a cannot-link constraint separates two clusters.
// Caller holds e.mu.
func (e *Engine) cannotLinkBetween(a, b string) bool {
	for faceID := range e.ws.members[a] {
		if e.vetoed(faceID, b) {
			return true
		}
	}
	return false
}

// mustLinkSplits returns the cluster pairs holding the two faces of a must-link constraint.
// Caller holds e.mu.
func (e *Engine) mustLinkSplits() [][2]string {
	seen := make(map[[2]string]bool)
	var result [][2]string
	for _, c := range e.constraints.all() {
		if c.Type != database.MustLink {
			continue
		}
		a, b := e.ws.clusterOfFace(c.FaceID1), e.ws.clusterOfFace(c.FaceID2)
		if a == "" || b == "" || a == b {
			continue
		}
		if _, live := e.ws.liveCluster(a); !live {
			continue
		}
		if _, live := e.ws.liveCluster(b); !live {
			continue
		}
		key := [2]string{min(a, b), max(a, b)}
		if !seen[key] {
			seen[key] = true
			result = append(result, key)
		}
	}
	return result
}

// suggestMerges reports pose bridges and split must-link pairs at the end of Pass 2.
func (e *Engine) suggestMerges(s *Scan, snap *AnchorSnapshot) {
	bridges := e.DetectPoseBridges(snap)
	s.mu.Lock()
	s.result.Pass2.Suggestions = bridges
	s.mu.Unlock()

	for _, b := range bridges {
		e.logger.Info("pose bridge suggested", "scan_id", s.id, "cluster_a", b.ClusterA, "cluster_b", b.ClusterB,
			"similarity", b.Similarity, "confidence", b.Confidence)
		e.emit(Event{Type: EventMergeSuggested, ScanID: s.id, ClusterID: b.ClusterA, ClusterB: b.ClusterB,
			Similarity: b.Similarity, Confidence: b.Confidence, Reason: "pose_bridge"})
	}

	e.mu.RLock()
	splits := e.mustLinkSplits()
	e.mu.RUnlock()
	for _, p := range splits {
		e.emit(Event{Type: EventMergeSuggested, ScanID: s.id, ClusterID: p[0], ClusterB: p[1], Confidence: 1, Reason: "must_link"})
	}
}
