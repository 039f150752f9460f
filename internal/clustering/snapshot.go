package clustering

import (
	"cmp"
	"slices"
	"time"

	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/facematch"
)

// AnchorSnapshot is an immutable, versioned view of the matchable anchors: the top-N
// active anchors of every live cluster. Commits never change a published snapshot;
// they lead to a new version.
type AnchorSnapshot struct {
	version    uint64
	takenAt    time.Time
	anchors    map[string]*database.ClusterAnchor
	byCluster  map[string][]*database.ClusterAnchor
	index      *database.AnchorIndex
	candidates int
}

// buildSnapshot must be called with the working set read-locked.
func buildSnapshot(version uint64, now time.Time, ws *workingSet, index *database.AnchorIndex, maxAnchors, candidates int) *AnchorSnapshot {
	s := &AnchorSnapshot{
		version:    version,
		takenAt:    now,
		anchors:    make(map[string]*database.ClusterAnchor),
		byCluster:  make(map[string][]*database.ClusterAnchor),
		index:      index,
		candidates: candidates,
	}
	for id, c := range ws.clusters {
		if c.IsDeleted() {
			continue
		}
		active := ws.activeAnchors(id)
		if len(active) > maxAnchors {
			active = active[:maxAnchors]
		}
		if len(active) == 0 {
			continue
		}
		s.byCluster[id] = active
		for _, a := range active {
			s.anchors[a.AnchorID] = a
			index.Add(a)
		}
	}
	return s
}

// Version returns the snapshot version.
func (s *AnchorSnapshot) Version() uint64 { return s.version }

// TakenAt returns when the snapshot was built.
func (s *AnchorSnapshot) TakenAt() time.Time { return s.takenAt }

// Len returns the number of matchable anchors.
func (s *AnchorSnapshot) Len() int { return len(s.anchors) }

// ClusterIDs returns the clusters with matchable anchors, sorted.
func (s *AnchorSnapshot) ClusterIDs() []string {
	ids := make([]string, 0, len(s.byCluster))
	for id := range s.byCluster {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Anchors returns the matchable anchors of a cluster, best quality first.
func (s *AnchorSnapshot) Anchors(clusterID string) []*database.ClusterAnchor {
	return s.byCluster[clusterID]
}

// Anchor returns a matchable anchor.
func (s *AnchorSnapshot) Anchor(id string) (*database.ClusterAnchor, bool) {
	a, ok := s.anchors[id]
	return a, ok
}

// Match compares an embedding against every matchable anchor of the clusters nearest to
// it. Only anchors of the same embedding source are considered. The search widens until
// it reaches a second cluster, so the runner-up of the evidence gap is never cut off by
// the anchors of the best cluster.
func (s *AnchorSnapshot) Match(source facematch.Source, embedding []float32) []AnchorMatch {
	if len(s.anchors) == 0 {
		return nil
	}
	filter := func(id string) bool {
		a, ok := s.anchors[id]
		return ok && a.Source == source
	}

	var clusters []string
	for k := max(s.candidates, 1); ; k *= 2 {
		hits := s.index.Search(source, embedding, k, filter)
		clusters = clusters[:0]
		for _, h := range hits {
			if clusterID := s.anchors[h.AnchorID].ClusterID; !slices.Contains(clusters, clusterID) {
				clusters = append(clusters, clusterID)
			}
		}
		if len(clusters) > 1 || len(hits) < k || k >= len(s.anchors) {
			break
		}
	}

	var matches []AnchorMatch
	for _, clusterID := range clusters {
		matches = append(matches, matchAnchors(source, embedding, s.byCluster[clusterID])...)
	}
	sortMatches(matches)
	return matches
}

// matchAnchors compares an embedding with each anchor of the same source.
func matchAnchors(source facematch.Source, embedding []float32, anchors []*database.ClusterAnchor) []AnchorMatch {
	matches := make([]AnchorMatch, 0, len(anchors))
	for _, a := range anchors {
		if a.Source != source {
			continue
		}
		matches = append(matches, AnchorMatch{
			AnchorID:   a.AnchorID,
			ClusterID:  a.ClusterID,
			FaceID:     a.FaceID,
			Similarity: facematch.CosineSimilarity(embedding, a.Embedding),
			Pose:       a.PoseCategory,
		})
	}
	return matches
}

func sortMatches(matches []AnchorMatch) {
	slices.SortFunc(matches, func(a, b AnchorMatch) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		return cmp.Compare(a.AnchorID, b.AnchorID)
	})
}

// groupCandidates folds anchor matches into per-cluster candidates, best cluster first.
func groupCandidates(matches []AnchorMatch) []ClusterCandidate {
	byCluster := make(map[string]*ClusterCandidate)
	var order []string
	for _, m := range matches {
		c, ok := byCluster[m.ClusterID]
		if !ok {
			c = &ClusterCandidate{ClusterID: m.ClusterID, Best: m}
			byCluster[m.ClusterID] = c
			order = append(order, m.ClusterID)
		}
		if m.Similarity > c.Best.Similarity {
			c.Best = m
		}
		c.Matches = append(c.Matches, m)
	}

	result := make([]ClusterCandidate, 0, len(order))
	for _, id := range order {
		c := byCluster[id]
		sortMatches(c.Matches)
		result = append(result, *c)
	}
	slices.SortFunc(result, func(a, b ClusterCandidate) int {
		if c := cmp.Compare(b.Best.Similarity, a.Best.Similarity); c != 0 {
			return c
		}
		return cmp.Compare(a.ClusterID, b.ClusterID)
	})
	return result
}
