package database

import (
	"cmp"
	"slices"
	"sync"

	"github.com/coder/hnsw"

	"github.com/kozaktomas/face-clusters/internal/facematch"
)

// AnchorNeighbor is one search hit.
type AnchorNeighbor struct {
	AnchorID   string
	Similarity float64
}

// AnchorIndex holds anchor embeddings per embedding source. Small populations are
// searched exactly; larger ones go through an HNSW graph. Anchors are never removed
// from the graph; callers filter hits with the keep function.
type AnchorIndex struct {
	mu      sync.RWMutex
	graphs  map[facematch.Source]*hnsw.Graph[string]
	vectors map[facematch.Source]map[string][]float32
	exact   int
}

// NewAnchorIndex creates an empty index.
func NewAnchorIndex() *AnchorIndex {
	return &AnchorIndex{
		graphs:  make(map[facematch.Source]*hnsw.Graph[string]),
		vectors: make(map[facematch.Source]map[string][]float32),
		exact:   ExactSearchLimit,
	}
}

// SetExactSearchLimit overrides the population size at which the graph takes over.
func (x *AnchorIndex) SetExactSearchLimit(n int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.exact = n
}

func newAnchorGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

// Add indexes an anchor embedding. Re-adding a known anchor is a no-op.
func (x *AnchorIndex) Add(anchor *ClusterAnchor) {
	if len(anchor.Embedding) == 0 {
		return
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	vecs, ok := x.vectors[anchor.Source]
	if !ok {
		vecs = make(map[string][]float32)
		x.vectors[anchor.Source] = vecs
	}
	if _, exists := vecs[anchor.AnchorID]; exists {
		return
	}
	vecs[anchor.AnchorID] = anchor.Embedding

	g, ok := x.graphs[anchor.Source]
	if !ok {
		g = newAnchorGraph()
		x.graphs[anchor.Source] = g
	}
	if g.Len() > 0 && len(anchor.Embedding) != g.Dims() {
		// Mismatched vectors stay searchable exactly but cannot join the graph.
		return
	}
	g.Add(hnsw.MakeNode(anchor.AnchorID, anchor.Embedding))
}

// Count returns the number of indexed anchors of a source.
func (x *AnchorIndex) Count(source facematch.Source) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vectors[source])
}

// Search returns up to k anchors of the source most similar to query, best first.
// Only anchors accepted by keep are returned.
func (x *AnchorIndex) Search(source facematch.Source, query []float32, k int, keep func(anchorID string) bool) []AnchorNeighbor {
	if k <= 0 || len(query) == 0 {
		return nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	vecs := x.vectors[source]
	if len(vecs) == 0 {
		return nil
	}

	var hits []AnchorNeighbor
	g := x.graphs[source]
	if len(vecs) <= x.exact || g == nil || g.Len() == 0 || len(query) != g.Dims() {
		hits = make([]AnchorNeighbor, 0, len(vecs))
		for id, vec := range vecs {
			if keep != nil && !keep(id) {
				continue
			}
			hits = append(hits, AnchorNeighbor{AnchorID: id, Similarity: facematch.CosineSimilarity(query, vec)})
		}
	} else {
		neighbors := g.Search(query, k*HNSWSearchMultiplier)
		hits = make([]AnchorNeighbor, 0, len(neighbors))
		for _, n := range neighbors {
			if keep != nil && !keep(n.Key) {
				continue
			}
			// Recompute the exact similarity from the stored vector.
			hits = append(hits, AnchorNeighbor{AnchorID: n.Key, Similarity: facematch.CosineSimilarity(query, n.Value)})
		}
	}

	slices.SortFunc(hits, func(a, b AnchorNeighbor) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		return cmp.Compare(a.AnchorID, b.AnchorID)
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
