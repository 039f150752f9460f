package database

// HNSW index parameters for anchor embeddings
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate pool size.
	// Higher values improve recall but slow down search.
	HNSWEfSearch = 100

	// HNSWSearchMultiplier is the factor to request more candidates from HNSW
	// to ensure we have enough after filtering inactive anchors.
	HNSWSearchMultiplier = 3

	// ExactSearchLimit is the anchor count per source up to which searches scan
	// every anchor instead of the graph.
	ExactSearchLimit = 2000
)
