// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Decision constants
const (
	// DefaultMinEvidenceGap is the minimum similarity margin between the best and the
	// second-best candidate cluster for a Pass 1 commit
	DefaultMinEvidenceGap = 0.10

	// DefaultSessionBoost is added to the similarity of a deferred face against clusters
	// that already hold a face from the same photo or photo session
	DefaultSessionBoost = 0.05

	// DefaultSessionWindow is the sliding window that groups photos into one session
	DefaultSessionWindow = time.Hour

	// DefaultMinSupportingAnchors is the number of distinct anchors of one cluster that
	// must corroborate a deferred face on the multi-anchor path
	DefaultMinSupportingAnchors = 1

	// DefaultPass2MinMargin is the minimum score margin between the chosen cluster and
	// its closest rival for a Pass 2 assignment
	DefaultPass2MinMargin = 0.02
)

// Pose bridge constants
const (
	// PoseBridgeMinSimilarity is the minimum anchor to anchor similarity of a bridge
	PoseBridgeMinSimilarity = 0.60

	// PoseBridgeMinConfidence is the minimum confidence of a reported bridge
	PoseBridgeMinConfidence = 0.65
)

// Statistics constants
const (
	// StatsMinAnchors is the anchor count from which cluster statistics exist
	StatsMinAnchors = 2

	// AcceptanceThresholdMin and AcceptanceThresholdMax bound the adaptive threshold
	AcceptanceThresholdMin = 0.45
	AcceptanceThresholdMax = 0.65
)

// Processing constants
const (
	// DefaultMaxAnchorsPerCluster is the number of best anchors per cluster used for matching
	DefaultMaxAnchorsPerCluster = 10

	// DefaultSearchWorkers is the number of parallel anchor searches in Pass 1
	DefaultSearchWorkers = 8

	// DefaultPass1Window is the number of faces searched in parallel against one snapshot
	DefaultPass1Window = 64

	// DefaultSearchCandidates is the number of anchors fetched per face search
	DefaultSearchCandidates = 32

	// DuplicateIoUThreshold is the box overlap at which two faces of one photo are
	// treated as the same detection
	DuplicateIoUThreshold = 0.7

	// DefaultUndoTTL is how long history entries stay undoable
	DefaultUndoTTL = 7 * 24 * time.Hour
)
