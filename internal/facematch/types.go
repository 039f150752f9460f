// Package facematch provides the pure face-level decision primitives shared by the
// clustering engine, storage backends and web handlers: quality tiers, pose categories,
// embedding sources with their threshold table, and similarity zones.
package facematch

// QualityTier is a face's eligibility classification. It controls which role the face
// may play in clustering.
type QualityTier string

const (
	TierAnchor      QualityTier = "ANCHOR"       // may found a cluster, join one, and become an anchor
	TierClustering  QualityTier = "CLUSTERING"   // may join a cluster as a member
	TierDisplayOnly QualityTier = "DISPLAY_ONLY" // visible but inert for clustering
	TierRejected    QualityTier = "REJECTED"     // never persisted
)

// PoseCategory is a coarse head-pose bucket derived from yaw and roll.
type PoseCategory string

const (
	PoseFrontal           PoseCategory = "FRONTAL"
	PoseThreeQuarterLeft  PoseCategory = "THREE_QUARTER_LEFT"
	PoseThreeQuarterRight PoseCategory = "THREE_QUARTER_RIGHT"
	PoseProfileLeft       PoseCategory = "PROFILE_LEFT"
	PoseProfileRight      PoseCategory = "PROFILE_RIGHT"
	PoseTilted            PoseCategory = "TILTED"
)

// Zone is the similarity decision model's classification of a score.
type Zone string

const (
	ZoneSafeSame      Zone = "SAFE_SAME"
	ZoneUncertain     Zone = "UNCERTAIN"
	ZoneSafeDifferent Zone = "SAFE_DIFFERENT"
)

// QualityMetrics are the landmark-derived quality measurements of one face.
type QualityMetrics struct {
	Score         float64 `json:"quality_score"`
	Sharpness     float64 `json:"sharpness"`
	EyeVisibility float64 `json:"eye_visibility"`
}
