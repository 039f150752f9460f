package clustering

import (
	"time"

	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/facematch"
)

// AnchorMatch is the similarity of a face to one anchor.
type AnchorMatch struct {
	AnchorID   string                 `json:"anchor_id"`
	ClusterID  string                 `json:"cluster_id"`
	FaceID     string                 `json:"face_id"` // face the anchor was promoted from
	Similarity float64                `json:"similarity"`
	Pose       facematch.PoseCategory `json:"pose"`
}

// ClusterCandidate aggregates the anchor matches of one cluster.
type ClusterCandidate struct {
	ClusterID string
	Best      AnchorMatch
	Matches   []AnchorMatch // best first
}

// Similarity is the best anchor similarity of the candidate.
func (c *ClusterCandidate) Similarity() float64 {
	return c.Best.Similarity
}

// AnchorMatchDecision is the zone classification of the best candidate.
type AnchorMatchDecision struct {
	Zone              facematch.Zone
	Best              *ClusterCandidate
	SecondBest        float64
	EvidenceGap       float64
	SupportingAnchors int
	Vetoed            []string // clusters removed by cannot-link constraints
}

// DeferReason explains why a face was not committed.
type DeferReason string

const (
	ReasonUncertain         DeferReason = "uncertain"
	ReasonAmbiguous         DeferReason = "ambiguous"
	ReasonNoNearbyAnchor    DeferReason = "no_nearby_anchor"
	ReasonMustLinkConflict  DeferReason = "must_link_conflict"
	ReasonClusterChanged    DeferReason = "cluster_changed"
	ReasonUnresolved        DeferReason = "unresolved"
	ReasonDuplicate         DeferReason = "duplicate_detection"
	ReasonInvalidEmbedding  DeferReason = "invalid_embedding"
	ReasonQualityRejected   DeferReason = "quality_rejected"
	ReasonMissingIdentifier DeferReason = "missing_face_id"
)

// DeferredFace is a face Pass 1 could not safely resolve. It lives only between passes.
type DeferredFace struct {
	FaceID              string                 `json:"face_id"`
	Embedding           []float32              `json:"-"`
	Source              facematch.Source       `json:"source"`
	QualityScore        float64                `json:"quality_score"`
	Tier                facematch.QualityTier  `json:"tier"`
	PoseCategory        facematch.PoseCategory `json:"pose_category"`
	CandidateClusterID  string                 `json:"candidate_cluster_id,omitempty"`
	CandidateSimilarity float64                `json:"candidate_similarity"`
	AllMatches          []AnchorMatch          `json:"all_matches,omitempty"`
	PhotoURI            string                 `json:"photo_uri"`
	PhotoTimestamp      time.Time              `json:"photo_timestamp"`
	Reason              DeferReason            `json:"reason"`
}

// PoseBridge suggests that two clusters hold the same person seen at different poses.
// It is never applied automatically.
type PoseBridge struct {
	ClusterA   string                 `json:"cluster_a"`
	ClusterB   string                 `json:"cluster_b"`
	AnchorA    string                 `json:"anchor_a"`
	AnchorB    string                 `json:"anchor_b"`
	PoseA      facematch.PoseCategory `json:"pose_a"`
	PoseB      facematch.PoseCategory `json:"pose_b"`
	Similarity float64                `json:"similarity"`
	Confidence float64                `json:"confidence"`
}

// PhotoSession is a soft temporal grouping of photos.
type PhotoSession struct {
	ID        int
	Start     time.Time
	End       time.Time
	PhotoURIs []string
}

// Assignment records one face joining a cluster.
type Assignment struct {
	FaceID     string  `json:"face_id"`
	ClusterID  string  `json:"cluster_id"`
	AnchorID   string  `json:"anchor_id,omitempty"` // matched anchor, empty for must-link
	Similarity float64 `json:"similarity"`
	Promoted   bool    `json:"promoted"`
	Pass       int     `json:"pass"`
}

// RejectedFace is an input face refused at intake. Index is its position in the batch.
type RejectedFace struct {
	Index  int         `json:"index"`
	FaceID string      `json:"face_id"`
	Reason DeferReason `json:"reason"`
	Detail string      `json:"detail,omitempty"`
}

// Pass1Result partitions the faces processed by Pass 1.
type Pass1Result struct {
	Assigned    []Assignment   `json:"assigned"`
	Created     []string       `json:"created"` // cluster ids
	Deferred    []DeferredFace `json:"deferred"`
	DisplayOnly []string       `json:"display_only"`
	Rejected    []RejectedFace `json:"rejected"`
}

// Pass2Result is the outcome of replaying deferred faces.
type Pass2Result struct {
	Resolved    []Assignment   `json:"resolved"`
	Unresolved  []DeferredFace `json:"unresolved"`
	Suggestions []PoseBridge   `json:"suggestions"`
}

// ScanResult is the final report of a scan.
type ScanResult struct {
	ScanID   string                `json:"scan_id"`
	Status   database.ScanStatus   `json:"status"`
	Counters database.ScanCounters `json:"counters"`
	Pass1    Pass1Result           `json:"pass1"`
	Pass2    Pass2Result           `json:"pass2"`
	Error    string                `json:"error,omitempty"`
}

// MutationResult is returned by structural operations.
type MutationResult struct {
	History   *database.ClusterHistory `json:"history"`
	ClusterID string                   `json:"cluster_id"`
}

// UndoResult reports an undo attempt. Applied is false for no-ops.
type UndoResult struct {
	HistoryID string             `json:"history_id"`
	Operation database.Operation `json:"operation"`
	Applied   bool               `json:"applied"`
	Reason    string             `json:"reason,omitempty"`
}

// ConstraintResult reports a stored constraint and any conflict with current membership.
type ConstraintResult struct {
	Constraint database.ClusteringConstraint `json:"constraint"`
	Existing   bool                          `json:"existing"`
	Conflict   string                        `json:"conflict,omitempty"`
}

// ClusterSummary is a read view of a cluster.
type ClusterSummary struct {
	ClusterID   string     `json:"cluster_id"`
	Name        string     `json:"name"`
	PersonID    string     `json:"person_id,omitempty"`
	FaceCount   int        `json:"face_count"`
	AnchorCount int        `json:"anchor_count"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	MergedInto  string     `json:"merged_into,omitempty"`
}

// ClusterDetail is a cluster with its anchors, members and statistics.
type ClusterDetail struct {
	ClusterSummary
	Anchors    []database.ClusterAnchor    `json:"anchors"`
	FaceIDs    []string                    `json:"face_ids"`
	Statistics *database.ClusterStatistics `json:"statistics,omitempty"`
}
