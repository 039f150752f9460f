package database

import (
	"time"

	"github.com/kozaktomas/face-clusters/internal/facematch"
)

// DetectedFace is one face detection handed over by the detection collaborator.
// It is immutable once stored.
type DetectedFace struct {
	FaceID         string                `json:"face_id"`
	Embedding      []float32             `json:"embedding"`
	Source         facematch.Source      `json:"source"`
	QualityScore   float64               `json:"quality_score"`
	Sharpness      float64               `json:"sharpness"`
	EyeVisibility  float64               `json:"eye_visibility"`
	Yaw            float64               `json:"yaw"`
	Roll           float64               `json:"roll"`
	BBox           facematch.BoundingBox `json:"bbox"`
	PhotoURI       string                `json:"photo_uri"`
	PhotoTimestamp time.Time             `json:"photo_timestamp"`
}

// Metrics returns the quality metrics of the face.
func (f *DetectedFace) Metrics() facematch.QualityMetrics {
	return facematch.QualityMetrics{
		Score:         f.QualityScore,
		Sharpness:     f.Sharpness,
		EyeVisibility: f.EyeVisibility,
	}
}

// Pose returns the pose category of the face.
func (f *DetectedFace) Pose() facematch.PoseCategory {
	return facematch.ClassifyPose(f.Yaw, f.Roll)
}

// FaceRecord is a persisted face with its tier and current cluster membership.
// ClusterID is empty for unassigned faces.
type FaceRecord struct {
	DetectedFace
	Tier      facematch.QualityTier `json:"tier"`
	ClusterID string                `json:"cluster_id"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// ClusterAnchor is an ANCHOR tier face embedding stored as the identity reference of a cluster.
type ClusterAnchor struct {
	AnchorID                   string                 `json:"anchor_id"`
	ClusterID                  string                 `json:"cluster_id"`
	FaceID                     string                 `json:"face_id"`
	Source                     facematch.Source       `json:"source"`
	Embedding                  []float32              `json:"-"`
	QualityScore               float64                `json:"quality_score"`
	SharpnessScore             float64                `json:"sharpness_score"`
	EyeVisibilityScore         float64                `json:"eye_visibility_score"`
	PoseCategory               facematch.PoseCategory `json:"pose_category"`
	Yaw                        float64                `json:"yaw"`
	Roll                       float64                `json:"roll"`
	IntraClusterMeanSimilarity float64                `json:"intra_cluster_mean_similarity"`
	IsActive                   bool                   `json:"is_active"`
	MatchCount                 int                    `json:"match_count"`
	LastMatchedAt              *time.Time             `json:"last_matched_at,omitempty"`
	CreatedAt                  time.Time              `json:"created_at"`
}

// PersonCluster is an identity group. DeletedAt marks a soft delete.
type PersonCluster struct {
	ClusterID  string     `json:"cluster_id"`
	Name       string     `json:"name"`
	NameKey    string     `json:"name_key"` // normalized name used for search
	PersonID   string     `json:"person_id,omitempty"`
	MergedInto string     `json:"merged_into,omitempty"` // set when the cluster was merged into another one
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the cluster was soft-deleted.
func (c *PersonCluster) IsDeleted() bool {
	return c.DeletedAt != nil
}

// ClusterStatistics is the cached intra-cluster similarity summary of a cluster
// with at least two active anchors.
type ClusterStatistics struct {
	ClusterID           string                         `json:"cluster_id"`
	MeanSimilarity      float64                        `json:"mean_similarity"`
	Variance            float64                        `json:"variance"`
	StdDev              float64                        `json:"std_dev"`
	Min                 float64                        `json:"min"`
	Max                 float64                        `json:"max"`
	AcceptanceThreshold float64                        `json:"acceptance_threshold"`
	AnchorCount         int                            `json:"anchor_count"`
	TotalFaceCount      int                            `json:"total_face_count"`
	PoseDistribution    map[facematch.PoseCategory]int `json:"pose_distribution"`
	ComputedAt          time.Time                      `json:"computed_at"`
}

// ConstraintType is the kind of a user or system declared pair constraint.
type ConstraintType string

const (
	MustLink   ConstraintType = "MUST_LINK"
	CannotLink ConstraintType = "CANNOT_LINK"
)

// ClusteringConstraint pins the relation of two faces.
type ClusteringConstraint struct {
	ID        string         `json:"id"`
	Type      ConstraintType `json:"type"`
	FaceID1   string         `json:"face_id1"`
	FaceID2   string         `json:"face_id2"`
	CreatedBy string         `json:"created_by"` // "user" or "system"
	CreatedAt time.Time      `json:"created_at"`
}

// Involves reports whether the constraint references the face.
func (c *ClusteringConstraint) Involves(faceID string) bool {
	return c.FaceID1 == faceID || c.FaceID2 == faceID
}

// Other returns the partner of faceID in the constraint.
func (c *ClusteringConstraint) Other(faceID string) string {
	if c.FaceID1 == faceID {
		return c.FaceID2
	}
	return c.FaceID1
}

// ScanStatus is the lifecycle state of a scan.
type ScanStatus string

const (
	ScanPending   ScanStatus = "pending"
	ScanRunning   ScanStatus = "running"
	ScanPaused    ScanStatus = "paused"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
	ScanCancelled ScanStatus = "cancelled"
)

// IsTerminal reports whether the scan can no longer run without an explicit resume.
func (s ScanStatus) IsTerminal() bool {
	return s == ScanCompleted || s == ScanFailed || s == ScanCancelled
}

// ScanPhase is the pass a scan is in.
type ScanPhase string

const (
	PhasePass1 ScanPhase = "pass1"
	PhasePass2 ScanPhase = "pass2"
	PhaseDone  ScanPhase = "done"
)

// ScanCounters are the progress counters of a scan.
type ScanCounters struct {
	ScannedCount int `json:"scanned_count"`
	TotalCount   int `json:"total_count"`
	FacesFound   int `json:"faces_found"`
	Assigned     int `json:"assigned"`
	Created      int `json:"created"`
	Deferred     int `json:"deferred"`
	Resolved     int `json:"resolved"`
	DisplayOnly  int `json:"display_only"`
	Rejected     int `json:"rejected"`
}

// ScanCheckpoint is the persisted partial state of a scan. Pass 1 processes FaceIDs in
// order, so Pass1Cursor faces are done; Pass 2 processes DeferredFaceIDs in order.
type ScanCheckpoint struct {
	ScanID          string       `json:"scan_id"`
	Status          ScanStatus   `json:"status"`
	Phase           ScanPhase    `json:"phase"`
	FaceIDs         []string     `json:"face_ids"`
	Pass1Cursor     int          `json:"pass1_cursor"`
	DeferredFaceIDs []string     `json:"deferred_face_ids"`
	Pass2Cursor     int          `json:"pass2_cursor"`
	Counters        ScanCounters `json:"counters"`
	Error           string       `json:"error,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Pending returns the face ids Pass 1 has not processed yet.
func (c *ScanCheckpoint) Pending() []string {
	if c.Pass1Cursor >= len(c.FaceIDs) {
		return nil
	}
	return c.FaceIDs[c.Pass1Cursor:]
}
