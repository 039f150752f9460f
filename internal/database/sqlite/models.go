package sqlite

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/facematch"
)

// faceModel corresponds to the 'faces' table.
type faceModel struct {
	FaceID         string  `gorm:"primaryKey"`
	Embedding      []byte  `gorm:"not null"` // little-endian float32 BLOB
	Source         string  `gorm:"not null;index"`
	QualityScore   float64 `gorm:"not null"`
	Sharpness      float64 `gorm:"not null"`
	EyeVisibility  float64 `gorm:"not null"`
	Yaw            float64 `gorm:"not null"`
	Roll           float64 `gorm:"not null"`
	BBoxX          float64 `gorm:"column:bbox_x;not null"`
	BBoxY          float64 `gorm:"column:bbox_y;not null"`
	BBoxW          float64 `gorm:"column:bbox_w;not null"`
	BBoxH          float64 `gorm:"column:bbox_h;not null"`
	PhotoURI       string  `gorm:"not null;index"`
	PhotoTimestamp *time.Time
	Tier           string    `gorm:"not null"`
	ClusterID      string    `gorm:"index"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt      time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (faceModel) TableName() string { return "faces" }

type clusterModel struct {
	ClusterID  string `gorm:"primaryKey"`
	Name       string `gorm:"not null"`
	NameKey    string `gorm:"not null;index"`
	PersonID   string
	MergedInto string
	CreatedAt  time.Time  `gorm:"not null;autoCreateTime:false"`
	UpdatedAt  time.Time  `gorm:"not null;autoUpdateTime:false"`
	DeletedAt  *time.Time `gorm:"index"`
}

func (clusterModel) TableName() string { return "person_clusters" }

type anchorModel struct {
	AnchorID                   string  `gorm:"primaryKey"`
	ClusterID                  string  `gorm:"not null;index"`
	FaceID                     string  `gorm:"not null;uniqueIndex"`
	Source                     string  `gorm:"not null"`
	Embedding                  []byte  `gorm:"not null"`
	QualityScore               float64 `gorm:"not null"`
	SharpnessScore             float64 `gorm:"not null"`
	EyeVisibilityScore         float64 `gorm:"not null"`
	PoseCategory               string  `gorm:"not null"`
	Yaw                        float64 `gorm:"not null"`
	Roll                       float64 `gorm:"not null"`
	IntraClusterMeanSimilarity float64 `gorm:"not null"`
	IsActive                   bool    `gorm:"not null;index"`
	MatchCount                 int     `gorm:"not null"`
	LastMatchedAt              *time.Time
	CreatedAt                  time.Time `gorm:"not null;autoCreateTime:false"`
}

func (anchorModel) TableName() string { return "cluster_anchors" }

type statisticsModel struct {
	ClusterID           string                         `gorm:"primaryKey"`
	MeanSimilarity      float64                        `gorm:"not null"`
	Variance            float64                        `gorm:"not null"`
	StdDev              float64                        `gorm:"not null"`
	MinSimilarity       float64                        `gorm:"not null"`
	MaxSimilarity       float64                        `gorm:"not null"`
	AcceptanceThreshold float64                        `gorm:"not null"`
	AnchorCount         int                            `gorm:"not null"`
	TotalFaceCount      int                            `gorm:"not null"`
	PoseDistribution    map[facematch.PoseCategory]int `gorm:"serializer:json"`
	ComputedAt          time.Time                      `gorm:"not null"`
}

func (statisticsModel) TableName() string { return "cluster_statistics" }

type constraintModel struct {
	ID        string    `gorm:"primaryKey"`
	Type      string    `gorm:"not null;uniqueIndex:idx_constraint_pair"`
	FaceLow   string    `gorm:"not null;uniqueIndex:idx_constraint_pair"`
	FaceHigh  string    `gorm:"not null;uniqueIndex:idx_constraint_pair"`
	FaceID1   string    `gorm:"column:face_id1;not null;index"`
	FaceID2   string    `gorm:"column:face_id2;not null;index"`
	CreatedBy string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:false"`
}

func (constraintModel) TableName() string { return "clustering_constraints" }

type historyModel struct {
	ID          string `gorm:"primaryKey"`
	ClusterID   string `gorm:"not null;index"`
	Operation   string `gorm:"not null"`
	Description string `gorm:"not null"`
	UndoData    []byte
	CanUndo     bool `gorm:"not null"`
	ExpiresAt   *time.Time
	UndoneAt    *time.Time
	CreatedAt   time.Time `gorm:"not null;index;autoCreateTime:false"`
}

func (historyModel) TableName() string { return "cluster_history" }

type checkpointModel struct {
	ScanID          string                `gorm:"primaryKey"`
	Status          string                `gorm:"not null"`
	Phase           string                `gorm:"not null"`
	FaceIDs         []string              `gorm:"serializer:json"`
	Pass1Cursor     int                   `gorm:"column:pass1_cursor;not null"`
	DeferredFaceIDs []string              `gorm:"serializer:json"`
	Pass2Cursor     int                   `gorm:"column:pass2_cursor;not null"`
	Counters        database.ScanCounters `gorm:"serializer:json"`
	Error           string
	CreatedAt       time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt       time.Time `gorm:"not null;index;autoUpdateTime:false"`
}

func (checkpointModel) TableName() string { return "scan_checkpoints" }

// allModels is the AutoMigrate set.
var allModels = []any{
	&faceModel{},
	&clusterModel{},
	&anchorModel{},
	&statisticsModel{},
	&constraintModel{},
	&historyModel{},
	&checkpointModel{},
}

// encodeEmbedding packs the vector as little-endian float32 bytes.
func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return []byte{}
	}
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return embedding
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toFaceModel(f *database.FaceRecord) faceModel {
	return faceModel{
		FaceID:         f.FaceID,
		Embedding:      encodeEmbedding(f.Embedding),
		Source:         string(f.Source),
		QualityScore:   f.QualityScore,
		Sharpness:      f.Sharpness,
		EyeVisibility:  f.EyeVisibility,
		Yaw:            f.Yaw,
		Roll:           f.Roll,
		BBoxX:          f.BBox.X,
		BBoxY:          f.BBox.Y,
		BBoxW:          f.BBox.W,
		BBoxH:          f.BBox.H,
		PhotoURI:       f.PhotoURI,
		PhotoTimestamp: timeOrNil(f.PhotoTimestamp),
		Tier:           string(f.Tier),
		ClusterID:      f.ClusterID,
		CreatedAt:      f.CreatedAt,
		UpdatedAt:      f.UpdatedAt,
	}
}

func (m *faceModel) record() database.FaceRecord {
	f := database.FaceRecord{
		DetectedFace: database.DetectedFace{
			FaceID:        m.FaceID,
			Embedding:     decodeEmbedding(m.Embedding),
			Source:        facematch.Source(m.Source),
			QualityScore:  m.QualityScore,
			Sharpness:     m.Sharpness,
			EyeVisibility: m.EyeVisibility,
			Yaw:           m.Yaw,
			Roll:          m.Roll,
			BBox:          facematch.BoundingBox{X: m.BBoxX, Y: m.BBoxY, W: m.BBoxW, H: m.BBoxH},
			PhotoURI:      m.PhotoURI,
		},
		Tier:      facematch.QualityTier(m.Tier),
		ClusterID: m.ClusterID,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if m.PhotoTimestamp != nil {
		f.PhotoTimestamp = *m.PhotoTimestamp
	}
	return f
}

func toClusterModel(c *database.PersonCluster) clusterModel {
	return clusterModel{
		ClusterID:  c.ClusterID,
		Name:       c.Name,
		NameKey:    c.NameKey,
		PersonID:   c.PersonID,
		MergedInto: c.MergedInto,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
		DeletedAt:  c.DeletedAt,
	}
}

func (m *clusterModel) record() database.PersonCluster {
	return database.PersonCluster{
		ClusterID:  m.ClusterID,
		Name:       m.Name,
		NameKey:    m.NameKey,
		PersonID:   m.PersonID,
		MergedInto: m.MergedInto,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
		DeletedAt:  m.DeletedAt,
	}
}

func toAnchorModel(a *database.ClusterAnchor) anchorModel {
	return anchorModel{
		AnchorID:                   a.AnchorID,
		ClusterID:                  a.ClusterID,
		FaceID:                     a.FaceID,
		Source:                     string(a.Source),
		Embedding:                  encodeEmbedding(a.Embedding),
		QualityScore:               a.QualityScore,
		SharpnessScore:             a.SharpnessScore,
		EyeVisibilityScore:         a.EyeVisibilityScore,
		PoseCategory:               string(a.PoseCategory),
		Yaw:                        a.Yaw,
		Roll:                       a.Roll,
		IntraClusterMeanSimilarity: a.IntraClusterMeanSimilarity,
		IsActive:                   a.IsActive,
		MatchCount:                 a.MatchCount,
		LastMatchedAt:              a.LastMatchedAt,
		CreatedAt:                  a.CreatedAt,
	}
}

func (m *anchorModel) record() database.ClusterAnchor {
	return database.ClusterAnchor{
		AnchorID:                   m.AnchorID,
		ClusterID:                  m.ClusterID,
		FaceID:                     m.FaceID,
		Source:                     facematch.Source(m.Source),
		Embedding:                  decodeEmbedding(m.Embedding),
		QualityScore:               m.QualityScore,
		SharpnessScore:             m.SharpnessScore,
		EyeVisibilityScore:         m.EyeVisibilityScore,
		PoseCategory:               facematch.PoseCategory(m.PoseCategory),
		Yaw:                        m.Yaw,
		Roll:                       m.Roll,
		IntraClusterMeanSimilarity: m.IntraClusterMeanSimilarity,
		IsActive:                   m.IsActive,
		MatchCount:                 m.MatchCount,
		LastMatchedAt:              m.LastMatchedAt,
		CreatedAt:                  m.CreatedAt,
	}
}

func toStatisticsModel(s *database.ClusterStatistics) statisticsModel {
	return statisticsModel{
		ClusterID:           s.ClusterID,
		MeanSimilarity:      s.MeanSimilarity,
		Variance:            s.Variance,
		StdDev:              s.StdDev,
		MinSimilarity:       s.Min,
		MaxSimilarity:       s.Max,
		AcceptanceThreshold: s.AcceptanceThreshold,
		AnchorCount:         s.AnchorCount,
		TotalFaceCount:      s.TotalFaceCount,
		PoseDistribution:    s.PoseDistribution,
		ComputedAt:          s.ComputedAt,
	}
}

func (m *statisticsModel) record() database.ClusterStatistics {
	return database.ClusterStatistics{
		ClusterID:           m.ClusterID,
		MeanSimilarity:      m.MeanSimilarity,
		Variance:            m.Variance,
		StdDev:              m.StdDev,
		Min:                 m.MinSimilarity,
		Max:                 m.MaxSimilarity,
		AcceptanceThreshold: m.AcceptanceThreshold,
		AnchorCount:         m.AnchorCount,
		TotalFaceCount:      m.TotalFaceCount,
		PoseDistribution:    m.PoseDistribution,
		ComputedAt:          m.ComputedAt,
	}
}

func toConstraintModel(c *database.ClusteringConstraint) constraintModel {
	low, high := c.FaceID1, c.FaceID2
	if high < low {
		low, high = high, low
	}
	return constraintModel{
		ID:        c.ID,
		Type:      string(c.Type),
		FaceLow:   low,
		FaceHigh:  high,
		FaceID1:   c.FaceID1,
		FaceID2:   c.FaceID2,
		CreatedBy: c.CreatedBy,
		CreatedAt: c.CreatedAt,
	}
}

func (m *constraintModel) record() database.ClusteringConstraint {
	return database.ClusteringConstraint{
		ID:        m.ID,
		Type:      database.ConstraintType(m.Type),
		FaceID1:   m.FaceID1,
		FaceID2:   m.FaceID2,
		CreatedBy: m.CreatedBy,
		CreatedAt: m.CreatedAt,
	}
}

func toHistoryModel(h *database.ClusterHistory) (historyModel, error) {
	undo, err := database.EncodeUndo(h.Undo)
	if err != nil {
		return historyModel{}, err
	}
	return historyModel{
		ID:          h.ID,
		ClusterID:   h.ClusterID,
		Operation:   string(h.Operation),
		Description: h.Description,
		UndoData:    undo,
		CanUndo:     h.CanUndo,
		ExpiresAt:   h.ExpiresAt,
		UndoneAt:    h.UndoneAt,
		CreatedAt:   h.CreatedAt,
	}, nil
}

func (m *historyModel) record() (database.ClusterHistory, error) {
	h := database.ClusterHistory{
		ID:          m.ID,
		ClusterID:   m.ClusterID,
		Operation:   database.Operation(m.Operation),
		Description: m.Description,
		CanUndo:     m.CanUndo,
		ExpiresAt:   m.ExpiresAt,
		UndoneAt:    m.UndoneAt,
		CreatedAt:   m.CreatedAt,
	}
	data, err := database.DecodeUndo(h.Operation, m.UndoData)
	if err != nil {
		return h, err
	}
	h.Undo = data
	return h, nil
}

func toCheckpointModel(cp *database.ScanCheckpoint) checkpointModel {
	return checkpointModel{
		ScanID:          cp.ScanID,
		Status:          string(cp.Status),
		Phase:           string(cp.Phase),
		FaceIDs:         cp.FaceIDs,
		Pass1Cursor:     cp.Pass1Cursor,
		DeferredFaceIDs: cp.DeferredFaceIDs,
		Pass2Cursor:     cp.Pass2Cursor,
		Counters:        cp.Counters,
		Error:           cp.Error,
		CreatedAt:       cp.CreatedAt,
		UpdatedAt:       cp.UpdatedAt,
	}
}

func (m *checkpointModel) record() database.ScanCheckpoint {
	return database.ScanCheckpoint{
		ScanID:          m.ScanID,
		Status:          database.ScanStatus(m.Status),
		Phase:           database.ScanPhase(m.Phase),
		FaceIDs:         m.FaceIDs,
		Pass1Cursor:     m.Pass1Cursor,
		DeferredFaceIDs: m.DeferredFaceIDs,
		Pass2Cursor:     m.Pass2Cursor,
		Counters:        m.Counters,
		Error:           m.Error,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}
