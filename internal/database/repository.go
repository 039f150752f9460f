package database

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by readers when a record does not exist.
var ErrNotFound = errors.New("record not found")

// State is the full clustering working set loaded at engine start.
type State struct {
	Faces       []FaceRecord
	Clusters    []PersonCluster
	Anchors     []ClusterAnchor
	Statistics  []ClusterStatistics
	Constraints []ClusteringConstraint
}

// HistoryMark marks a history entry as undone.
type HistoryMark struct {
	ID       string
	UndoneAt time.Time
}

// ChangeSet is every write belonging to one committed decision. Backends apply it
// atomically: all records are upserted or none are.
type ChangeSet struct {
	Faces              []FaceRecord
	Clusters           []PersonCluster
	Anchors            []ClusterAnchor
	Statistics         []ClusterStatistics
	DeletedStatistics  []string // cluster ids whose statistics row is dropped
	History            []ClusterHistory
	UndoneHistory      []HistoryMark
	Constraints        []ClusteringConstraint
	DeletedConstraints []string
	Checkpoint         *ScanCheckpoint
}

// IsEmpty reports whether the change set carries no writes.
func (c *ChangeSet) IsEmpty() bool {
	return len(c.Faces) == 0 && len(c.Clusters) == 0 && len(c.Anchors) == 0 &&
		len(c.Statistics) == 0 && len(c.DeletedStatistics) == 0 && len(c.History) == 0 &&
		len(c.UndoneHistory) == 0 && len(c.Constraints) == 0 && len(c.DeletedConstraints) == 0 &&
		c.Checkpoint == nil
}

// StateReader loads the clustering working set
type StateReader interface {
	// LoadState returns all persisted faces, clusters (including soft-deleted ones),
	// anchors (including inactive ones), statistics and constraints
	LoadState(ctx context.Context) (*State, error)
}

// FaceReader provides read-only access to persisted faces
type FaceReader interface {
	// GetFaces returns the faces with the given ids; unknown ids are skipped
	GetFaces(ctx context.Context, faceIDs []string) ([]FaceRecord, error)
}

// HistoryReader provides read-only access to the mutation log
type HistoryReader interface {
	// GetHistory returns one history entry, or ErrNotFound
	GetHistory(ctx context.Context, id string) (*ClusterHistory, error)
	// ListHistory returns the newest entries first; an empty clusterID lists all clusters
	ListHistory(ctx context.Context, clusterID string, limit int) ([]ClusterHistory, error)
}

// CheckpointReader provides read-only access to scan checkpoints
type CheckpointReader interface {
	// GetCheckpoint returns the checkpoint of a scan, or ErrNotFound
	GetCheckpoint(ctx context.Context, scanID string) (*ScanCheckpoint, error)
	// ListCheckpoints returns all checkpoints, newest first
	ListCheckpoints(ctx context.Context) ([]ScanCheckpoint, error)
}

// Writer applies change sets
type Writer interface {
	// Apply upserts every record of the change set in a single transaction
	Apply(ctx context.Context, changes *ChangeSet) error
}

// Store is the persistence contract of the clustering engine.
type Store interface {
	StateReader
	FaceReader
	HistoryReader
	CheckpointReader
	Writer
	Close() error
}
