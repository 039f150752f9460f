// Package mock provides an in-memory implementation of database.Store for testing.
package mock

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/kozaktomas/face-clusters/internal/database"
)

// MockStore is an in-memory database.Store.
type MockStore struct {
	mu          sync.RWMutex
	faces       map[string]database.FaceRecord
	clusters    map[string]database.PersonCluster
	anchors     map[string]database.ClusterAnchor
	stats       map[string]database.ClusterStatistics
	constraints map[string]database.ClusteringConstraint
	history     map[string]database.ClusterHistory
	checkpoints map[string]database.ScanCheckpoint
	order       []string // history ids in insertion order

	// Error injection
	LoadStateError     error
	GetFacesError      error
	GetHistoryError    error
	GetCheckpointError error
	ApplyError         error
	FailApplyAfter     int // when > 0, Apply fails with ApplyError once this many calls succeeded
	ApplyCalls         int
	SuccessfulApplies  int
	Closed             bool
}

// NewMockStore creates an empty store.
func NewMockStore() *MockStore {
	return &MockStore{
		faces:       make(map[string]database.FaceRecord),
		clusters:    make(map[string]database.PersonCluster),
		anchors:     make(map[string]database.ClusterAnchor),
		stats:       make(map[string]database.ClusterStatistics),
		constraints: make(map[string]database.ClusteringConstraint),
		history:     make(map[string]database.ClusterHistory),
		checkpoints: make(map[string]database.ScanCheckpoint),
	}
}

// LoadState returns copies of every stored record.
func (m *MockStore) LoadState(ctx context.Context) (*database.State, error) {
	if m.LoadStateError != nil {
		return nil, m.LoadStateError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := &database.State{}
	for _, f := range m.faces {
		state.Faces = append(state.Faces, f)
	}
	for _, c := range m.clusters {
		state.Clusters = append(state.Clusters, c)
	}
	for _, a := range m.anchors {
		state.Anchors = append(state.Anchors, a)
	}
	for _, s := range m.stats {
		state.Statistics = append(state.Statistics, s)
	}
	for _, c := range m.constraints {
		state.Constraints = append(state.Constraints, c)
	}
	slices.SortFunc(state.Faces, func(a, b database.FaceRecord) int { return cmp.Compare(a.FaceID, b.FaceID) })
	slices.SortFunc(state.Anchors, func(a, b database.ClusterAnchor) int { return cmp.Compare(a.AnchorID, b.AnchorID) })
	return state, nil
}

// GetFaces returns the known faces among faceIDs in the requested order.
func (m *MockStore) GetFaces(ctx context.Context, faceIDs []string) ([]database.FaceRecord, error) {
	if m.GetFacesError != nil {
		return nil, m.GetFacesError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]database.FaceRecord, 0, len(faceIDs))
	for _, id := range faceIDs {
		if f, ok := m.faces[id]; ok {
			result = append(result, f)
		}
	}
	return result, nil
}

// GetHistory returns one history entry.
func (m *MockStore) GetHistory(ctx context.Context, id string) (*database.ClusterHistory, error) {
	if m.GetHistoryError != nil {
		return nil, m.GetHistoryError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.history[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &h, nil
}

// ListHistory returns the newest entries first.
func (m *MockStore) ListHistory(ctx context.Context, clusterID string, limit int) ([]database.ClusterHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []database.ClusterHistory
	for i := len(m.order) - 1; i >= 0; i-- {
		h := m.history[m.order[i]]
		if clusterID != "" && h.ClusterID != clusterID {
			continue
		}
		result = append(result, h)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// GetCheckpoint returns the checkpoint of a scan.
func (m *MockStore) GetCheckpoint(ctx context.Context, scanID string) (*database.ScanCheckpoint, error) {
	if m.GetCheckpointError != nil {
		return nil, m.GetCheckpointError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[scanID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &cp, nil
}

// ListCheckpoints returns all checkpoints, newest first.
func (m *MockStore) ListCheckpoints(ctx context.Context) ([]database.ScanCheckpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]database.ScanCheckpoint, 0, len(m.checkpoints))
	for _, cp := range m.checkpoints {
		result = append(result, cp)
	}
	slices.SortFunc(result, func(a, b database.ScanCheckpoint) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	return result, nil
}

// Apply stores every record of the change set, or nothing when an error is injected.
func (m *MockStore) Apply(ctx context.Context, changes *database.ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ApplyCalls++
	if m.ApplyError != nil && (m.FailApplyAfter == 0 || m.SuccessfulApplies >= m.FailApplyAfter) {
		return m.ApplyError
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("apply change set: %w", err)
	}

	for _, f := range changes.Faces {
		m.faces[f.FaceID] = f
	}
	for _, c := range changes.Clusters {
		m.clusters[c.ClusterID] = c
	}
	for _, a := range changes.Anchors {
		m.anchors[a.AnchorID] = a
	}
	for _, s := range changes.Statistics {
		m.stats[s.ClusterID] = s
	}
	for _, id := range changes.DeletedStatistics {
		delete(m.stats, id)
	}
	for _, h := range changes.History {
		if _, exists := m.history[h.ID]; !exists {
			m.order = append(m.order, h.ID)
		}
		m.history[h.ID] = h
	}
	for _, mark := range changes.UndoneHistory {
		if h, ok := m.history[mark.ID]; ok {
			undoneAt := mark.UndoneAt
			h.UndoneAt = &undoneAt
			m.history[mark.ID] = h
		}
	}
	for _, c := range changes.Constraints {
		m.constraints[c.ID] = c
	}
	for _, id := range changes.DeletedConstraints {
		delete(m.constraints, id)
	}
	if changes.Checkpoint != nil {
		m.checkpoints[changes.Checkpoint.ScanID] = *changes.Checkpoint
	}

	m.SuccessfulApplies++
	return nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.Closed = true
	return nil
}

// Face returns a stored face for assertions.
func (m *MockStore) Face(id string) (database.FaceRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.faces[id]
	return f, ok
}

// Cluster returns a stored cluster for assertions.
func (m *MockStore) Cluster(id string) (database.PersonCluster, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clusters[id]
	return c, ok
}

// Anchors returns the stored anchors of a cluster.
func (m *MockStore) Anchors(clusterID string) []database.ClusterAnchor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []database.ClusterAnchor
	for _, a := range m.anchors {
		if a.ClusterID == clusterID {
			result = append(result, a)
		}
	}
	slices.SortFunc(result, func(a, b database.ClusterAnchor) int { return cmp.Compare(a.AnchorID, b.AnchorID) })
	return result
}

// Statistics returns the stored statistics of a cluster.
func (m *MockStore) Statistics(clusterID string) (database.ClusterStatistics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[clusterID]
	return s, ok
}

// Seed stores records directly, bypassing error injection.
func (m *MockStore) Seed(state *database.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range state.Faces {
		m.faces[f.FaceID] = f
	}
	for _, c := range state.Clusters {
		m.clusters[c.ClusterID] = c
	}
	for _, a := range state.Anchors {
		m.anchors[a.AnchorID] = a
	}
	for _, s := range state.Statistics {
		m.stats[s.ClusterID] = s
	}
	for _, c := range state.Constraints {
		m.constraints[c.ID] = c
	}
}

var _ database.Store = (*MockStore)(nil)
