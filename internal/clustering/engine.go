// Package clustering implements anchor-based incremental face clustering: the two-pass
// assignment of detected faces to person clusters, adaptive cluster statistics, pose
// bridge suggestions, user constraints and the reversible mutation log.
package clustering

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/facematch"
)

// Engine owns the in-memory clustering state and serializes every write through the store.
// Writes follow the same sequence everywhere: lock the affected clusters, decide on the
// working set, apply the change set to the store, then mirror it in memory.
type Engine struct {
	store  database.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	mu          sync.RWMutex // guards ws, constraints and loaded
	ws          *workingSet
	constraints *constraintSet
	loaded      bool

	locks *clusterLocks

	snapMu   sync.Mutex
	index    *database.AnchorIndex
	snapshot atomic.Pointer[AnchorSnapshot]
	version  atomic.Uint64

	events    *Broadcaster
	refresher *statsRefresher
	stop      context.CancelFunc
	bg        sync.WaitGroup

	scanMu sync.Mutex
	scans  map[string]*Scan
	active *Scan
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the UUID generator used for new records.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// New creates an engine on top of store. Call Load before using it.
func New(store database.Store, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid clustering config: %w", err)
	}
	e := &Engine{
		store:       store,
		cfg:         cfg,
		logger:      slog.Default(),
		now:         time.Now,
		newID:       uuid.NewString,
		ws:          newWorkingSet(),
		constraints: newConstraintSet(),
		locks:       newClusterLocks(),
		events:      &Broadcaster{},
		scans:       make(map[string]*Scan),
	}
	e.refresher = newStatsRefresher(e)
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Events returns the decision event broadcaster.
func (e *Engine) Events() *Broadcaster { return e.events }

// Load reads the persisted state into memory and publishes the first anchor snapshot.
func (e *Engine) Load(ctx context.Context) error {
	if e.scanActive() {
		return ErrScanRunning
	}

	state, err := e.store.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("load clustering state: %w", err)
	}

	ws := newWorkingSet()
	ws.load(state, e.logger)
	constraints := newConstraintSet()
	for _, c := range state.Constraints {
		for _, face := range []string{c.FaceID1, c.FaceID2} {
			if _, ok := ws.faces[face]; !ok {
				e.logger.Warn("constraint references unknown face, inactive until it exists",
					"constraint_id", c.ID, "face_id", face)
			}
		}
		constraints.add(c)
	}

	index := database.NewAnchorIndex()
	index.SetExactSearchLimit(e.cfg.ExactSearchLimit)

	e.mu.Lock()
	e.ws = ws
	e.constraints = constraints
	e.loaded = true
	e.mu.Unlock()

	e.snapMu.Lock()
	e.index = index
	e.snapMu.Unlock()
	snap := e.publishSnapshot()

	var stale []string
	e.mu.RLock()
	for id := range ws.clusters {
		if _, live := ws.liveCluster(id); !live {
			continue
		}
		if _, ok := ws.stats[id]; !ok && len(ws.activeAnchors(id)) >= e.cfg.StatsMinAnchors {
			stale = append(stale, id)
		}
	}
	e.mu.RUnlock()
	slices.Sort(stale)
	e.refresher.enqueue(stale...)

	e.logger.Info("clustering state loaded",
		"faces", len(state.Faces),
		"clusters", len(state.Clusters),
		"anchors", snap.Len(),
		"constraints", len(state.Constraints))
	return nil
}

// Start runs the background statistics refresher until Close.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.stop = cancel
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		e.refresher.run(ctx)
	}()
	if e.refresher.pending() > 0 {
		e.refresher.enqueue()
	}
}

// Close cancels the running scan, stops background work and closes event listeners.
// The store is left open.
func (e *Engine) Close() {
	e.scanMu.Lock()
	active := e.active
	e.scanMu.Unlock()
	if active != nil {
		active.cancel()
		<-active.Done()
	}
	if e.stop != nil {
		e.stop()
	}
	e.bg.Wait()
	e.events.closeAll()
}

func (e *Engine) ensureLoaded() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.loaded {
		return ErrNotLoaded
	}
	return nil
}

// commit persists a change set and mirrors it in memory. Callers hold the locks of
// every cluster the change set touches.
func (e *Engine) commit(ctx context.Context, changes *database.ChangeSet) error {
	if err := e.store.Apply(ctx, changes); err != nil {
		return err
	}
	e.mu.Lock()
	e.ws.apply(changes)
	for _, c := range changes.Constraints {
		e.constraints.add(c)
	}
	for _, id := range changes.DeletedConstraints {
		e.constraints.remove(id)
	}
	e.mu.Unlock()
	return nil
}

// publishSnapshot builds and installs a new anchor snapshot version.
func (e *Engine) publishSnapshot() *AnchorSnapshot {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	e.mu.RLock()
	snap := buildSnapshot(e.version.Add(1), e.now(), e.ws, e.index, e.cfg.MaxAnchorsPerCluster, e.cfg.SearchCandidates)
	e.mu.RUnlock()
	e.snapshot.Store(snap)
	return snap
}

// Snapshot returns the current anchor snapshot, or nil before Load.
func (e *Engine) Snapshot() *AnchorSnapshot {
	return e.snapshot.Load()
}

func (e *Engine) emit(ev Event) {
	ev.Time = e.now()
	e.events.SendEvent(ev)
}

// Face returns a stored face.
func (e *Engine) Face(faceID string) (database.FaceRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.ws.faces[faceID]
	if !ok {
		return database.FaceRecord{}, ErrFaceNotFound
	}
	return *f, nil
}

// Clusters lists clusters ordered by creation time. Soft-deleted clusters are included
// only on request.
func (e *Engine) Clusters(includeDeleted bool) []ClusterSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	result := make([]ClusterSummary, 0, len(e.ws.clusters))
	for _, c := range e.ws.clusters {
		if c.IsDeleted() && !includeDeleted {
			continue
		}
		result = append(result, e.summary(c))
	}
	slices.SortFunc(result, func(a, b ClusterSummary) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ClusterID, b.ClusterID)
	})
	return result
}

// SearchClusters returns live clusters whose name contains query, ignoring case and diacritics.
func (e *Engine) SearchClusters(query string) []ClusterSummary {
	key := facematch.NormalizePersonName(query)
	var result []ClusterSummary
	for _, c := range e.Clusters(false) {
		if strings.Contains(facematch.NormalizePersonName(c.Name), key) {
			result = append(result, c)
		}
	}
	return result
}

// Cluster returns a cluster with its anchors, members and statistics.
func (e *Engine) Cluster(clusterID string) (*ClusterDetail, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.ws.clusters[clusterID]
	if !ok {
		return nil, ErrClusterNotFound
	}
	detail := &ClusterDetail{
		ClusterSummary: e.summary(c),
		FaceIDs:        e.ws.memberIDs(clusterID),
	}
	for _, a := range e.ws.activeAnchors(clusterID) {
		detail.Anchors = append(detail.Anchors, *a)
	}
	if s, ok := e.ws.stats[clusterID]; ok {
		stats := *s
		detail.Statistics = &stats
	}
	return detail, nil
}

func (e *Engine) summary(c *database.PersonCluster) ClusterSummary {
	return ClusterSummary{
		ClusterID:   c.ClusterID,
		Name:        c.Name,
		PersonID:    c.PersonID,
		FaceCount:   e.ws.memberCount(c.ClusterID),
		AnchorCount: len(e.ws.activeAnchors(c.ClusterID)),
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		DeletedAt:   c.DeletedAt,
		MergedInto:  c.MergedInto,
	}
}

// Statistics returns the cached statistics of a cluster.
func (e *Engine) Statistics(clusterID string) (*database.ClusterStatistics, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.ws.stats[clusterID]
	if !ok {
		return nil, false
	}
	stats := *s
	return &stats, true
}

// RefreshStatistics recomputes the statistics of the given clusters, or of every live
// cluster when none are given, and waits for the result.
func (e *Engine) RefreshStatistics(ctx context.Context, clusterIDs ...string) error {
	if err := e.ensureLoaded(); err != nil {
		return err
	}
	if len(clusterIDs) == 0 {
		for _, c := range e.Clusters(false) {
			clusterIDs = append(clusterIDs, c.ClusterID)
		}
	}
	for _, id := range clusterIDs {
		e.refresher.cancel(id)
		if _, err := e.refreshCluster(ctx, id, true); err != nil {
			return err
		}
	}
	return nil
}

// History lists history entries, newest first.
func (e *Engine) History(ctx context.Context, clusterID string, limit int) ([]database.ClusterHistory, error) {
	entries, err := e.store.ListHistory(ctx, clusterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return entries, nil
}

// Constraints lists every stored constraint.
func (e *Engine) Constraints() []database.ClusteringConstraint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.constraints.all()
}

// Scan returns an in-memory scan handle.
func (e *Engine) Scan(scanID string) (*Scan, bool) {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()
	s, ok := e.scans[scanID]
	return s, ok
}

// Scans lists every persisted scan checkpoint, newest first. In-memory scans report
// their live state.
func (e *Engine) Scans(ctx context.Context) ([]database.ScanCheckpoint, error) {
	stored, err := e.store.ListCheckpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	for i := range stored {
		if s, ok := e.Scan(stored[i].ScanID); ok {
			stored[i] = s.Checkpoint()
		}
	}
	return stored, nil
}

// ScanCheckpoint returns the live or persisted checkpoint of a scan.
func (e *Engine) ScanCheckpoint(ctx context.Context, scanID string) (*database.ScanCheckpoint, error) {
	if s, ok := e.Scan(scanID); ok {
		cp := s.Checkpoint()
		return &cp, nil
	}
	cp, err := e.store.GetCheckpoint(ctx, scanID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrScanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan %s: %w", scanID, err)
	}
	return cp, nil
}

func (e *Engine) scanActive() bool {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()
	return e.active != nil && e.active.running()
}

// undoExpiry returns CanUndo and the expiry of a new history entry.
func (e *Engine) undoExpiry(now time.Time) (bool, *time.Time) {
	switch {
	case e.cfg.UndoTTL < 0:
		return false, nil
	case e.cfg.UndoTTL == 0:
		return true, nil
	default:
		expires := now.Add(e.cfg.UndoTTL)
		return true, &expires
	}
}

func (e *Engine) newHistory(clusterID string, data database.UndoData, description string, now time.Time) database.ClusterHistory {
	canUndo, expires := e.undoExpiry(now)
	return database.ClusterHistory{
		ID:          e.newID(),
		ClusterID:   clusterID,
		Operation:   data.Operation(),
		Description: description,
		Undo:        data,
		CanUndo:     canUndo,
		ExpiresAt:   expires,
		CreatedAt:   now,
	}
}

// newAnchor promotes a face to an anchor of clusterID.
func (e *Engine) newAnchor(face *database.FaceRecord, clusterID string, now time.Time) database.ClusterAnchor {
	return database.ClusterAnchor{
		AnchorID:           e.newID(),
		ClusterID:          clusterID,
		FaceID:             face.FaceID,
		Source:             face.Source,
		Embedding:          face.Embedding,
		QualityScore:       face.QualityScore,
		SharpnessScore:     face.Sharpness,
		EyeVisibilityScore: face.EyeVisibility,
		PoseCategory:       face.Pose(),
		Yaw:                face.Yaw,
		Roll:               face.Roll,
		IsActive:           true,
		CreatedAt:          now,
	}
}

// faceLockKey namespaces face ids inside the cluster lock table.
func faceLockKey(faceID string) string {
	return "face:" + faceID
}
