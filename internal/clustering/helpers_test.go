package clustering

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/database/mock"
	"github.com/kozaktomas/face-clusters/internal/facematch"
	"github.com/kozaktomas/face-clusters/internal/logger"
)

var testEpoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeClock ticks one millisecond per reading so records get distinct timestamps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%04d", prefix, n.Add(1))
	}
}

// vec builds a FaceNet embedding from its leading components.
func vec(components ...float64) []float32 {
	v := make([]float32, facematch.SourceFaceNet512.Dimension())
	for i, c := range components {
		v[i] = float32(c)
	}
	return v
}

// mix returns a unit vector with similarity a to axis 0, b to axis 1 and the remainder
// on axis 2.
func mix(a, b float64) []float32 {
	return vec(a, b, math.Sqrt(1-a*a-b*b))
}

type faceOption func(f *database.DetectedFace)

func inPhoto(uri string, at time.Time) faceOption {
	return func(f *database.DetectedFace) {
		f.PhotoURI = uri
		f.PhotoTimestamp = at
	}
}

func withYaw(yaw float64) faceOption {
	return func(f *database.DetectedFace) { f.Yaw = yaw }
}

func withBox(x, y, w, h float64) faceOption {
	return func(f *database.DetectedFace) { f.BBox = facematch.BoundingBox{X: x, Y: y, W: w, H: h} }
}

func withQuality(score, sharpness, eyes float64) faceOption {
	return func(f *database.DetectedFace) {
		f.QualityScore = score
		f.Sharpness = sharpness
		f.EyeVisibility = eyes
	}
}

// anchorFace returns an ANCHOR tier face.
func anchorFace(id string, embedding []float32, opts ...faceOption) database.DetectedFace {
	f := database.DetectedFace{
		FaceID:         id,
		Embedding:      embedding,
		Source:         facematch.SourceFaceNet512,
		QualityScore:   80,
		Sharpness:      20,
		EyeVisibility:  8,
		PhotoURI:       "photos/" + id + ".jpg",
		PhotoTimestamp: testEpoch,
	}
	for _, opt := range opts {
		opt(&f)
	}
	return f
}

// memberFace returns a CLUSTERING tier face.
func memberFace(id string, embedding []float32, opts ...faceOption) database.DetectedFace {
	return anchorFace(id, embedding, append([]faceOption{withQuality(55, 12, 2)}, opts...)...)
}

// clusterState builds a live cluster whose anchor faces are promoted and whose member
// faces are plain members.
func clusterState(clusterID, name string, anchorFaces []database.DetectedFace, members ...database.DetectedFace) database.State {
	state := database.State{Clusters: []database.PersonCluster{{
		ClusterID: clusterID,
		Name:      name,
		NameKey:   facematch.NormalizePersonName(name),
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
	}}}
	for _, f := range slices.Concat(anchorFaces, members) {
		state.Faces = append(state.Faces, database.FaceRecord{
			DetectedFace: f,
			Tier:         facematch.ClassifyQuality(f.Metrics()),
			ClusterID:    clusterID,
			CreatedAt:    testEpoch,
			UpdatedAt:    testEpoch,
		})
	}
	for _, f := range anchorFaces {
		state.Anchors = append(state.Anchors, database.ClusterAnchor{
			AnchorID:           "anchor-" + f.FaceID,
			ClusterID:          clusterID,
			FaceID:             f.FaceID,
			Source:             f.Source,
			Embedding:          f.Embedding,
			QualityScore:       f.QualityScore,
			SharpnessScore:     f.Sharpness,
			EyeVisibilityScore: f.EyeVisibility,
			PoseCategory:       f.Pose(),
			Yaw:                f.Yaw,
			IsActive:           true,
			CreatedAt:          testEpoch,
		})
	}
	return state
}

func combine(states ...database.State) *database.State {
	all := &database.State{}
	for _, s := range states {
		all.Faces = append(all.Faces, s.Faces...)
		all.Clusters = append(all.Clusters, s.Clusters...)
		all.Anchors = append(all.Anchors, s.Anchors...)
		all.Statistics = append(all.Statistics, s.Statistics...)
		all.Constraints = append(all.Constraints, s.Constraints...)
	}
	return all
}

func constraint(id string, t database.ConstraintType, a, b string) database.ClusteringConstraint {
	return database.ClusteringConstraint{ID: id, Type: t, FaceID1: a, FaceID2: b, CreatedBy: "user", CreatedAt: testEpoch}
}

type testEnv struct {
	t      *testing.T
	mem    *mock.MockStore
	engine *Engine
	clock  *fakeClock
}

func newTestEnv(t *testing.T, seed *database.State, mutate ...func(cfg *Config)) *testEnv {
	t.Helper()
	mem := mock.NewMockStore()
	return newTestEnvWithStore(t, mem, mem, seed, mutate...)
}

func newTestEnvWithStore(t *testing.T, store database.Store, mem *mock.MockStore, seed *database.State, mutate ...func(cfg *Config)) *testEnv {
	t.Helper()
	if seed != nil {
		mem.Seed(seed)
	}
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	clock := newFakeClock()
	e, err := New(store, cfg,
		WithLogger(logger.Nop()),
		WithClock(clock.Now),
		WithIDGenerator(sequentialIDs("id")))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := e.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	t.Cleanup(e.Close)
	return &testEnv{t: t, mem: mem, engine: e, clock: clock}
}

// scan runs a batch to completion.
func (env *testEnv) scan(faces ...database.DetectedFace) ScanResult {
	env.t.Helper()
	s, err := env.engine.StartScan(context.Background(), faces)
	if err != nil {
		env.t.Fatalf("StartScan() error = %v", err)
	}
	return env.wait(s)
}

func (env *testEnv) wait(s *Scan) ScanResult {
	env.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := s.Wait(ctx)
	if err != nil {
		env.t.Fatalf("scan %s error = %v", s.ID(), err)
	}
	return result
}

func (env *testEnv) clusterOf(faceID string) string {
	env.t.Helper()
	f, ok := env.mem.Face(faceID)
	if !ok {
		env.t.Fatalf("face %s not stored", faceID)
	}
	return f.ClusterID
}

// membership captures the persisted live structure: face to cluster, active anchor to
// cluster and live cluster to name.
type membership struct {
	Faces    map[string]string
	Anchors  map[string]string
	Clusters map[string]string
}

func (env *testEnv) membership() membership {
	env.t.Helper()
	state, err := env.mem.LoadState(context.Background())
	if err != nil {
		env.t.Fatalf("LoadState() error = %v", err)
	}
	m := membership{Faces: map[string]string{}, Anchors: map[string]string{}, Clusters: map[string]string{}}
	for _, f := range state.Faces {
		m.Faces[f.FaceID] = f.ClusterID
	}
	for _, a := range state.Anchors {
		if a.IsActive {
			m.Anchors[a.AnchorID] = a.ClusterID
		}
	}
	for _, c := range state.Clusters {
		if !c.IsDeleted() {
			m.Clusters[c.ClusterID] = c.Name
		}
	}
	return m
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// gatedStore blocks Apply calls after the first `after` calls until the gate is closed.
type gatedStore struct {
	*mock.MockStore
	after   int32
	calls   atomic.Int32
	gate    chan struct{}
	waiting chan struct{}
}

func newGatedStore(mem *mock.MockStore, after int32) *gatedStore {
	return &gatedStore{MockStore: mem, after: after, gate: make(chan struct{}), waiting: make(chan struct{}, 1)}
}

func (g *gatedStore) Apply(ctx context.Context, changes *database.ChangeSet) error {
	if g.calls.Add(1) > g.after {
		select {
		case g.waiting <- struct{}{}:
		default:
		}
		select {
		case <-g.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return g.MockStore.Apply(ctx, changes)
}
