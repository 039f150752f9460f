//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kozaktomas/face-clusters/internal/clustering"
	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/facematch"
	"github.com/kozaktomas/face-clusters/internal/logger"
)

func setupTestContainer(t *testing.T) *Store {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil || container == nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	store, err := database.Open(ctx, "postgres", database.OpenOptions{
		DSN:          fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store.(*Store)
}

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func unit(i int) []float32 {
	v := make([]float32, 512)
	v[i] = 1
	return v
}

func face(id, clusterID string, embedding []float32) database.FaceRecord {
	return database.FaceRecord{
		DetectedFace: database.DetectedFace{
			FaceID:         id,
			Embedding:      embedding,
			Source:         facematch.SourceFaceNet512,
			QualityScore:   80,
			Sharpness:      20,
			EyeVisibility:  8,
			Yaw:            12.5,
			BBox:           facematch.BoundingBox{X: 0.1, Y: 0.2, W: 0.3, H: 0.4},
			PhotoURI:       "photos/" + id + ".jpg",
			PhotoTimestamp: epoch,
		},
		Tier:      facematch.TierAnchor,
		ClusterID: clusterID,
		CreatedAt: epoch,
		UpdatedAt: epoch,
	}
}

func TestMigrations(t *testing.T) {
	store := setupTestContainer(t)
	ctx := context.Background()

	versions, err := store.pool.MigrationsApplied(ctx)
	if err != nil {
		t.Fatalf("MigrationsApplied() error = %v", err)
	}
	if !slices.Contains(versions, "001_clustering.sql") {
		t.Errorf("applied migrations = %v", versions)
	}
	// Migrating again is a no-op.
	if err := store.pool.Migrate(ctx); err != nil {
		t.Errorf("second Migrate() error = %v", err)
	}
}

func TestApplyAndLoadState(t *testing.T) {
	store := setupTestContainer(t)
	ctx := context.Background()

	deletedAt := epoch.Add(time.Hour)
	matchedAt := epoch.Add(time.Minute)
	changes := &database.ChangeSet{
		Clusters: []database.PersonCluster{
			{ClusterID: "c1", Name: "Jiří", NameKey: "jiri", CreatedAt: epoch, UpdatedAt: epoch},
			{ClusterID: "c2", MergedInto: "c1", CreatedAt: epoch, UpdatedAt: epoch, DeletedAt: &deletedAt},
		},
		Faces: []database.FaceRecord{face("f1", "c1", unit(0)), face("f2", "", unit(1))},
		Anchors: []database.ClusterAnchor{{
			AnchorID: "a1", ClusterID: "c1", FaceID: "f1", Source: facematch.SourceFaceNet512, Embedding: unit(0),
			QualityScore: 80, PoseCategory: facematch.PoseFrontal, IsActive: true, MatchCount: 3,
			LastMatchedAt: &matchedAt, CreatedAt: epoch,
		}},
		Statistics: []database.ClusterStatistics{{
			ClusterID: "c1", MeanSimilarity: 0.7, AcceptanceThreshold: 0.6, AnchorCount: 2,
			PoseDistribution: map[facematch.PoseCategory]int{facematch.PoseFrontal: 2}, ComputedAt: epoch,
		}},
		Constraints: []database.ClusteringConstraint{{
			ID: "k1", Type: database.CannotLink, FaceID1: "f1", FaceID2: "later", CreatedBy: "user", CreatedAt: epoch,
		}},
	}
	if err := store.Apply(ctx, changes); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	state, err := store.LoadState(ctx)
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if len(state.Faces) != 2 || len(state.Clusters) != 2 || len(state.Anchors) != 1 ||
		len(state.Statistics) != 1 || len(state.Constraints) != 1 {
		t.Fatalf("state sizes = %d/%d/%d/%d/%d", len(state.Faces), len(state.Clusters), len(state.Anchors),
			len(state.Statistics), len(state.Constraints))
	}

	f1 := state.Faces[0]
	if f1.ClusterID != "c1" || f1.BBox.W != 0.3 || f1.Yaw != 12.5 || len(f1.Embedding) != 512 || f1.Embedding[0] != 1 {
		t.Errorf("face f1 = %+v", f1)
	}
	if state.Faces[1].ClusterID != "" {
		t.Errorf("unassigned face cluster = %q", state.Faces[1].ClusterID)
	}
	if c2 := state.Clusters[1]; !c2.IsDeleted() || c2.MergedInto != "c1" {
		t.Errorf("cluster c2 = %+v", c2)
	}
	if a := state.Anchors[0]; a.MatchCount != 3 || a.LastMatchedAt == nil || !a.LastMatchedAt.Equal(matchedAt) {
		t.Errorf("anchor = %+v", a)
	}
	if got := state.Statistics[0].PoseDistribution[facematch.PoseFrontal]; got != 2 {
		t.Errorf("pose distribution = %v", state.Statistics[0].PoseDistribution)
	}

	// Moving a face and dropping statistics.
	moved := face("f2", "c1", unit(1))
	moved.UpdatedAt = epoch.Add(time.Hour)
	if err := store.Apply(ctx, &database.ChangeSet{
		Faces:              []database.FaceRecord{moved},
		DeletedStatistics:  []string{"c1"},
		DeletedConstraints: []string{"k1"},
	}); err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	got, err := store.GetFaces(ctx, []string{"missing", "f2", "f1"})
	if err != nil {
		t.Fatalf("GetFaces() error = %v", err)
	}
	if len(got) != 2 || got[0].FaceID != "f2" || got[0].ClusterID != "c1" {
		t.Errorf("GetFaces() = %+v", got)
	}
	state, _ = store.LoadState(ctx)
	if len(state.Statistics) != 0 || len(state.Constraints) != 0 {
		t.Errorf("statistics/constraints left = %d/%d", len(state.Statistics), len(state.Constraints))
	}
}

func TestApplyIsAtomic(t *testing.T) {
	store := setupTestContainer(t)
	ctx := context.Background()

	err := store.Apply(ctx, &database.ChangeSet{
		Clusters: []database.PersonCluster{{ClusterID: "c1", CreatedAt: epoch, UpdatedAt: epoch}},
		Anchors: []database.ClusterAnchor{{
			AnchorID: "a1", ClusterID: "c1", FaceID: "no-such-face", Source: facematch.SourceFaceNet512,
			Embedding: unit(0), PoseCategory: facematch.PoseFrontal, CreatedAt: epoch,
		}},
	})
	if err == nil {
		t.Fatal("Apply() with a dangling anchor succeeded")
	}
	state, err := store.LoadState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Clusters) != 0 {
		t.Errorf("cluster of the failed change set was stored")
	}
}

func TestHistoryAndCheckpoints(t *testing.T) {
	store := setupTestContainer(t)
	ctx := context.Background()

	expires := epoch.Add(7 * 24 * time.Hour)
	entries := []database.ClusterHistory{
		{ID: "h1", ClusterID: "c1", Operation: database.OpRename, Description: "rename",
			Undo: database.RenameUndo{ClusterID: "c1", PreviousName: "a", NewName: "b"}, CanUndo: true,
			ExpiresAt: &expires, CreatedAt: epoch},
		{ID: "h2", ClusterID: "c2", Operation: database.OpSplit,
			Undo: database.SplitUndo{SourceID: "c2", NewClusterID: "c3", FaceIDs: []string{"f"}}, CanUndo: true,
			CreatedAt: epoch.Add(time.Second)},
	}
	cp := &database.ScanCheckpoint{
		ScanID: "s1", Status: database.ScanPaused, Phase: database.PhasePass1, FaceIDs: []string{"f1", "f2"},
		Pass1Cursor: 1, Counters: database.ScanCounters{TotalCount: 2, Assigned: 1}, CreatedAt: epoch, UpdatedAt: epoch,
	}
	if err := store.Apply(ctx, &database.ChangeSet{History: entries, Checkpoint: cp}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	all, err := store.ListHistory(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	if len(all) != 2 || all[0].ID != "h2" {
		t.Errorf("ListHistory() = %+v, want newest first", all)
	}
	forC1, _ := store.ListHistory(ctx, "c1", 10)
	if len(forC1) != 1 || forC1[0].ID != "h1" {
		t.Errorf("ListHistory(c1) = %+v", forC1)
	}

	if err := store.Apply(ctx, &database.ChangeSet{UndoneHistory: []database.HistoryMark{{ID: "h1", UndoneAt: epoch.Add(time.Hour)}}}); err != nil {
		t.Fatal(err)
	}
	h, err := store.GetHistory(ctx, "h1")
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if h.UndoneAt == nil || h.ExpiresAt == nil {
		t.Errorf("history = %+v", h)
	}
	if u, ok := h.Undo.(database.RenameUndo); !ok || u.PreviousName != "a" {
		t.Errorf("undo data = %#v", h.Undo)
	}
	if _, err := store.GetHistory(ctx, "missing"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("GetHistory(missing) error = %v, want ErrNotFound", err)
	}

	got, err := store.GetCheckpoint(ctx, "s1")
	if err != nil {
		t.Fatalf("GetCheckpoint() error = %v", err)
	}
	if got.Status != database.ScanPaused || got.Pass1Cursor != 1 || !slices.Equal(got.FaceIDs, cp.FaceIDs) ||
		got.Counters.Assigned != 1 || len(got.DeferredFaceIDs) != 0 {
		t.Errorf("checkpoint = %+v", got)
	}
	if _, err := store.GetCheckpoint(ctx, "missing"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("GetCheckpoint(missing) error = %v, want ErrNotFound", err)
	}
}

func TestEngineOnPostgres(t *testing.T) {
	store := setupTestContainer(t)
	ctx := context.Background()

	engine, err := clustering.New(store, clustering.DefaultConfig(), clustering.WithLogger(logger.Nop()))
	if err != nil {
		t.Fatal(err)
	}
	defer engine.Close()
	if err := engine.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var faces []database.DetectedFace
	for i, id := range []string{"a", "b"} {
		faces = append(faces, face(id, "", unit(i)).DetectedFace)
	}
	scan, err := engine.StartScan(ctx, faces)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := scan.Wait(waitCtx); err != nil {
		t.Fatalf("scan error = %v", err)
	}

	state, err := store.LoadState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Clusters) != 2 || len(state.Anchors) != 2 {
		t.Errorf("stored %d clusters and %d anchors, want 2 and 2", len(state.Clusters), len(state.Anchors))
	}
}
