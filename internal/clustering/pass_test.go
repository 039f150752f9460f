package clustering

import (
	"math"
	"slices"
	"testing"
	"time"

	"github.com/kozaktomas/face-clusters/internal/database"
)

func deferredReason(faces []DeferredFace, faceID string) (DeferReason, bool) {
	for _, d := range faces {
		if d.FaceID == faceID {
			return d.Reason, true
		}
	}
	return "", false
}

func TestScanThreeFacesOnePhoto(t *testing.T) {
	env := newTestEnv(t, nil)
	events := env.engine.Events().AddListener()

	photo := inPhoto("photos/party.jpg", testEpoch)
	f1 := anchorFace("f1", vec(1), photo)
	f2 := anchorFace("f2", vec(0.71, 0.70420), photo)
	b := (0.40 - 0.71*0.40) / 0.70420
	f3 := memberFace("f3", vec(0.40, b, math.Sqrt(1-0.40*0.40-b*b)), photo)

	result := env.scan(f1, f2, f3)

	if result.Status != database.ScanCompleted {
		t.Fatalf("Status = %s, want completed", result.Status)
	}
	if len(result.Pass1.Created) != 1 {
		t.Fatalf("Pass1.Created = %v, want one cluster", result.Pass1.Created)
	}
	c1 := result.Pass1.Created[0]
	if got := env.clusterOf("f1"); got != c1 {
		t.Errorf("f1 cluster = %q, want %q", got, c1)
	}
	if got := env.clusterOf("f2"); got != c1 {
		t.Errorf("f2 cluster = %q, want %q", got, c1)
	}
	if got := env.clusterOf("f3"); got != "" {
		t.Errorf("f3 cluster = %q, want unassigned", got)
	}

	if len(result.Pass1.Assigned) != 1 || !result.Pass1.Assigned[0].Promoted {
		t.Errorf("Pass1.Assigned = %+v, want f2 promoted", result.Pass1.Assigned)
	}
	if got := len(env.mem.Anchors(c1)); got != 2 {
		t.Errorf("anchors of %s = %d, want 2", c1, got)
	}
	if reason, ok := deferredReason(result.Pass1.Deferred, "f3"); !ok || reason != ReasonUncertain {
		t.Errorf("f3 Pass 1 reason = %q (deferred %v), want uncertain", reason, ok)
	}
	if len(result.Pass2.Resolved) != 0 {
		t.Errorf("Pass2.Resolved = %+v, want none", result.Pass2.Resolved)
	}
	if _, ok := deferredReason(result.Pass2.Unresolved, "f3"); !ok {
		t.Error("f3 should stay unresolved after Pass 2")
	}

	want := database.ScanCounters{ScannedCount: 3, TotalCount: 3, FacesFound: 3, Assigned: 1, Created: 1, Deferred: 1}
	if result.Counters != want {
		t.Errorf("Counters = %+v, want %+v", result.Counters, want)
	}

	seen := map[EventType]bool{}
	for len(events) > 0 {
		seen[(<-events).Type] = true
	}
	for _, typ := range []EventType{EventClusterCreated, EventAssigned, EventDeferred, EventProgress, EventScanStatus} {
		if !seen[typ] {
			t.Errorf("missing %s event", typ)
		}
	}
}

func TestPass1NeverCommitsUncertainScores(t *testing.T) {
	for _, sim := range []float64{0.36, 0.45, 0.50, 0.61} {
		env := newTestEnv(t, combine(clusterState("c1", "", []database.DetectedFace{anchorFace("a1", vec(1))})))

		result := env.scan(anchorFace("x", mix(sim, 0)))

		if len(result.Pass1.Assigned) != 0 || len(result.Pass1.Created) != 0 {
			t.Errorf("similarity %v: Pass 1 committed %+v / %v", sim, result.Pass1.Assigned, result.Pass1.Created)
		}
		if reason, ok := deferredReason(result.Pass1.Deferred, "x"); !ok || reason != ReasonUncertain {
			t.Errorf("similarity %v: reason = %q, want uncertain", sim, reason)
		}
	}
}

func TestPass1SafeDifferentAnchorFoundsCluster(t *testing.T) {
	env := newTestEnv(t, combine(clusterState("c1", "", []database.DetectedFace{anchorFace("a1", vec(1))})))

	result := env.scan(anchorFace("x", mix(0.20, 0)))

	if len(result.Pass1.Created) != 1 {
		t.Fatalf("Pass1.Created = %v, want one cluster", result.Pass1.Created)
	}
	if got := env.clusterOf("x"); got == "c1" || got == "" {
		t.Errorf("x cluster = %q, want a new cluster", got)
	}
}

func TestPass1EvidenceGap(t *testing.T) {
	seed := func() *database.State {
		return combine(
			clusterState("c1", "", []database.DetectedFace{anchorFace("a1", vec(1))}),
			clusterState("c2", "", []database.DetectedFace{anchorFace("a2", vec(0, 1))}),
		)
	}

	t.Run("clear winner", func(t *testing.T) {
		env := newTestEnv(t, seed())
		result := env.scan(anchorFace("x", mix(0.75, 0.625)))
		if len(result.Pass1.Assigned) != 1 || result.Pass1.Assigned[0].ClusterID != "c1" {
			t.Fatalf("Pass1.Assigned = %+v, want x in c1", result.Pass1.Assigned)
		}
	})

	t.Run("ambiguous", func(t *testing.T) {
		env := newTestEnv(t, seed())
		result := env.scan(anchorFace("x", mix(0.70, 0.65)))
		if reason, ok := deferredReason(result.Pass1.Deferred, "x"); !ok || reason != ReasonAmbiguous {
			t.Errorf("reason = %q, want ambiguous", reason)
		}
		if len(result.Pass1.Assigned) != 0 {
			t.Errorf("Pass1.Assigned = %+v, want none", result.Pass1.Assigned)
		}
	})
}

func TestClusteringTierNeverFoundsClusters(t *testing.T) {
	env := newTestEnv(t, nil)

	result := env.scan(memberFace("m1", vec(1)), memberFace("m2", vec(1)))

	if len(result.Pass1.Created) != 0 {
		t.Errorf("Pass1.Created = %v, want none", result.Pass1.Created)
	}
	for _, id := range []string{"m1", "m2"} {
		if reason, _ := deferredReason(result.Pass1.Deferred, id); reason != ReasonNoNearbyAnchor {
			t.Errorf("%s reason = %q, want no_nearby_anchor", id, reason)
		}
		if got := env.clusterOf(id); got != "" {
			t.Errorf("%s cluster = %q, want unassigned", id, got)
		}
	}
	if got := len(env.engine.Clusters(true)); got != 0 {
		t.Errorf("clusters = %d, want 0", got)
	}
}

func TestDisplayOnlyFacesStayInert(t *testing.T) {
	env := newTestEnv(t, combine(clusterState("c1", "", []database.DetectedFace{anchorFace("a1", vec(1))})))

	result := env.scan(anchorFace("d", vec(1), withQuality(40, 5, 0)))

	if !slices.Equal(result.Pass1.DisplayOnly, []string{"d"}) {
		t.Errorf("Pass1.DisplayOnly = %v, want [d]", result.Pass1.DisplayOnly)
	}
	if got := env.clusterOf("d"); got != "" {
		t.Errorf("display-only face joined %q", got)
	}
}

func TestCannotLinkVetoesSafeSame(t *testing.T) {
	seed := combine(clusterState("c1", "", []database.DetectedFace{anchorFace("a1", vec(1))}))
	seed.Constraints = []database.ClusteringConstraint{
		constraint("k1", database.CannotLink, "a1", "x"),
		constraint("k2", database.CannotLink, "a1", "m"),
	}
	env := newTestEnv(t, seed)

	result := env.scan(anchorFace("x", mix(0.95, 0)), memberFace("m", mix(0.95, 0)))

	if got := env.clusterOf("x"); got == "c1" || got == "" {
		t.Errorf("x cluster = %q, want its own cluster", got)
	}
	if got := env.clusterOf("m"); got == "c1" {
		t.Errorf("m joined the cluster of its cannot-link partner")
	}
	for _, a := range slices.Concat(result.Pass1.Assigned, result.Pass2.Resolved) {
		if a.ClusterID == "c1" {
			t.Errorf("assignment %+v ignores a cannot-link constraint", a)
		}
	}
}

func TestMustLinkForcesAssignment(t *testing.T) {
	seed := combine(clusterState("c1", "", []database.DetectedFace{anchorFace("a1", vec(1))}))
	seed.Constraints = []database.ClusteringConstraint{constraint("k1", database.MustLink, "a1", "m")}
	env := newTestEnv(t, seed)

	result := env.scan(memberFace("m", vec(0, 1)))

	if got := env.clusterOf("m"); got != "c1" {
		t.Fatalf("m cluster = %q, want c1", got)
	}
	if len(result.Pass1.Assigned) != 1 || result.Pass1.Assigned[0].Pass != 1 {
		t.Errorf("Pass1.Assigned = %+v, want a forced Pass 1 assignment", result.Pass1.Assigned)
	}
}

func TestMustLinkConflictDefers(t *testing.T) {
	seed := combine(
		clusterState("c1", "", []database.DetectedFace{anchorFace("a1", vec(1))}),
		clusterState("c2", "", []database.DetectedFace{anchorFace("a2", vec(0, 1))}),
	)
	seed.Constraints = []database.ClusteringConstraint{
		constraint("k1", database.MustLink, "a1", "m"),
		constraint("k2", database.MustLink, "a2", "m"),
	}
	env := newTestEnv(t, seed)

	result := env.scan(memberFace("m", vec(1)))

	if reason, _ := deferredReason(result.Pass1.Deferred, "m"); reason != ReasonMustLinkConflict {
		t.Errorf("Pass 1 reason = %q, want must_link_conflict", reason)
	}
	if reason, _ := deferredReason(result.Pass2.Unresolved, "m"); reason != ReasonMustLinkConflict {
		t.Errorf("Pass 2 reason = %q, want must_link_conflict", reason)
	}
	if got := env.clusterOf("m"); got != "" {
		t.Errorf("m cluster = %q, want unassigned", got)
	}
}

func TestPass2SessionBoost(t *testing.T) {
	anchor := anchorFace("a1", vec(1), inPhoto("photos/p.jpg", testEpoch))
	env := newTestEnv(t, combine(clusterState("c1", "", []database.DetectedFace{anchor})))

	near := memberFace("near", mix(0.47, 0), inPhoto("photos/q.jpg", testEpoch.Add(10*time.Minute)))
	far := memberFace("far", mix(0.47, 0), inPhoto("photos/r.jpg", testEpoch.Add(5*time.Hour)))
	result := env.scan(near, far)

	if len(result.Pass1.Deferred) != 2 {
		t.Fatalf("Pass1.Deferred = %d faces, want 2", len(result.Pass1.Deferred))
	}
	if len(result.Pass2.Resolved) != 1 || result.Pass2.Resolved[0].FaceID != "near" {
		t.Fatalf("Pass2.Resolved = %+v, want near only", result.Pass2.Resolved)
	}
	if got := result.Pass2.Resolved[0]; got.ClusterID != "c1" || got.Promoted || got.Pass != 2 {
		t.Errorf("resolution = %+v, want unpromoted Pass 2 assignment to c1", got)
	}
	if got := env.clusterOf("far"); got != "" {
		t.Errorf("far cluster = %q, want unassigned", got)
	}
	if got := len(env.mem.Anchors("c1")); got != 1 {
		t.Errorf("anchors of c1 = %d, Pass 2 must not promote", got)
	}
}

func TestPass2MultiAnchorSupport(t *testing.T) {
	anchors := []database.DetectedFace{
		anchorFace("a1", vec(1)),
		anchorFace("a2", vec(0.6, 0.8)),
	}
	env := newTestEnv(t, combine(clusterState("c1", "", anchors)), func(cfg *Config) {
		cfg.MinSupportingAnchors = 2
	})

	// 0.49 against both anchors: below the single-anchor threshold of 0.50, above the
	// per-anchor multi threshold of 0.48.
	x := memberFace("x", vec(0.49, 0.245, 0.83659))
	sims := []float64{
		similarity(x.Embedding, anchors[0].Embedding),
		similarity(x.Embedding, anchors[1].Embedding),
	}
	for _, s := range sims {
		if s < 0.48 || s >= 0.50 {
			t.Fatalf("fixture similarity %v outside [0.48, 0.50)", s)
		}
	}

	result := env.scan(x)

	if len(result.Pass2.Resolved) != 1 || result.Pass2.Resolved[0].ClusterID != "c1" {
		t.Fatalf("Pass2.Resolved = %+v, want x in c1", result.Pass2.Resolved)
	}

	strict := newTestEnv(t, combine(clusterState("c1", "", anchors)), func(cfg *Config) {
		cfg.MinSupportingAnchors = 3
	})
	result = strict.scan(memberFace("x", x.Embedding))
	if len(result.Pass2.Resolved) != 0 {
		t.Errorf("Pass2.Resolved = %+v, want none with three supporting anchors required", result.Pass2.Resolved)
	}
}

func TestPass2AdaptiveThreshold(t *testing.T) {
	tests := []struct {
		name        string
		second      []float32 // second anchor beside vec(1)
		wantCluster string
	}{
		// anchors 0.40 apart: acceptance clamps to 0.45, threshold drops to the 0.48 floor
		{"loose cluster accepts", vec(0.4, 0.9165), "c1"},
		// anchors 0.99 apart: acceptance clamps to 0.65, threshold stays at 0.50
		{"tight cluster refuses", vec(0.99, 0.1411), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			anchors := []database.DetectedFace{anchorFace("a1", vec(1)), anchorFace("a2", tt.second)}
			env := newTestEnv(t, combine(clusterState("c1", "", anchors)), func(cfg *Config) {
				cfg.MinSupportingAnchors = 3
			})
			x := memberFace("x", mix(0.49, 0), inPhoto("photos/x.jpg", testEpoch.Add(5*time.Hour)))

			env.scan(x)

			if got := env.clusterOf("x"); got != tt.wantCluster {
				t.Errorf("x cluster = %q, want %q", got, tt.wantCluster)
			}
		})
	}
}

func TestPass2RefusesCloseRivals(t *testing.T) {
	seed := func() *database.State {
		return combine(
			clusterState("c1", "", []database.DetectedFace{anchorFace("a1", vec(1))}),
			clusterState("c2", "", []database.DetectedFace{anchorFace("a2", vec(0, 1))}),
		)
	}
	// Outside the session of both anchors, so no boost applies.
	elsewhere := inPhoto("photos/x.jpg", testEpoch.Add(5*time.Hour))

	tests := []struct {
		name        string
		embedding   []float32
		wantCluster string
	}{
		{"single anchor tie", mix(0.55, 0.55), ""},
		{"single anchor within margin", mix(0.56, 0.55), ""},
		{"single anchor clear winner", mix(0.58, 0.50), "c1"},
		{"corroboration tie", mix(0.49, 0.49), ""},
		{"corroboration without rival", mix(0.49, 0.40), "c1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, seed())
			result := env.scan(memberFace("x", tt.embedding, elsewhere))

			if got := env.clusterOf("x"); got != tt.wantCluster {
				t.Fatalf("x cluster = %q, want %q", got, tt.wantCluster)
			}
			if tt.wantCluster != "" {
				return
			}
			if reason, ok := deferredReason(result.Pass2.Unresolved, "x"); !ok || reason != ReasonAmbiguous {
				t.Errorf("Pass 2 reason = %q, want ambiguous", reason)
			}
		})
	}
}

func TestScanOrderIsStable(t *testing.T) {
	faces := []database.DetectedFace{
		anchorFace("f1", vec(1)),
		anchorFace("f2", vec(0.9, 0.4359)),
		anchorFace("f3", vec(0, 1)),
		memberFace("f4", vec(0.2, 0.98)),
	}
	run := func() membership {
		env := newTestEnv(t, nil, func(cfg *Config) { cfg.Pass1Window = 2 })
		env.scan(faces...)
		return env.membership()
	}
	a, b := run(), run()
	for id, cluster := range a.Faces {
		if b.Faces[id] != cluster {
			t.Errorf("face %s: cluster %q vs %q across identical runs", id, cluster, b.Faces[id])
		}
	}
}

func TestKnownFacesAreNotRewritten(t *testing.T) {
	env := newTestEnv(t, combine(clusterState("c1", "", []database.DetectedFace{anchorFace("a1", vec(1))})))

	result := env.scan(anchorFace("a1", vec(0, 1)))

	if len(result.Pass1.Created) != 0 {
		t.Errorf("Pass1.Created = %v, want none for a clustered face", result.Pass1.Created)
	}
	f, err := env.engine.Face("a1")
	if err != nil {
		t.Fatalf("Face() error = %v", err)
	}
	if f.Embedding[0] != 1 || f.ClusterID != "c1" {
		t.Errorf("stored face changed: cluster %q, embedding[0] %v", f.ClusterID, f.Embedding[0])
	}
}

func similarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
