package clustering

import (
	"cmp"
	"log/slog"
	"slices"

	"github.com/kozaktomas/face-clusters/internal/database"
)

// workingSet mirrors the persisted clustering state in memory. Records are replaced,
// never modified in place, so pointers handed to snapshots stay immutable.
type workingSet struct {
	faces        map[string]*database.FaceRecord
	clusters     map[string]*database.PersonCluster
	anchors      map[string]*database.ClusterAnchor
	anchorOfFace map[string]string
	byCluster    map[string]map[string]struct{} // anchor ids per cluster
	members      map[string]map[string]struct{}
	stats        map[string]*database.ClusterStatistics
	anchorGen    map[string]uint64
}

func newWorkingSet() *workingSet {
	return &workingSet{
		faces:        make(map[string]*database.FaceRecord),
		clusters:     make(map[string]*database.PersonCluster),
		anchors:      make(map[string]*database.ClusterAnchor),
		anchorOfFace: make(map[string]string),
		byCluster:    make(map[string]map[string]struct{}),
		members:      make(map[string]map[string]struct{}),
		stats:        make(map[string]*database.ClusterStatistics),
		anchorGen:    make(map[string]uint64),
	}
}

// load fills the working set from persisted state. Records that reference a missing or
// deleted cluster are logged and treated as inactive without being rewritten.
func (ws *workingSet) load(state *database.State, logger *slog.Logger) {
	for i := range state.Clusters {
		c := state.Clusters[i]
		ws.clusters[c.ClusterID] = &c
	}
	for i := range state.Faces {
		f := state.Faces[i]
		if f.ClusterID != "" {
			if _, ok := ws.liveCluster(f.ClusterID); !ok {
				logger.Error("face references missing or deleted cluster, treating as unassigned",
					"face_id", f.FaceID, "cluster_id", f.ClusterID)
				f.ClusterID = ""
			}
		}
		ws.putFace(&f)
	}
	for i := range state.Anchors {
		a := state.Anchors[i]
		if a.IsActive {
			if _, ok := ws.liveCluster(a.ClusterID); !ok {
				logger.Error("active anchor references missing or deleted cluster, treating as inactive",
					"anchor_id", a.AnchorID, "cluster_id", a.ClusterID)
				a.IsActive = false
			}
		}
		ws.putAnchor(&a)
	}
	for i := range state.Statistics {
		s := state.Statistics[i]
		ws.stats[s.ClusterID] = &s
	}
}

// apply mirrors a committed change set.
func (ws *workingSet) apply(changes *database.ChangeSet) {
	for i := range changes.Clusters {
		c := changes.Clusters[i]
		ws.clusters[c.ClusterID] = &c
	}
	for i := range changes.Faces {
		f := changes.Faces[i]
		ws.putFace(&f)
	}
	for i := range changes.Anchors {
		a := changes.Anchors[i]
		ws.putAnchor(&a)
	}
	for i := range changes.Statistics {
		s := changes.Statistics[i]
		ws.stats[s.ClusterID] = &s
	}
	for _, id := range changes.DeletedStatistics {
		delete(ws.stats, id)
	}
}

func (ws *workingSet) putFace(f *database.FaceRecord) {
	if old, ok := ws.faces[f.FaceID]; ok && old.ClusterID != "" && old.ClusterID != f.ClusterID {
		if set := ws.members[old.ClusterID]; set != nil {
			delete(set, f.FaceID)
		}
	}
	ws.faces[f.FaceID] = f
	if f.ClusterID != "" {
		set := ws.members[f.ClusterID]
		if set == nil {
			set = make(map[string]struct{})
			ws.members[f.ClusterID] = set
		}
		set[f.FaceID] = struct{}{}
	}
}

func (ws *workingSet) putAnchor(a *database.ClusterAnchor) {
	if old, ok := ws.anchors[a.AnchorID]; ok {
		if old.ClusterID != a.ClusterID || old.IsActive != a.IsActive {
			ws.anchorGen[old.ClusterID]++
			ws.anchorGen[a.ClusterID]++
		}
		if old.ClusterID != a.ClusterID {
			delete(ws.byCluster[old.ClusterID], a.AnchorID)
		}
	} else {
		ws.anchorGen[a.ClusterID]++
	}
	ws.anchors[a.AnchorID] = a
	set := ws.byCluster[a.ClusterID]
	if set == nil {
		set = make(map[string]struct{})
		ws.byCluster[a.ClusterID] = set
	}
	set[a.AnchorID] = struct{}{}
	ws.anchorOfFace[a.FaceID] = a.AnchorID
}

// liveCluster returns a cluster that exists and is not soft-deleted.
func (ws *workingSet) liveCluster(id string) (*database.PersonCluster, bool) {
	c, ok := ws.clusters[id]
	if !ok || c.IsDeleted() {
		return nil, false
	}
	return c, true
}

// liveAnchor returns an active anchor whose cluster is live.
func (ws *workingSet) liveAnchor(id string) (*database.ClusterAnchor, bool) {
	a, ok := ws.anchors[id]
	if !ok || !a.IsActive {
		return nil, false
	}
	if _, ok := ws.liveCluster(a.ClusterID); !ok {
		return nil, false
	}
	return a, true
}

func (ws *workingSet) clusterOfFace(faceID string) string {
	if f, ok := ws.faces[faceID]; ok {
		return f.ClusterID
	}
	return ""
}

func (ws *workingSet) memberIDs(clusterID string) []string {
	set := ws.members[clusterID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (ws *workingSet) memberCount(clusterID string) int {
	return len(ws.members[clusterID])
}

// clusterAnchorIDs returns the ids of every anchor of a cluster, active or not, sorted.
func (ws *workingSet) clusterAnchorIDs(clusterID string) []string {
	ids := make([]string, 0, len(ws.byCluster[clusterID]))
	for id := range ws.byCluster[clusterID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// activeAnchors returns the active anchors of a cluster, best quality first.
func (ws *workingSet) activeAnchors(clusterID string) []*database.ClusterAnchor {
	var result []*database.ClusterAnchor
	for id := range ws.byCluster[clusterID] {
		if a := ws.anchors[id]; a.IsActive {
			result = append(result, a)
		}
	}
	sortAnchors(result)
	return result
}

// anchorsOfFaces returns the anchors (active or not) promoted from the faces.
func (ws *workingSet) anchorsOfFaces(faceIDs []string) []*database.ClusterAnchor {
	var result []*database.ClusterAnchor
	for _, id := range faceIDs {
		if anchorID, ok := ws.anchorOfFace[id]; ok {
			result = append(result, ws.anchors[anchorID])
		}
	}
	return result
}

func sortAnchors(anchors []*database.ClusterAnchor) {
	slices.SortFunc(anchors, func(a, b *database.ClusterAnchor) int {
		if c := cmp.Compare(b.QualityScore, a.QualityScore); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.AnchorID, b.AnchorID)
	})
}

func anchorIDs(anchors []*database.ClusterAnchor) []string {
	ids := make([]string, len(anchors))
	for i, a := range anchors {
		ids[i] = a.AnchorID
	}
	slices.Sort(ids)
	return ids
}
