package clustering

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/kozaktomas/face-clusters/internal/database"
)

// disjointSet is a union-find over face ids, balanced by rank. find never writes, so
// readers may share it.
type disjointSet struct {
	parent map[string]string
	rank   map[string]int
}

func newDisjointSet() *disjointSet {
	return &disjointSet{parent: make(map[string]string), rank: make(map[string]int)}
}

func (d *disjointSet) find(x string) string {
	p, ok := d.parent[x]
	if !ok {
		return x
	}
	for p != x {
		x, p = p, d.parent[p]
	}
	return x
}

func (d *disjointSet) union(a, b string) {
	if _, ok := d.parent[a]; !ok {
		d.parent[a] = a
	}
	if _, ok := d.parent[b]; !ok {
		d.parent[b] = b
	}
	ra, rb := d.find(a), d.find(b)
	if ra == rb {
		return
	}
	switch {
	case d.rank[ra] < d.rank[rb]:
		d.parent[ra] = rb
	case d.rank[ra] > d.rank[rb]:
		d.parent[rb] = ra
	default:
		d.parent[rb] = ra
		d.rank[ra]++
	}
}

// constraintSet indexes clustering constraints by face.
type constraintSet struct {
	byID   map[string]*database.ClusteringConstraint
	byFace map[string][]*database.ClusteringConstraint
	links  *disjointSet // must-link closure, kept current by add and remove
}

func newConstraintSet() *constraintSet {
	return &constraintSet{
		byID:   make(map[string]*database.ClusteringConstraint),
		byFace: make(map[string][]*database.ClusteringConstraint),
		links:  newDisjointSet(),
	}
}

func (s *constraintSet) add(c database.ClusteringConstraint) {
	if _, exists := s.byID[c.ID]; exists {
		s.remove(c.ID)
	}
	s.byID[c.ID] = &c
	s.byFace[c.FaceID1] = append(s.byFace[c.FaceID1], &c)
	s.byFace[c.FaceID2] = append(s.byFace[c.FaceID2], &c)
	if c.Type == database.MustLink {
		s.links.union(c.FaceID1, c.FaceID2)
	}
}

func (s *constraintSet) remove(id string) {
	c, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	for _, face := range []string{c.FaceID1, c.FaceID2} {
		s.byFace[face] = slices.DeleteFunc(s.byFace[face], func(x *database.ClusteringConstraint) bool { return x.ID == id })
		if len(s.byFace[face]) == 0 {
			delete(s.byFace, face)
		}
	}
	if c.Type == database.MustLink {
		s.links = newDisjointSet()
		for _, other := range s.byID {
			if other.Type == database.MustLink {
				s.links.union(other.FaceID1, other.FaceID2)
			}
		}
	}
}

// find returns a constraint on the unordered face pair.
func (s *constraintSet) find(t database.ConstraintType, a, b string) (*database.ClusteringConstraint, bool) {
	for _, c := range s.byFace[a] {
		if c.Type == t && c.Other(a) == b {
			return c, true
		}
	}
	return nil, false
}

func (s *constraintSet) all() []database.ClusteringConstraint {
	result := make([]database.ClusteringConstraint, 0, len(s.byID))
	for _, c := range s.byID {
		result = append(result, *c)
	}
	slices.SortFunc(result, func(a, b database.ClusteringConstraint) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return result
}

// cannotLinkPartners returns the faces the given face must never share a cluster with.
func (s *constraintSet) cannotLinkPartners(faceID string) []string {
	var result []string
	for _, c := range s.byFace[faceID] {
		if c.Type == database.CannotLink {
			result = append(result, c.Other(faceID))
		}
	}
	return result
}

// mustLinkGroup returns every face transitively must-linked to faceID, excluding itself.
// It only reads, so callers holding e.mu for reading may run it concurrently.
func (s *constraintSet) mustLinkGroup(faceID string) []string {
	hasMustLink := false
	for _, c := range s.byFace[faceID] {
		if c.Type == database.MustLink {
			hasMustLink = true
			break
		}
	}
	if !hasMustLink {
		return nil
	}

	root := s.links.find(faceID)
	var group []string
	for face := range s.links.parent {
		if face != faceID && s.links.find(face) == root {
			group = append(group, face)
		}
	}
	slices.Sort(group)
	return group
}

// AddConstraint stores a must-link or cannot-link constraint between two faces. Adding
// an existing constraint returns it unchanged. Constraints conflicting with the current
// membership are stored and reported: a cannot-link pair sharing a cluster needs a split,
// a must-link pair in different clusters is suggested for merging.
func (e *Engine) AddConstraint(ctx context.Context, t database.ConstraintType, faceID1, faceID2, createdBy string) (*ConstraintResult, error) {
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}
	switch {
	case t != database.MustLink && t != database.CannotLink:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidConstraint, t)
	case faceID1 == "" || faceID2 == "":
		return nil, fmt.Errorf("%w: both face ids are required", ErrInvalidConstraint)
	case faceID1 == faceID2:
		return nil, fmt.Errorf("%w: a face cannot be constrained with itself", ErrInvalidConstraint)
	}
	if createdBy == "" {
		createdBy = "user"
	}

	e.mu.RLock()
	keys := []string{faceLockKey(faceID1), faceLockKey(faceID2), e.ws.clusterOfFace(faceID1), e.ws.clusterOfFace(faceID2)}
	e.mu.RUnlock()
	unlock := e.locks.Lock(keys...)
	defer unlock()

	e.mu.RLock()
	if existing, ok := e.constraints.find(t, faceID1, faceID2); ok {
		e.mu.RUnlock()
		return &ConstraintResult{Constraint: *existing, Existing: true}, nil
	}
	opposite := database.CannotLink
	if t == database.CannotLink {
		opposite = database.MustLink
	}
	if _, ok := e.constraints.find(opposite, faceID1, faceID2); ok {
		e.mu.RUnlock()
		return nil, fmt.Errorf("%w: faces %s and %s already have a %s constraint", ErrInvalidConstraint, faceID1, faceID2, opposite)
	}

	_, known1 := e.ws.faces[faceID1]
	_, known2 := e.ws.faces[faceID2]
	cluster1, cluster2 := e.ws.clusterOfFace(faceID1), e.ws.clusterOfFace(faceID2)
	e.mu.RUnlock()

	c := database.ClusteringConstraint{
		ID:        e.newID(),
		Type:      t,
		FaceID1:   faceID1,
		FaceID2:   faceID2,
		CreatedBy: createdBy,
		CreatedAt: e.now(),
	}
	if err := e.commit(ctx, &database.ChangeSet{Constraints: []database.ClusteringConstraint{c}}); err != nil {
		return nil, fmt.Errorf("add constraint: %w", err)
	}

	result := &ConstraintResult{Constraint: c}
	logger := e.logger.With("constraint_id", c.ID, "type", t, "face_id1", faceID1, "face_id2", faceID2)
	switch {
	case !known1 || !known2:
		logger.Info("constraint references unknown face, inactive until it exists")
	case t == database.CannotLink && cluster1 != "" && cluster1 == cluster2:
		result.Conflict = fmt.Sprintf("faces already share cluster %s, split it to honour the constraint", cluster1)
		logger.Warn("cannot-link constraint conflicts with current membership", "cluster_id", cluster1)
		e.emit(Event{Type: EventConstraintConflict, FaceID: faceID1, ClusterID: cluster1, Reason: result.Conflict})
	case t == database.MustLink && cluster1 != "" && cluster2 != "" && cluster1 != cluster2:
		result.Conflict = fmt.Sprintf("faces are in clusters %s and %s, merge them to honour the constraint", cluster1, cluster2)
		logger.Info("must-link constraint spans two clusters", "cluster_a", cluster1, "cluster_b", cluster2)
		e.emit(Event{Type: EventMergeSuggested, ClusterID: cluster1, ClusterB: cluster2, Confidence: 1, Reason: "must_link"})
	default:
		logger.Info("constraint added")
	}
	return result, nil
}

// RemoveConstraint deletes a constraint.
func (e *Engine) RemoveConstraint(ctx context.Context, id string) error {
	if err := e.ensureLoaded(); err != nil {
		return err
	}
	e.mu.RLock()
	_, ok := e.constraints.byID[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrConstraintMissing, id)
	}
	if err := e.commit(ctx, &database.ChangeSet{DeletedConstraints: []string{id}}); err != nil {
		return fmt.Errorf("remove constraint: %w", err)
	}
	e.logger.Info("constraint removed", "constraint_id", id)
	return nil
}
