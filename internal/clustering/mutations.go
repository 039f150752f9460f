package clustering

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/facematch"
)

// MergeClusters folds every other cluster of ids into ids[0]. Faces and anchors move to
// the target and the sources are soft-deleted. An unnamed target takes the name of the
// first named source.
func (e *Engine) MergeClusters(ctx context.Context, ids []string) (*MutationResult, error) {
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}
	ids = dedupe(ids)
	if len(ids) < 2 {
		return nil, fmt.Errorf("%w: merge needs at least two distinct clusters", ErrInvalidState)
	}
	targetID, sourceIDs := ids[0], ids[1:]

	unlock := e.locks.Lock(ids...)
	defer unlock()

	now := e.now()
	e.mu.RLock()
	for _, id := range ids {
		if _, ok := e.ws.liveCluster(id); !ok {
			e.mu.RUnlock()
			return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, id)
		}
	}
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			if e.cannotLinkBetween(a, b) || e.cannotLinkBetween(b, a) {
				e.mu.RUnlock()
				return nil, fmt.Errorf("%w: clusters %s and %s", ErrCannotLink, a, b)
			}
		}
	}

	target := *e.ws.clusters[targetID]
	undo := database.MergeUndo{
		TargetID:       targetID,
		TargetName:     target.Name,
		TargetPersonID: target.PersonID,
	}
	changes := &database.ChangeSet{}
	for _, srcID := range sourceIDs {
		src := *e.ws.clusters[srcID]
		merged := database.MergedCluster{
			ClusterID: srcID,
			Name:      src.Name,
			PersonID:  src.PersonID,
			AnchorIDs: e.ws.clusterAnchorIDs(srcID),
			FaceIDs:   e.ws.memberIDs(srcID),
		}
		undo.Sources = append(undo.Sources, merged)

		changes.Faces = append(changes.Faces, e.movedFaces(merged.FaceIDs, targetID, now)...)
		changes.Anchors = append(changes.Anchors, e.movedAnchors(merged.AnchorIDs, targetID, nil)...)
		src.DeletedAt = &now
		src.MergedInto = targetID
		src.UpdatedAt = now
		changes.Clusters = append(changes.Clusters, src)
		if _, ok := e.ws.stats[srcID]; ok {
			changes.DeletedStatistics = append(changes.DeletedStatistics, srcID)
		}
	}
	if target.Name == "" {
		if name, personID := adoptedName(undo.Sources); name != "" {
			target.Name = name
			target.NameKey = facematch.NormalizePersonName(name)
			target.PersonID = personID
		}
	}
	target.UpdatedAt = now
	changes.Clusters = append(changes.Clusters, target)
	e.mu.RUnlock()

	entry := e.newHistory(targetID, undo, fmt.Sprintf("merged %s into %s", strings.Join(sourceIDs, ", "), targetID), now)
	changes.History = append(changes.History, entry)
	if err := e.commit(ctx, changes); err != nil {
		return nil, fmt.Errorf("merge clusters: %w", err)
	}

	for _, id := range sourceIDs {
		e.refresher.cancel(id)
	}
	e.refresher.enqueue(targetID)
	e.publishSnapshot()
	e.logger.Info("clusters merged", "cluster_id", targetID, "sources", sourceIDs, "history_id", entry.ID)
	return &MutationResult{History: &entry, ClusterID: targetID}, nil
}

// adoptedName is the name an unnamed merge target takes over.
func adoptedName(sources []database.MergedCluster) (string, string) {
	for _, s := range sources {
		if s.Name != "" {
			return s.Name, s.PersonID
		}
	}
	return "", ""
}

// SplitCluster moves faceIDs, with their anchors, out of clusterID into a new cluster.
// The faces must be a non-empty proper subset of the members.
func (e *Engine) SplitCluster(ctx context.Context, clusterID string, faceIDs []string) (*MutationResult, error) {
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}
	faceIDs = dedupe(faceIDs)
	if len(faceIDs) == 0 {
		return nil, fmt.Errorf("%w: split needs at least one face", ErrInvalidState)
	}

	now := e.now()
	created := database.PersonCluster{ClusterID: e.newID(), CreatedAt: now, UpdatedAt: now}
	unlock := e.locks.Lock(clusterID, created.ClusterID)
	defer unlock()

	e.mu.RLock()
	if _, ok := e.ws.liveCluster(clusterID); !ok {
		e.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, clusterID)
	}
	for _, id := range faceIDs {
		if e.ws.clusterOfFace(id) != clusterID {
			e.mu.RUnlock()
			return nil, fmt.Errorf("%w: face %s is not in cluster %s", ErrInvalidState, id, clusterID)
		}
	}
	if len(faceIDs) >= e.ws.memberCount(clusterID) {
		e.mu.RUnlock()
		return nil, fmt.Errorf("%w: split must leave at least one face in cluster %s", ErrInvalidState, clusterID)
	}

	var anchorIDs []string
	for _, a := range e.ws.anchorsOfFaces(faceIDs) {
		if a.ClusterID == clusterID {
			anchorIDs = append(anchorIDs, a.AnchorID)
		}
	}
	slices.Sort(anchorIDs)

	changes := &database.ChangeSet{
		Clusters: []database.PersonCluster{created},
		Faces:    e.movedFaces(faceIDs, created.ClusterID, now),
		Anchors:  e.movedAnchors(anchorIDs, created.ClusterID, nil),
	}
	e.mu.RUnlock()

	undo := database.SplitUndo{
		SourceID:     clusterID,
		NewClusterID: created.ClusterID,
		FaceIDs:      faceIDs,
		AnchorIDs:    anchorIDs,
	}
	entry := e.newHistory(clusterID, undo, fmt.Sprintf("split %d faces of %s into %s", len(faceIDs), clusterID, created.ClusterID), now)
	changes.History = append(changes.History, entry)
	if err := e.commit(ctx, changes); err != nil {
		return nil, fmt.Errorf("split cluster: %w", err)
	}

	e.refresher.enqueue(clusterID, created.ClusterID)
	e.publishSnapshot()
	e.logger.Info("cluster split", "cluster_id", clusterID, "new_cluster_id", created.ClusterID,
		"faces", len(faceIDs), "anchors", len(anchorIDs), "history_id", entry.ID)
	return &MutationResult{History: &entry, ClusterID: created.ClusterID}, nil
}

// MoveFace moves one face, and its anchor if it has one, into clusterID.
// Unassigned faces may be moved too.
func (e *Engine) MoveFace(ctx context.Context, faceID, clusterID string) (*MutationResult, error) {
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}

	e.mu.RLock()
	face, ok := e.ws.faces[faceID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFaceNotFound, faceID)
	}
	from := face.ClusterID

	unlock := e.locks.Lock(from, clusterID, faceLockKey(faceID))
	defer unlock()

	now := e.now()
	e.mu.RLock()
	face = e.ws.faces[faceID]
	switch {
	case face.ClusterID != from:
		e.mu.RUnlock()
		return nil, fmt.Errorf("%w: face %s changed cluster concurrently", ErrInvalidState, faceID)
	case from == clusterID:
		e.mu.RUnlock()
		return nil, fmt.Errorf("%w: face %s is already in cluster %s", ErrInvalidState, faceID, clusterID)
	case !face.Tier.CanJoinCluster():
		e.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s faces cannot join clusters", ErrInvalidState, face.Tier)
	}
	if _, ok := e.ws.liveCluster(clusterID); !ok {
		e.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, clusterID)
	}
	if e.vetoed(faceID, clusterID) {
		e.mu.RUnlock()
		return nil, fmt.Errorf("%w: face %s and cluster %s", ErrCannotLink, faceID, clusterID)
	}

	undo := database.MoveFaceUndo{FaceID: faceID, FromClusterID: from, ToClusterID: clusterID}
	changes := &database.ChangeSet{Faces: e.movedFaces([]string{faceID}, clusterID, now)}
	if anchorID, ok := e.ws.anchorOfFace[faceID]; ok && from != "" && e.ws.anchors[anchorID].ClusterID == from {
		undo.AnchorID = anchorID
		changes.Anchors = e.movedAnchors([]string{anchorID}, clusterID, nil)
	}
	e.mu.RUnlock()

	entry := e.newHistory(clusterID, undo, fmt.Sprintf("moved face %s from %q to %s", faceID, from, clusterID), now)
	changes.History = append(changes.History, entry)
	if err := e.commit(ctx, changes); err != nil {
		return nil, fmt.Errorf("move face: %w", err)
	}

	e.refresher.enqueue(from, clusterID)
	if undo.AnchorID != "" {
		e.publishSnapshot()
	}
	e.logger.Info("face moved", "face_id", faceID, "from", from, "cluster_id", clusterID, "history_id", entry.ID)
	return &MutationResult{History: &entry, ClusterID: clusterID}, nil
}

// RenameCluster sets the display name of a cluster and its normalized search key.
func (e *Engine) RenameCluster(ctx context.Context, clusterID, name string) (*MutationResult, error) {
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}
	name = facematch.CleanDisplayName(name)

	unlock := e.locks.Lock(clusterID)
	defer unlock()

	now := e.now()
	e.mu.RLock()
	c, ok := e.ws.liveCluster(clusterID)
	if !ok {
		e.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, clusterID)
	}
	renamed := *c
	e.mu.RUnlock()

	undo := database.RenameUndo{ClusterID: clusterID, PreviousName: renamed.Name, NewName: name}
	renamed.Name = name
	renamed.NameKey = facematch.NormalizePersonName(name)
	renamed.UpdatedAt = now

	entry := e.newHistory(clusterID, undo, fmt.Sprintf("renamed %q to %q", undo.PreviousName, name), now)
	changes := &database.ChangeSet{
		Clusters: []database.PersonCluster{renamed},
		History:  []database.ClusterHistory{entry},
	}
	if err := e.commit(ctx, changes); err != nil {
		return nil, fmt.Errorf("rename cluster: %w", err)
	}
	e.logger.Info("cluster renamed", "cluster_id", clusterID, "name", name, "history_id", entry.ID)
	return &MutationResult{History: &entry, ClusterID: clusterID}, nil
}

// DeleteCluster soft-deletes a cluster. Its faces become unassigned and its anchors
// inactive.
func (e *Engine) DeleteCluster(ctx context.Context, clusterID string) (*MutationResult, error) {
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(clusterID)
	defer unlock()

	now := e.now()
	e.mu.RLock()
	c, ok := e.ws.liveCluster(clusterID)
	if !ok {
		e.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrClusterNotFound, clusterID)
	}
	deleted := *c
	deleted.DeletedAt = &now
	deleted.UpdatedAt = now

	undo := database.DeleteUndo{
		ClusterID: clusterID,
		AnchorIDs: anchorIDs(e.ws.activeAnchors(clusterID)),
		FaceIDs:   e.ws.memberIDs(clusterID),
	}
	inactive := false
	changes := &database.ChangeSet{
		Clusters: []database.PersonCluster{deleted},
		Faces:    e.movedFaces(undo.FaceIDs, "", now),
		Anchors:  e.movedAnchors(undo.AnchorIDs, clusterID, &inactive),
	}
	if _, ok := e.ws.stats[clusterID]; ok {
		changes.DeletedStatistics = []string{clusterID}
	}
	e.mu.RUnlock()

	entry := e.newHistory(clusterID, undo, fmt.Sprintf("deleted cluster %s with %d faces", clusterID, len(undo.FaceIDs)), now)
	changes.History = append(changes.History, entry)
	if err := e.commit(ctx, changes); err != nil {
		return nil, fmt.Errorf("delete cluster: %w", err)
	}

	e.refresher.cancel(clusterID)
	e.publishSnapshot()
	e.logger.Info("cluster deleted", "cluster_id", clusterID, "faces", len(undo.FaceIDs), "history_id", entry.ID)
	return &MutationResult{History: &entry, ClusterID: clusterID}, nil
}

// movedFaces returns updated copies of the faces assigned to clusterID. Caller holds e.mu.
func (e *Engine) movedFaces(faceIDs []string, clusterID string, now time.Time) []database.FaceRecord {
	result := make([]database.FaceRecord, 0, len(faceIDs))
	for _, id := range faceIDs {
		f := *e.ws.faces[id]
		f.ClusterID = clusterID
		f.UpdatedAt = now
		result = append(result, f)
	}
	return result
}

// movedAnchors returns updated copies of the anchors owned by clusterID, optionally
// changing their active flag. Caller holds e.mu.
func (e *Engine) movedAnchors(ids []string, clusterID string, active *bool) []database.ClusterAnchor {
	result := make([]database.ClusterAnchor, 0, len(ids))
	for _, id := range ids {
		a := *e.ws.anchors[id]
		a.ClusterID = clusterID
		if active != nil {
			a.IsActive = *active
		}
		result = append(result, a)
	}
	return result
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		result = append(result, id)
	}
	return result
}
