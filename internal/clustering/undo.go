package clustering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/facematch"
)

const (
	reasonStateChanged = "cluster state changed since the operation"
	reasonCannotLink   = "a cannot-link constraint now separates these faces"
)

// Undo reverses a history entry exactly once. Entries that expired, were already undone,
// or whose clusters changed since are reported as no-ops, not errors.
func (e *Engine) Undo(ctx context.Context, historyID string) (*UndoResult, error) {
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}

	h, err := e.store.GetHistory(ctx, historyID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrHistoryNotFound, historyID)
	}
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", historyID, err)
	}

	result := &UndoResult{HistoryID: h.ID, Operation: h.Operation}
	now := e.now()
	if ok, reason := h.Undoable(now); !ok {
		result.Reason = reason
		e.logger.Info("undo skipped", "history_id", h.ID, "operation", h.Operation, "reason", reason)
		return result, nil
	}

	unlock := e.locks.Lock(undoClusters(h.Undo)...)
	defer unlock()

	e.mu.RLock()
	changes, reason := e.reverse(h.Undo, now)
	e.mu.RUnlock()
	if reason != "" {
		result.Reason = reason
		e.logger.Info("undo skipped", "history_id", h.ID, "operation", h.Operation, "reason", reason)
		return result, nil
	}

	changes.UndoneHistory = []database.HistoryMark{{ID: h.ID, UndoneAt: now}}
	if err := e.commit(ctx, changes); err != nil {
		return nil, fmt.Errorf("undo %s: %w", h.Operation, err)
	}

	for _, id := range changes.DeletedStatistics {
		e.refresher.cancel(id)
	}
	for _, c := range changes.Clusters {
		if !c.IsDeleted() {
			e.refresher.enqueue(c.ClusterID)
		}
	}
	if len(changes.Anchors) > 0 || len(changes.Clusters) > 0 {
		e.publishSnapshot()
	}

	result.Applied = true
	e.logger.Info("operation undone", "history_id", h.ID, "operation", h.Operation, "cluster_id", h.ClusterID)
	return result, nil
}

// undoClusters lists the clusters an undo touches.
func undoClusters(data database.UndoData) []string {
	switch u := data.(type) {
	case database.CreateUndo:
		return []string{u.ClusterID}
	case database.MergeUndo:
		ids := []string{u.TargetID}
		for _, s := range u.Sources {
			ids = append(ids, s.ClusterID)
		}
		return ids
	case database.SplitUndo:
		return []string{u.SourceID, u.NewClusterID}
	case database.MoveFaceUndo:
		return []string{u.FromClusterID, u.ToClusterID}
	case database.DeleteUndo:
		return []string{u.ClusterID}
	case database.RenameUndo:
		return []string{u.ClusterID}
	}
	return nil
}

// reverse builds the change set restoring the state before an operation. It returns a
// reason instead when the current state no longer matches the state the operation left.
// Caller holds e.mu.
func (e *Engine) reverse(data database.UndoData, now time.Time) (*database.ChangeSet, string) {
	switch u := data.(type) {
	case database.CreateUndo:
		return e.reverseCreate(u, now)
	case database.MergeUndo:
		return e.reverseMerge(u, now)
	case database.SplitUndo:
		return e.reverseSplit(u, now)
	case database.MoveFaceUndo:
		return e.reverseMove(u, now)
	case database.DeleteUndo:
		return e.reverseDelete(u, now)
	case database.RenameUndo:
		return e.reverseRename(u, now)
	}
	return nil, "operation does not support undo"
}

func (e *Engine) reverseCreate(u database.CreateUndo, now time.Time) (*database.ChangeSet, string) {
	c, ok := e.ws.liveCluster(u.ClusterID)
	if !ok || !e.exactMembers(u.ClusterID, u.FaceIDs) || !e.anchorsIn(u.AnchorIDs, u.ClusterID, true) {
		return nil, reasonStateChanged
	}
	deleted := *c
	deleted.DeletedAt = &now
	deleted.UpdatedAt = now

	inactive := false
	changes := &database.ChangeSet{
		Clusters: []database.PersonCluster{deleted},
		Faces:    e.movedFaces(u.FaceIDs, "", now),
		Anchors:  e.movedAnchors(u.AnchorIDs, u.ClusterID, &inactive),
	}
	if _, ok := e.ws.stats[u.ClusterID]; ok {
		changes.DeletedStatistics = []string{u.ClusterID}
	}
	return changes, ""
}

func (e *Engine) reverseMerge(u database.MergeUndo, now time.Time) (*database.ChangeSet, string) {
	t, ok := e.ws.liveCluster(u.TargetID)
	if !ok {
		return nil, reasonStateChanged
	}
	for _, s := range u.Sources {
		src, ok := e.ws.clusters[s.ClusterID]
		if !ok || !src.IsDeleted() || src.MergedInto != u.TargetID {
			return nil, reasonStateChanged
		}
		if !e.membersIn(s.FaceIDs, u.TargetID) || !e.anchorsIn(s.AnchorIDs, u.TargetID, false) {
			return nil, reasonStateChanged
		}
	}

	changes := &database.ChangeSet{}
	for _, s := range u.Sources {
		restored := *e.ws.clusters[s.ClusterID]
		restored.DeletedAt = nil
		restored.MergedInto = ""
		restored.UpdatedAt = now
		changes.Clusters = append(changes.Clusters, restored)
		changes.Faces = append(changes.Faces, e.movedFaces(s.FaceIDs, s.ClusterID, now)...)
		changes.Anchors = append(changes.Anchors, e.movedAnchors(s.AnchorIDs, s.ClusterID, nil)...)
	}

	target := *t
	if name, _ := adoptedName(u.Sources); u.TargetName == "" && name != "" && target.Name == name {
		target.Name = u.TargetName
		target.NameKey = facematch.NormalizePersonName(u.TargetName)
		target.PersonID = u.TargetPersonID
	}
	target.UpdatedAt = now
	changes.Clusters = append(changes.Clusters, target)
	return changes, ""
}

func (e *Engine) reverseSplit(u database.SplitUndo, now time.Time) (*database.ChangeSet, string) {
	src, ok := e.ws.liveCluster(u.SourceID)
	if !ok {
		return nil, reasonStateChanged
	}
	created, ok := e.ws.liveCluster(u.NewClusterID)
	if !ok || !e.exactMembers(u.NewClusterID, u.FaceIDs) || !e.anchorsIn(u.AnchorIDs, u.NewClusterID, false) {
		return nil, reasonStateChanged
	}
	if e.wouldViolate(u.FaceIDs, u.SourceID) {
		return nil, reasonCannotLink
	}

	deleted := *created
	deleted.DeletedAt = &now
	deleted.MergedInto = u.SourceID
	deleted.UpdatedAt = now
	restored := *src
	restored.UpdatedAt = now

	changes := &database.ChangeSet{
		Clusters: []database.PersonCluster{deleted, restored},
		Faces:    e.movedFaces(u.FaceIDs, u.SourceID, now),
		Anchors:  e.movedAnchors(u.AnchorIDs, u.SourceID, nil),
	}
	if _, ok := e.ws.stats[u.NewClusterID]; ok {
		changes.DeletedStatistics = []string{u.NewClusterID}
	}
	return changes, ""
}

func (e *Engine) reverseMove(u database.MoveFaceUndo, now time.Time) (*database.ChangeSet, string) {
	if e.ws.clusterOfFace(u.FaceID) != u.ToClusterID {
		return nil, reasonStateChanged
	}
	if u.AnchorID != "" && !e.anchorsIn([]string{u.AnchorID}, u.ToClusterID, false) {
		return nil, reasonStateChanged
	}
	if u.FromClusterID != "" {
		if _, ok := e.ws.liveCluster(u.FromClusterID); !ok {
			return nil, reasonStateChanged
		}
		if e.vetoed(u.FaceID, u.FromClusterID) {
			return nil, reasonCannotLink
		}
	}

	changes := &database.ChangeSet{Faces: e.movedFaces([]string{u.FaceID}, u.FromClusterID, now)}
	if u.AnchorID != "" {
		changes.Anchors = e.movedAnchors([]string{u.AnchorID}, u.FromClusterID, nil)
	}
	return changes, ""
}

func (e *Engine) reverseDelete(u database.DeleteUndo, now time.Time) (*database.ChangeSet, string) {
	c, ok := e.ws.clusters[u.ClusterID]
	if !ok || !c.IsDeleted() || c.MergedInto != "" {
		return nil, reasonStateChanged
	}
	for _, id := range u.FaceIDs {
		if e.ws.clusterOfFace(id) != "" {
			return nil, reasonStateChanged
		}
	}
	for _, id := range u.AnchorIDs {
		a, ok := e.ws.anchors[id]
		if !ok || a.IsActive || a.ClusterID != u.ClusterID {
			return nil, reasonStateChanged
		}
	}
	if e.wouldViolate(u.FaceIDs, "") {
		return nil, reasonCannotLink
	}

	restored := *c
	restored.DeletedAt = nil
	restored.UpdatedAt = now
	active := true
	return &database.ChangeSet{
		Clusters: []database.PersonCluster{restored},
		Faces:    e.movedFaces(u.FaceIDs, u.ClusterID, now),
		Anchors:  e.movedAnchors(u.AnchorIDs, u.ClusterID, &active),
	}, ""
}

func (e *Engine) reverseRename(u database.RenameUndo, now time.Time) (*database.ChangeSet, string) {
	c, ok := e.ws.liveCluster(u.ClusterID)
	if !ok || c.Name != u.NewName {
		return nil, reasonStateChanged
	}
	renamed := *c
	renamed.Name = u.PreviousName
	renamed.NameKey = facematch.NormalizePersonName(u.PreviousName)
	renamed.UpdatedAt = now
	return &database.ChangeSet{Clusters: []database.PersonCluster{renamed}}, ""
}

// exactMembers reports whether the cluster holds exactly faceIDs. Caller holds e.mu.
func (e *Engine) exactMembers(clusterID string, faceIDs []string) bool {
	return e.ws.memberCount(clusterID) == len(faceIDs) && e.membersIn(faceIDs, clusterID)
}

// membersIn reports whether every face is in the cluster. Caller holds e.mu.
func (e *Engine) membersIn(faceIDs []string, clusterID string) bool {
	for _, id := range faceIDs {
		if e.ws.clusterOfFace(id) != clusterID {
			return false
		}
	}
	return true
}

// anchorsIn reports whether every anchor belongs to the cluster, optionally requiring
// it to be active. Caller holds e.mu.
func (e *Engine) anchorsIn(ids []string, clusterID string, mustBeActive bool) bool {
	for _, id := range ids {
		a, ok := e.ws.anchors[id]
		if !ok || a.ClusterID != clusterID || (mustBeActive && !a.IsActive) {
			return false
		}
	}
	return true
}

// wouldViolate reports whether adding faceIDs to the members of clusterID would put a
// cannot-link pair together. An empty clusterID checks faceIDs among themselves.
// Caller holds e.mu.
func (e *Engine) wouldViolate(faceIDs []string, clusterID string) bool {
	group := make(map[string]bool, len(faceIDs))
	for _, id := range faceIDs {
		group[id] = true
	}
	for _, id := range faceIDs {
		for _, partner := range e.constraints.cannotLinkPartners(id) {
			if group[partner] || (clusterID != "" && e.ws.clusterOfFace(partner) == clusterID) {
				return true
			}
		}
	}
	return false
}
