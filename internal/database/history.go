package database

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of a structural cluster change.
type Operation string

const (
	OpMerge    Operation = "MERGE"
	OpSplit    Operation = "SPLIT"
	OpMoveFace Operation = "MOVE_FACE"
	OpCreate   Operation = "CREATE"
	OpDelete   Operation = "DELETE"
	OpRename   Operation = "RENAME"
)

// UndoData carries exactly the state needed to reverse one operation.
type UndoData interface {
	Operation() Operation
}

// CreateUndo reverses the creation of a cluster.
type CreateUndo struct {
	ClusterID string   `json:"cluster_id"`
	AnchorIDs []string `json:"anchor_ids"`
	FaceIDs   []string `json:"face_ids"`
}

// MergedCluster is one source cluster folded into a merge target.
type MergedCluster struct {
	ClusterID string   `json:"cluster_id"`
	Name      string   `json:"name"`
	PersonID  string   `json:"person_id,omitempty"`
	AnchorIDs []string `json:"anchor_ids"`
	FaceIDs   []string `json:"face_ids"`
}

// MergeUndo reverses a merge of Sources into TargetID.
type MergeUndo struct {
	TargetID       string          `json:"target_id"`
	TargetName     string          `json:"target_name"`
	TargetPersonID string          `json:"target_person_id,omitempty"`
	Sources        []MergedCluster `json:"sources"`
}

// SplitUndo reverses moving FaceIDs (and their AnchorIDs) from SourceID into NewClusterID.
type SplitUndo struct {
	SourceID     string   `json:"source_id"`
	NewClusterID string   `json:"new_cluster_id"`
	FaceIDs      []string `json:"face_ids"`
	AnchorIDs    []string `json:"anchor_ids"`
}

// MoveFaceUndo reverses moving one face. FromClusterID is empty when the face was unassigned.
type MoveFaceUndo struct {
	FaceID        string `json:"face_id"`
	FromClusterID string `json:"from_cluster_id"`
	ToClusterID   string `json:"to_cluster_id"`
	AnchorID      string `json:"anchor_id,omitempty"`
}

// DeleteUndo reverses a soft delete, restoring deactivated anchors and unassigned faces.
type DeleteUndo struct {
	ClusterID string   `json:"cluster_id"`
	AnchorIDs []string `json:"anchor_ids"`
	FaceIDs   []string `json:"face_ids"`
}

// RenameUndo reverses a rename.
type RenameUndo struct {
	ClusterID    string `json:"cluster_id"`
	PreviousName string `json:"previous_name"`
	NewName      string `json:"new_name"`
}

func (CreateUndo) Operation() Operation   { return OpCreate }
func (MergeUndo) Operation() Operation    { return OpMerge }
func (SplitUndo) Operation() Operation    { return OpSplit }
func (MoveFaceUndo) Operation() Operation { return OpMoveFace }
func (DeleteUndo) Operation() Operation   { return OpDelete }
func (RenameUndo) Operation() Operation   { return OpRename }

// ClusterHistory is the append-only audit record of one structural operation.
type ClusterHistory struct {
	ID          string     `json:"id"`
	ClusterID   string     `json:"cluster_id"`
	Operation   Operation  `json:"operation"`
	Description string     `json:"description"`
	Undo        UndoData   `json:"undo"`
	CanUndo     bool       `json:"can_undo"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	UndoneAt    *time.Time `json:"undone_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// UnmarshalJSON decodes the undo payload according to the operation.
func (h *ClusterHistory) UnmarshalJSON(b []byte) error {
	type plain ClusterHistory
	var raw struct {
		plain
		Undo json.RawMessage `json:"undo"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*h = ClusterHistory(raw.plain)
	if len(raw.Undo) == 0 || string(raw.Undo) == "null" {
		h.Undo = nil
		return nil
	}
	undo, err := DecodeUndo(h.Operation, raw.Undo)
	if err != nil {
		return err
	}
	h.Undo = undo
	return nil
}

// Undoable reports whether the entry can still be reversed at the given time,
// and the reason when it cannot.
func (h *ClusterHistory) Undoable(now time.Time) (bool, string) {
	switch {
	case !h.CanUndo || h.Undo == nil:
		return false, "operation does not support undo"
	case h.UndoneAt != nil:
		return false, "operation was already undone"
	case h.ExpiresAt != nil && !now.Before(*h.ExpiresAt):
		return false, "undo window expired"
	default:
		return true, ""
	}
}

// EncodeUndo serializes undo data for storage.
func EncodeUndo(data UndoData) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s undo data: %w", data.Operation(), err)
	}
	return b, nil
}

// DecodeUndo restores undo data of the given operation.
func DecodeUndo(op Operation, raw []byte) (UndoData, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var (
		data UndoData
		err  error
	)
	switch op {
	case OpCreate:
		var v CreateUndo
		err = json.Unmarshal(raw, &v)
		data = v
	case OpMerge:
		var v MergeUndo
		err = json.Unmarshal(raw, &v)
		data = v
	case OpSplit:
		var v SplitUndo
		err = json.Unmarshal(raw, &v)
		data = v
	case OpMoveFace:
		var v MoveFaceUndo
		err = json.Unmarshal(raw, &v)
		data = v
	case OpDelete:
		var v DeleteUndo
		err = json.Unmarshal(raw, &v)
		data = v
	case OpRename:
		var v RenameUndo
		err = json.Unmarshal(raw, &v)
		data = v
	default:
		return nil, fmt.Errorf("unknown history operation %q", op)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s undo data: %w", op, err)
	}
	return data, nil
}
