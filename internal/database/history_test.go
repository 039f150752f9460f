package database

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestClusterHistoryUndoable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name    string
		entry   ClusterHistory
		want    bool
		wantMsg string
	}{
		{
			name:  "fresh entry",
			entry: ClusterHistory{CanUndo: true, Undo: RenameUndo{ClusterID: "c1"}, ExpiresAt: &future},
			want:  true,
		},
		{
			name:  "no expiry",
			entry: ClusterHistory{CanUndo: true, Undo: RenameUndo{ClusterID: "c1"}},
			want:  true,
		},
		{
			name:    "undo disabled",
			entry:   ClusterHistory{CanUndo: false, Undo: RenameUndo{ClusterID: "c1"}},
			wantMsg: "operation does not support undo",
		},
		{
			name:    "already undone",
			entry:   ClusterHistory{CanUndo: true, Undo: RenameUndo{ClusterID: "c1"}, UndoneAt: &past},
			wantMsg: "operation was already undone",
		},
		{
			name:    "expired",
			entry:   ClusterHistory{CanUndo: true, Undo: RenameUndo{ClusterID: "c1"}, ExpiresAt: &past},
			wantMsg: "undo window expired",
		},
		{
			name:    "expires exactly now",
			entry:   ClusterHistory{CanUndo: true, Undo: RenameUndo{ClusterID: "c1"}, ExpiresAt: &now},
			wantMsg: "undo window expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, msg := tt.entry.Undoable(now)
			if got != tt.want {
				t.Errorf("Undoable() = %v, want %v", got, tt.want)
			}
			if msg != tt.wantMsg {
				t.Errorf("Undoable() reason = %q, want %q", msg, tt.wantMsg)
			}
		})
	}
}

func TestDecodeUndoMerge(t *testing.T) {
	original := MergeUndo{
		TargetID:   "target",
		TargetName: "Anna",
		Sources: []MergedCluster{
			{ClusterID: "src", Name: "Anna 2", AnchorIDs: []string{"a1", "a2"}, FaceIDs: []string{"f1", "f2", "f3"}},
		},
	}

	raw, err := EncodeUndo(original)
	if err != nil {
		t.Fatalf("EncodeUndo() error: %v", err)
	}

	decoded, err := DecodeUndo(OpMerge, raw)
	if err != nil {
		t.Fatalf("DecodeUndo() error: %v", err)
	}

	merge, ok := decoded.(MergeUndo)
	if !ok {
		t.Fatalf("DecodeUndo() returned %T, want MergeUndo", decoded)
	}
	if !reflect.DeepEqual(merge, original) {
		t.Errorf("DecodeUndo() = %+v, want %+v", merge, original)
	}
}

func TestDecodeUndoErrors(t *testing.T) {
	if _, err := DecodeUndo("EXPLODE", []byte(`{}`)); err == nil {
		t.Error("expected error for unknown operation")
	}
	if _, err := DecodeUndo(OpSplit, []byte(`{not json`)); err == nil {
		t.Error("expected error for malformed payload")
	}
	data, err := DecodeUndo(OpRename, nil)
	if err != nil || data != nil {
		t.Errorf("DecodeUndo(empty) = %v, %v; want nil, nil", data, err)
	}
}

func TestClusterHistoryJSON(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	original := ClusterHistory{
		ID:        "h1",
		ClusterID: "c1",
		Operation: OpRename,
		Undo:      RenameUndo{ClusterID: "c1", PreviousName: "Anna", NewName: "Anna K."},
		CanUndo:   true,
		CreatedAt: created,
	}

	b, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var decoded ClusterHistory
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if !reflect.DeepEqual(decoded, original) {
		t.Errorf("Unmarshal() = %+v, want %+v", decoded, original)
	}

	var empty ClusterHistory
	if err := json.Unmarshal([]byte(`{"id":"h2","operation":"DELETE","undo":null}`), &empty); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if empty.Undo != nil || empty.ID != "h2" {
		t.Errorf("Unmarshal() = %+v, want no undo data", empty)
	}
}
