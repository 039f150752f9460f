package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/kozaktomas/face-clusters/internal/database"
)

const historyColumns = `id, cluster_id, operation, description, undo_data, can_undo, expires_at, undone_at, created_at`

func scanHistoryRow(row scanner) (database.ClusterHistory, error) {
	var (
		h         database.ClusterHistory
		op        string
		undo      []byte
		expiresAt sql.NullTime
		undoneAt  sql.NullTime
	)
	if err := row.Scan(&h.ID, &h.ClusterID, &op, &h.Description, &undo, &h.CanUndo,
		&expiresAt, &undoneAt, &h.CreatedAt); err != nil {
		return h, fmt.Errorf("scan history: %w", err)
	}
	h.Operation = database.Operation(op)
	h.ExpiresAt = timePtr(expiresAt)
	h.UndoneAt = timePtr(undoneAt)
	data, err := database.DecodeUndo(h.Operation, undo)
	if err != nil {
		return h, fmt.Errorf("history %s: %w", h.ID, err)
	}
	h.Undo = data
	return h, nil
}

// GetHistory returns one history entry.
func (s *Store) GetHistory(ctx context.Context, id string) (*database.ClusterHistory, error) {
	h, err := scanHistoryRow(s.pool.QueryRow(ctx, "SELECT "+historyColumns+" FROM cluster_history WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// ListHistory returns the newest entries first. A limit <= 0 returns every entry.
func (s *Store) ListHistory(ctx context.Context, clusterID string, limit int) ([]database.ClusterHistory, error) {
	query := "SELECT " + historyColumns + " FROM cluster_history WHERE ($1::text = '' OR cluster_id = $1) ORDER BY created_at DESC, id DESC"
	args := []any{clusterID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var result []database.ClusterHistory
	for rows.Next() {
		h, err := scanHistoryRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return result, nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, entries []database.ClusterHistory) error {
	for i := range entries {
		h := &entries[i]
		raw, err := database.EncodeUndo(h.Undo)
		if err != nil {
			return err
		}
		undo := sql.NullString{String: string(raw), Valid: raw != nil}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cluster_history (`+historyColumns+`)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				can_undo = EXCLUDED.can_undo,
				expires_at = EXCLUDED.expires_at,
				undone_at = EXCLUDED.undone_at
		`, h.ID, h.ClusterID, string(h.Operation), h.Description, undo, h.CanUndo,
			nullTime(h.ExpiresAt), nullTime(h.UndoneAt), h.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert history %s: %w", h.ID, err)
		}
	}
	return nil
}

func markUndone(ctx context.Context, tx *sql.Tx, marks []database.HistoryMark) error {
	for _, m := range marks {
		if _, err := tx.ExecContext(ctx, "UPDATE cluster_history SET undone_at = $2 WHERE id = $1", m.ID, m.UndoneAt); err != nil {
			return fmt.Errorf("mark history %s undone: %w", m.ID, err)
		}
	}
	return nil
}

func (s *Store) loadConstraints(ctx context.Context) ([]database.ClusteringConstraint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, face_id1, face_id2, created_by, created_at
		FROM clustering_constraints
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query constraints: %w", err)
	}
	defer rows.Close()

	var result []database.ClusteringConstraint
	for rows.Next() {
		var (
			c database.ClusteringConstraint
			t string
		)
		if err := rows.Scan(&c.ID, &t, &c.FaceID1, &c.FaceID2, &c.CreatedBy, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan constraint: %w", err)
		}
		c.Type = database.ConstraintType(t)
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate constraints: %w", err)
	}
	return result, nil
}

func upsertConstraints(ctx context.Context, tx *sql.Tx, constraints []database.ClusteringConstraint) error {
	for i := range constraints {
		c := &constraints[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO clustering_constraints (id, type, face_id1, face_id2, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
		`, c.ID, string(c.Type), c.FaceID1, c.FaceID2, c.CreatedBy, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert constraint %s: %w", c.ID, err)
		}
	}
	return nil
}

func deleteConstraints(ctx context.Context, tx *sql.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM clustering_constraints WHERE id = ANY($1)", pq.Array(ids)); err != nil {
		return fmt.Errorf("delete constraints: %w", err)
	}
	return nil
}

const checkpointColumns = `scan_id, status, phase, face_ids, pass1_cursor, deferred_face_ids, pass2_cursor,
	counters, error, created_at, updated_at`

func scanCheckpointRow(row scanner) (database.ScanCheckpoint, error) {
	var (
		cp       database.ScanCheckpoint
		status   string
		phase    string
		faceIDs  pq.StringArray
		deferred pq.StringArray
		counters []byte
	)
	if err := row.Scan(&cp.ScanID, &status, &phase, &faceIDs, &cp.Pass1Cursor, &deferred, &cp.Pass2Cursor,
		&counters, &cp.Error, &cp.CreatedAt, &cp.UpdatedAt); err != nil {
		return cp, fmt.Errorf("scan checkpoint: %w", err)
	}
	cp.Status = database.ScanStatus(status)
	cp.Phase = database.ScanPhase(phase)
	cp.FaceIDs = []string(faceIDs)
	cp.DeferredFaceIDs = []string(deferred)
	if err := json.Unmarshal(counters, &cp.Counters); err != nil {
		return cp, fmt.Errorf("decode counters of scan %s: %w", cp.ScanID, err)
	}
	return cp, nil
}

// GetCheckpoint returns the checkpoint of a scan.
func (s *Store) GetCheckpoint(ctx context.Context, scanID string) (*database.ScanCheckpoint, error) {
	cp, err := scanCheckpointRow(s.pool.QueryRow(ctx, "SELECT "+checkpointColumns+" FROM scan_checkpoints WHERE scan_id = $1", scanID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// ListCheckpoints returns all checkpoints, newest first.
func (s *Store) ListCheckpoints(ctx context.Context) ([]database.ScanCheckpoint, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+checkpointColumns+" FROM scan_checkpoints ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var result []database.ScanCheckpoint
	for rows.Next() {
		cp, err := scanCheckpointRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return result, nil
}

func upsertCheckpoint(ctx context.Context, tx *sql.Tx, cp *database.ScanCheckpoint) error {
	if cp == nil {
		return nil
	}
	counters, err := json.Marshal(cp.Counters)
	if err != nil {
		return fmt.Errorf("encode counters of scan %s: %w", cp.ScanID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO scan_checkpoints (`+checkpointColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11)
		ON CONFLICT (scan_id) DO UPDATE SET
			status = EXCLUDED.status,
			phase = EXCLUDED.phase,
			face_ids = EXCLUDED.face_ids,
			pass1_cursor = EXCLUDED.pass1_cursor,
			deferred_face_ids = EXCLUDED.deferred_face_ids,
			pass2_cursor = EXCLUDED.pass2_cursor,
			counters = EXCLUDED.counters,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at
	`, cp.ScanID, string(cp.Status), string(cp.Phase), pq.Array(nonNil(cp.FaceIDs)), cp.Pass1Cursor,
		pq.Array(nonNil(cp.DeferredFaceIDs)), cp.Pass2Cursor, string(counters), cp.Error, cp.CreatedAt, cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert checkpoint %s: %w", cp.ScanID, err)
	}
	return nil
}

// nonNil keeps NOT NULL array columns from receiving NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
