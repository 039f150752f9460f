package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/facematch"
)

type scanner interface {
	Scan(dest ...any) error
}

const faceColumns = `face_id, embedding, source, quality_score, sharpness, eye_visibility, yaw, roll,
	bbox, photo_uri, photo_timestamp, tier, cluster_id, created_at, updated_at`

// nullString maps "" to NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func zeroTimeNull(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// scanFaceRow scans one row selected with faceColumns.
func scanFaceRow(row scanner) (database.FaceRecord, error) {
	var (
		f         database.FaceRecord
		vec       pgvector.Vector
		bbox      pq.Float64Array
		source    string
		tier      string
		photoTime sql.NullTime
		clusterID sql.NullString
	)
	err := row.Scan(
		&f.FaceID,
		&vec,
		&source,
		&f.QualityScore,
		&f.Sharpness,
		&f.EyeVisibility,
		&f.Yaw,
		&f.Roll,
		&bbox,
		&f.PhotoURI,
		&photoTime,
		&tier,
		&clusterID,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return f, fmt.Errorf("scan face: %w", err)
	}

	f.Embedding = vec.Slice()
	f.Source = facematch.Source(source)
	f.Tier = facematch.QualityTier(tier)
	f.ClusterID = clusterID.String
	if photoTime.Valid {
		f.PhotoTimestamp = photoTime.Time
	}
	if len(bbox) == 4 {
		f.BBox = facematch.BoundingBox{X: bbox[0], Y: bbox[1], W: bbox[2], H: bbox[3]}
	}
	return f, nil
}

func scanFaces(rows *sql.Rows) ([]database.FaceRecord, error) {
	var faces []database.FaceRecord
	for rows.Next() {
		f, err := scanFaceRow(rows)
		if err != nil {
			return nil, err
		}
		faces = append(faces, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate faces: %w", err)
	}
	return faces, nil
}

// GetFaces returns the stored faces among faceIDs in the requested order.
func (s *Store) GetFaces(ctx context.Context, faceIDs []string) ([]database.FaceRecord, error) {
	if len(faceIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, "SELECT "+faceColumns+" FROM faces WHERE face_id = ANY($1)", pq.Array(faceIDs))
	if err != nil {
		return nil, fmt.Errorf("query faces: %w", err)
	}
	defer rows.Close()

	found, err := scanFaces(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]database.FaceRecord, len(found))
	for _, f := range found {
		byID[f.FaceID] = f
	}
	result := make([]database.FaceRecord, 0, len(found))
	for _, id := range faceIDs {
		if f, ok := byID[id]; ok {
			result = append(result, f)
		}
	}
	return result, nil
}

func upsertFaces(ctx context.Context, tx *sql.Tx, faces []database.FaceRecord) error {
	if len(faces) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO faces (`+faceColumns+`)
		VALUES ($1, $2::vector, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (face_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			cluster_id = EXCLUDED.cluster_id,
			updated_at = EXCLUDED.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare face upsert: %w", err)
	}
	defer stmt.Close()

	for i := range faces {
		f := &faces[i]
		if _, err := stmt.ExecContext(ctx,
			f.FaceID,
			pgvector.NewVector(f.Embedding),
			string(f.Source),
			f.QualityScore,
			f.Sharpness,
			f.EyeVisibility,
			f.Yaw,
			f.Roll,
			pq.Array([]float64{f.BBox.X, f.BBox.Y, f.BBox.W, f.BBox.H}),
			f.PhotoURI,
			zeroTimeNull(f.PhotoTimestamp),
			string(f.Tier),
			nullString(f.ClusterID),
			f.CreatedAt,
			f.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert face %s: %w", f.FaceID, err)
		}
	}
	return nil
}
