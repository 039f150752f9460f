package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/facematch"
)

func (s *Store) loadClusters(ctx context.Context) ([]database.PersonCluster, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT cluster_id, name, name_key, person_id, merged_into, created_at, updated_at, deleted_at
		FROM person_clusters
		ORDER BY created_at, cluster_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query clusters: %w", err)
	}
	defer rows.Close()

	var clusters []database.PersonCluster
	for rows.Next() {
		var (
			c         database.PersonCluster
			deletedAt sql.NullTime
		)
		if err := rows.Scan(&c.ClusterID, &c.Name, &c.NameKey, &c.PersonID, &c.MergedInto,
			&c.CreatedAt, &c.UpdatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		c.DeletedAt = timePtr(deletedAt)
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clusters: %w", err)
	}
	return clusters, nil
}

func upsertClusters(ctx context.Context, tx *sql.Tx, clusters []database.PersonCluster) error {
	for i := range clusters {
		c := &clusters[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO person_clusters (cluster_id, name, name_key, person_id, merged_into, created_at, updated_at, deleted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (cluster_id) DO UPDATE SET
				name = EXCLUDED.name,
				name_key = EXCLUDED.name_key,
				person_id = EXCLUDED.person_id,
				merged_into = EXCLUDED.merged_into,
				updated_at = EXCLUDED.updated_at,
				deleted_at = EXCLUDED.deleted_at
		`, c.ClusterID, c.Name, c.NameKey, c.PersonID, c.MergedInto, c.CreatedAt, c.UpdatedAt, nullTime(c.DeletedAt))
		if err != nil {
			return fmt.Errorf("upsert cluster %s: %w", c.ClusterID, err)
		}
	}
	return nil
}

func (s *Store) loadAnchors(ctx context.Context) ([]database.ClusterAnchor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT anchor_id, cluster_id, face_id, source, embedding, quality_score, sharpness_score,
		       eye_visibility_score, pose_category, yaw, roll, intra_cluster_mean_similarity,
		       is_active, match_count, last_matched_at, created_at
		FROM cluster_anchors
		ORDER BY anchor_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query anchors: %w", err)
	}
	defer rows.Close()

	var anchors []database.ClusterAnchor
	for rows.Next() {
		var (
			a           database.ClusterAnchor
			vec         pgvector.Vector
			source      string
			pose        string
			lastMatched sql.NullTime
		)
		if err := rows.Scan(&a.AnchorID, &a.ClusterID, &a.FaceID, &source, &vec, &a.QualityScore,
			&a.SharpnessScore, &a.EyeVisibilityScore, &pose, &a.Yaw, &a.Roll,
			&a.IntraClusterMeanSimilarity, &a.IsActive, &a.MatchCount, &lastMatched, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan anchor: %w", err)
		}
		a.Embedding = vec.Slice()
		a.Source = facematch.Source(source)
		a.PoseCategory = facematch.PoseCategory(pose)
		a.LastMatchedAt = timePtr(lastMatched)
		anchors = append(anchors, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate anchors: %w", err)
	}
	return anchors, nil
}

func upsertAnchors(ctx context.Context, tx *sql.Tx, anchors []database.ClusterAnchor) error {
	if len(anchors) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cluster_anchors (anchor_id, cluster_id, face_id, source, embedding, quality_score,
		                             sharpness_score, eye_visibility_score, pose_category, yaw, roll,
		                             intra_cluster_mean_similarity, is_active, match_count, last_matched_at, created_at)
		VALUES ($1, $2, $3, $4, $5::vector, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (anchor_id) DO UPDATE SET
			cluster_id = EXCLUDED.cluster_id,
			intra_cluster_mean_similarity = EXCLUDED.intra_cluster_mean_similarity,
			is_active = EXCLUDED.is_active,
			match_count = EXCLUDED.match_count,
			last_matched_at = EXCLUDED.last_matched_at
	`)
	if err != nil {
		return fmt.Errorf("prepare anchor upsert: %w", err)
	}
	defer stmt.Close()

	for i := range anchors {
		a := &anchors[i]
		if _, err := stmt.ExecContext(ctx,
			a.AnchorID,
			a.ClusterID,
			a.FaceID,
			string(a.Source),
			pgvector.NewVector(a.Embedding),
			a.QualityScore,
			a.SharpnessScore,
			a.EyeVisibilityScore,
			string(a.PoseCategory),
			a.Yaw,
			a.Roll,
			a.IntraClusterMeanSimilarity,
			a.IsActive,
			a.MatchCount,
			nullTime(a.LastMatchedAt),
			a.CreatedAt,
		); err != nil {
			return fmt.Errorf("upsert anchor %s: %w", a.AnchorID, err)
		}
	}
	return nil
}

func (s *Store) loadStatistics(ctx context.Context) ([]database.ClusterStatistics, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT cluster_id, mean_similarity, variance, std_dev, min_similarity, max_similarity,
		       acceptance_threshold, anchor_count, total_face_count, pose_distribution, computed_at
		FROM cluster_statistics
	`)
	if err != nil {
		return nil, fmt.Errorf("query statistics: %w", err)
	}
	defer rows.Close()

	var result []database.ClusterStatistics
	for rows.Next() {
		var (
			st   database.ClusterStatistics
			pose []byte
		)
		if err := rows.Scan(&st.ClusterID, &st.MeanSimilarity, &st.Variance, &st.StdDev, &st.Min, &st.Max,
			&st.AcceptanceThreshold, &st.AnchorCount, &st.TotalFaceCount, &pose, &st.ComputedAt); err != nil {
			return nil, fmt.Errorf("scan statistics: %w", err)
		}
		if err := json.Unmarshal(pose, &st.PoseDistribution); err != nil {
			return nil, fmt.Errorf("decode pose distribution of %s: %w", st.ClusterID, err)
		}
		result = append(result, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate statistics: %w", err)
	}
	return result, nil
}

func upsertStatistics(ctx context.Context, tx *sql.Tx, stats []database.ClusterStatistics) error {
	for i := range stats {
		st := &stats[i]
		pose, err := json.Marshal(st.PoseDistribution)
		if err != nil {
			return fmt.Errorf("encode pose distribution of %s: %w", st.ClusterID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cluster_statistics (cluster_id, mean_similarity, variance, std_dev, min_similarity,
			                                max_similarity, acceptance_threshold, anchor_count,
			                                total_face_count, pose_distribution, computed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11)
			ON CONFLICT (cluster_id) DO UPDATE SET
				mean_similarity = EXCLUDED.mean_similarity,
				variance = EXCLUDED.variance,
				std_dev = EXCLUDED.std_dev,
				min_similarity = EXCLUDED.min_similarity,
				max_similarity = EXCLUDED.max_similarity,
				acceptance_threshold = EXCLUDED.acceptance_threshold,
				anchor_count = EXCLUDED.anchor_count,
				total_face_count = EXCLUDED.total_face_count,
				pose_distribution = EXCLUDED.pose_distribution,
				computed_at = EXCLUDED.computed_at
		`, st.ClusterID, st.MeanSimilarity, st.Variance, st.StdDev, st.Min, st.Max, st.AcceptanceThreshold,
			st.AnchorCount, st.TotalFaceCount, string(pose), st.ComputedAt)
		if err != nil {
			return fmt.Errorf("upsert statistics of %s: %w", st.ClusterID, err)
		}
	}
	return nil
}

func deleteStatistics(ctx context.Context, tx *sql.Tx, clusterIDs []string) error {
	if len(clusterIDs) == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM cluster_statistics WHERE cluster_id = ANY($1)", pq.Array(clusterIDs)); err != nil {
		return fmt.Errorf("delete statistics: %w", err)
	}
	return nil
}
