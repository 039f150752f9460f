package sqlite

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kozaktomas/face-clusters/internal/database"
)

// Store is a SQLite backed database.Store.
type Store struct {
	db *gorm.DB
}

var _ database.Store = (*Store)(nil)

// LoadState reads every table of the working set.
func (s *Store) LoadState(ctx context.Context) (*database.State, error) {
	db := s.db.WithContext(ctx)
	state := &database.State{}

	var faces []faceModel
	if err := db.Order("face_id").Find(&faces).Error; err != nil {
		return nil, fmt.Errorf("failed to load faces: %w", err)
	}
	for i := range faces {
		state.Faces = append(state.Faces, faces[i].record())
	}

	var clusters []clusterModel
	if err := db.Order("cluster_id").Find(&clusters).Error; err != nil {
		return nil, fmt.Errorf("failed to load clusters: %w", err)
	}
	for i := range clusters {
		state.Clusters = append(state.Clusters, clusters[i].record())
	}

	var anchors []anchorModel
	if err := db.Order("anchor_id").Find(&anchors).Error; err != nil {
		return nil, fmt.Errorf("failed to load anchors: %w", err)
	}
	for i := range anchors {
		state.Anchors = append(state.Anchors, anchors[i].record())
	}

	var stats []statisticsModel
	if err := db.Order("cluster_id").Find(&stats).Error; err != nil {
		return nil, fmt.Errorf("failed to load statistics: %w", err)
	}
	for i := range stats {
		state.Statistics = append(state.Statistics, stats[i].record())
	}

	var constraints []constraintModel
	if err := db.Order("created_at, id").Find(&constraints).Error; err != nil {
		return nil, fmt.Errorf("failed to load constraints: %w", err)
	}
	for i := range constraints {
		state.Constraints = append(state.Constraints, constraints[i].record())
	}
	return state, nil
}

// GetFaces returns the stored faces among faceIDs in the requested order.
func (s *Store) GetFaces(ctx context.Context, faceIDs []string) ([]database.FaceRecord, error) {
	if len(faceIDs) == 0 {
		return nil, nil
	}
	var found []faceModel
	if err := s.db.WithContext(ctx).Where("face_id IN ?", faceIDs).Find(&found).Error; err != nil {
		return nil, fmt.Errorf("failed to get faces: %w", err)
	}
	byID := make(map[string]*faceModel, len(found))
	for i := range found {
		byID[found[i].FaceID] = &found[i]
	}
	result := make([]database.FaceRecord, 0, len(found))
	for _, id := range faceIDs {
		if m, ok := byID[id]; ok {
			result = append(result, m.record())
		}
	}
	return result, nil
}

// GetHistory returns one history entry.
func (s *Store) GetHistory(ctx context.Context, id string) (*database.ClusterHistory, error) {
	var m historyModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get history %s: %w", id, err)
	}
	h, err := m.record()
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", id, err)
	}
	return &h, nil
}

// ListHistory returns the newest entries first. A limit <= 0 returns every entry.
func (s *Store) ListHistory(ctx context.Context, clusterID string, limit int) ([]database.ClusterHistory, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if clusterID != "" {
		q = q.Where("cluster_id = ?", clusterID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []historyModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	result := make([]database.ClusterHistory, 0, len(rows))
	for i := range rows {
		h, err := rows[i].record()
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", rows[i].ID, err)
		}
		result = append(result, h)
	}
	return result, nil
}

// GetCheckpoint returns the checkpoint of a scan.
func (s *Store) GetCheckpoint(ctx context.Context, scanID string) (*database.ScanCheckpoint, error) {
	var m checkpointModel
	err := s.db.WithContext(ctx).Where("scan_id = ?", scanID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint %s: %w", scanID, err)
	}
	cp := m.record()
	return &cp, nil
}

// ListCheckpoints returns all checkpoints, newest first.
func (s *Store) ListCheckpoints(ctx context.Context) ([]database.ScanCheckpoint, error) {
	var rows []checkpointModel
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	result := make([]database.ScanCheckpoint, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].record())
	}
	return result, nil
}

// Apply writes the change set in one transaction.
func (s *Store) Apply(ctx context.Context, changes *database.ChangeSet) error {
	if changes == nil || changes.IsEmpty() {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return applyChanges(tx, changes)
	})
}

func upsert(tx *gorm.DB, key string, rows any, updates []string) *gorm.DB {
	onConflict := clause.OnConflict{Columns: []clause.Column{{Name: key}}}
	if updates == nil {
		onConflict.UpdateAll = true
	} else {
		onConflict.DoUpdates = clause.AssignmentColumns(updates)
	}
	return tx.Clauses(onConflict).Create(rows)
}

func applyChanges(tx *gorm.DB, changes *database.ChangeSet) error {
	if len(changes.Clusters) > 0 {
		rows := make([]clusterModel, len(changes.Clusters))
		for i := range changes.Clusters {
			rows[i] = toClusterModel(&changes.Clusters[i])
		}
		if err := upsert(tx, "cluster_id", &rows, nil).Error; err != nil {
			return fmt.Errorf("failed to upsert clusters: %w", err)
		}
	}

	if len(changes.Faces) > 0 {
		rows := make([]faceModel, len(changes.Faces))
		for i := range changes.Faces {
			rows[i] = toFaceModel(&changes.Faces[i])
		}
		// Detections are immutable; only tier and membership change.
		if err := upsert(tx, "face_id", &rows, []string{"tier", "cluster_id", "updated_at"}).Error; err != nil {
			return fmt.Errorf("failed to upsert faces: %w", err)
		}
	}

	if len(changes.Anchors) > 0 {
		rows := make([]anchorModel, len(changes.Anchors))
		for i := range changes.Anchors {
			rows[i] = toAnchorModel(&changes.Anchors[i])
		}
		if err := upsert(tx, "anchor_id", &rows, nil).Error; err != nil {
			return fmt.Errorf("failed to upsert anchors: %w", err)
		}
	}

	if len(changes.Statistics) > 0 {
		rows := make([]statisticsModel, len(changes.Statistics))
		for i := range changes.Statistics {
			rows[i] = toStatisticsModel(&changes.Statistics[i])
		}
		if err := upsert(tx, "cluster_id", &rows, nil).Error; err != nil {
			return fmt.Errorf("failed to upsert statistics: %w", err)
		}
	}
	if len(changes.DeletedStatistics) > 0 {
		if err := tx.Where("cluster_id IN ?", changes.DeletedStatistics).Delete(&statisticsModel{}).Error; err != nil {
			return fmt.Errorf("failed to delete statistics: %w", err)
		}
	}

	if len(changes.History) > 0 {
		rows := make([]historyModel, len(changes.History))
		for i := range changes.History {
			m, err := toHistoryModel(&changes.History[i])
			if err != nil {
				return err
			}
			rows[i] = m
		}
		if err := upsert(tx, "id", &rows, nil).Error; err != nil {
			return fmt.Errorf("failed to insert history: %w", err)
		}
	}
	for _, mark := range changes.UndoneHistory {
		if err := tx.Model(&historyModel{}).Where("id = ?", mark.ID).Update("undone_at", mark.UndoneAt).Error; err != nil {
			return fmt.Errorf("failed to mark history %s undone: %w", mark.ID, err)
		}
	}

	if len(changes.Constraints) > 0 {
		rows := make([]constraintModel, len(changes.Constraints))
		for i := range changes.Constraints {
			rows[i] = toConstraintModel(&changes.Constraints[i])
		}
		err := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).Create(&rows).Error
		if err != nil {
			return fmt.Errorf("failed to insert constraints: %w", err)
		}
	}
	if len(changes.DeletedConstraints) > 0 {
		if err := tx.Where("id IN ?", changes.DeletedConstraints).Delete(&constraintModel{}).Error; err != nil {
			return fmt.Errorf("failed to delete constraints: %w", err)
		}
	}

	if changes.Checkpoint != nil {
		m := toCheckpointModel(changes.Checkpoint)
		if err := upsert(tx, "scan_id", &m, nil).Error; err != nil {
			return fmt.Errorf("failed to upsert checkpoint %s: %w", m.ScanID, err)
		}
	}
	return nil
}

// Close closes the database file.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
