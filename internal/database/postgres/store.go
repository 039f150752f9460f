package postgres

import (
	"context"
	"fmt"

	"github.com/kozaktomas/face-clusters/internal/database"
)

// Store is a PostgreSQL backed database.Store.
type Store struct {
	pool *Pool
}

var _ database.Store = (*Store)(nil)

// NewStore wraps a migrated pool.
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool}
}

// LoadState reads every table of the working set.
func (s *Store) LoadState(ctx context.Context) (*database.State, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+faceColumns+" FROM faces ORDER BY face_id")
	if err != nil {
		return nil, fmt.Errorf("query faces: %w", err)
	}
	faces, err := scanFaces(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	state := &database.State{Faces: faces}
	if state.Clusters, err = s.loadClusters(ctx); err != nil {
		return nil, err
	}
	if state.Anchors, err = s.loadAnchors(ctx); err != nil {
		return nil, err
	}
	if state.Statistics, err = s.loadStatistics(ctx); err != nil {
		return nil, err
	}
	if state.Constraints, err = s.loadConstraints(ctx); err != nil {
		return nil, err
	}
	return state, nil
}

// Apply writes the change set in one transaction. Clusters go first and anchors after
// faces so foreign keys hold at every statement.
func (s *Store) Apply(ctx context.Context, changes *database.ChangeSet) error {
	if changes == nil || changes.IsEmpty() {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertClusters(ctx, tx, changes.Clusters); err != nil {
		return err
	}
	if err := upsertFaces(ctx, tx, changes.Faces); err != nil {
		return err
	}
	if err := upsertAnchors(ctx, tx, changes.Anchors); err != nil {
		return err
	}
	if err := upsertStatistics(ctx, tx, changes.Statistics); err != nil {
		return err
	}
	if err := deleteStatistics(ctx, tx, changes.DeletedStatistics); err != nil {
		return err
	}
	if err := insertHistory(ctx, tx, changes.History); err != nil {
		return err
	}
	if err := markUndone(ctx, tx, changes.UndoneHistory); err != nil {
		return err
	}
	if err := upsertConstraints(ctx, tx, changes.Constraints); err != nil {
		return err
	}
	if err := deleteConstraints(ctx, tx, changes.DeletedConstraints); err != nil {
		return err
	}
	if err := upsertCheckpoint(ctx, tx, changes.Checkpoint); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}
