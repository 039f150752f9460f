// Package sqlite is the embedded single-file backend of the clustering store, built on
// GORM. Embeddings are stored as float32 BLOBs and searched in memory.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kozaktomas/face-clusters/internal/database"
)

// createBatchSize keeps multi-row inserts under the SQLite bound parameter limit.
const createBatchSize = 200

func init() {
	database.RegisterBackend("sqlite", func(ctx context.Context, opts database.OpenOptions) (database.Store, error) {
		return Open(ctx, opts)
	})
}

// slogWriter routes GORM log lines to slog.
type slogWriter struct {
	log *slog.Logger
}

func (w slogWriter) Printf(format string, args ...any) {
	w.log.Debug(fmt.Sprintf(format, args...), "component", "gorm")
}

// Open opens (creating when needed) the database file at opts.DSN and migrates the schema.
func Open(ctx context.Context, opts database.OpenOptions) (*Store, error) {
	if opts.DSN == "" {
		return nil, errors.New("sqlite database path is required")
	}

	gormLogger := logger.New(slogWriter{log: slog.Default()}, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
	db, err := gorm.Open(sqlite.Open(opts.DSN), &gorm.Config{
		Logger:          gormLogger,
		CreateBatchSize: createBatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database using GORM: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB from GORM: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" databases shared.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if err := db.WithContext(ctx).Exec(pragma).Error; err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := db.WithContext(ctx).AutoMigrate(allModels...); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("GORM AutoMigrate failed: %w", err)
	}
	slog.Debug("sqlite store ready", "path", opts.DSN)
	return &Store{db: db}, nil
}
