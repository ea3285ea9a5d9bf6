package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// SnapshotArchive keeps a history of save images in Postgres. It is an
// append-only audit trail on top of the file store, not a replacement for
// it; the file image remains the restore source.
type SnapshotArchive struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewSnapshotArchive(db *DB, log *zap.Logger) *SnapshotArchive {
	return &SnapshotArchive{pool: db.Pool, log: log}
}

// Insert records one save image. imageJSON must be the encoded image as
// written to disk.
func (a *SnapshotArchive) Insert(ctx context.Context, takenAt time.Time, imageJSON []byte) error {
	tag, err := a.pool.Exec(ctx,
		`INSERT INTO snapshots (taken_at, image) VALUES ($1, $2)`,
		takenAt, imageJSON)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	a.log.Info("snapshot archived",
		zap.Time("taken_at", takenAt), zap.Int64("rows", tag.RowsAffected()))
	return nil
}

// Latest returns the newest archived image, or nil if the archive is empty.
func (a *SnapshotArchive) Latest(ctx context.Context) ([]byte, error) {
	var image []byte
	err := a.pool.QueryRow(ctx,
		`SELECT image FROM snapshots ORDER BY taken_at DESC, id DESC LIMIT 1`).Scan(&image)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query latest snapshot: %w", err)
	}
	return image, nil
}
