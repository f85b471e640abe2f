package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const snapshotColumns = `id, source_id, file_path, content_hash, previous_hash, changed, captured_at`

// SaveSnapshot inserts a snapshot row. An empty ID is filled with a UUIDv7.
// Zero CapturedAt is stamped with the store clock.
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) (Snapshot, error) {
	if snap.SourceID == "" {
		return Snapshot{}, errors.New("snapshot source_id is required")
	}
	if snap.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Snapshot{}, fmt.Errorf("generating snapshot id: %w", err)
		}
		snap.ID = id.String()
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = s.now()
	}
	snap.CapturedAt = snap.CapturedAt.UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshot (`+snapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.SourceID, snap.FilePath, snap.ContentHash, snap.PreviousHash,
		boolToInt(snap.Changed), formatTime(snap.CapturedAt),
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("inserting snapshot %s: %w", snap.ID, err)
	}
	return snap, nil
}

// GetSnapshot returns the snapshot with the given id.
func (s *Store) GetSnapshot(ctx context.Context, id string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshot WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return Snapshot{}, ErrNotFound
	}
	return snap, err
}

// LatestSnapshot returns the most recently captured snapshot for a source,
// or ErrNotFound if the source has none.
func (s *Store) LatestSnapshot(ctx context.Context, sourceID string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM snapshot
		WHERE source_id = ?
		ORDER BY captured_at DESC, rowid DESC
		LIMIT 1`, sourceID)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return Snapshot{}, ErrNotFound
	}
	return snap, err
}

// PurgeSnapshotsBefore deletes snapshots captured before t together with their
// detection records and bounding boxes. It returns the number of snapshots removed.
func (s *Store) PurgeSnapshotsBefore(ctx context.Context, t time.Time) (int, error) {
	cutoff := formatTime(t)
	var purged int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM bounding_box WHERE snapshot_id IN (SELECT id FROM snapshot WHERE captured_at < ?)`, cutoff); err != nil {
			return fmt.Errorf("deleting bounding boxes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM detection WHERE snapshot_id IN (SELECT id FROM snapshot WHERE captured_at < ?)`, cutoff); err != nil {
			return fmt.Errorf("deleting detections: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM snapshot WHERE captured_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("deleting snapshots: %w", err)
		}
		purged, err = res.RowsAffected()
		return err
	})
	return int(purged), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r rowScanner) (Snapshot, error) {
	var snap Snapshot
	var changed int
	var capturedAt string
	if err := r.Scan(&snap.ID, &snap.SourceID, &snap.FilePath, &snap.ContentHash, &snap.PreviousHash, &changed, &capturedAt); err != nil {
		return Snapshot{}, err
	}
	snap.Changed = changed != 0
	t, err := parseTime(capturedAt)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parsing captured_at: %w", err)
	}
	snap.CapturedAt = t
	return snap, nil
}
