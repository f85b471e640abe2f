package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

const detectionColumns = `id, snapshot_id, source_id, status, total_boxes,
	cars, trucks, buses, emergency, construction, other,
	confidence_score, retry_count, last_retry_at, processed_at, claimed_at, last_error, created_at`

// MaxListLimit bounds ListDetections page sizes.
const MaxListLimit = 500

// --- Queue ---

// Enqueue marks the snapshot's detection record as queued, creating it if it
// does not exist yet. Re-enqueueing a queued, completed or failed record is a
// success and leaves retry_count and prior bounding boxes untouched. A record
// that is currently processing is left alone and reported as (false, nil).
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (bool, error) {
	if req.SnapshotID == "" {
		return false, errors.New("enqueue: snapshot_id is required")
	}
	now := formatTime(s.now())
	enqueued := false

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var snapSource string
		err := tx.QueryRowContext(ctx, `SELECT source_id FROM snapshot WHERE id = ?`, req.SnapshotID).Scan(&snapSource)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("looking up snapshot: %w", err)
		}
		sourceID := req.SourceID
		if sourceID == "" {
			sourceID = snapSource
		}

		var id string
		var status Status
		err = tx.QueryRowContext(ctx, `SELECT id, status FROM detection WHERE snapshot_id = ?`, req.SnapshotID).Scan(&id, &status)
		if err == sql.ErrNoRows {
			newID, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("generating detection id: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO detection (id, snapshot_id, source_id, status, created_at)
				VALUES (?, ?, ?, 'queued', ?)`,
				newID.String(), req.SnapshotID, sourceID, now,
			); err != nil {
				return fmt.Errorf("inserting detection: %w", err)
			}
			enqueued = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("looking up detection: %w", err)
		}

		if status == StatusProcessing {
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE detection
			SET status = 'queued', processed_at = NULL, claimed_at = NULL, last_error = ''
			WHERE id = ? AND status = ?`, id, status)
		if err != nil {
			return fmt.Errorf("re-enqueueing detection %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		enqueued = n == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return enqueued, nil
}

// DequeueBatch atomically claims up to limit queued records, oldest first,
// moving them to processing. Concurrent callers never receive the same record.
func (s *Store) DequeueBatch(ctx context.Context, limit int) ([]Detection, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := formatTime(s.now())
	rows, err := s.db.QueryContext(ctx, `
		UPDATE detection
		SET status = 'processing', claimed_at = ?
		WHERE status = 'queued' AND id IN (
			SELECT id FROM detection
			WHERE status = 'queued'
			ORDER BY created_at ASC, rowid ASC
			LIMIT ?
		)
		RETURNING `+detectionColumns, now, limit)
	if err != nil {
		return nil, fmt.Errorf("dequeueing batch: %w", err)
	}
	batch, err := collectDetections(rows)
	if err != nil {
		return nil, fmt.Errorf("dequeueing batch: %w", err)
	}
	// RETURNING order is unspecified.
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].CreatedAt.Before(batch[j].CreatedAt)
	})
	return batch, nil
}

// Claim moves one specific queued record to processing. It returns
// ErrNotClaimable when the record exists but is not queued.
func (s *Store) Claim(ctx context.Context, snapshotID string) (Detection, error) {
	now := formatTime(s.now())
	row := s.db.QueryRowContext(ctx, `
		UPDATE detection
		SET status = 'processing', claimed_at = ?
		WHERE snapshot_id = ? AND status = 'queued'
		RETURNING `+detectionColumns, now, snapshotID)
	d, err := scanDetection(row)
	if err == sql.ErrNoRows {
		if _, getErr := s.GetDetection(ctx, snapshotID); getErr != nil {
			return Detection{}, getErr
		}
		return Detection{}, ErrNotClaimable
	}
	if err != nil {
		return Detection{}, fmt.Errorf("claiming detection for snapshot %s: %w", snapshotID, err)
	}
	return d, nil
}

// CompleteDetection replaces the record's bounding boxes and writes the
// aggregated summary in one transaction. The record must be processing.
// total_boxes is always the number of boxes written.
func (s *Store) CompleteDetection(ctx context.Context, id string, sum Summary, boxes []BoundingBox) error {
	now := s.now()
	stamp := formatTime(now)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var snapshotID string
		err := tx.QueryRowContext(ctx, `
			UPDATE detection
			SET status = 'completed', total_boxes = ?,
				cars = ?, trucks = ?, buses = ?, emergency = ?, construction = ?, other = ?,
				confidence_score = ?, processed_at = ?, claimed_at = NULL, last_error = ''
			WHERE id = ? AND status = 'processing'
			RETURNING snapshot_id`,
			len(boxes),
			sum.Counts.Cars, sum.Counts.Trucks, sum.Counts.Buses,
			sum.Counts.Emergency, sum.Counts.Construction, sum.Counts.Other,
			sum.ConfidenceScore, stamp, id,
		).Scan(&snapshotID)
		if err == sql.ErrNoRows {
			return transitionError(ctx, tx, id, StatusCompleted)
		}
		if err != nil {
			return fmt.Errorf("completing detection %s: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM bounding_box WHERE detection_id = ?`, id); err != nil {
			return fmt.Errorf("clearing bounding boxes: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO bounding_box (id, detection_id, snapshot_id, category, x_min, y_min, x_max, y_max, confidence, is_valid, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing bounding box insert: %w", err)
		}
		defer stmt.Close()

		for _, b := range boxes {
			boxID, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("generating bounding box id: %w", err)
			}
			if _, err := stmt.ExecContext(ctx,
				boxID.String(), id, snapshotID, b.Category,
				b.XMin, b.YMin, b.XMax, b.YMax, b.Confidence, boolToInt(b.IsValid), stamp,
			); err != nil {
				return fmt.Errorf("inserting bounding box: %w", err)
			}
		}
		return nil
	})
}

// FailDetection marks a processing record as failed with the given reason.
// A failed record has no bounding boxes and zero counts.
func (s *Store) FailDetection(ctx context.Context, id string, reason string) error {
	stamp := formatTime(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE detection
			SET status = 'failed', total_boxes = 0,
				cars = 0, trucks = 0, buses = 0, emergency = 0, construction = 0, other = 0,
				confidence_score = 0, processed_at = ?, claimed_at = NULL, last_error = ?
			WHERE id = ? AND status = 'processing'`, stamp, reason, id)
		if err != nil {
			return fmt.Errorf("failing detection %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return transitionError(ctx, tx, id, StatusFailed)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM bounding_box WHERE detection_id = ?`, id); err != nil {
			return fmt.Errorf("clearing bounding boxes: %w", err)
		}
		return nil
	})
}

// RecordRetry increments retry_count on a processing record and returns the new count.
func (s *Store) RecordRetry(ctx context.Context, id string, reason string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE detection
		SET retry_count = retry_count + 1, last_retry_at = ?, last_error = ?
		WHERE id = ? AND status = 'processing'
		RETURNING retry_count`, formatTime(s.now()), reason, id,
	).Scan(&count)
	if err == sql.ErrNoRows {
		if _, getErr := s.getDetectionByID(ctx, id); getErr != nil {
			return 0, getErr
		}
		return 0, fmt.Errorf("recording retry for %s: %w", id, ErrInvalidTransition)
	}
	if err != nil {
		return 0, fmt.Errorf("recording retry for %s: %w", id, err)
	}
	return count, nil
}

// ReclaimStale returns processing records claimed longer than olderThan ago
// to the queue. It returns the number of records reclaimed.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := formatTime(s.now().Add(-olderThan))
	res, err := s.db.ExecContext(ctx, `
		UPDATE detection
		SET status = 'queued', claimed_at = NULL
		WHERE status = 'processing' AND claimed_at IS NOT NULL AND claimed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaiming stale detections: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ResetForReanalysis re-enqueues a snapshot's record from scratch, zeroing
// retry_count. Processing records are rejected with ErrInvalidTransition.
func (s *Store) ResetForReanalysis(ctx context.Context, snapshotID string) (Detection, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE detection
		SET status = 'queued', retry_count = 0, last_retry_at = NULL,
			processed_at = NULL, claimed_at = NULL, last_error = ''
		WHERE snapshot_id = ? AND status != 'processing'
		RETURNING `+detectionColumns, snapshotID)
	d, err := scanDetection(row)
	if err == sql.ErrNoRows {
		if _, getErr := s.GetDetection(ctx, snapshotID); getErr != nil {
			return Detection{}, getErr
		}
		return Detection{}, fmt.Errorf("resetting snapshot %s: %w", snapshotID, ErrInvalidTransition)
	}
	if err != nil {
		return Detection{}, fmt.Errorf("resetting snapshot %s: %w", snapshotID, err)
	}
	return d, nil
}

// --- Reads ---

// GetDetection returns the detection record for a snapshot.
func (s *Store) GetDetection(ctx context.Context, snapshotID string) (Detection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+detectionColumns+` FROM detection WHERE snapshot_id = ?`, snapshotID)
	d, err := scanDetection(row)
	if err == sql.ErrNoRows {
		return Detection{}, ErrNotFound
	}
	return d, err
}

func (s *Store) getDetectionByID(ctx context.Context, id string) (Detection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+detectionColumns+` FROM detection WHERE id = ?`, id)
	d, err := scanDetection(row)
	if err == sql.ErrNoRows {
		return Detection{}, ErrNotFound
	}
	return d, err
}

// ListDetections returns records newest first. An empty status lists all.
func (s *Store) ListDetections(ctx context.Context, status Status, limit, offset int) ([]Detection, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + detectionColumns + ` FROM detection`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing detections: %w", err)
	}
	return collectDetections(rows)
}

// ListBoxes returns every bounding box of a detection record, valid and invalid.
func (s *Store) ListBoxes(ctx context.Context, detectionID string) ([]BoundingBox, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, detection_id, snapshot_id, category, x_min, y_min, x_max, y_max, confidence, is_valid, created_at
		FROM bounding_box WHERE detection_id = ?
		ORDER BY rowid ASC`, detectionID)
	if err != nil {
		return nil, fmt.Errorf("listing bounding boxes: %w", err)
	}
	defer rows.Close()

	var boxes []BoundingBox
	for rows.Next() {
		var b BoundingBox
		var valid int
		var createdAt string
		if err := rows.Scan(&b.ID, &b.DetectionID, &b.SnapshotID, &b.Category,
			&b.XMin, &b.YMin, &b.XMax, &b.YMax, &b.Confidence, &valid, &createdAt); err != nil {
			return nil, err
		}
		b.IsValid = valid != 0
		if b.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for box %s: %w", b.ID, err)
		}
		boxes = append(boxes, b)
	}
	return boxes, rows.Err()
}

// transitionError distinguishes a missing record from one in the wrong status.
func transitionError(ctx context.Context, tx *sql.Tx, id string, target Status) error {
	var current Status
	err := tx.QueryRowContext(ctx, `SELECT status FROM detection WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("detection %s: %s -> %s: %w", id, current, target, ErrInvalidTransition)
}

func collectDetections(rows *sql.Rows) ([]Detection, error) {
	defer rows.Close()
	var out []Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDetection(r rowScanner) (Detection, error) {
	var d Detection
	var lastRetryAt, processedAt, claimedAt sql.NullString
	var createdAt string
	if err := r.Scan(
		&d.ID, &d.SnapshotID, &d.SourceID, &d.Status, &d.TotalBoxes,
		&d.Counts.Cars, &d.Counts.Trucks, &d.Counts.Buses,
		&d.Counts.Emergency, &d.Counts.Construction, &d.Counts.Other,
		&d.ConfidenceScore, &d.RetryCount, &lastRetryAt, &processedAt, &claimedAt,
		&d.LastError, &createdAt,
	); err != nil {
		return Detection{}, err
	}

	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return Detection{}, fmt.Errorf("parsing created_at for detection %s: %w", d.ID, err)
	}
	if d.LastRetryAt, err = parseNullTime(lastRetryAt); err != nil {
		return Detection{}, fmt.Errorf("parsing last_retry_at for detection %s: %w", d.ID, err)
	}
	if d.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return Detection{}, fmt.Errorf("parsing processed_at for detection %s: %w", d.ID, err)
	}
	if d.ClaimedAt, err = parseNullTime(claimedAt); err != nil {
		return Detection{}, fmt.Errorf("parsing claimed_at for detection %s: %w", d.ID, err)
	}
	return d, nil
}
