package storage

import (
	"context"
	"fmt"
	"strings"
)

// Stats aggregates detection records matching the filter. avg_confidence
// averages completed records only and total_detected sums their total_boxes.
func (s *Store) Stats(ctx context.Context, f StatsFilter) (Stats, error) {
	var where []string
	var args []any
	if f.SourceID != "" {
		where = append(where, "source_id = ?")
		args = append(args, f.SourceID)
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(f.To))
	}

	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN status = 'completed' THEN confidence_score END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN total_boxes ELSE 0 END), 0)
		FROM detection`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	var st Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&st.Total, &st.Pending, &st.Queued, &st.Processing, &st.Completed, &st.Failed,
		&st.AvgConfidence, &st.TotalDetected,
	); err != nil {
		return Stats{}, fmt.Errorf("computing stats: %w", err)
	}
	return st, nil
}
