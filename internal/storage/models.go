package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotClaimable is returned when a detection record cannot be moved into
// processing because it is not currently queued.
var ErrNotClaimable = errors.New("detection not claimable")

// ErrInvalidTransition is returned when a detection record is not in the
// status an operation expects.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the lifecycle state of a detection record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Snapshot is one captured image from a source. Immutable once written.
type Snapshot struct {
	ID           string    `json:"id"`
	SourceID     string    `json:"source_id"`
	FilePath     string    `json:"file_path"`
	ContentHash  string    `json:"content_hash"`
	PreviousHash string    `json:"previous_hash"`
	Changed      bool      `json:"changed"`
	CapturedAt   time.Time `json:"captured_at"`
}

// CategoryCounts holds per-category vehicle counts for a detection record.
type CategoryCounts struct {
	Cars         int `json:"cars"`
	Trucks       int `json:"trucks"`
	Buses        int `json:"buses"`
	Emergency    int `json:"emergency"`
	Construction int `json:"construction"`
	Other        int `json:"other_vehicles"`
}

// Detection is the per-snapshot analysis job and its outcome.
type Detection struct {
	ID              string         `json:"id"`
	SnapshotID      string         `json:"snapshot_id"`
	SourceID        string         `json:"source_id"`
	Status          Status         `json:"status"`
	TotalBoxes      int            `json:"total_boxes"`
	Counts          CategoryCounts `json:"counts_by_category"`
	ConfidenceScore float64        `json:"confidence_score"`
	RetryCount      int            `json:"retry_count"`
	LastRetryAt     *time.Time     `json:"last_retry_at,omitempty"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	ClaimedAt       *time.Time     `json:"claimed_at,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// BoundingBox is one detected object, in normalized 0-1000 coordinates.
// Invalid boxes are stored alongside valid ones for diagnosis.
type BoundingBox struct {
	ID          string    `json:"id"`
	DetectionID string    `json:"detection_id"`
	SnapshotID  string    `json:"snapshot_id"`
	Category    string    `json:"category"`
	XMin        float64   `json:"x_min"`
	YMin        float64   `json:"y_min"`
	XMax        float64   `json:"x_max"`
	YMax        float64   `json:"y_max"`
	Confidence  float64   `json:"confidence"`
	IsValid     bool      `json:"is_valid"`
	CreatedAt   time.Time `json:"created_at"`
}

// Summary is the aggregated outcome written when a record completes.
type Summary struct {
	TotalBoxes      int
	Counts          CategoryCounts
	ConfidenceScore float64
}

// EnqueueRequest identifies a snapshot to (re)analyze.
type EnqueueRequest struct {
	SnapshotID string
	SourceID   string
}

// StatsFilter narrows Stats to a source and a created_at window.
// Zero values mean unbounded.
type StatsFilter struct {
	SourceID string
	From     time.Time
	To       time.Time
}

// Stats is the dashboard aggregate over detection records.
type Stats struct {
	Total         int     `json:"total"`
	Pending       int     `json:"pending"`
	Queued        int     `json:"queued"`
	Processing    int     `json:"processing"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	AvgConfidence float64 `json:"avg_confidence"`
	TotalDetected int     `json:"total_detected"`
}
