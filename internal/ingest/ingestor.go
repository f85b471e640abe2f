// Package ingest records camera snapshots and gates analysis on content change.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/failure"
	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/storage"
)

// SnapshotStore abstracts the storage operations the Ingestor needs.
type SnapshotStore interface {
	LatestSnapshot(ctx context.Context, sourceID string) (storage.Snapshot, error)
	SaveSnapshot(ctx context.Context, snap storage.Snapshot) (storage.Snapshot, error)
	Enqueue(ctx context.Context, req storage.EnqueueRequest) (bool, error)
}

// Request describes a freshly captured image on disk.
type Request struct {
	SourceID   string    `json:"source_id"`
	FilePath   string    `json:"file_path"`
	CapturedAt time.Time `json:"captured_at,omitempty"`
}

// Result reports what Ingest recorded.
type Result struct {
	Snapshot storage.Snapshot `json:"snapshot"`
	Enqueued bool             `json:"enqueued"`
}

// Ingestor hashes snapshot files, compares them with the previous snapshot
// of the same source and enqueues only the ones that changed.
type Ingestor struct {
	store  SnapshotStore
	logger *slog.Logger

	// Serializes the read-latest/save pair so two captures of one source
	// cannot both compare against the same predecessor.
	mu sync.Mutex
}

// New creates an Ingestor backed by store.
func New(store SnapshotStore) *Ingestor {
	return &Ingestor{store: store, logger: slog.Default()}
}

// Ingest records one snapshot. The first snapshot of a source is always
// changed. A missing file is a failure.FileNotFound error and nothing is stored.
func (in *Ingestor) Ingest(ctx context.Context, req Request) (Result, error) {
	if req.SourceID == "" {
		return Result{}, errors.New("source_id is required")
	}
	if req.FilePath == "" {
		return Result{}, errors.New("file_path is required")
	}

	hash, err := HashFile(req.FilePath)
	if err != nil {
		return Result{}, err
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	snap := storage.Snapshot{
		SourceID:    req.SourceID,
		FilePath:    req.FilePath,
		ContentHash: hash,
		Changed:     true,
		CapturedAt:  req.CapturedAt,
	}

	prev, err := in.store.LatestSnapshot(ctx, req.SourceID)
	switch {
	case err == nil:
		snap.PreviousHash = prev.ContentHash
		snap.Changed = prev.ContentHash != hash
	case errors.Is(err, storage.ErrNotFound):
	default:
		return Result{}, fmt.Errorf("loading previous snapshot for %s: %w", req.SourceID, err)
	}

	saved, err := in.store.SaveSnapshot(ctx, snap)
	if err != nil {
		return Result{}, fmt.Errorf("saving snapshot: %w", err)
	}

	res := Result{Snapshot: saved}
	if !saved.Changed {
		in.logger.Debug("snapshot unchanged", "source_id", saved.SourceID, "snapshot_id", saved.ID)
		return res, nil
	}

	ok, err := in.store.Enqueue(ctx, storage.EnqueueRequest{SnapshotID: saved.ID, SourceID: saved.SourceID})
	if err != nil {
		return res, fmt.Errorf("enqueueing snapshot %s: %w", saved.ID, err)
	}
	res.Enqueued = ok
	in.logger.Info("snapshot enqueued", "source_id", saved.SourceID, "snapshot_id", saved.ID)
	return res, nil
}

// HashFile returns the hex sha256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", failure.New(failure.FileNotFound, "hash snapshot", err)
		}
		return "", fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing snapshot: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
