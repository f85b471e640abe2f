// Package scheduler drains the detection queue: it claims batches of queued
// records, runs inference under concurrency and rate limits, retries
// transient failures and records every outcome.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/detection"
	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/events"
	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/failure"
	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/inference"
	"github.com/ellisvalentiner/midot-traffic-dashboard-sub000/internal/storage"
)

// Hard upper bounds applied to Config regardless of what is configured.
const (
	MaxBatchSize   = 50
	MaxConcurrency = 10
	MaxRetries     = 5
)

// ErrPassInProgress is returned by RunPass when another pass is running.
var ErrPassInProgress = errors.New("analysis pass already in progress")

// ErrBusy is returned by AnalyzeSnapshot when the record is already processing.
var ErrBusy = errors.New("snapshot is already being processed")

// Store abstracts the queue operations the scheduler needs.
type Store interface {
	Enqueue(ctx context.Context, req storage.EnqueueRequest) (bool, error)
	DequeueBatch(ctx context.Context, limit int) ([]storage.Detection, error)
	Claim(ctx context.Context, snapshotID string) (storage.Detection, error)
	CompleteDetection(ctx context.Context, id string, sum storage.Summary, boxes []storage.BoundingBox) error
	FailDetection(ctx context.Context, id string, reason string) error
	RecordRetry(ctx context.Context, id string, reason string) (int, error)
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)
	GetSnapshot(ctx context.Context, id string) (storage.Snapshot, error)
	GetDetection(ctx context.Context, snapshotID string) (storage.Detection, error)
}

// Config holds scheduler tuning. Zero values take the defaults.
type Config struct {
	Interval          time.Duration
	BatchSize         int
	MaxConcurrent     int
	RateLimitDelay    time.Duration
	MaxRetries        int
	BaseDelay         time.Duration
	MaxRetryDelay     time.Duration
	ProcessingTimeout time.Duration
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Minute,
		BatchSize:         10,
		MaxConcurrent:     5,
		RateLimitDelay:    2 * time.Second,
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxRetryDelay:     30 * time.Second,
		ProcessingTimeout: 30 * time.Minute,
	}
}

// normalize fills defaults and clamps to the hard caps.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	c.BatchSize = min(c.BatchSize, MaxBatchSize)
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	c.MaxConcurrent = min(c.MaxConcurrent, MaxConcurrency)
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = d.RateLimitDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	c.MaxRetries = min(c.MaxRetries, MaxRetries)
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = d.ProcessingTimeout
	}
	return c
}

// PassResult summarizes one scheduler pass.
type PassResult struct {
	Reclaimed int           `json:"reclaimed"`
	Batches   int           `json:"batches"`
	Processed int           `json:"processed"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Retries   int           `json:"retries"`
	Duration  time.Duration `json:"duration_ns"`
}

// Scheduler is the single consumer of the detection queue in a process.
type Scheduler struct {
	store  Store
	client inference.Client
	events events.Publisher
	cfg    Config
	logger *slog.Logger

	running atomic.Bool
	trigger chan struct{}

	// Replaceable in tests.
	sleep    func(ctx context.Context, d time.Duration) error
	readFile func(path string) ([]byte, error)
	now      func() time.Time
}

// New creates a Scheduler. pub may be nil.
func New(store Store, client inference.Client, pub events.Publisher, cfg Config) *Scheduler {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Scheduler{
		store:    store,
		client:   client,
		events:   pub,
		cfg:      cfg.normalize(),
		logger:   slog.Default(),
		trigger:  make(chan struct{}, 1),
		sleep:    sleepCtx,
		readFile: os.ReadFile,
		now:      time.Now,
	}
}

// Config returns the effective configuration after defaults and caps.
func (s *Scheduler) Config() Config { return s.cfg }

// Running reports whether a pass is in progress.
func (s *Scheduler) Running() bool { return s.running.Load() }

// Run executes a pass immediately and then every Interval until ctx is
// cancelled. Trigger requests are served by the same loop, so a manual pass
// never overlaps a periodic one.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("analysis scheduler started",
		"interval", s.cfg.Interval,
		"batch_size", s.cfg.BatchSize,
		"max_concurrent", s.cfg.MaxConcurrent,
		"backend", s.client.Name(),
	)

	s.runLogged(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("analysis scheduler stopped")
			return
		case <-ticker.C:
			s.runLogged(ctx, "interval")
		case <-s.trigger:
			s.runLogged(ctx, "manual")
		}
	}
}

// Trigger requests a pass from the Run loop without blocking. Requests made
// while one is already pending are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) runLogged(ctx context.Context, reason string) {
	res, err := s.RunPass(ctx)
	switch {
	case errors.Is(err, ErrPassInProgress):
		s.logger.Debug("analysis pass skipped, one is already running", "reason", reason)
	case err != nil && ctx.Err() != nil:
		s.logger.Info("analysis pass interrupted by shutdown", "processed", res.Processed)
	case err != nil:
		s.logger.Error("analysis pass aborted", "reason", reason, "processed", res.Processed, "error", err)
	case res.Processed > 0 || res.Reclaimed > 0:
		s.logger.Info("analysis pass complete",
			"reason", reason,
			"processed", res.Processed,
			"completed", res.Completed,
			"failed", res.Failed,
			"retries", res.Retries,
			"reclaimed", res.Reclaimed,
			"duration", res.Duration,
		)
	default:
		s.logger.Debug("analysis pass found no work", "reason", reason)
	}
}

// RunPass drains the queue once. It returns ErrPassInProgress immediately if
// another pass is running. Per-record failures are recorded on the record and
// do not stop the pass; storage errors do.
func (s *Scheduler) RunPass(ctx context.Context) (res PassResult, err error) {
	if !s.running.CompareAndSwap(false, true) {
		return PassResult{}, ErrPassInProgress
	}
	defer s.running.Store(false)

	start := s.now()
	var mu sync.Mutex
	defer func() { res.Duration = s.now().Sub(start) }()

	reclaimed, err := s.store.ReclaimStale(ctx, s.cfg.ProcessingTimeout)
	if err != nil {
		return res, fmt.Errorf("reclaiming stale records: %w", err)
	}
	res.Reclaimed = reclaimed
	if reclaimed > 0 {
		s.logger.Warn("reclaimed stale processing records", "count", reclaimed, "timeout", s.cfg.ProcessingTimeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		batch, err := s.store.DequeueBatch(ctx, s.cfg.BatchSize)
		if err != nil {
			return res, fmt.Errorf("dequeueing batch: %w", err)
		}
		if len(batch) == 0 {
			return res, nil
		}
		if res.Batches > 0 {
			if err := s.sleep(ctx, s.cfg.RateLimitDelay); err != nil {
				return res, err
			}
		}
		res.Batches++

		for i, chunk := range chunks(batch, s.cfg.MaxConcurrent) {
			if i > 0 {
				if err := s.sleep(ctx, s.cfg.RateLimitDelay); err != nil {
					return res, err
				}
			}
			// A plain Group: one record's storage error must not cancel its
			// siblings mid-inference.
			var g errgroup.Group
			for _, d := range chunk {
				g.Go(func() error {
					out, err := s.process(ctx, d)
					mu.Lock()
					res.Processed++
					res.Retries += out.retries
					switch out.status {
					case storage.StatusCompleted:
						res.Completed++
					case storage.StatusFailed:
						res.Failed++
					}
					mu.Unlock()
					return err
				})
			}
			if err := g.Wait(); err != nil {
				return res, err
			}
		}
	}
}

// AnalyzeSnapshot enqueues, claims and processes one snapshot right away,
// outside the periodic passes, and returns the resulting record.
func (s *Scheduler) AnalyzeSnapshot(ctx context.Context, snapshotID string) (storage.Detection, error) {
	ok, err := s.store.Enqueue(ctx, storage.EnqueueRequest{SnapshotID: snapshotID})
	if err != nil {
		return storage.Detection{}, err
	}
	if !ok {
		return storage.Detection{}, ErrBusy
	}
	d, err := s.store.Claim(ctx, snapshotID)
	if errors.Is(err, storage.ErrNotClaimable) {
		// A concurrent pass picked it up between Enqueue and Claim.
		return storage.Detection{}, ErrBusy
	}
	if err != nil {
		return storage.Detection{}, err
	}
	if _, err := s.process(ctx, d); err != nil {
		return storage.Detection{}, err
	}
	return s.store.GetDetection(ctx, snapshotID)
}

type outcome struct {
	status  storage.Status
	retries int
}

// process runs one claimed record to a terminal status. The returned error
// is non-nil only for storage failures or cancellation, in which case the
// record may remain processing until it is reclaimed.
func (s *Scheduler) process(ctx context.Context, d storage.Detection) (outcome, error) {
	log := s.logger.With("detection_id", d.ID, "snapshot_id", d.SnapshotID, "source_id", d.SourceID)
	var out outcome

	snap, err := s.store.GetSnapshot(ctx, d.SnapshotID)
	if err != nil {
		return out, fmt.Errorf("loading snapshot %s: %w", d.SnapshotID, err)
	}

	image, err := s.readFile(snap.FilePath)
	if err != nil {
		kind := failure.Internal
		if errors.Is(err, os.ErrNotExist) {
			kind = failure.FileNotFound
		}
		return s.fail(ctx, log, d, out, failure.New(kind, "read snapshot", err))
	}

	for attempt := 1; ; attempt++ {
		raw, err := s.client.Infer(ctx, image)
		if err == nil {
			boxes, sum, perr := detection.Analyze(raw)
			if perr != nil {
				log.Warn("unparseable inference response", "error", perr, "response", truncate(raw, 200))
				return s.fail(ctx, log, d, out, perr)
			}
			if err := s.store.CompleteDetection(ctx, d.ID, sum, boxes); err != nil {
				return out, fmt.Errorf("completing detection %s: %w", d.ID, err)
			}
			out.status = storage.StatusCompleted
			log.Debug("detection completed", "total_boxes", sum.TotalBoxes, "confidence", sum.ConfidenceScore, "attempts", attempt)
			s.publish(ctx, log, d.SnapshotID)
			return out, nil
		}

		if ctx.Err() != nil {
			return out, ctx.Err()
		}

		kind := failure.KindOf(err)
		if !failure.Retryable(kind) || attempt >= s.cfg.MaxRetries {
			return s.fail(ctx, log, d, out, err)
		}

		if _, rerr := s.store.RecordRetry(ctx, d.ID, err.Error()); rerr != nil {
			return out, fmt.Errorf("recording retry for %s: %w", d.ID, rerr)
		}
		out.retries++

		delay := s.backoff(kind, attempt)
		log.Warn("inference failed, retrying", "kind", kind, "attempt", attempt, "delay", delay, "error", err)
		if err := s.sleep(ctx, delay); err != nil {
			return out, err
		}
	}
}

func (s *Scheduler) fail(ctx context.Context, log *slog.Logger, d storage.Detection, out outcome, cause error) (outcome, error) {
	reason := cause.Error()
	if err := s.store.FailDetection(ctx, d.ID, reason); err != nil {
		return out, fmt.Errorf("failing detection %s: %w", d.ID, err)
	}
	out.status = storage.StatusFailed
	log.Warn("detection failed", "kind", failure.KindOf(cause), "error", cause)
	s.publish(ctx, log, d.SnapshotID)
	return out, nil
}

func (s *Scheduler) publish(ctx context.Context, log *slog.Logger, snapshotID string) {
	d, err := s.store.GetDetection(ctx, snapshotID)
	if err != nil {
		log.Warn("loading detection for event", "error", err)
		return
	}
	if err := s.events.Publish(ctx, events.ForDetection(d, s.now())); err != nil {
		log.Warn("publishing detection event", "error", err)
	}
}

// backoff returns the wait before attempt+1. Rate limiting backs off
// linearly from RateLimitDelay; everything else doubles from BaseDelay.
func (s *Scheduler) backoff(kind failure.Kind, attempt int) time.Duration {
	if kind == failure.RateLimited {
		return s.cfg.RateLimitDelay * time.Duration(attempt)
	}
	d := s.cfg.BaseDelay
	for i := 1; i < attempt && d < s.cfg.MaxRetryDelay; i++ {
		d *= 2
	}
	return min(d, s.cfg.MaxRetryDelay)
}

func chunks(batch []storage.Detection, size int) [][]storage.Detection {
	var out [][]storage.Detection
	for size < len(batch) {
		batch, out = batch[size:], append(out, batch[:size:size])
	}
	return append(out, batch)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
