package catalog

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/trailwarden/trailwarden/internal/storage"
)

// RetentionConfig contains retention sweep tunables.
type RetentionConfig struct {
	// Horizon is the age past which non-retained clips are deleted.
	Horizon time.Duration

	// MaxStoreBytes caps total clip storage; when exceeded the sweep
	// deletes oldest-first until back under budget. Zero disables the
	// size budget.
	MaxStoreBytes int64

	// MinAge is the floor below which no clip is deleted regardless of
	// budget pressure, so classification can finish before the file goes.
	MinAge time.Duration

	// Interval is the sweep period.
	Interval time.Duration
}

// RetentionMetrics counts sweep outcomes.
type RetentionMetrics struct {
	Sweeps       atomic.Uint64
	Deleted      atomic.Uint64
	BytesFreed   atomic.Uint64
	DeleteErrors atomic.Uint64
}

// Retention deletes expired clips, their media files, and their sightings
// on a periodic sweep. Deletion order is row first, then files: a crash
// between the two leaves orphan files for the startup reconciliation, never
// a dangling catalog row.
type Retention struct {
	store   storage.Store
	locks   *ClipLocks
	cfg     RetentionConfig
	logger  *zap.Logger
	metrics RetentionMetrics
}

// NewRetention creates a retention sweeper.
func NewRetention(store storage.Store, locks *ClipLocks, cfg RetentionConfig, logger *zap.Logger) *Retention {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Retention{
		store:  store,
		locks:  locks,
		cfg:    cfg,
		logger: logger.Named("retention"),
	}
}

// Run sweeps on the configured interval until the context is canceled.
// One sweep runs immediately at startup to recover space after downtime.
func (r *Retention) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one retention pass: horizon expiry first, then the size
// budget, oldest-first. Retained clips and clips younger than MinAge are
// never touched.
func (r *Retention) Sweep(ctx context.Context) {
	r.metrics.Sweeps.Add(1)

	now := time.Now().UTC()
	if r.cfg.Horizon > 0 {
		r.sweepHorizon(ctx, now)
	}
	if r.cfg.MaxStoreBytes > 0 {
		r.sweepBudget(ctx, now)
	}
}

func (r *Retention) sweepHorizon(ctx context.Context, now time.Time) {
	cutoff := now.Add(-r.cfg.Horizon)
	if minCutoff := now.Add(-r.cfg.MinAge); cutoff.After(minCutoff) {
		cutoff = minCutoff
	}

	clips, err := r.store.RetentionCandidates(ctx, cutoff)
	if err != nil {
		r.logger.Error("retention candidate query failed", zap.Error(err))
		return
	}
	for _, clip := range clips {
		if ctx.Err() != nil {
			return
		}
		r.delete(ctx, clip, "horizon")
	}
}

func (r *Retention) sweepBudget(ctx context.Context, now time.Time) {
	total, err := r.store.TotalClipBytes(ctx)
	if err != nil {
		r.logger.Error("store size query failed", zap.Error(err))
		return
	}
	if total <= r.cfg.MaxStoreBytes {
		return
	}

	// Everything older than MinAge is a candidate; candidates come back
	// oldest first.
	clips, err := r.store.RetentionCandidates(ctx, now.Add(-r.cfg.MinAge))
	if err != nil {
		r.logger.Error("retention candidate query failed", zap.Error(err))
		return
	}
	for _, clip := range clips {
		if ctx.Err() != nil || total <= r.cfg.MaxStoreBytes {
			return
		}
		if r.delete(ctx, clip, "size budget") {
			total -= clip.SizeBytes
		}
	}
	if total > r.cfg.MaxStoreBytes {
		r.logger.Warn("store over size budget after sweep",
			zap.Int64("total_bytes", total),
			zap.Int64("budget_bytes", r.cfg.MaxStoreBytes))
	}
}

// delete removes one clip under its per-clip lock so an in-flight
// classification or archive upload never reads a half-deleted clip.
func (r *Retention) delete(ctx context.Context, clip *storage.Clip, reason string) bool {
	release := r.locks.Acquire(clip.ID)
	defer release()

	if err := r.store.DeleteClip(ctx, clip.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false
		}
		r.metrics.DeleteErrors.Add(1)
		r.logger.Error("clip row delete failed", zap.String("clip", clip.ID), zap.Error(err))
		return false
	}

	for _, path := range []string{clip.Path, clip.ThumbPath, manifestPath(clip.Path)} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.metrics.DeleteErrors.Add(1)
			r.logger.Error("clip file delete failed", zap.String("path", path), zap.Error(err))
		}
	}

	r.metrics.Deleted.Add(1)
	r.metrics.BytesFreed.Add(uint64(clip.SizeBytes))
	r.logger.Info("clip deleted",
		zap.String("clip", clip.ID),
		zap.String("camera", clip.Camera),
		zap.String("reason", reason),
		zap.Int64("bytes", clip.SizeBytes))
	return true
}

// Metrics exposes the sweep counters.
func (r *Retention) Metrics() *RetentionMetrics { return &r.metrics }
