// Package classify runs the external species/behavior classifier against
// cataloged clips, off the recording critical path. A slow or unavailable
// classifier degrades clips to "unclassified" sightings; it never blocks
// the next recording session.
package classify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trailwarden/trailwarden/internal/storage"
)

// Result is the classifier's opaque verdict for one clip.
type Result struct {
	Label      string
	Confidence float64
	Behavior   string
}

// Classifier is the pluggable external capability. Implementations may be
// slow or fail; the adapter owns timeouts and degradation.
type Classifier interface {
	Classify(ctx context.Context, clipPath string) (Result, error)
}

// Locker serializes clip deletion against readers still using the file.
type Locker interface {
	Acquire(clipID string) (release func())
}

// Config contains the adapter's tunables.
type Config struct {
	Timeout time.Duration
	Retries int
	Workers int
	Queue   int
}

// Metrics counts classification outcomes.
type Metrics struct {
	Classified   atomic.Uint64
	Unclassified atomic.Uint64
	Timeouts     atomic.Uint64
}

// Adapter feeds cataloged clips through the classifier on a bounded
// worker pool and persists exactly one sighting per clip.
type Adapter struct {
	classifier Classifier
	store      storage.Store
	locks      Locker
	cfg        Config
	queue      chan *storage.Clip
	logger     *zap.Logger
	metrics    Metrics

	inFlight atomic.Int64
}

// NewAdapter creates the classification adapter.
func NewAdapter(c Classifier, store storage.Store, locks Locker, cfg Config, logger *zap.Logger) *Adapter {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Adapter{
		classifier: c,
		store:      store,
		locks:      locks,
		cfg:        cfg,
		queue:      make(chan *storage.Clip, cfg.Queue),
		logger:     logger.Named("classify"),
	}
}

// Enqueue schedules a clip for classification. A full queue degrades the
// clip to an unclassified sighting immediately rather than blocking the
// cataloger.
func (a *Adapter) Enqueue(ctx context.Context, clip *storage.Clip) {
	select {
	case a.queue <- clip:
	default:
		a.logger.Warn("classifier queue full, degrading to unclassified",
			zap.String("clip", clip.ID))
		a.saveSighting(ctx, clip, Result{Label: storage.LabelUnclassified})
	}
}

// Backlog reports queued plus in-flight classifications.
func (a *Adapter) Backlog() int {
	return len(a.queue) + int(a.inFlight.Load())
}

// Run processes the queue until the context is canceled.
func (a *Adapter) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < a.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case clip := <-a.queue:
					a.inFlight.Add(1)
					a.process(ctx, clip)
					a.inFlight.Add(-1)
				}
			}
		})
	}
	return g.Wait()
}

// process classifies one clip, holding its deletion lock so the retention
// sweep cannot remove the file out from under the classifier.
func (a *Adapter) process(ctx context.Context, clip *storage.Clip) {
	release := a.locks.Acquire(clip.ID)
	defer release()

	result, err := a.classifyWithRetry(ctx, clip.Path)
	if err != nil {
		a.metrics.Timeouts.Add(1)
		a.logger.Warn("classifier unavailable, degrading to unclassified",
			zap.String("clip", clip.ID),
			zap.Error(err))
		result = Result{Label: storage.LabelUnclassified, Confidence: 0}
	}
	// The sighting write must survive shutdown cancellation; a clip with
	// no sighting breaks the bijection invariant.
	a.saveSighting(context.WithoutCancel(ctx), clip, result)
}

func (a *Adapter) classifyWithRetry(ctx context.Context, clipPath string) (Result, error) {
	var result Result
	attempts := 0

	op := func() error {
		attempts++
		opCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
		r, err := a.classifier.Classify(opCtx, clipPath)
		if err != nil {
			return err
		}
		result = r
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(a.cfg.Retries)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return Result{}, err
	}
	return result, nil
}

func (a *Adapter) saveSighting(ctx context.Context, clip *storage.Clip, result Result) {
	sighting := &storage.Sighting{
		ID:         uuid.NewString(),
		ClipID:     clip.ID,
		Label:      result.Label,
		Confidence: result.Confidence,
		CreatedAt:  time.Now().UTC(),
	}
	if result.Behavior != "" {
		sighting.Behavior = &result.Behavior
	}

	if err := a.store.SaveSighting(ctx, sighting); err != nil {
		// A lost sighting record has no local recovery; surface it loudly.
		a.logger.Error("could not persist sighting",
			zap.String("clip", clip.ID),
			zap.Error(err))
		return
	}

	if result.Label == storage.LabelUnclassified {
		a.metrics.Unclassified.Add(1)
	} else {
		a.metrics.Classified.Add(1)
	}
	a.logger.Info("sighting recorded",
		zap.String("clip", clip.ID),
		zap.String("label", result.Label),
		zap.Float64("confidence", result.Confidence))
}

// Metrics exposes the adapter's counters.
func (a *Adapter) Metrics() *Metrics { return &a.metrics }
