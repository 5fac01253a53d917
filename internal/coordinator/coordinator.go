// Package coordinator assembles the recording pipeline: sensor workers
// feeding the event router, per-camera session managers gated by the
// arbiter, and the catalog/classify/archive chain behind them. It owns
// startup reconciliation and the ordered shutdown drain.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trailwarden/trailwarden/internal/arbiter"
	"github.com/trailwarden/trailwarden/internal/camera"
	"github.com/trailwarden/trailwarden/internal/catalog"
	"github.com/trailwarden/trailwarden/internal/classify"
	"github.com/trailwarden/trailwarden/internal/config"
	"github.com/trailwarden/trailwarden/internal/event"
	"github.com/trailwarden/trailwarden/internal/router"
	"github.com/trailwarden/trailwarden/internal/sensor"
	"github.com/trailwarden/trailwarden/internal/session"
	"github.com/trailwarden/trailwarden/internal/storage"
)

// Option overrides a coordinator collaborator, mainly for tests and
// non-GPIO deployments.
type Option func(*options)

type options struct {
	store         storage.Store
	cameraSources map[string]camera.Source
	edgeSources   map[string]sensor.EdgeSource
}

// WithStore substitutes the metadata store.
func WithStore(s storage.Store) Option {
	return func(o *options) { o.store = s }
}

// WithCameraSource substitutes the frame source for one camera.
func WithCameraSource(cameraName string, src camera.Source) Option {
	return func(o *options) { o.cameraSources[cameraName] = src }
}

// WithEdgeSource substitutes the raw signal source for one sensor.
func WithEdgeSource(sensorName string, src sensor.EdgeSource) Option {
	return func(o *options) { o.edgeSources[sensorName] = src }
}

// Coordinator is the assembled appliance pipeline.
type Coordinator struct {
	cfg    *config.Config
	logger *zap.Logger

	store     storage.Store
	ownsStore bool

	arb       *arbiter.Arbiter
	router    *router.Router
	workers   []*sensor.Worker
	managers  map[string]*session.Manager
	sources   map[string]camera.Source
	locks     *catalog.ClipLocks
	cataloger *catalog.Cataloger
	retention *catalog.Retention
	adapter   *classify.Adapter
	archiver  *storage.Archiver

	injectSeq atomic.Uint64
}

// New wires a coordinator from configuration. Cameras without an
// overridden source get a synthetic frame generator; sensors without a
// device or an override only fire through InjectMotion.
func New(cfg *config.Config, cls classify.Classifier, logger *zap.Logger, opts ...Option) (*Coordinator, error) {
	o := &options{
		cameraSources: make(map[string]camera.Source),
		edgeSources:   make(map[string]sensor.EdgeSource),
	}
	for _, opt := range opts {
		opt(o)
	}

	c := &Coordinator{
		cfg:      cfg,
		logger:   logger,
		store:    o.store,
		managers: make(map[string]*session.Manager),
		sources:  make(map[string]camera.Source),
		locks:    catalog.NewClipLocks(),
	}

	if c.store == nil {
		store, err := storage.Open(cfg.Storage.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open metadata store: %w", err)
		}
		c.store = store
		c.ownsStore = true
	}

	cameraNames := make([]string, 0, len(cfg.Cameras))
	for _, cam := range cfg.Cameras {
		cameraNames = append(cameraNames, cam.Name)
	}
	c.arb = arbiter.New(cameraNames, cfg.Recording.LeaseTTL.D(), logger)
	c.router = router.New(cfg.Recording.EventQueueSize, logger)

	c.adapter = classify.NewAdapter(cls, c.store, c.locks, classify.Config{
		Timeout: cfg.Classifier.Timeout.D(),
		Retries: cfg.Classifier.Retries,
		Workers: cfg.Classifier.Workers,
	}, logger)

	if cfg.Archive.Enabled {
		archiver, err := storage.NewArchiver(storage.ArchiverConfig{
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			UseSSL:          cfg.Archive.UseSSL,
			Bucket:          cfg.Archive.Bucket,
			MaxUploads:      cfg.Archive.MaxUploads,
			QueueSize:       cfg.Archive.QueueSize,
		}, c.store, c.locks, logger)
		if err != nil {
			return nil, fmt.Errorf("init archiver: %w", err)
		}
		c.archiver = archiver
	}

	var archiveSink catalog.Archiver
	if c.archiver != nil {
		archiveSink = c.archiver
	}
	c.cataloger = catalog.New(c.store, c.adapter, archiveSink, catalog.Config{
		Workers:       cfg.Catalog.Workers,
		QueueSize:     cfg.Catalog.QueueSize,
		ThumbnailSkip: cfg.Catalog.ThumbnailSkip.D(),
	}, logger)

	c.retention = catalog.NewRetention(c.store, c.locks, catalog.RetentionConfig{
		Horizon:       cfg.Retention.Horizon.D(),
		MaxStoreBytes: cfg.Retention.MaxStoreBytes,
		MinAge:        cfg.RetentionMinAge(),
		Interval:      cfg.Retention.SweepInterval.D(),
	}, logger)

	for _, cam := range cfg.Cameras {
		src, ok := o.cameraSources[cam.Name]
		if !ok {
			synth, err := camera.NewSyntheticSource(cam.Name, cam.FPS)
			if err != nil {
				return nil, fmt.Errorf("camera %s: %w", cam.Name, err)
			}
			src = synth
		}
		c.sources[cam.Name] = src
		mgr := session.NewManager(session.Config{
			Camera:          cam.Name,
			MediaDir:        cfg.Recording.MediaDir,
			CoalesceTail:    cfg.Recording.CoalesceTail.D(),
			MinClipDuration: cfg.Recording.MinClipDuration.D(),
			MaxClipDuration: cfg.Recording.MaxClipDuration.D(),
			LeaseTTL:        cfg.Recording.LeaseTTL.D(),
		}, c.arb, src, c.cataloger, logger)
		c.managers[cam.Name] = mgr
		c.router.Bind(cam.Name, mgr)
	}

	for _, s := range cfg.Sensors {
		src, ok := o.edgeSources[s.Name]
		if !ok {
			if s.Device == "" {
				logger.Info("sensor has no device, inject-only", zap.String("sensor", s.Name))
				continue
			}
			src = sensor.NewGPIOSource(s.Device, 0)
		}
		d := sensor.NewDebouncer(s.Name, s.Camera, s.DebounceWindow.D(), s.Cooldown.D())
		c.workers = append(c.workers, sensor.NewWorker(d, src, c.router, logger))
	}

	return c, nil
}

// Run starts the pipeline and blocks until the context is canceled, then
// performs the ordered drain: ingest stops first, active sessions
// finalize, and the catalog/classify/archive backlogs empty before the
// infrastructure goes down, all bounded by the shutdown timeout.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := os.MkdirAll(c.cfg.Recording.MediaDir, 0o755); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}

	if err := catalog.Reconcile(ctx, c.store, c.cataloger, c.cfg.Recording.MediaDir, c.logger); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	// Infrastructure outlives ingest so queued work can still complete
	// during the drain.
	workCtx, workCancel := context.WithCancel(context.Background())
	defer workCancel()

	var work errgroup.Group
	work.Go(func() error { return c.arb.Run(workCtx) })
	work.Go(func() error { return c.cataloger.Run(workCtx) })
	work.Go(func() error { return c.adapter.Run(workCtx) })
	work.Go(func() error { return c.retention.Run(workCtx) })
	if c.archiver != nil {
		work.Go(func() error { return c.archiver.Run(workCtx) })
	}

	ingestCtx, ingestCancel := context.WithCancel(ctx)
	defer ingestCancel()

	var ingest errgroup.Group
	ingest.Go(func() error { return c.router.Run(ingestCtx) })
	for _, w := range c.workers {
		w := w
		ingest.Go(func() error {
			// A dead sensor must not take the pipeline down; the other
			// sensors and the inject path keep working.
			if err := w.Run(ingestCtx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("sensor worker failed", zap.Error(err))
			}
			return nil
		})
	}
	if c.cfg.Snapshot.Enabled {
		ingest.Go(func() error { return c.runSnapshots(ingestCtx) })
	}

	c.logger.Info("coordinator running",
		zap.Int("cameras", len(c.managers)),
		zap.Int("sensors", len(c.workers)),
		zap.Bool("archive", c.archiver != nil))

	<-ctx.Done()
	deadline := time.Now().Add(c.cfg.Service.ShutdownTimeout.D())
	c.logger.Info("shutdown requested, draining")

	// 1. Stop ingest. The router drains its queue into the managers
	// before returning, so nothing accepted is lost.
	ingestCancel()
	if err := ingest.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("ingest shutdown error", zap.Error(err))
	}

	// 2. Finalize active sessions.
	drainCtx, drainCancel := context.WithDeadline(context.Background(), deadline)
	var wg sync.WaitGroup
	for _, mgr := range c.managers {
		wg.Add(1)
		go func(m *session.Manager) {
			defer wg.Done()
			m.Drain(drainCtx)
		}(mgr)
	}
	wg.Wait()
	drainCancel()

	// 3. Let the downstream backlogs empty within the remaining budget.
	c.awaitBacklogs(deadline)

	workCancel()
	if err := work.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("worker shutdown error", zap.Error(err))
	}

	if c.ownsStore {
		if err := c.store.Close(); err != nil {
			c.logger.Error("store close failed", zap.Error(err))
		}
	}
	c.logger.Info("coordinator stopped")
	return nil
}

func (c *Coordinator) backlog() int {
	n := c.cataloger.Backlog() + c.adapter.Backlog()
	if c.archiver != nil {
		n += c.archiver.Backlog()
	}
	return n
}

func (c *Coordinator) awaitBacklogs(deadline time.Time) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if c.backlog() == 0 {
			return
		}
		if time.Now().After(deadline) {
			c.logger.Warn("shutdown timeout with work pending",
				zap.Int("backlog", c.backlog()))
			return
		}
	}
}

// InjectMotion publishes a synthetic motion event for a camera, bypassing
// the debouncers. Used by field diagnostics to exercise the full pipeline.
func (c *Coordinator) InjectMotion(ctx context.Context, cameraName string) error {
	if _, ok := c.managers[cameraName]; !ok {
		return arbiter.ErrUnknownCamera
	}
	return c.router.Publish(ctx, event.MotionEvent{
		SensorID:  "inject",
		CameraID:  cameraName,
		Seq:       c.injectSeq.Add(1),
		At:        time.Now(),
		Synthetic: true,
	})
}

// RecentSightings returns the newest classifications, newest first.
func (c *Coordinator) RecentSightings(ctx context.Context, limit int) ([]*storage.Sighting, error) {
	return c.store.RecentSightings(ctx, limit)
}

// LiveView opens a shared-lease frame stream for a camera. The returned
// stop function releases the lease and closes the stream; the stream also
// ends if the lease expires or an exclusive recording preempts shared
// access. While a recording session holds its exclusive lease, LiveView
// fails with ErrBusy.
func (c *Coordinator) LiveView(ctx context.Context, cameraName string) (camera.Stream, func(), error) {
	lease, err := c.arb.Acquire(cameraName, arbiter.HolderLiveView, false, 0)
	if err != nil {
		return nil, nil, err
	}

	stream, err := c.sources[cameraName].Open(ctx, lease)
	if err != nil {
		c.arb.Release(lease)
		return nil, nil, err
	}
	stop := func() {
		stream.Close()
		c.arb.Release(lease)
	}
	return stream, stop, nil
}
