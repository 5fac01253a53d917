// Package catalog turns finalized recording sessions into persisted Clip
// records with thumbnails, and enforces the retention policy over the
// clip store.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trailwarden/trailwarden/internal/media"
	"github.com/trailwarden/trailwarden/internal/session"
	"github.com/trailwarden/trailwarden/internal/storage"
)

// Classifier is the downstream consumer of freshly cataloged clips.
type Classifier interface {
	Enqueue(ctx context.Context, clip *storage.Clip)
}

// Archiver receives valid clips for offsite upload. May be nil.
type Archiver interface {
	Enqueue(clip *storage.Clip)
}

// Config contains cataloger tunables.
type Config struct {
	Workers       int
	QueueSize     int
	ThumbnailSkip time.Duration
	ThumbDir      string
}

// Metrics counts cataloger activity.
type Metrics struct {
	Cataloged    atomic.Uint64
	Invalid      atomic.Uint64
	StoreErrors  atomic.Uint64
	QueueRejects atomic.Uint64
}

// Cataloger converts finalized sessions into clips on a bounded worker
// pool so a slow thumbnail extraction never stalls new recordings.
type Cataloger struct {
	store      storage.Store
	classifier Classifier
	archiver   Archiver
	cfg        Config
	queue      chan *session.Session
	logger     *zap.Logger
	metrics    Metrics

	inFlight atomic.Int64
}

// New creates a cataloger.
func New(store storage.Store, classifier Classifier, archiver Archiver, cfg Config, logger *zap.Logger) *Cataloger {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	return &Cataloger{
		store:      store,
		classifier: classifier,
		archiver:   archiver,
		cfg:        cfg,
		queue:      make(chan *session.Session, cfg.QueueSize),
		logger:     logger.Named("catalog"),
	}
}

// Enqueue implements session.Sink. A full backlog rejects the session
// rather than blocking the recording path. A rejected session gets its
// manifest sidecar written immediately so the startup reconciliation can
// re-catalog the clip from it; without that the file would look like an
// orphan and the recording would vanish.
func (c *Cataloger) Enqueue(sess *session.Session) {
	select {
	case c.queue <- sess:
	default:
		c.metrics.QueueRejects.Add(1)
		if err := writeSessionManifest(sess); err != nil {
			c.logger.Error("manifest write for deferred session failed",
				zap.String("session", sess.ID), zap.Error(err))
		}
		c.logger.Error("catalog backlog full, session deferred to reconciliation",
			zap.String("session", sess.ID),
			zap.String("path", sess.Path))
	}
}

// Backlog reports queued plus in-flight sessions.
func (c *Cataloger) Backlog() int {
	return len(c.queue) + int(c.inFlight.Load())
}

// Run drains the session queue until the context is canceled.
func (c *Cataloger) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case sess := <-c.queue:
					c.inFlight.Add(1)
					c.catalog(context.WithoutCancel(ctx), sess)
					c.inFlight.Add(-1)
				}
			}
		})
	}
	return g.Wait()
}

// Catalog converts one session synchronously, bypassing the queue. Used
// by the startup reconciliation.
func (c *Cataloger) Catalog(ctx context.Context, sess *session.Session) *storage.Clip {
	return c.catalog(ctx, sess)
}

func (c *Cataloger) catalog(ctx context.Context, sess *session.Session) *storage.Clip {
	logger := c.logger.With(zap.String("session", sess.ID), zap.String("camera", sess.Camera))

	clip := &storage.Clip{
		ID:         sess.ID,
		Camera:     sess.Camera,
		Path:       sess.Path,
		TriggerSeq: int64(sess.Trigger.Seq),
		CreatedAt:  time.Now().UTC(),
	}

	info, err := media.ReadInfo(sess.Path)
	if err != nil || info.Frames == 0 {
		// A corrupt session still gets a record so operators can see it
		// was lost, rather than vanishing silently.
		clip.Invalid = true
		clip.StartedAt = sess.StartedAt.UTC()
		if st, serr := os.Stat(sess.Path); serr == nil {
			clip.SizeBytes = st.Size()
		}
		c.metrics.Invalid.Add(1)
		logger.Error("clip unreadable, cataloging as invalid", zap.Error(err))
	} else {
		clip.StartedAt = info.FirstAt.UTC()
		clip.Duration = info.Duration()
		clip.SizeBytes = info.SizeBytes
		clip.Frames = info.Frames

		if thumb, terr := c.writeThumbnail(sess); terr != nil {
			logger.Warn("thumbnail extraction failed", zap.Error(terr))
		} else {
			clip.ThumbPath = thumb
		}
	}

	if err := c.store.SaveClip(ctx, clip); err != nil {
		// A lost catalog record has no safe local recovery; this is the
		// one failure class surfaced beyond this component.
		c.metrics.StoreErrors.Add(1)
		logger.Error("could not persist clip record", zap.Error(err))
		return nil
	}

	if err := c.writeManifest(clip, sess); err != nil {
		logger.Warn("manifest sidecar write failed", zap.Error(err))
	}

	c.metrics.Cataloged.Add(1)
	logger.Info("clip cataloged",
		zap.String("clip", clip.ID),
		zap.Duration("duration", clip.Duration),
		zap.Int64("bytes", clip.SizeBytes),
		zap.Bool("invalid", clip.Invalid))

	c.classifier.Enqueue(ctx, clip)
	if c.archiver != nil && !clip.Invalid {
		c.archiver.Enqueue(clip)
	}
	return clip
}

// writeThumbnail extracts one representative frame at a fixed offset past
// the start of the clip, avoiding black or transitional leading frames.
func (c *Cataloger) writeThumbnail(sess *session.Session) (string, error) {
	payload, err := media.FrameAt(sess.Path, c.cfg.ThumbnailSkip)
	if err != nil {
		return "", err
	}

	dir := c.cfg.ThumbDir
	if dir == "" {
		dir = filepath.Dir(sess.Path)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	base := strings.TrimSuffix(filepath.Base(sess.Path), filepath.Ext(sess.Path))
	thumbPath := filepath.Join(dir, base+".jpg")
	if err := os.WriteFile(thumbPath, payload, 0o644); err != nil {
		return "", err
	}
	return thumbPath, nil
}

// manifest is the JSON sidecar written beside each clip, consumed by the
// startup reconciliation.
type manifest struct {
	ClipID     string    `json:"clip_id"`
	Camera     string    `json:"camera"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	TriggerSeq int64     `json:"trigger_seq"`
	Invalid    bool      `json:"invalid,omitempty"`
	Abort      string    `json:"abort_reason,omitempty"`
}

func (c *Cataloger) writeManifest(clip *storage.Clip, sess *session.Session) error {
	m := manifest{
		ClipID:     clip.ID,
		Camera:     clip.Camera,
		StartedAt:  clip.StartedAt,
		EndedAt:    sess.EndedAt.UTC(),
		TriggerSeq: clip.TriggerSeq,
		Invalid:    clip.Invalid,
		Abort:      sess.AbortReason,
	}
	return m.write(manifestPath(clip.Path))
}

// writeSessionManifest records an uncataloged session's identity beside
// its clip file. Reconciliation turns it back into a Session.
func writeSessionManifest(sess *session.Session) error {
	m := manifest{
		ClipID:     sess.ID,
		Camera:     sess.Camera,
		StartedAt:  sess.StartedAt.UTC(),
		EndedAt:    sess.EndedAt.UTC(),
		TriggerSeq: int64(sess.Trigger.Seq),
		Abort:      sess.AbortReason,
	}
	return m.write(manifestPath(sess.Path))
}

func (m manifest) write(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readManifest(path string) (manifest, error) {
	var m manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, err
	}
	if m.ClipID == "" || m.Camera == "" {
		return m, fmt.Errorf("manifest %s: missing clip identity", path)
	}
	return m, nil
}

func manifestPath(clipPath string) string {
	return strings.TrimSuffix(clipPath, filepath.Ext(clipPath)) + ".json"
}

// Metrics exposes the cataloger's counters.
func (c *Cataloger) Metrics() *Metrics { return &c.metrics }
