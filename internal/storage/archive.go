package storage

import (
	"context"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ArchiverConfig configures the offsite clip archive.
type ArchiverConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	MaxUploads      int
	QueueSize       int
	RequestTimeout  time.Duration
	MaxElapsedRetry time.Duration
}

// ClipLocker serializes an upload against retention deletion of the same
// clip. A nil locker means no coordination.
type ClipLocker interface {
	Acquire(clipID string) func()
}

// ArchiverMetrics counts archive activity.
type ArchiverMetrics struct {
	Uploads       atomic.Uint64
	UploadErrors  atomic.Uint64
	QueueDrops    atomic.Uint64
	BytesUploaded atomic.Uint64
}

// Archiver uploads cataloged clips to an S3-compatible bucket. Uploads
// run off the recording path on a bounded pool; a full queue drops the
// oldest pending clip rather than blocking the cataloger.
type Archiver struct {
	client  *minio.Client
	bucket  string
	store   Store
	locks   ClipLocker
	queue   chan *Clip
	cfg     ArchiverConfig
	logger  *zap.Logger
	metrics ArchiverMetrics

	inFlight atomic.Int64
}

// NewArchiver creates an archiver. It does not touch the network until
// Run; bucket existence is checked lazily per upload.
func NewArchiver(cfg ArchiverConfig, store Store, locks ClipLocker, logger *zap.Logger) (*Archiver, error) {
	if cfg.MaxUploads <= 0 {
		cfg.MaxUploads = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	if cfg.MaxElapsedRetry <= 0 {
		cfg.MaxElapsedRetry = 15 * time.Minute
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create archive client: %w", err)
	}

	return &Archiver{
		client: client,
		bucket: cfg.Bucket,
		store:  store,
		locks:  locks,
		queue:  make(chan *Clip, cfg.QueueSize),
		cfg:    cfg,
		logger: logger.Named("archiver"),
	}, nil
}

// Enqueue schedules a clip for upload. When the queue is full the oldest
// pending clip is dropped so cataloging never stalls on the network.
func (a *Archiver) Enqueue(clip *Clip) {
	for {
		select {
		case a.queue <- clip:
			return
		default:
		}
		select {
		case dropped := <-a.queue:
			a.metrics.QueueDrops.Add(1)
			a.logger.Warn("archive queue full, dropping oldest",
				zap.String("clip", dropped.ID))
		default:
		}
	}
}

// Backlog reports queued plus in-flight uploads.
func (a *Archiver) Backlog() int {
	return len(a.queue) + int(a.inFlight.Load())
}

// Run uploads queued clips until the context is canceled.
func (a *Archiver) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < a.cfg.MaxUploads; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case clip := <-a.queue:
					a.inFlight.Add(1)
					a.upload(ctx, clip)
					a.inFlight.Add(-1)
				}
			}
		})
	}
	return g.Wait()
}

// upload holds the clip's deletion lock for the duration so the retention
// sweep cannot remove the file mid-transfer.
func (a *Archiver) upload(ctx context.Context, clip *Clip) {
	if a.locks != nil {
		release := a.locks.Acquire(clip.ID)
		defer release()
	}

	key := path.Join("clips", clip.Camera, clip.ID+path.Ext(clip.Path))

	op := func() error {
		opCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()
		_, err := a.client.FPutObject(opCtx, a.bucket, key, clip.Path, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
			UserMetadata: map[string]string{
				"camera":     clip.Camera,
				"started-at": clip.StartedAt.UTC().Format(time.RFC3339),
			},
		})
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = a.cfg.MaxElapsedRetry
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		a.metrics.UploadErrors.Add(1)
		a.logger.Error("archive upload failed",
			zap.String("clip", clip.ID),
			zap.String("key", key),
			zap.Error(err))
		return
	}

	a.metrics.Uploads.Add(1)
	a.metrics.BytesUploaded.Add(uint64(clip.SizeBytes))

	if err := a.store.MarkClipArchived(ctx, clip.ID, time.Now()); err != nil {
		// The clip may have been retention-deleted while uploading.
		a.logger.Warn("could not mark clip archived",
			zap.String("clip", clip.ID), zap.Error(err))
		return
	}
	a.logger.Info("clip archived",
		zap.String("clip", clip.ID),
		zap.String("key", key),
		zap.Int64("bytes", clip.SizeBytes))
}

// Metrics exposes the archiver's counters.
func (a *Archiver) Metrics() *ArchiverMetrics { return &a.metrics }
