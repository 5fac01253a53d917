package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/trailwarden/trailwarden/internal/event"
	"github.com/trailwarden/trailwarden/internal/session"
	"github.com/trailwarden/trailwarden/internal/storage"
)

// Reconcile brings the media directory and the catalog back into agreement
// after an unclean shutdown or an overloaded catalog queue. Four cases:
//
//   - a catalog row whose media file is gone: the row is marked invalid;
//   - a clip file with no catalog row but a manifest sidecar: the session
//     was finalized but never cataloged (deferred on queue overflow, or
//     the process died first); it is re-cataloged from the manifest;
//   - a clip file with neither row nor manifest: removed, since it was
//     mid-write or mid-delete when the process died;
//   - a cataloged clip with no sighting: re-enqueued to the classifier so
//     the one-sighting-per-clip guarantee holds across restarts.
func Reconcile(ctx context.Context, store storage.Store, cat *Cataloger, mediaDir string, logger *zap.Logger) error {
	logger = logger.Named("reconcile")

	clips, err := store.ListClips(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]*storage.Clip, len(clips))
	for _, clip := range clips {
		known[filepath.Clean(clip.Path)] = clip
	}

	for _, clip := range clips {
		if clip.Invalid {
			continue
		}
		if _, err := os.Stat(clip.Path); os.IsNotExist(err) {
			if err := store.MarkClipInvalid(ctx, clip.ID); err != nil {
				logger.Error("could not mark clip invalid", zap.String("clip", clip.ID), zap.Error(err))
				continue
			}
			logger.Warn("clip file missing, marked invalid",
				zap.String("clip", clip.ID),
				zap.String("path", clip.Path))
		}
	}

	recataloged := make(map[string]bool)
	entries, err := os.ReadDir(mediaDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".clip") {
			continue
		}
		path := filepath.Clean(filepath.Join(mediaDir, entry.Name()))
		if _, ok := known[path]; ok {
			continue
		}

		if m, merr := readManifest(manifestPath(path)); merr == nil {
			sess := &session.Session{
				ID:          m.ClipID,
				Camera:      m.Camera,
				Trigger:     event.MotionEvent{CameraID: m.Camera, Seq: uint64(m.TriggerSeq)},
				StartedAt:   m.StartedAt,
				EndedAt:     m.EndedAt,
				Path:        path,
				AbortReason: m.Abort,
			}
			if clip := cat.Catalog(ctx, sess); clip != nil {
				recataloged[clip.ID] = true
			}
			logger.Warn("uncataloged clip recovered from manifest",
				zap.String("clip", m.ClipID),
				zap.String("path", path))
			continue
		}

		for _, orphan := range []string{path, thumbSibling(path), manifestPath(path)} {
			if err := os.Remove(orphan); err != nil && !os.IsNotExist(err) {
				logger.Error("orphan file delete failed", zap.String("path", orphan), zap.Error(err))
			}
		}
		logger.Warn("orphan clip file removed", zap.String("path", path))
	}

	unsighted, err := store.ClipsWithoutSighting(ctx)
	if err != nil {
		return err
	}
	for _, clip := range unsighted {
		// Recovered clips were already handed to the classifier by
		// Catalog above.
		if recataloged[clip.ID] {
			continue
		}
		logger.Info("re-enqueueing clip without sighting", zap.String("clip", clip.ID))
		cat.classifier.Enqueue(ctx, clip)
	}
	return nil
}

func thumbSibling(clipPath string) string {
	return strings.TrimSuffix(clipPath, filepath.Ext(clipPath)) + ".jpg"
}
