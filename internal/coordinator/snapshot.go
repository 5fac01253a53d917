package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/trailwarden/trailwarden/internal/arbiter"
)

// runSnapshots captures a periodic still from every camera under a shared
// lease. A camera mid-recording is skipped; the recorder's exclusive lease
// wins and the next interval tries again.
func (c *Coordinator) runSnapshots(ctx context.Context) error {
	logger := c.logger.Named("snapshot")
	if err := os.MkdirAll(c.cfg.Snapshot.Dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	ticker := time.NewTicker(c.cfg.Snapshot.Interval.D())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, cam := range c.cfg.Cameras {
				path, err := c.Snapshot(ctx, cam.Name)
				switch {
				case errors.Is(err, arbiter.ErrBusy):
					logger.Debug("camera busy, snapshot skipped", zap.String("camera", cam.Name))
				case err != nil:
					logger.Warn("snapshot failed", zap.String("camera", cam.Name), zap.Error(err))
				default:
					logger.Debug("snapshot captured", zap.String("camera", cam.Name), zap.String("path", path))
				}
			}
		}
	}
}

// Snapshot grabs one frame from a camera under a short shared lease and
// writes it to the snapshot directory, returning the file path.
func (c *Coordinator) Snapshot(ctx context.Context, cameraName string) (string, error) {
	lease, err := c.arb.Acquire(cameraName, arbiter.HolderSnapshot, false, c.cfg.Snapshot.LeaseTTL.D())
	if err != nil {
		return "", err
	}
	defer c.arb.Release(lease)

	stream, err := c.sources[cameraName].Open(ctx, lease)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case frame, ok := <-stream.Frames():
		if !ok {
			if err := stream.Err(); err != nil {
				return "", err
			}
			return "", fmt.Errorf("camera %s: stream ended without a frame", cameraName)
		}
		if err := os.MkdirAll(c.cfg.Snapshot.Dir, 0o755); err != nil {
			return "", err
		}
		name := fmt.Sprintf("%s_%s.jpg", cameraName, frame.At.UTC().Format("20060102T150405"))
		path := filepath.Join(c.cfg.Snapshot.Dir, name)
		if err := os.WriteFile(path, frame.Data, 0o644); err != nil {
			return "", err
		}
		return path, nil
	}
}
