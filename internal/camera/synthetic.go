package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"

	"github.com/trailwarden/trailwarden/internal/arbiter"
)

// SyntheticSource generates a test-pattern frame stream at a fixed rate.
// It backs the debug trigger path and tests, and doubles as a stand-in
// when a deployment has no physical capture device attached.
type SyntheticSource struct {
	camera  string
	fps     int
	payload []byte
}

// NewSyntheticSource builds a source for one camera. The frame payload is
// a small JPEG test pattern encoded once up front.
func NewSyntheticSource(cameraName string, fps int) (*SyntheticSource, error) {
	if fps <= 0 {
		fps = 15
	}
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 0x40, A: 0xFF})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 60}); err != nil {
		return nil, fmt.Errorf("encode test pattern: %w", err)
	}
	return &SyntheticSource{camera: cameraName, fps: fps, payload: buf.Bytes()}, nil
}

// Open starts a stream that ticks at the configured frame rate until the
// lease ends, the context is canceled, or Close is called.
func (s *SyntheticSource) Open(ctx context.Context, lease *arbiter.Lease) (Stream, error) {
	if lease == nil || lease.Camera != s.camera {
		return nil, ErrLeaseMismatch
	}
	if lease.Revoked() {
		return nil, arbiter.ErrLeaseExpired
	}

	st := &syntheticStream{
		frames: make(chan Frame),
		stop:   make(chan struct{}),
	}
	interval := time.Second / time.Duration(s.fps)

	go func() {
		defer close(st.frames)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				st.setErr(ctx.Err())
				return
			case <-lease.Done():
				st.setErr(arbiter.ErrLeaseExpired)
				return
			case <-st.stop:
				return
			case now := <-ticker.C:
				select {
				case st.frames <- Frame{Data: s.payload, At: now}:
				case <-ctx.Done():
					st.setErr(ctx.Err())
					return
				case <-lease.Done():
					st.setErr(arbiter.ErrLeaseExpired)
					return
				case <-st.stop:
					return
				}
			}
		}
	}()
	return st, nil
}

type syntheticStream struct {
	frames chan Frame
	stop   chan struct{}

	mu       sync.Mutex
	err      error
	stopOnce sync.Once
}

func (s *syntheticStream) Frames() <-chan Frame { return s.frames }

func (s *syntheticStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *syntheticStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *syntheticStream) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}
