// Package camera defines the lease-gated frame source contract. The
// physical capture device is an external collaborator; the coordinator
// only ever sees frames through a stream opened under an arbiter lease.
package camera

import (
	"context"
	"errors"
	"time"

	"github.com/trailwarden/trailwarden/internal/arbiter"
)

// ErrLeaseMismatch means the presented lease does not grant access to the
// requested camera.
var ErrLeaseMismatch = errors.New("camera: lease does not match camera")

// Frame is one opaque frame payload with its capture time.
type Frame struct {
	Data []byte
	At   time.Time
}

// Stream yields frames until closed, the lease ends, or the device fails.
// After the frame channel closes, Err reports why.
type Stream interface {
	Frames() <-chan Frame
	Err() error
	Close() error
}

// Source opens a frame stream for a camera. Open must reject a lease for
// a different camera or one that has already ended; this is what keeps
// raw device handles from leaking outside a lease's lifetime.
type Source interface {
	Open(ctx context.Context, lease *arbiter.Lease) (Stream, error)
}
