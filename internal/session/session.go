// Package session implements the per-camera recording state machine:
// Idle -> Arming -> Recording -> Finalizing -> Idle, with Aborting
// reachable from Arming and Recording.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/trailwarden/trailwarden/internal/event"
)

// State is the session manager's externally visible state.
type State int32

const (
	Idle State = iota
	Arming
	Recording
	Finalizing
	Aborting
)

func (s State) String() string {
	switch s {
	case Arming:
		return "arming"
	case Recording:
		return "recording"
	case Finalizing:
		return "finalizing"
	case Aborting:
		return "aborting"
	default:
		return "idle"
	}
}

// Session is one record-to-disk attempt for a camera.
type Session struct {
	ID      string
	Camera  string
	Trigger event.MotionEvent

	StartedAt time.Time
	EndedAt   time.Time
	Path      string
	Bytes     int64
	Frames    int

	// AbortReason is empty for sessions that finalized cleanly. Aborted
	// sessions above the minimum-viable-duration threshold still carry a
	// usable clip file.
	AbortReason string
}

func newSession(camera string, trigger event.MotionEvent) *Session {
	return &Session{
		ID:      uuid.NewString(),
		Camera:  camera,
		Trigger: trigger,
	}
}
