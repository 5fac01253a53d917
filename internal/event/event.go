// Package event defines the motion event type that flows from the sensor
// debouncers through the router to the per-camera session managers.
package event

import "time"

// MotionEvent is a single debounced motion pulse. It is immutable once
// emitted and is never persisted; only its consequences (sessions, clips,
// sightings) are.
type MotionEvent struct {
	SensorID string
	CameraID string

	// Seq is a per-sensor monotonically increasing sequence number.
	Seq uint64

	// At carries Go's monotonic clock reading; comparisons between events
	// from the same process are safe against wall-clock adjustment.
	At time.Time

	// Synthetic marks events injected through the debug trigger rather
	// than a physical sensor. They travel the same path as real events.
	Synthetic bool
}
