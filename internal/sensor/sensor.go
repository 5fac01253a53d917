// Package sensor turns noisy raw presence-sensor signals into clean,
// cooldown-gated motion events.
package sensor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/trailwarden/trailwarden/internal/event"
)

// Edge is a single raw signal transition from a sensor's signal source.
type Edge struct {
	Rising bool
	At     time.Time
}

// EdgeSource is the contract for a sensor's raw signal. The returned
// channel is closed when the source shuts down or the context is canceled.
type EdgeSource interface {
	Edges(ctx context.Context) (<-chan Edge, error)
}

// State is the debouncer's externally visible state.
type State int32

const (
	// Armed means the next rising edge will emit a motion event.
	Armed State = iota
	// Cooling means edges are being suppressed until the cooldown elapses.
	Cooling
)

func (s State) String() string {
	if s == Cooling {
		return "cooling"
	}
	return "armed"
}

// Stats counts what the debouncer did with raw edges.
type Stats struct {
	EdgesSeen        uint64
	GlitchesFiltered uint64
	CooldownDrops    uint64
	EventsEmitted    uint64
}

// Debouncer converts one sensor's raw edge stream into motion events:
// at most one event per cooldown window. Edges arriving during cooldown
// are dropped silently; that is the filtering contract, not an error.
type Debouncer struct {
	name     string
	camera   string
	debounce time.Duration
	cooldown time.Duration

	mu        sync.Mutex
	lastEdge  time.Time
	coolUntil time.Time
	seq       uint64

	edgesSeen        atomic.Uint64
	glitchesFiltered atomic.Uint64
	cooldownDrops    atomic.Uint64
	eventsEmitted    atomic.Uint64
}

// NewDebouncer creates a debouncer for one sensor. Window validity is the
// config layer's responsibility; both durations must be positive.
func NewDebouncer(name, camera string, debounce, cooldown time.Duration) *Debouncer {
	return &Debouncer{
		name:     name,
		camera:   camera,
		debounce: debounce,
		cooldown: cooldown,
	}
}

// Name returns the sensor's logical name.
func (d *Debouncer) Name() string { return d.name }

// Camera returns the camera this sensor is bound to.
func (d *Debouncer) Camera() string { return d.camera }

// State reports whether the sensor is armed or cooling at the given time.
func (d *Debouncer) State(now time.Time) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if now.Before(d.coolUntil) {
		return Cooling
	}
	return Armed
}

// Observe processes one raw edge. It returns the emitted motion event and
// true when the edge passed both the glitch filter and the cooldown gate.
func (d *Debouncer) Observe(e Edge) (event.MotionEvent, bool) {
	d.edgesSeen.Add(1)

	if !e.Rising {
		return event.MotionEvent{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Electrical glitch: a rising edge too close to the previous edge.
	if !d.lastEdge.IsZero() && e.At.Sub(d.lastEdge) < d.debounce {
		d.lastEdge = e.At
		d.glitchesFiltered.Add(1)
		return event.MotionEvent{}, false
	}
	d.lastEdge = e.At

	if e.At.Before(d.coolUntil) {
		d.cooldownDrops.Add(1)
		return event.MotionEvent{}, false
	}

	d.coolUntil = e.At.Add(d.cooldown)
	d.seq++
	d.eventsEmitted.Add(1)

	return event.MotionEvent{
		SensorID: d.name,
		CameraID: d.camera,
		Seq:      d.seq,
		At:       e.At,
	}, true
}

// Stats returns a snapshot of the debouncer's counters.
func (d *Debouncer) Stats() Stats {
	return Stats{
		EdgesSeen:        d.edgesSeen.Load(),
		GlitchesFiltered: d.glitchesFiltered.Load(),
		CooldownDrops:    d.cooldownDrops.Load(),
		EventsEmitted:    d.eventsEmitted.Load(),
	}
}

// Publisher accepts debounced motion events in arrival order.
type Publisher interface {
	Publish(ctx context.Context, ev event.MotionEvent) error
}

// Worker pairs a debouncer with its signal source and pumps debounced
// events into the shared queue. One worker runs per physical sensor.
type Worker struct {
	debouncer *Debouncer
	source    EdgeSource
	publisher Publisher
	logger    *zap.Logger
}

// NewWorker creates a sensor worker.
func NewWorker(d *Debouncer, source EdgeSource, pub Publisher, logger *zap.Logger) *Worker {
	return &Worker{
		debouncer: d,
		source:    source,
		publisher: pub,
		logger:    logger.Named("sensor").With(zap.String("sensor", d.Name())),
	}
}

// Debouncer exposes the worker's debouncer for status queries.
func (w *Worker) Debouncer() *Debouncer { return w.debouncer }

// Run blocks on the signal source until the context is canceled or the
// source closes its edge channel.
func (w *Worker) Run(ctx context.Context) error {
	edges, err := w.source.Edges(ctx)
	if err != nil {
		return err
	}

	w.logger.Info("sensor worker started",
		zap.String("camera", w.debouncer.Camera()),
		zap.Duration("cooldown", w.debouncer.cooldown))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case edge, ok := <-edges:
			if !ok {
				w.logger.Info("edge source closed")
				return nil
			}
			ev, emit := w.debouncer.Observe(edge)
			if !emit {
				continue
			}
			if err := w.publisher.Publish(ctx, ev); err != nil {
				return err
			}
			w.logger.Debug("motion event emitted", zap.Uint64("seq", ev.Seq))
		}
	}
}
