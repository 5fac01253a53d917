// Package router is the single-consumer dispatch point between the sensor
// debouncers and the per-camera recording session managers.
package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/trailwarden/trailwarden/internal/event"
)

// Handler receives motion events for one camera, in arrival order. The
// call is synchronous on the router's single consumer goroutine, so
// implementations must not block.
type Handler interface {
	HandleMotion(ev event.MotionEvent)
}

// Metrics counts router activity.
type Metrics struct {
	Published       atomic.Uint64
	Dispatched      atomic.Uint64
	NoHandler       atomic.Uint64
	SubscriberDrops atomic.Uint64
}

// Router owns the shared ordered motion queue. All sensor workers publish
// into it; one consumer goroutine drains it, dispatching synchronously to
// the camera's handler and best-effort to any status subscribers.
//
// Events for the same camera are handled in arrival order because the
// queue is FIFO and there is exactly one consumer. No cross-camera
// ordering is promised.
type Router struct {
	queue  chan event.MotionEvent
	logger *zap.Logger

	mu          sync.RWMutex
	handlers    map[string]Handler
	subscribers map[int]chan event.MotionEvent
	nextSubID   int
	closed      bool

	metrics Metrics
}

// New creates a router with the given queue capacity.
func New(queueSize int, logger *zap.Logger) *Router {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Router{
		queue:       make(chan event.MotionEvent, queueSize),
		logger:      logger.Named("router"),
		handlers:    make(map[string]Handler),
		subscribers: make(map[int]chan event.MotionEvent),
	}
}

// Bind registers the handler for a camera. Exactly one handler per camera;
// binding must finish before the router runs.
func (r *Router) Bind(camera string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[camera] = h
}

// Publish appends an event to the shared queue, blocking when the queue is
// full so bursts apply backpressure to sensor workers instead of losing
// events. It fails once the router has shut down.
func (r *Router) Publish(ctx context.Context, ev event.MotionEvent) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return fmt.Errorf("router: shut down, dropping event from %s", ev.SensorID)
	}

	select {
	case r.queue <- ev:
		r.metrics.Published.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a best-effort feed of every routed event. A slow
// subscriber loses events rather than stalling dispatch. The returned
// cancel function must be called to release the subscription.
func (r *Router) Subscribe(buffer int) (<-chan event.MotionEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan event.MotionEvent, buffer)

	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if sub, ok := r.subscribers[id]; ok {
			delete(r.subscribers, id)
			close(sub)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

// Run drains the queue until the context is canceled. On cancellation it
// stops accepting new events, drains what is already queued, and returns.
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info("event router started", zap.Int("queue_capacity", cap(r.queue)))

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return ctx.Err()
		case ev := <-r.queue:
			r.dispatch(ev)
		}
	}
}

func (r *Router) shutdown() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	// Drain events already accepted before the shutdown.
	for {
		select {
		case ev := <-r.queue:
			r.dispatch(ev)
		default:
			r.logger.Info("event router drained",
				zap.Uint64("dispatched", r.metrics.Dispatched.Load()))
			return
		}
	}
}

func (r *Router) dispatch(ev event.MotionEvent) {
	r.mu.RLock()
	h := r.handlers[ev.CameraID]
	subs := make([]chan event.MotionEvent, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	if h == nil {
		r.metrics.NoHandler.Add(1)
		r.logger.Warn("motion event for unbound camera",
			zap.String("camera", ev.CameraID),
			zap.String("sensor", ev.SensorID))
	} else {
		h.HandleMotion(ev)
		r.metrics.Dispatched.Add(1)
	}

	for _, sub := range subs {
		select {
		case sub <- ev:
		default:
			r.metrics.SubscriberDrops.Add(1)
		}
	}
}

// Metrics exposes the router's counters.
func (r *Router) Metrics() *Metrics { return &r.metrics }
