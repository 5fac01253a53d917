// Package arbiter is the sole owner of physical camera access. Every
// consumer (recorder, live-view, snapshot) goes through a time-limited
// lease; nothing else in the process may hold a raw camera handle.
package arbiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrBusy means the camera has an outstanding lease that excludes the
	// request. Callers must not retry in a loop; a busy camera already has
	// a legitimate consumer.
	ErrBusy = errors.New("arbiter: camera busy")

	// ErrUnknownCamera means the camera is not registered.
	ErrUnknownCamera = errors.New("arbiter: unknown camera")

	// ErrLeaseExpired is observed by holders whose lease was force-released.
	ErrLeaseExpired = errors.New("arbiter: lease expired")
)

// HolderKind identifies the consumer class holding a lease.
type HolderKind string

const (
	HolderRecorder HolderKind = "recorder"
	HolderLiveView HolderKind = "live-view"
	HolderSnapshot HolderKind = "snapshot"
)

// Lease is a revocable grant of camera access. An expired or revoked lease
// closes its Done channel; holders must observe it and stop using the
// camera promptly.
type Lease struct {
	ID        uuid.UUID
	Camera    string
	Holder    HolderKind
	Exclusive bool
	GrantedAt time.Time
	ExpiresAt time.Time

	done     chan struct{}
	doneOnce sync.Once
}

// Done is closed when the lease is released, revoked, or expires.
func (l *Lease) Done() <-chan struct{} { return l.done }

// Revoked reports whether the lease has already ended.
func (l *Lease) Revoked() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *Lease) end() { l.doneOnce.Do(func() { close(l.done) }) }

// Metrics counts arbiter activity.
type Metrics struct {
	ExclusiveGrants atomic.Uint64
	SharedGrants    atomic.Uint64
	BusyDenials     atomic.Uint64
	Expirations     atomic.Uint64
}

type cameraState struct {
	exclusive *Lease
	shared    map[uuid.UUID]*Lease
}

// Arbiter grants mutually exclusive or shared leases per registered
// camera. Acquisition never blocks: the decision is an immediate grant or
// an immediate ErrBusy.
type Arbiter struct {
	mu      sync.Mutex
	cameras map[string]*cameraState

	defaultTTL time.Duration
	tick       time.Duration
	logger     *zap.Logger
	metrics    Metrics
}

// Option configures the arbiter.
type Option func(*Arbiter)

// WithExpiryTick overrides how often expired leases are collected.
func WithExpiryTick(d time.Duration) Option {
	return func(a *Arbiter) { a.tick = d }
}

// New creates an arbiter for the given cameras. defaultTTL bounds leases
// acquired without an explicit TTL so a crashed holder cannot starve a
// camera forever.
func New(cameras []string, defaultTTL time.Duration, logger *zap.Logger, opts ...Option) *Arbiter {
	a := &Arbiter{
		cameras:    make(map[string]*cameraState, len(cameras)),
		defaultTTL: defaultTTL,
		tick:       250 * time.Millisecond,
		logger:     logger.Named("arbiter"),
	}
	for _, cam := range cameras {
		a.cameras[cam] = &cameraState{shared: make(map[uuid.UUID]*Lease)}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Acquire grants a lease or fails immediately with ErrBusy. A zero ttl
// uses the arbiter's default. Exclusive requests are denied while any
// lease is outstanding; shared requests are denied only by an exclusive
// lease.
func (a *Arbiter) Acquire(camera string, holder HolderKind, exclusive bool, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = a.defaultTTL
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.cameras[camera]
	if !ok {
		return nil, ErrUnknownCamera
	}

	now := time.Now()
	a.expireLocked(camera, state, now)

	if state.exclusive != nil {
		a.metrics.BusyDenials.Add(1)
		return nil, ErrBusy
	}
	if exclusive && len(state.shared) > 0 {
		a.metrics.BusyDenials.Add(1)
		return nil, ErrBusy
	}

	lease := &Lease{
		ID:        uuid.New(),
		Camera:    camera,
		Holder:    holder,
		Exclusive: exclusive,
		GrantedAt: now,
		ExpiresAt: now.Add(ttl),
		done:      make(chan struct{}),
	}

	if exclusive {
		state.exclusive = lease
		a.metrics.ExclusiveGrants.Add(1)
	} else {
		state.shared[lease.ID] = lease
		a.metrics.SharedGrants.Add(1)
	}

	a.logger.Debug("lease granted",
		zap.String("camera", camera),
		zap.String("holder", string(holder)),
		zap.Bool("exclusive", exclusive),
		zap.Time("expires_at", lease.ExpiresAt))
	return lease, nil
}

// Release returns a lease. Releasing an already-ended lease is a no-op.
func (a *Arbiter) Release(lease *Lease) {
	if lease == nil {
		return
	}

	a.mu.Lock()
	if state, ok := a.cameras[lease.Camera]; ok {
		if state.exclusive == lease {
			state.exclusive = nil
		}
		delete(state.shared, lease.ID)
	}
	a.mu.Unlock()

	lease.end()
}

// Holders returns the holder kinds with outstanding leases on a camera.
func (a *Arbiter) Holders(camera string) []HolderKind {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.cameras[camera]
	if !ok {
		return nil
	}
	var holders []HolderKind
	if state.exclusive != nil {
		holders = append(holders, state.exclusive.Holder)
	}
	for _, l := range state.shared {
		holders = append(holders, l.Holder)
	}
	return holders
}

// Run enforces lease expiry proactively until the context is canceled.
// Expired leases are force-released and the holder notified through the
// lease's Done channel.
func (a *Arbiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.releaseAll()
			return ctx.Err()
		case now := <-ticker.C:
			a.mu.Lock()
			for cam, state := range a.cameras {
				a.expireLocked(cam, state, now)
			}
			a.mu.Unlock()
		}
	}
}

// expireLocked force-releases leases past their expiry. Callers hold a.mu.
func (a *Arbiter) expireLocked(camera string, state *cameraState, now time.Time) {
	if l := state.exclusive; l != nil && now.After(l.ExpiresAt) {
		state.exclusive = nil
		l.end()
		a.metrics.Expirations.Add(1)
		a.logger.Warn("exclusive lease expired, force-released",
			zap.String("camera", camera),
			zap.String("holder", string(l.Holder)))
	}
	for id, l := range state.shared {
		if now.After(l.ExpiresAt) {
			delete(state.shared, id)
			l.end()
			a.metrics.Expirations.Add(1)
			a.logger.Warn("shared lease expired, force-released",
				zap.String("camera", camera),
				zap.String("holder", string(l.Holder)))
		}
	}
}

func (a *Arbiter) releaseAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, state := range a.cameras {
		if state.exclusive != nil {
			state.exclusive.end()
			state.exclusive = nil
		}
		for id, l := range state.shared {
			delete(state.shared, id)
			l.end()
		}
	}
}

// Metrics exposes the arbiter's counters.
func (a *Arbiter) Metrics() *Metrics { return &a.metrics }
