package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/trailwarden/trailwarden/internal/arbiter"
	"github.com/trailwarden/trailwarden/internal/camera"
	"github.com/trailwarden/trailwarden/internal/event"
	"github.com/trailwarden/trailwarden/internal/media"
)

// Sink receives finalized sessions for cataloging.
type Sink interface {
	Enqueue(sess *Session)
}

// Config contains one manager's tunables.
type Config struct {
	Camera          string
	MediaDir        string
	CoalesceTail    time.Duration
	MinClipDuration time.Duration
	MaxClipDuration time.Duration
	LeaseTTL        time.Duration
}

// Metrics counts session outcomes for one camera.
type Metrics struct {
	Started        atomic.Uint64
	Completed      atomic.Uint64
	Aborted        atomic.Uint64
	Discarded      atomic.Uint64
	Coalesced      atomic.Uint64
	MissedTriggers atomic.Uint64
}

// Manager owns the recording lifecycle for one camera. Motion events
// arrive synchronously from the router; everything that can block runs on
// the session goroutine. At most one session is active at a time.
type Manager struct {
	cfg    Config
	arb    *arbiter.Arbiter
	source camera.Source
	sink   Sink
	logger *zap.Logger

	state atomic.Int32

	mu     sync.Mutex
	extend chan struct{}

	finalizeReq chan struct{}
	runCtx      context.Context
	runCancel   context.CancelFunc
	active      sync.WaitGroup

	metrics Metrics
}

// NewManager creates a session manager for one camera.
func NewManager(cfg Config, arb *arbiter.Arbiter, src camera.Source, sink Sink, logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		arb:         arb,
		source:      src,
		sink:        sink,
		logger:      logger.Named("session").With(zap.String("camera", cfg.Camera)),
		extend:      make(chan struct{}, 1),
		finalizeReq: make(chan struct{}, 1),
		runCtx:      ctx,
		runCancel:   cancel,
	}
}

// Camera returns the camera this manager is bound to.
func (m *Manager) Camera() string { return m.cfg.Camera }

// State returns the current state machine state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Metrics exposes the manager's counters.
func (m *Manager) Metrics() *Metrics { return &m.metrics }

// HandleMotion implements router.Handler. A motion event on an idle
// manager starts a session; on a busy one it is coalesced into the
// current session's stop deadline instead of opening a second recording.
// This method never blocks.
func (m *Manager) HandleMotion(ev event.MotionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch State(m.state.Load()) {
	case Idle:
		m.state.Store(int32(Arming))
		sess := newSession(m.cfg.Camera, ev)
		m.metrics.Started.Add(1)
		m.active.Add(1)
		go m.run(sess)
	case Arming, Recording, Finalizing:
		m.metrics.Coalesced.Add(1)
		select {
		case m.extend <- struct{}{}:
		default:
		}
	case Aborting:
		// The machine is tearing down; the next event after Idle wins.
	}
}

// Drain forces any active session to finalize and waits for it, bounded
// by the context. On timeout the session is force-aborted.
func (m *Manager) Drain(ctx context.Context) {
	select {
	case m.finalizeReq <- struct{}{}:
	default:
	}

	done := make(chan struct{})
	go func() {
		m.active.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("drain timed out, force-aborting session")
		m.runCancel()
		<-done
	}
}

// run drives one session from Arming to Idle. It is the only goroutine
// that touches the writer and the lease.
func (m *Manager) run(sess *Session) {
	defer m.active.Done()
	logger := m.logger.With(zap.String("session", sess.ID))

	// Clear tokens left over from a previous session: a coalesce that
	// landed during Finalizing, or a drain that raced an idle manager.
	select {
	case <-m.extend:
	default:
	}
	select {
	case <-m.finalizeReq:
	default:
	}

	lease, err := m.arb.Acquire(m.cfg.Camera, arbiter.HolderRecorder, true, m.cfg.LeaseTTL)
	if err != nil {
		// A busy camera already has a legitimate consumer; abandon the
		// attempt instead of queueing a stale recording.
		if errors.Is(err, arbiter.ErrBusy) {
			m.metrics.MissedTriggers.Add(1)
			logger.Info("camera busy, trigger missed",
				zap.Uint64("trigger_seq", sess.Trigger.Seq))
		} else {
			logger.Error("lease acquisition failed", zap.Error(err))
		}
		m.state.Store(int32(Idle))
		return
	}

	stream, err := m.source.Open(m.runCtx, lease)
	if err != nil {
		logger.Error("camera open failed", zap.Error(err))
		m.arb.Release(lease)
		m.metrics.Aborted.Add(1)
		m.state.Store(int32(Idle))
		return
	}

	sess.Path = filepath.Join(m.cfg.MediaDir, fmt.Sprintf("%s_%s.clip", m.cfg.Camera, sess.ID))
	writer, err := media.NewWriter(sess.Path)
	if err != nil {
		logger.Error("clip writer open failed", zap.Error(err))
		stream.Close()
		m.arb.Release(lease)
		m.metrics.Aborted.Add(1)
		m.state.Store(int32(Idle))
		return
	}

	tail := time.NewTimer(m.cfg.CoalesceTail)
	defer tail.Stop()
	maxClip := time.NewTimer(m.cfg.MaxClipDuration)
	defer maxClip.Stop()

	abortReason := ""
	clean := false

loop:
	for {
		select {
		case frame, ok := <-stream.Frames():
			if !ok {
				if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
					abortReason = err.Error()
				} else {
					abortReason = "camera stream ended"
				}
				break loop
			}
			if State(m.state.Load()) == Arming {
				m.state.Store(int32(Recording))
				sess.StartedAt = frame.At
				logger.Info("recording started",
					zap.Uint64("trigger_seq", sess.Trigger.Seq))
			}
			if err := writer.WriteFrame(frame.Data, frame.At); err != nil {
				abortReason = fmt.Sprintf("write failure: %v", err)
				break loop
			}

		case <-m.extend:
			// Coalesced motion: push the stop deadline out.
			if !tail.Stop() {
				select {
				case <-tail.C:
				default:
				}
			}
			tail.Reset(m.cfg.CoalesceTail)

		case <-lease.Done():
			abortReason = arbiter.ErrLeaseExpired.Error()
			break loop

		case <-tail.C:
			clean = true
			break loop

		case <-maxClip.C:
			logger.Info("session reached max clip duration")
			clean = true
			break loop

		case <-m.finalizeReq:
			logger.Info("finalize requested")
			clean = true
			break loop

		case <-m.runCtx.Done():
			abortReason = "shutdown abort"
			break loop
		}
	}

	if clean {
		m.finalize(sess, writer, stream, lease, logger)
	} else {
		m.abort(sess, writer, stream, lease, abortReason, logger)
	}
	m.state.Store(int32(Idle))
}

// finalize flushes the clip, releases the lease, and hands the session to
// the cataloger.
func (m *Manager) finalize(sess *Session, writer *media.Writer, stream camera.Stream, lease *arbiter.Lease, logger *zap.Logger) {
	m.state.Store(int32(Finalizing))
	stream.Close()

	info, err := writer.Close()
	m.arb.Release(lease)
	if err != nil {
		// The file may still be partially readable; let the cataloger
		// decide whether it is salvageable or invalid.
		logger.Error("clip flush failed", zap.Error(err))
		sess.AbortReason = fmt.Sprintf("flush failure: %v", err)
	}

	sess.EndedAt = time.Now()
	sess.Bytes = info.SizeBytes
	sess.Frames = info.Frames

	m.metrics.Completed.Add(1)
	logger.Info("session finalized",
		zap.Int("frames", info.Frames),
		zap.Int64("bytes", info.SizeBytes),
		zap.Duration("duration", info.Duration()))
	m.sink.Enqueue(sess)
}

// abort tears a session down after a lease revocation, write failure, or
// hard shutdown. Partial output above the minimum-viable-duration
// threshold is finalized as a short clip; anything shorter is discarded.
func (m *Manager) abort(sess *Session, writer *media.Writer, stream camera.Stream, lease *arbiter.Lease, reason string, logger *zap.Logger) {
	m.state.Store(int32(Aborting))
	stream.Close()
	m.arb.Release(lease)

	if writer.Duration() >= m.cfg.MinClipDuration {
		info, err := writer.Close()
		if err != nil {
			logger.Error("partial clip flush failed", zap.Error(err))
		}
		sess.EndedAt = time.Now()
		sess.Bytes = info.SizeBytes
		sess.Frames = info.Frames
		sess.AbortReason = reason

		m.metrics.Aborted.Add(1)
		logger.Warn("session aborted, keeping partial clip",
			zap.String("reason", reason),
			zap.Duration("duration", info.Duration()))
		m.sink.Enqueue(sess)
		return
	}

	if err := writer.Discard(); err != nil {
		logger.Error("could not discard partial clip", zap.Error(err))
	}
	m.metrics.Discarded.Add(1)
	logger.Warn("session aborted, partial clip below viable duration",
		zap.String("reason", reason))
}
