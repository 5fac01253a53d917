package sensor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trailwarden/trailwarden/internal/event"
)

func rising(at time.Time) Edge { return Edge{Rising: true, At: at} }

func TestDebouncer_EmitsOnRisingEdge(t *testing.T) {
	d := NewDebouncer("pir1", "cam1", 10*time.Millisecond, 2*time.Second)
	now := time.Now()

	ev, emit := d.Observe(rising(now))
	require.True(t, emit)
	require.Equal(t, "pir1", ev.SensorID)
	require.Equal(t, "cam1", ev.CameraID)
	require.Equal(t, uint64(1), ev.Seq)
	require.Equal(t, Cooling, d.State(now))
}

// Two events 500ms apart with a 2s cooldown: exactly one emitted.
func TestDebouncer_CooldownSuppressesSecondPulse(t *testing.T) {
	d := NewDebouncer("pir1", "cam1", 10*time.Millisecond, 2*time.Second)
	now := time.Now()

	_, emit := d.Observe(rising(now))
	require.True(t, emit)

	_, emit = d.Observe(rising(now.Add(500 * time.Millisecond)))
	require.False(t, emit)

	stats := d.Stats()
	require.Equal(t, uint64(1), stats.EventsEmitted)
	require.Equal(t, uint64(1), stats.CooldownDrops)
}

func TestDebouncer_RearmsAfterCooldown(t *testing.T) {
	d := NewDebouncer("pir1", "cam1", 10*time.Millisecond, 2*time.Second)
	now := time.Now()

	_, emit := d.Observe(rising(now))
	require.True(t, emit)

	ev, emit := d.Observe(rising(now.Add(2*time.Second + time.Millisecond)))
	require.True(t, emit)
	require.Equal(t, uint64(2), ev.Seq)
}

func TestDebouncer_FallingEdgesIgnored(t *testing.T) {
	d := NewDebouncer("pir1", "cam1", 10*time.Millisecond, time.Second)
	_, emit := d.Observe(Edge{Rising: false, At: time.Now()})
	require.False(t, emit)
	require.Equal(t, uint64(0), d.Stats().EventsEmitted)
}

func TestDebouncer_GlitchFilter(t *testing.T) {
	d := NewDebouncer("pir1", "cam1", 50*time.Millisecond, time.Second)
	now := time.Now()

	// A burst of contact bounce: only the first edge can emit.
	_, emit := d.Observe(rising(now))
	require.True(t, emit)
	for i := 1; i <= 5; i++ {
		_, emit := d.Observe(rising(now.Add(time.Duration(i) * time.Millisecond)))
		require.False(t, emit)
	}
	require.Equal(t, uint64(5), d.Stats().GlitchesFiltered)
}

// Property: no two emitted events are ever closer than the cooldown.
func TestDebouncer_MinimumEventSpacing(t *testing.T) {
	const cooldown = 100 * time.Millisecond
	d := NewDebouncer("pir1", "cam1", time.Millisecond, cooldown)

	base := time.Now()
	var emitted []time.Time
	for i := 0; i < 500; i++ {
		at := base.Add(time.Duration(i*7) * time.Millisecond)
		if ev, ok := d.Observe(rising(at)); ok {
			emitted = append(emitted, ev.At)
		}
	}
	require.NotEmpty(t, emitted)
	for i := 1; i < len(emitted); i++ {
		require.GreaterOrEqual(t, emitted[i].Sub(emitted[i-1]), cooldown)
	}
}

type scriptedSource struct {
	edges []Edge
}

func (s *scriptedSource) Edges(ctx context.Context) (<-chan Edge, error) {
	ch := make(chan Edge)
	go func() {
		defer close(ch)
		for _, e := range s.edges {
			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

type capturePublisher struct {
	events chan event.MotionEvent
}

func (p *capturePublisher) Publish(_ context.Context, ev event.MotionEvent) error {
	p.events <- ev
	return nil
}

func TestWorker_PumpsDebouncedEvents(t *testing.T) {
	now := time.Now()
	src := &scriptedSource{edges: []Edge{
		rising(now),
		rising(now.Add(500 * time.Millisecond)), // cooldown drop
		rising(now.Add(3 * time.Second)),
	}}
	pub := &capturePublisher{events: make(chan event.MotionEvent, 8)}

	d := NewDebouncer("pir1", "cam1", 10*time.Millisecond, 2*time.Second)
	w := NewWorker(d, src, pub, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx))

	close(pub.events)
	var got []event.MotionEvent
	for ev := range pub.events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	require.Equal(t, uint64(1), got[0].Seq)
	require.Equal(t, uint64(2), got[1].Seq)
}
