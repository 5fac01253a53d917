package classify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trailwarden/trailwarden/internal/storage"
)

type fakeClassifier struct {
	mu      sync.Mutex
	calls   int
	result  Result
	err     error
	block   bool // block until the per-call timeout fires
}

func (f *fakeClassifier) Classify(ctx context.Context, clipPath string) (Result, error) {
	f.mu.Lock()
	f.calls++
	block, result, err := f.block, f.result, f.err
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}
	return result, err
}

func (f *fakeClassifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type noopLocks struct{}

func (noopLocks) Acquire(string) func() { return func() {} }

func newStoreWithClip(t *testing.T) (*storage.SQLiteStore, *storage.Clip) {
	t.Helper()
	store, err := storage.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clip := &storage.Clip{
		ID:        uuid.NewString(),
		Camera:    "cam1",
		Path:      "/media/x.clip",
		StartedAt: time.Now().UTC(),
		Duration:  10 * time.Second,
		SizeBytes: 1024,
		Frames:    100,
	}
	require.NoError(t, store.SaveClip(context.Background(), clip))
	return store, clip
}

func runAdapter(t *testing.T, a *Adapter) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = a.Run(ctx) }()
	return cancel
}

func TestAdapter_SuccessfulClassification(t *testing.T) {
	store, clip := newStoreWithClip(t)
	fc := &fakeClassifier{result: Result{Label: "red fox", Confidence: 0.93, Behavior: "foraging"}}
	a := NewAdapter(fc, store, noopLocks{}, Config{Timeout: time.Second, Workers: 1}, zap.NewNop())
	defer runAdapter(t, a)()

	a.Enqueue(context.Background(), clip)

	require.Eventually(t, func() bool {
		return a.Metrics().Classified.Load() == 1
	}, 3*time.Second, 5*time.Millisecond)

	s, err := store.SightingForClip(context.Background(), clip.ID)
	require.NoError(t, err)
	require.Equal(t, "red fox", s.Label)
	require.InDelta(t, 0.93, s.Confidence, 1e-9)
	require.NotNil(t, s.Behavior)
	require.Equal(t, "foraging", *s.Behavior)
}

// A classifier timeout still produces a sighting: label "unclassified",
// confidence zero, within one retry cycle.
func TestAdapter_TimeoutDegradesToUnclassified(t *testing.T) {
	store, clip := newStoreWithClip(t)
	fc := &fakeClassifier{block: true}
	a := NewAdapter(fc, store, noopLocks{}, Config{
		Timeout: 30 * time.Millisecond,
		Retries: 1,
		Workers: 1,
	}, zap.NewNop())
	defer runAdapter(t, a)()

	a.Enqueue(context.Background(), clip)

	require.Eventually(t, func() bool {
		return a.Metrics().Unclassified.Load() == 1
	}, 3*time.Second, 5*time.Millisecond)

	s, err := store.SightingForClip(context.Background(), clip.ID)
	require.NoError(t, err)
	require.Equal(t, storage.LabelUnclassified, s.Label)
	require.Zero(t, s.Confidence)
	require.Nil(t, s.Behavior)

	// Initial attempt plus the configured single retry.
	require.Equal(t, 2, fc.callCount())
}

func TestAdapter_ErrorRetriesThenDegrades(t *testing.T) {
	store, clip := newStoreWithClip(t)
	fc := &fakeClassifier{err: errors.New("model not loaded")}
	a := NewAdapter(fc, store, noopLocks{}, Config{
		Timeout: time.Second,
		Retries: 2,
		Workers: 1,
	}, zap.NewNop())
	defer runAdapter(t, a)()

	a.Enqueue(context.Background(), clip)

	require.Eventually(t, func() bool {
		return a.Metrics().Unclassified.Load() == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 3, fc.callCount())
}

// Every clip ends up with exactly one sighting, classified or not.
func TestAdapter_BijectionUnderMixedOutcomes(t *testing.T) {
	store, err := storage.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fc := &fakeClassifier{result: Result{Label: "boar", Confidence: 0.5}}
	a := NewAdapter(fc, store, noopLocks{}, Config{Timeout: time.Second, Workers: 2}, zap.NewNop())
	defer runAdapter(t, a)()

	ctx := context.Background()
	const n = 10
	for i := 0; i < n; i++ {
		clip := &storage.Clip{
			ID:        uuid.NewString(),
			Camera:    "cam1",
			Path:      "/media/" + uuid.NewString() + ".clip",
			StartedAt: time.Now().UTC(),
		}
		require.NoError(t, store.SaveClip(ctx, clip))
		a.Enqueue(ctx, clip)
	}

	require.Eventually(t, func() bool {
		missing, err := store.ClipsWithoutSighting(ctx)
		return err == nil && len(missing) == 0
	}, 5*time.Second, 10*time.Millisecond)

	sightings, err := store.RecentSightings(ctx, n*2)
	require.NoError(t, err)
	require.Len(t, sightings, n)
}

func TestAdapter_FullQueueDegradesImmediately(t *testing.T) {
	store, clip := newStoreWithClip(t)
	fc := &fakeClassifier{result: Result{Label: "lynx", Confidence: 0.9}}
	// Queue of one, no workers running: the second enqueue cannot fit.
	a := NewAdapter(fc, store, noopLocks{}, Config{Timeout: time.Second, Workers: 1, Queue: 1}, zap.NewNop())

	other := &storage.Clip{ID: uuid.NewString(), Camera: "cam1", Path: "/media/y.clip", StartedAt: time.Now().UTC()}
	require.NoError(t, store.SaveClip(context.Background(), other))

	a.Enqueue(context.Background(), other) // fills the queue
	a.Enqueue(context.Background(), clip)  // degrades

	s, err := store.SightingForClip(context.Background(), clip.ID)
	require.NoError(t, err)
	require.Equal(t, storage.LabelUnclassified, s.Label)
}
