package catalog

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trailwarden/trailwarden/internal/event"
	"github.com/trailwarden/trailwarden/internal/media"
	"github.com/trailwarden/trailwarden/internal/session"
	"github.com/trailwarden/trailwarden/internal/storage"
)

type captureClassifier struct {
	mu    sync.Mutex
	clips []*storage.Clip
}

func (c *captureClassifier) Enqueue(_ context.Context, clip *storage.Clip) {
	c.mu.Lock()
	c.clips = append(c.clips, clip)
	c.mu.Unlock()
}

func (c *captureClassifier) received() []*storage.Clip {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*storage.Clip(nil), c.clips...)
}

type captureArchiver struct {
	mu    sync.Mutex
	clips []*storage.Clip
}

func (c *captureArchiver) Enqueue(clip *storage.Clip) {
	c.mu.Lock()
	c.clips = append(c.clips, clip)
	c.mu.Unlock()
}

func (c *captureArchiver) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clips)
}

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// writeClipFile writes a well-formed clip with the given number of frames
// spaced 100ms apart, returning the session describing it.
func writeClipFile(t *testing.T, dir string, frames int) *session.Session {
	t.Helper()
	id := uuid.NewString()
	path := filepath.Join(dir, "cam1_"+id+".clip")

	w, err := media.NewWriter(path)
	require.NoError(t, err)
	start := time.Now().Add(-time.Minute)
	payload := bytes.Repeat([]byte{0xAB}, 512)
	for i := 0; i < frames; i++ {
		require.NoError(t, w.WriteFrame(payload, start.Add(time.Duration(i)*100*time.Millisecond)))
	}
	_, err = w.Close()
	require.NoError(t, err)

	return &session.Session{
		ID:        id,
		Camera:    "cam1",
		Trigger:   event.MotionEvent{SensorID: "pir1", CameraID: "cam1", Seq: 7, At: start},
		StartedAt: start,
		EndedAt:   start.Add(time.Duration(frames) * 100 * time.Millisecond),
		Path:      path,
	}
}

func TestCataloger_CatalogsFinalizedSession(t *testing.T) {
	store := newStore(t)
	cls := &captureClassifier{}
	arc := &captureArchiver{}
	c := New(store, cls, arc, Config{ThumbnailSkip: 200 * time.Millisecond}, zap.NewNop())

	sess := writeClipFile(t, t.TempDir(), 20)
	clip := c.Catalog(context.Background(), sess)
	require.NotNil(t, clip)

	got, err := store.GetClip(context.Background(), sess.ID)
	require.NoError(t, err)
	require.False(t, got.Invalid)
	require.Equal(t, "cam1", got.Camera)
	require.Equal(t, 20, got.Frames)
	require.Equal(t, 1900*time.Millisecond, got.Duration)
	require.Equal(t, int64(7), got.TriggerSeq)
	require.Greater(t, got.SizeBytes, int64(0))

	// Thumbnail and manifest sidecars land beside the clip.
	require.NotEmpty(t, got.ThumbPath)
	thumb, err := os.ReadFile(got.ThumbPath)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0xAB}, 512), thumb)
	_, err = os.Stat(manifestPath(sess.Path))
	require.NoError(t, err)

	require.Len(t, cls.received(), 1)
	require.Equal(t, 1, arc.count())
	require.Equal(t, uint64(1), c.Metrics().Cataloged.Load())
}

func TestCataloger_CorruptClipMarkedInvalid(t *testing.T) {
	store := newStore(t)
	cls := &captureClassifier{}
	arc := &captureArchiver{}
	c := New(store, cls, arc, Config{}, zap.NewNop())

	dir := t.TempDir()
	path := filepath.Join(dir, "cam1_bad.clip")
	require.NoError(t, os.WriteFile(path, []byte("not a clip container"), 0o644))

	sess := &session.Session{
		ID:        uuid.NewString(),
		Camera:    "cam1",
		StartedAt: time.Now().Add(-time.Minute),
		EndedAt:   time.Now(),
		Path:      path,
	}
	clip := c.Catalog(context.Background(), sess)
	require.NotNil(t, clip)
	require.True(t, clip.Invalid)

	got, err := store.GetClip(context.Background(), sess.ID)
	require.NoError(t, err)
	require.True(t, got.Invalid)
	require.Empty(t, got.ThumbPath)

	// Invalid clips still reach the classifier (it degrades them to
	// unclassified) but never the archiver.
	require.Len(t, cls.received(), 1)
	require.Equal(t, 0, arc.count())
	require.Equal(t, uint64(1), c.Metrics().Invalid.Load())
}

func TestCataloger_WorkerPoolDrainsQueue(t *testing.T) {
	store := newStore(t)
	cls := &captureClassifier{}
	c := New(store, cls, nil, Config{Workers: 2, QueueSize: 8}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		c.Enqueue(writeClipFile(t, dir, 10))
	}

	require.Eventually(t, func() bool {
		return c.Metrics().Cataloged.Load() == 5 && c.Backlog() == 0
	}, 5*time.Second, 10*time.Millisecond)

	clips, err := store.ListClips(context.Background())
	require.NoError(t, err)
	require.Len(t, clips, 5)
}

func saveClip(t *testing.T, store storage.Store, dir string, age time.Duration, retained bool) *storage.Clip {
	t.Helper()
	id := uuid.NewString()
	path := filepath.Join(dir, id+".clip")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0x01}, 1000), 0o644))

	clip := &storage.Clip{
		ID:        id,
		Camera:    "cam1",
		Path:      path,
		StartedAt: time.Now().Add(-age).UTC(),
		Duration:  5 * time.Second,
		SizeBytes: 1000,
		Frames:    50,
		Retained:  retained,
		CreatedAt: time.Now().Add(-age).UTC(),
	}
	require.NoError(t, store.SaveClip(context.Background(), clip))
	return clip
}

func TestRetention_HorizonExpiry(t *testing.T) {
	store := newStore(t)
	dir := t.TempDir()

	old := saveClip(t, store, dir, 48*time.Hour, false)
	kept := saveClip(t, store, dir, 48*time.Hour, true)
	young := saveClip(t, store, dir, time.Hour, false)

	r := NewRetention(store, NewClipLocks(), RetentionConfig{
		Horizon: 24 * time.Hour,
		MinAge:  time.Minute,
	}, zap.NewNop())
	r.Sweep(context.Background())

	_, err := store.GetClip(context.Background(), old.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = os.Stat(old.Path)
	require.True(t, os.IsNotExist(err))

	for _, clip := range []*storage.Clip{kept, young} {
		_, err := store.GetClip(context.Background(), clip.ID)
		require.NoError(t, err)
		_, err = os.Stat(clip.Path)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(1), r.Metrics().Deleted.Load())
}

func TestRetention_SizeBudgetDeletesOldestFirst(t *testing.T) {
	store := newStore(t)
	dir := t.TempDir()

	oldest := saveClip(t, store, dir, 3*time.Hour, false)
	middle := saveClip(t, store, dir, 2*time.Hour, false)
	newest := saveClip(t, store, dir, time.Hour, false)

	// 3000 bytes on disk, budget of 1500: the two oldest go.
	r := NewRetention(store, NewClipLocks(), RetentionConfig{
		MaxStoreBytes: 1500,
		MinAge:        time.Minute,
	}, zap.NewNop())
	r.Sweep(context.Background())

	for _, clip := range []*storage.Clip{oldest, middle} {
		_, err := store.GetClip(context.Background(), clip.ID)
		require.ErrorIs(t, err, storage.ErrNotFound)
	}
	_, err := store.GetClip(context.Background(), newest.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(2), r.Metrics().Deleted.Load())
}

func TestRetention_WaitsForClipLock(t *testing.T) {
	store := newStore(t)
	dir := t.TempDir()
	clip := saveClip(t, store, dir, 48*time.Hour, false)

	locks := NewClipLocks()
	release := locks.Acquire(clip.ID)

	r := NewRetention(store, locks, RetentionConfig{
		Horizon: 24 * time.Hour,
		MinAge:  time.Minute,
	}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		r.Sweep(context.Background())
		close(done)
	}()

	// While the reader lock is held the clip must still be fully intact.
	time.Sleep(100 * time.Millisecond)
	_, err := store.GetClip(context.Background(), clip.ID)
	require.NoError(t, err)
	_, err = os.Stat(clip.Path)
	require.NoError(t, err)

	release()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not finish after lock release")
	}
	_, err = store.GetClip(context.Background(), clip.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReconcile_MissingFileMarkedInvalid(t *testing.T) {
	store := newStore(t)
	dir := t.TempDir()
	clip := saveClip(t, store, dir, time.Hour, false)
	require.NoError(t, os.Remove(clip.Path))

	// Give the clip a sighting so it is not re-enqueued.
	require.NoError(t, store.SaveSighting(context.Background(), &storage.Sighting{
		ID:        uuid.NewString(),
		ClipID:    clip.ID,
		Label:     storage.LabelUnclassified,
		CreatedAt: time.Now().UTC(),
	}))

	cls := &captureClassifier{}
	cat := New(store, cls, nil, Config{}, zap.NewNop())
	require.NoError(t, Reconcile(context.Background(), store, cat, dir, zap.NewNop()))

	got, err := store.GetClip(context.Background(), clip.ID)
	require.NoError(t, err)
	require.True(t, got.Invalid)
	require.Empty(t, cls.received())
}

func TestReconcile_OrphanFilesRemoved(t *testing.T) {
	store := newStore(t)
	dir := t.TempDir()

	known := saveClip(t, store, dir, time.Hour, false)
	orphan := filepath.Join(dir, "cam1_orphan.clip")
	require.NoError(t, os.WriteFile(orphan, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(thumbSibling(orphan), []byte("x"), 0o644))

	cls := &captureClassifier{}
	cat := New(store, cls, nil, Config{}, zap.NewNop())
	require.NoError(t, Reconcile(context.Background(), store, cat, dir, zap.NewNop()))

	_, err := os.Stat(orphan)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(thumbSibling(orphan))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(known.Path)
	require.NoError(t, err)
}

func TestReconcile_ReenqueuesClipsWithoutSighting(t *testing.T) {
	store := newStore(t)
	dir := t.TempDir()
	clip := saveClip(t, store, dir, time.Hour, false)

	cls := &captureClassifier{}
	cat := New(store, cls, nil, Config{}, zap.NewNop())
	require.NoError(t, Reconcile(context.Background(), store, cat, dir, zap.NewNop()))

	got := cls.received()
	require.Len(t, got, 1)
	require.Equal(t, clip.ID, got[0].ID)
}

func TestReconcile_RecoversDeferredSession(t *testing.T) {
	store := newStore(t)
	dir := t.TempDir()
	cls := &captureClassifier{}

	// A cataloger whose queue is already full rejects the next finalized
	// session; the clip file and its manifest stay behind.
	small := New(store, cls, nil, Config{QueueSize: 1}, zap.NewNop())
	small.Enqueue(writeClipFile(t, dir, 10))
	deferred := writeClipFile(t, dir, 20)
	small.Enqueue(deferred)
	require.Equal(t, uint64(1), small.Metrics().QueueRejects.Load())
	_, err := os.Stat(manifestPath(deferred.Path))
	require.NoError(t, err)

	// The next startup must catalog the deferred clip, not delete it.
	cat := New(store, cls, nil, Config{}, zap.NewNop())
	require.NoError(t, Reconcile(context.Background(), store, cat, dir, zap.NewNop()))

	got, err := store.GetClip(context.Background(), deferred.ID)
	require.NoError(t, err)
	require.False(t, got.Invalid)
	require.Equal(t, 20, got.Frames)
	require.Equal(t, int64(7), got.TriggerSeq)
	_, err = os.Stat(deferred.Path)
	require.NoError(t, err)

	// Exactly one classifier handoff for the recovered clip.
	var handoffs int
	for _, c := range cls.received() {
		if c.ID == deferred.ID {
			handoffs++
		}
	}
	require.Equal(t, 1, handoffs)
}
