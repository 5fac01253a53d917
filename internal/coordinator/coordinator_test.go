package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trailwarden/trailwarden/internal/classify"
	"github.com/trailwarden/trailwarden/internal/config"
	"github.com/trailwarden/trailwarden/internal/sensor"
	"github.com/trailwarden/trailwarden/internal/storage"
)

type fixedClassifier struct {
	result classify.Result
}

func (f *fixedClassifier) Classify(ctx context.Context, clipPath string) (classify.Result, error) {
	return f.result, nil
}

type chanEdgeSource struct {
	ch chan sensor.Edge
}

func (s *chanEdgeSource) Edges(ctx context.Context) (<-chan sensor.Edge, error) {
	return s.ch, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Service.ShutdownTimeout = config.Duration(10 * time.Second)
	cfg.Cameras = []config.CameraConfig{{Name: "cam1", FPS: 50}}
	cfg.Sensors = []config.SensorConfig{{
		Name:           "pir1",
		Camera:         "cam1",
		DebounceWindow: config.Duration(10 * time.Millisecond),
		Cooldown:       config.Duration(200 * time.Millisecond),
	}}
	cfg.Recording.MediaDir = filepath.Join(dir, "media")
	cfg.Recording.CoalesceTail = config.Duration(300 * time.Millisecond)
	cfg.Recording.MinClipDuration = config.Duration(50 * time.Millisecond)
	cfg.Recording.MaxClipDuration = config.Duration(5 * time.Second)
	cfg.Recording.LeaseTTL = config.Duration(10 * time.Second)
	cfg.Catalog.ThumbnailSkip = config.Duration(20 * time.Millisecond)
	cfg.Classifier.Timeout = config.Duration(time.Second)
	cfg.Storage.DBPath = filepath.Join(dir, "test.db")
	cfg.Snapshot.Dir = filepath.Join(dir, "snapshots")
	require.NoError(t, cfg.Validate())
	return cfg
}

func startCoordinator(t *testing.T, cfg *config.Config, opts ...Option) (*Coordinator, context.CancelFunc, chan error) {
	t.Helper()
	c, err := New(cfg, &fixedClassifier{result: classify.Result{Label: "red deer", Confidence: 0.88}}, zap.NewNop(), opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	return c, cancel, errc
}

func waitStopped(t *testing.T, cancel context.CancelFunc, errc chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}

func TestCoordinator_MotionToSighting(t *testing.T) {
	cfg := testConfig(t)
	c, cancel, errc := startCoordinator(t, cfg)

	require.NoError(t, c.InjectMotion(context.Background(), "cam1"))

	require.Eventually(t, func() bool {
		s, err := c.RecentSightings(context.Background(), 1)
		return err == nil && len(s) == 1
	}, 10*time.Second, 20*time.Millisecond)

	sightings, err := c.RecentSightings(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "red deer", sightings[0].Label)

	st := c.Status()
	require.Len(t, st.Cameras, 1)
	require.Equal(t, uint64(1), st.Cameras[0].Started)

	waitStopped(t, cancel, errc)
}

func TestCoordinator_SensorEdgeDrivesPipeline(t *testing.T) {
	cfg := testConfig(t)
	edges := &chanEdgeSource{ch: make(chan sensor.Edge, 8)}
	c, cancel, errc := startCoordinator(t, cfg, WithEdgeSource("pir1", edges))

	// A burst of edges within one cooldown window is a single trigger.
	now := time.Now()
	edges.ch <- sensor.Edge{Rising: true, At: now}
	edges.ch <- sensor.Edge{Rising: true, At: now.Add(50 * time.Millisecond)}
	edges.ch <- sensor.Edge{Rising: true, At: now.Add(100 * time.Millisecond)}

	require.Eventually(t, func() bool {
		st := c.Status()
		return len(st.Cameras) == 1 && st.Cameras[0].Completed == 1
	}, 10*time.Second, 20*time.Millisecond)

	st := c.Status()
	require.Equal(t, uint64(1), st.Cameras[0].Started)
	require.Len(t, st.Sensors, 1)
	require.Equal(t, uint64(1), st.Sensors[0].Stats.EventsEmitted)

	waitStopped(t, cancel, errc)
}

func TestCoordinator_ShutdownDrainsActiveSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recording.CoalesceTail = config.Duration(2 * time.Second)
	c, cancel, errc := startCoordinator(t, cfg)

	require.NoError(t, c.InjectMotion(context.Background(), "cam1"))
	require.Eventually(t, func() bool {
		return c.Status().Cameras[0].State == "recording"
	}, 5*time.Second, 10*time.Millisecond)

	// Let the recorder accumulate frames past the viability threshold,
	// then stop mid-recording.
	time.Sleep(200 * time.Millisecond)
	waitStopped(t, cancel, errc)

	store, err := storage.Open(cfg.Storage.DBPath)
	require.NoError(t, err)
	defer store.Close()

	clips, err := store.ListClips(context.Background())
	require.NoError(t, err)
	require.Len(t, clips, 1)
	require.False(t, clips[0].Invalid)
	_, err = os.Stat(clips[0].Path)
	require.NoError(t, err)

	// The drain waited for the classifier too.
	sighting, err := store.SightingForClip(context.Background(), clips[0].ID)
	require.NoError(t, err)
	require.Equal(t, "red deer", sighting.Label)
}

func TestCoordinator_LiveViewBlocksRecorder(t *testing.T) {
	cfg := testConfig(t)
	c, cancel, errc := startCoordinator(t, cfg)

	stream, stop, err := c.LiveView(context.Background(), "cam1")
	require.NoError(t, err)
	select {
	case frame, ok := <-stream.Frames():
		require.True(t, ok)
		require.NotEmpty(t, frame.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("no live frame")
	}

	// The shared live-view lease denies the recorder's exclusive lease;
	// the trigger is counted as missed, not queued.
	require.NoError(t, c.InjectMotion(context.Background(), "cam1"))
	require.Eventually(t, func() bool {
		return c.Status().Cameras[0].Missed == 1
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	// With the lease released the next trigger records normally.
	require.NoError(t, c.InjectMotion(context.Background(), "cam1"))
	require.Eventually(t, func() bool {
		return c.Status().Cameras[0].Completed == 1
	}, 10*time.Second, 20*time.Millisecond)

	waitStopped(t, cancel, errc)
}

func TestCoordinator_Snapshot(t *testing.T) {
	cfg := testConfig(t)
	c, cancel, errc := startCoordinator(t, cfg)

	path, err := c.Snapshot(context.Background(), "cam1")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	waitStopped(t, cancel, errc)
}

func TestCoordinator_InjectUnknownCamera(t *testing.T) {
	cfg := testConfig(t)
	c, cancel, errc := startCoordinator(t, cfg)

	require.Error(t, c.InjectMotion(context.Background(), "nope"))

	waitStopped(t, cancel, errc)
}
