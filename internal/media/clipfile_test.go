package media

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeClip(t *testing.T, path string, frames int, spacing time.Duration) time.Time {
	t.Helper()
	w, err := NewWriter(path)
	require.NoError(t, err)
	base := time.Unix(1700000000, 0)
	for i := 0; i < frames; i++ {
		payload := []byte{byte(i), 0xAB, 0xCD}
		require.NoError(t, w.WriteFrame(payload, base.Add(time.Duration(i)*spacing)))
	}
	_, err = w.Close()
	require.NoError(t, err)
	return base
}

func TestWriteThenReadInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.clip")
	writeClip(t, path, 30, 100*time.Millisecond)

	info, err := ReadInfo(path)
	require.NoError(t, err)
	require.Equal(t, 30, info.Frames)
	require.Equal(t, 2900*time.Millisecond, info.Duration())

	st, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, st.Size(), info.SizeBytes)
}

func TestFrameAt_SkipsLeadingFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.clip")
	writeClip(t, path, 10, 100*time.Millisecond)

	// 500ms in: frame index 5.
	payload, err := FrameAt(path, 500*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, byte(5), payload[0])
}

func TestFrameAt_OffsetPastEndFallsBackToLastFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.clip")
	writeClip(t, path, 3, 100*time.Millisecond)

	payload, err := FrameAt(path, time.Hour)
	require.NoError(t, err)
	require.Equal(t, byte(2), payload[0])
}

func TestReadInfo_BadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.clip")
	require.NoError(t, os.WriteFile(path, []byte("not a clip file at all"), 0o644))
	_, err := ReadInfo(path)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestReadInfo_TruncatedFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunc.clip")
	writeClip(t, path, 5, 50*time.Millisecond)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-2], 0o644))

	_, err = ReadInfo(path)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestReadInfo_EmptyClipHasZeroDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.clip")
	w, err := NewWriter(path)
	require.NoError(t, err)
	_, err = w.Close()
	require.NoError(t, err)

	info, err := ReadInfo(path)
	require.NoError(t, err)
	require.Zero(t, info.Frames)
	require.Zero(t, info.Duration())
}

func TestWriter_Discard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discard.clip")
	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame([]byte{1}, time.Now()))
	require.NoError(t, w.Discard())

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
