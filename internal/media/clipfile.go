// Package media implements the on-disk clip container: a length-prefixed
// frame log that the session manager writes and the cataloger reads back
// for duration, size, and thumbnail extraction. Frame payloads are opaque;
// codec concerns live outside this system.
package media

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// magic identifies a clip file; bump the trailing digit on format changes.
var magic = [8]byte{'T', 'W', 'C', 'L', 'I', 'P', '1', '\n'}

// ErrCorrupt means the file is not a well-formed clip container.
var ErrCorrupt = errors.New("media: corrupt clip file")

// maxFrameSize guards ReadInfo against nonsense length prefixes.
const maxFrameSize = 64 << 20

// Info summarizes a finalized clip file.
type Info struct {
	Frames    int
	SizeBytes int64
	FirstAt   time.Time
	LastAt    time.Time
}

// Duration is the span between the first and last frame timestamps.
func (i Info) Duration() time.Duration {
	if i.Frames == 0 {
		return 0
	}
	return i.LastAt.Sub(i.FirstAt)
}

// Writer appends frames to a clip file. Not safe for concurrent use; each
// recording session owns exactly one writer.
type Writer struct {
	f      *os.File
	bw     *bufio.Writer
	frames int
	bytes  int64
	first  time.Time
	last   time.Time
}

// NewWriter creates the clip file, truncating any previous content.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create clip %s: %w", path, err)
	}
	bw := bufio.NewWriterSize(f, 256<<10)
	if _, err := bw.Write(magic[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("write clip header: %w", err)
	}
	return &Writer{f: f, bw: bw, bytes: int64(len(magic))}, nil
}

// WriteFrame appends one frame payload with its capture timestamp.
func (w *Writer) WriteFrame(data []byte, at time.Time) error {
	var hdr [12]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(data)))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(at.UnixNano()))

	if _, err := w.bw.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.bw.Write(data); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	if w.frames == 0 {
		w.first = at
	}
	w.last = at
	w.frames++
	w.bytes += int64(len(hdr)) + int64(len(data))
	return nil
}

// Frames returns the number of frames written so far.
func (w *Writer) Frames() int { return w.frames }

// Duration is the span covered by the frames written so far.
func (w *Writer) Duration() time.Duration {
	if w.frames == 0 {
		return 0
	}
	return w.last.Sub(w.first)
}

// Bytes returns the number of bytes written so far, header included.
func (w *Writer) Bytes() int64 { return w.bytes }

// Close flushes and syncs the file. The clip is only valid after Close
// returns nil.
func (w *Writer) Close() (Info, error) {
	info := Info{Frames: w.frames, SizeBytes: w.bytes, FirstAt: w.first, LastAt: w.last}
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return info, fmt.Errorf("flush clip: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return info, fmt.Errorf("sync clip: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return info, fmt.Errorf("close clip: %w", err)
	}
	return info, nil
}

// Discard closes and removes the file, for sessions below the
// minimum-viable-duration threshold.
func (w *Writer) Discard() error {
	w.f.Close()
	if err := os.Remove(w.f.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadInfo walks a clip file and returns its frame summary. A malformed
// header or truncated frame yields ErrCorrupt.
func ReadInfo(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Info{}, err
	}
	info := Info{SizeBytes: st.Size()}

	r := bufio.NewReaderSize(f, 256<<10)
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil || hdr != magic {
		return info, ErrCorrupt
	}

	for {
		at, size, err := readFrameHeader(r)
		if err == io.EOF {
			return info, nil
		}
		if err != nil {
			return info, ErrCorrupt
		}
		if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
			return info, ErrCorrupt
		}
		if info.Frames == 0 {
			info.FirstAt = at
		}
		info.LastAt = at
		info.Frames++
	}
}

// FrameAt returns the payload of the first frame at or after the given
// offset from the start of the clip, falling back to the last frame for
// offsets past the end. Used for thumbnail extraction.
func FrameAt(path string, offset time.Duration) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 256<<10)
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil || hdr != magic {
		return nil, ErrCorrupt
	}

	var first time.Time
	var last []byte
	for i := 0; ; i++ {
		at, size, err := readFrameHeader(r)
		if err == io.EOF {
			if last == nil {
				return nil, ErrCorrupt
			}
			return last, nil
		}
		if err != nil {
			return nil, ErrCorrupt
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, ErrCorrupt
		}
		if i == 0 {
			first = at
		}
		if at.Sub(first) >= offset {
			return payload, nil
		}
		last = payload
	}
}

func readFrameHeader(r io.Reader) (time.Time, uint32, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return time.Time{}, 0, io.EOF
		}
		return time.Time{}, 0, fmt.Errorf("short frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(hdr[0:4])
	if size > maxFrameSize {
		return time.Time{}, 0, fmt.Errorf("frame size %d exceeds limit", size)
	}
	at := time.Unix(0, int64(binary.BigEndian.Uint64(hdr[4:12])))
	return at, size, nil
}
