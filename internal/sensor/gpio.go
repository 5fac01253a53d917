package sensor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"
)

// GPIOSource reads a presence sensor wired to a GPIO line exposed as a
// sysfs value file ("0" or "1"). The line is polled; PIR modules hold
// their output high for hundreds of milliseconds, so a poll interval of a
// few milliseconds loses nothing.
type GPIOSource struct {
	path     string
	interval time.Duration
}

// NewGPIOSource creates a polled edge source for the given value file.
func NewGPIOSource(path string, interval time.Duration) *GPIOSource {
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}
	return &GPIOSource{path: path, interval: interval}
}

// Edges starts polling. The initial line level produces no edge; only
// transitions do.
func (g *GPIOSource) Edges(ctx context.Context) (<-chan Edge, error) {
	level, err := g.read()
	if err != nil {
		return nil, fmt.Errorf("open gpio %s: %w", g.path, err)
	}

	out := make(chan Edge)
	go func() {
		defer close(out)
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()

		last := level
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				cur, err := g.read()
				if err != nil {
					// Transient sysfs read errors resolve on the next tick;
					// a removed line just stops producing edges.
					continue
				}
				if cur == last {
					continue
				}
				last = cur
				select {
				case out <- Edge{Rising: cur, At: now}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (g *GPIOSource) read() (bool, error) {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return false, err
	}
	return len(bytes.TrimSpace(data)) > 0 && bytes.TrimSpace(data)[0] == '1', nil
}
