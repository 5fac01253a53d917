package catalog

import "sync"

// ClipLocks serializes deletion of a clip against readers still using its
// file: a classifier mid-inference or an archive upload in flight. One
// mutex per clip ID, created on demand and dropped when released by the
// last holder.
type ClipLocks struct {
	mu    sync.Mutex
	locks map[string]*clipLock
}

type clipLock struct {
	mu   sync.Mutex
	refs int
}

// NewClipLocks creates an empty lock table.
func NewClipLocks() *ClipLocks {
	return &ClipLocks{locks: make(map[string]*clipLock)}
}

// Acquire takes the per-clip lock and returns its release function.
func (c *ClipLocks) Acquire(clipID string) func() {
	c.mu.Lock()
	l, ok := c.locks[clipID]
	if !ok {
		l = &clipLock{}
		c.locks[clipID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			c.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(c.locks, clipID)
			}
			c.mu.Unlock()
		})
	}
}
