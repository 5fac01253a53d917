// Package storage persists clip and sighting records and handles the
// optional offsite archive.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound means the requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// LabelUnclassified is the sighting label used when classification timed
// out or failed. Every clip gets a sighting either way.
const LabelUnclassified = "unclassified"

// Clip is a cataloged recording. Immutable once written except for the
// retained flag, the invalid marker, and the archive timestamp.
type Clip struct {
	ID         string        `db:"id"`
	Camera     string        `db:"camera"`
	Path       string        `db:"path"`
	ThumbPath  string        `db:"thumb_path"`
	StartedAt  time.Time     `db:"started_at"`
	Duration   time.Duration `db:"duration_ns"`
	SizeBytes  int64         `db:"size_bytes"`
	Frames     int           `db:"frames"`
	TriggerSeq int64         `db:"trigger_seq"`
	Invalid    bool          `db:"invalid"`
	Retained   bool          `db:"retained"`
	ArchivedAt *time.Time    `db:"archived_at"`
	CreatedAt  time.Time     `db:"created_at"`
}

// Sighting attaches a classification to exactly one clip.
type Sighting struct {
	ID         string    `db:"id"`
	ClipID     string    `db:"clip_id"`
	Label      string    `db:"label"`
	Confidence float64   `db:"confidence"`
	Behavior   *string   `db:"behavior"`
	CreatedAt  time.Time `db:"created_at"`
}

// Store is the clip/sighting persistence contract. Writes are
// append-mostly; the only destructive path is DeleteClip, used by the
// retention sweep.
type Store interface {
	SaveClip(ctx context.Context, clip *Clip) error
	GetClip(ctx context.Context, id string) (*Clip, error)
	ListClips(ctx context.Context) ([]*Clip, error)
	SetClipRetained(ctx context.Context, id string, retained bool) error
	MarkClipInvalid(ctx context.Context, id string) error
	MarkClipArchived(ctx context.Context, id string, at time.Time) error

	// DeleteClip removes the clip row and its sighting in one transaction.
	DeleteClip(ctx context.Context, id string) error

	// RetentionCandidates returns non-retained clips created before the
	// cutoff, oldest first.
	RetentionCandidates(ctx context.Context, before time.Time) ([]*Clip, error)
	TotalClipBytes(ctx context.Context) (int64, error)

	SaveSighting(ctx context.Context, s *Sighting) error
	SightingForClip(ctx context.Context, clipID string) (*Sighting, error)
	RecentSightings(ctx context.Context, limit int) ([]*Sighting, error)

	// ClipsWithoutSighting supports the startup reconciliation and the
	// clip/sighting bijection check.
	ClipsWithoutSighting(ctx context.Context) ([]*Clip, error)

	Close() error
}
