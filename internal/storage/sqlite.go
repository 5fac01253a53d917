package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS clips (
    id          TEXT PRIMARY KEY,
    camera      TEXT NOT NULL,
    path        TEXT NOT NULL UNIQUE,
    thumb_path  TEXT NOT NULL DEFAULT '',
    started_at  TIMESTAMP NOT NULL,
    duration_ns INTEGER NOT NULL,
    size_bytes  INTEGER NOT NULL,
    frames      INTEGER NOT NULL,
    trigger_seq INTEGER NOT NULL DEFAULT 0,
    invalid     INTEGER NOT NULL DEFAULT 0,
    retained    INTEGER NOT NULL DEFAULT 0,
    archived_at TIMESTAMP,
    created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_clips_camera ON clips(camera);
CREATE INDEX IF NOT EXISTS idx_clips_created ON clips(created_at);

CREATE TABLE IF NOT EXISTS sightings (
    id         TEXT PRIMARY KEY,
    clip_id    TEXT NOT NULL UNIQUE,
    label      TEXT NOT NULL,
    confidence REAL NOT NULL,
    behavior   TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (clip_id) REFERENCES clips(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_sightings_created ON sightings(created_at);
`

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema.
func Open(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// modernc's driver is not safe for concurrent writes on one connection
	// pool sized above 1 without busy handling; keep the pool small.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// SaveClip inserts a new clip record.
func (s *SQLiteStore) SaveClip(ctx context.Context, clip *Clip) error {
	if clip.CreatedAt.IsZero() {
		clip.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
        INSERT INTO clips (id, camera, path, thumb_path, started_at, duration_ns,
                           size_bytes, frames, trigger_seq, invalid, retained,
                           archived_at, created_at)
        VALUES (:id, :camera, :path, :thumb_path, :started_at, :duration_ns,
                :size_bytes, :frames, :trigger_seq, :invalid, :retained,
                :archived_at, :created_at)`, clip)
	if err != nil {
		return fmt.Errorf("save clip %s: %w", clip.ID, err)
	}
	return nil
}

// GetClip fetches one clip by ID.
func (s *SQLiteStore) GetClip(ctx context.Context, id string) (*Clip, error) {
	var clip Clip
	err := s.db.GetContext(ctx, &clip, `SELECT * FROM clips WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get clip %s: %w", id, err)
	}
	return &clip, nil
}

// ListClips returns every clip, oldest first.
func (s *SQLiteStore) ListClips(ctx context.Context) ([]*Clip, error) {
	var clips []*Clip
	if err := s.db.SelectContext(ctx, &clips, `SELECT * FROM clips ORDER BY created_at ASC`); err != nil {
		return nil, fmt.Errorf("list clips: %w", err)
	}
	return clips, nil
}

// SetClipRetained pins or unpins a clip against the retention sweep.
func (s *SQLiteStore) SetClipRetained(ctx context.Context, id string, retained bool) error {
	return s.updateClipFlag(ctx, id, `UPDATE clips SET retained = ? WHERE id = ?`, retained)
}

// MarkClipInvalid flags a clip whose backing file could not be parsed.
func (s *SQLiteStore) MarkClipInvalid(ctx context.Context, id string) error {
	return s.updateClipFlag(ctx, id, `UPDATE clips SET invalid = ? WHERE id = ?`, true)
}

func (s *SQLiteStore) updateClipFlag(ctx context.Context, id, query string, val bool) error {
	res, err := s.db.ExecContext(ctx, query, val, id)
	if err != nil {
		return fmt.Errorf("update clip %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkClipArchived records a successful offsite upload.
func (s *SQLiteStore) MarkClipArchived(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE clips SET archived_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark clip %s archived: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteClip removes the clip row and, via the foreign key cascade, its
// sighting, in a single transaction.
func (s *SQLiteStore) DeleteClip(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM clips WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete clip %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// RetentionCandidates returns non-retained clips created before the
// cutoff, oldest first.
func (s *SQLiteStore) RetentionCandidates(ctx context.Context, before time.Time) ([]*Clip, error) {
	var clips []*Clip
	err := s.db.SelectContext(ctx, &clips, `
        SELECT * FROM clips
        WHERE retained = 0 AND created_at < ?
        ORDER BY created_at ASC`, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("retention candidates: %w", err)
	}
	return clips, nil
}

// TotalClipBytes sums the size of every stored clip.
func (s *SQLiteStore) TotalClipBytes(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	if err := s.db.GetContext(ctx, &total, `SELECT SUM(size_bytes) FROM clips`); err != nil {
		return 0, fmt.Errorf("total clip bytes: %w", err)
	}
	return total.Int64, nil
}

// SaveSighting inserts the sighting for a clip. The UNIQUE constraint on
// clip_id enforces the one-sighting-per-clip invariant at the store level.
func (s *SQLiteStore) SaveSighting(ctx context.Context, sighting *Sighting) error {
	if sighting.CreatedAt.IsZero() {
		sighting.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
        INSERT INTO sightings (id, clip_id, label, confidence, behavior, created_at)
        VALUES (:id, :clip_id, :label, :confidence, :behavior, :created_at)`, sighting)
	if err != nil {
		return fmt.Errorf("save sighting for clip %s: %w", sighting.ClipID, err)
	}
	return nil
}

// SightingForClip fetches the sighting attached to a clip.
func (s *SQLiteStore) SightingForClip(ctx context.Context, clipID string) (*Sighting, error) {
	var sighting Sighting
	err := s.db.GetContext(ctx, &sighting, `SELECT * FROM sightings WHERE clip_id = ?`, clipID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sighting for clip %s: %w", clipID, err)
	}
	return &sighting, nil
}

// RecentSightings returns up to limit sightings, most recent first.
func (s *SQLiteStore) RecentSightings(ctx context.Context, limit int) ([]*Sighting, error) {
	if limit <= 0 {
		limit = 50
	}
	var sightings []*Sighting
	err := s.db.SelectContext(ctx, &sightings, `
        SELECT * FROM sightings ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent sightings: %w", err)
	}
	return sightings, nil
}

// ClipsWithoutSighting returns clips that have no sighting yet.
func (s *SQLiteStore) ClipsWithoutSighting(ctx context.Context) ([]*Clip, error) {
	var clips []*Clip
	err := s.db.SelectContext(ctx, &clips, `
        SELECT c.* FROM clips c
        LEFT JOIN sightings s ON s.clip_id = c.id
        WHERE s.id IS NULL
        ORDER BY c.created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("clips without sighting: %w", err)
	}
	return clips, nil
}
