package stream

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	stream_key TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL CHECK (status IN ('preparing', 'live', 'ended')),
	title TEXT NOT NULL,
	description TEXT,
	category TEXT,
	ingest_url TEXT NOT NULL,
	playback_url TEXT,
	thumbnail_url TEXT,
	current_viewers INTEGER NOT NULL DEFAULT 0,
	peak_viewers INTEGER NOT NULL DEFAULT 0,
	total_unique_viewers INTEGER NOT NULL DEFAULT 0,
	total_messages INTEGER NOT NULL DEFAULT 0,
	auto_archive INTEGER NOT NULL DEFAULT 0,
	ended_event_emitted INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	ended_at INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_owner_active
	ON sessions(owner_id) WHERE status IN ('preparing', 'live');

CREATE INDEX IF NOT EXISTS idx_sessions_live_listing
	ON sessions(status, current_viewers, started_at);
`

// Repository persists sessions in a relational store. The one-active-session
// -per-owner rule is the partial unique index, not a racy read-then-insert.
type Repository struct {
	db *sql.DB
}

// NewRepository opens (or creates) the session store at path. ":memory:"
// gives an ephemeral store for tests.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		// Multiple readers, serialized writes under WAL.
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("session store pragma: %w", err)
		}
	}
	if _, err := db.Exec(sessionsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("session store schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// Close closes the underlying handle.
func (r *Repository) Close() error { return r.db.Close() }

// Create inserts a session in Preparing. ErrAlreadyActive when the owner
// already has a Preparing or Live session.
func (r *Repository) Create(ctx context.Context, s *Session) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO sessions (id, owner_id, stream_key, status, title, description,
	category, ingest_url, playback_url, thumbnail_url, auto_archive,
	created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.OwnerID, s.StreamKey, string(s.Status), s.Title,
		s.Description, s.Category, s.IngestURL, s.PlaybackURL,
		s.ThumbnailURL, boolToInt(s.AutoArchive), s.CreatedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "idx_sessions_owner_active") ||
			strings.Contains(err.Error(), "UNIQUE constraint failed: sessions.owner_id") {
			return ErrAlreadyActive
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetByID fetches one session. ErrNotFound when absent.
func (r *Repository) GetByID(ctx context.Context, id string) (*Session, error) {
	return r.getWhere(ctx, "id = ?", id)
}

// GetByKey fetches the session owning a stream key. ErrNotFound when absent.
func (r *Repository) GetByKey(ctx context.Context, streamKey string) (*Session, error) {
	return r.getWhere(ctx, "stream_key = ?", streamKey)
}

const sessionColumns = `id, owner_id, stream_key, status, title,
	COALESCE(description, ''), COALESCE(category, ''), ingest_url,
	COALESCE(playback_url, ''), COALESCE(thumbnail_url, ''),
	current_viewers, peak_viewers, total_unique_viewers, total_messages,
	auto_archive, created_at, started_at, ended_at`

func (r *Repository) getWhere(ctx context.Context, where string, args ...interface{}) (*Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE `+where, args...)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var status string
	var autoArchive int
	var createdAt int64
	var startedAt, endedAt sql.NullInt64
	err := row.Scan(&s.ID, &s.OwnerID, &s.StreamKey, &status, &s.Title,
		&s.Description, &s.Category, &s.IngestURL, &s.PlaybackURL,
		&s.ThumbnailURL, &s.CurrentViewers, &s.PeakViewers,
		&s.TotalUniqueViewers, &s.TotalMessages, &autoArchive,
		&createdAt, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	s.Status = Status(status)
	s.AutoArchive = autoArchive != 0
	s.CreatedAt = time.UnixMilli(createdAt).UTC()
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64).UTC()
		s.StartedAt = &t
	}
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64).UTC()
		s.EndedAt = &t
	}
	return &s, nil
}

// Start moves Preparing → Live, stamping started_at and the playback URL.
// The transition is guarded in SQL; a session not in Preparing returns
// ErrNotFound.
func (r *Repository) Start(ctx context.Context, id, playbackURL string, startedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE sessions SET status = ?, playback_url = ?, started_at = ?
WHERE id = ? AND status = ?`,
		string(StatusLive), playbackURL, startedAt.UnixMilli(), id,
		string(StatusPreparing))
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return requireOneRow(res)
}

// End moves Live → Ended, stamping ended_at, snapshotting the final counters
// and flagging the ended event as not yet emitted.
func (r *Repository) End(ctx context.Context, id string, endedAt time.Time,
	finalViewers, peak, unique, messages int64) error {

	res, err := r.db.ExecContext(ctx, `
UPDATE sessions SET status = ?, ended_at = ?, current_viewers = ?,
	peak_viewers = MAX(peak_viewers, ?), total_unique_viewers = ?,
	total_messages = ?, ended_event_emitted = 0
WHERE id = ? AND status = ?`,
		string(StatusEnded), endedAt.UnixMilli(), finalViewers, peak,
		unique, messages, id, string(StatusLive))
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return requireOneRow(res)
}

// RotateKey replaces the stream key of a not-yet-ended session.
func (r *Repository) RotateKey(ctx context.Context, id, newKey string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE sessions SET stream_key = ? WHERE id = ? AND status != ?`,
		newKey, id, string(StatusEnded))
	if err != nil {
		return fmt.Errorf("rotate stream key: %w", err)
	}
	return requireOneRow(res)
}

// PersistCounters writes the cache counters through to the session row so
// listings and snapshots survive a cache outage.
func (r *Repository) PersistCounters(ctx context.Context, id string,
	current, peak, unique, messages int64) error {

	_, err := r.db.ExecContext(ctx, `
UPDATE sessions SET current_viewers = ?, peak_viewers = MAX(peak_viewers, ?),
	total_unique_viewers = ?, total_messages = ?
WHERE id = ?`, current, peak, unique, messages, id)
	if err != nil {
		return fmt.Errorf("persist counters: %w", err)
	}
	return nil
}

// ListLive pages sessions in Live, ordered by current_viewers desc then
// started_at desc. Limit is clamped to [1, 100].
func (r *Repository) ListLive(ctx context.Context, category string, page, limit int) ([]*Session, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 1
	} else if limit > 100 {
		limit = 100
	}
	offset := (page - 1) * limit

	where := "status = ?"
	args := []interface{}{string(StatusLive)}
	if category != "" {
		where += " AND category = ?"
		args = append(args, category)
	}
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, `
SELECT `+sessionColumns+` FROM sessions WHERE `+where+`
ORDER BY current_viewers DESC, started_at DESC
LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list live: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list live: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountLive counts sessions in Live, optionally per category.
func (r *Repository) CountLive(ctx context.Context, category string) (int64, error) {
	q := "SELECT COUNT(*) FROM sessions WHERE status = ?"
	args := []interface{}{string(StatusLive)}
	if category != "" {
		q += " AND category = ?"
		args = append(args, category)
	}
	var n int64
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count live: %w", err)
	}
	return n, nil
}

// UnemittedEnded returns ended sessions whose ended event was never
// confirmed, for the reconcile sweep.
func (r *Repository) UnemittedEnded(ctx context.Context, limit int) ([]*Session, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+sessionColumns+` FROM sessions
WHERE status = ? AND ended_event_emitted = 0
ORDER BY ended_at ASC LIMIT ?`, string(StatusEnded), limit)
	if err != nil {
		return nil, fmt.Errorf("unemitted ended: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("unemitted ended: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkEndedEmitted confirms the ended event reached the bus.
func (r *Repository) MarkEndedEmitted(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE sessions SET ended_event_emitted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark ended emitted: %w", err)
	}
	return nil
}

// LiveIDs returns the ids of all Live sessions, for the reconcile sweep.
func (r *Repository) LiveIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id FROM sessions WHERE status = ?", string(StatusLive))
	if err != nil {
		return nil, fmt.Errorf("live ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
