// Package stream coordinates live stream sessions: lifecycle, viewer
// admission, bounded chat history and offline replay cursors.
package stream

import (
	"errors"
	"fmt"
	"time"
)

// Status of a session. Allowed transitions: Preparing → Live → Ended.
type Status string

const (
	StatusPreparing Status = "preparing"
	StatusLive      Status = "live"
	StatusEnded     Status = "ended"
)

var (
	// ErrAlreadyActive rejects a create while the owner has a session in
	// Preparing or Live.
	ErrAlreadyActive = errors.New("owner already has an active stream")
	// ErrNotFound means no session matches the id or stream key.
	ErrNotFound = errors.New("stream not found")
	// ErrNotLive rejects viewer or chat operations on a non-live session.
	ErrNotLive = errors.New("stream is not live")
)

// ValidationError rejects malformed input before any store round trip.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Session is one live-stream lifecycle record.
//
// Invariants: at most one session per owner in Preparing∪Live;
// PeakViewers >= CurrentViewers; StartedAt set iff the session has ever been
// Live; EndedAt set iff Ended.
type Session struct {
	ID           string
	OwnerID      string
	StreamKey    string
	Status       Status
	Title        string
	Description  string
	Category     string
	IngestURL    string
	PlaybackURL  string
	ThumbnailURL string

	CurrentViewers     int64
	PeakViewers        int64
	TotalUniqueViewers int64
	TotalMessages      int64
	AutoArchive        bool

	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
}

// ChatEntry is one message in a session's bounded chat log, ordered by the
// cache-assigned id.
type ChatEntry struct {
	// ID is the broker-assigned entry id (timestamp-sequence); it orders the
	// log and serves as the replay cursor.
	ID       string
	UserID   string
	Text     string
	PostedAt time.Time
}

// SyncState is a client's replay cursor into one session's chat log.
type SyncState struct {
	UserID        string    `json:"user_id"`
	ClientID      string    `json:"client_id"`
	StreamID      string    `json:"stream_id"`
	LastMessageID string    `json:"last_message_id"`
	LastSyncAt    time.Time `json:"last_sync_at"`
}

// Snapshot is a single-shot viewer counter read.
type Snapshot struct {
	Current int64
	Peak    int64
}

// EndedEvent is emitted when a session ends.
type EndedEvent struct {
	EventType       string `json:"event_type"`
	SessionID       string `json:"session_id"`
	OwnerID         string `json:"owner_id"`
	DurationSeconds int64  `json:"duration_seconds"`
	ViewerCount     int64  `json:"viewer_count"`
	Timestamp       string `json:"timestamp"`
}

// StartedEvent is emitted when a session goes live.
type StartedEvent struct {
	EventType string `json:"event_type"`
	SessionID string `json:"session_id"`
	OwnerID   string `json:"owner_id"`
	Title     string `json:"title"`
	Timestamp string `json:"timestamp"`
}
