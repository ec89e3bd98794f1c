package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	syncKeyPrefix = "client:sync:"
	// syncTTL keeps a cursor for 30 days of inactivity, then the client
	// falls back to a fresh Recent fetch.
	syncTTL = 30 * 24 * time.Hour
)

// SyncStore keeps per-client replay cursors so each device resumes a
// session's chat from where it left off, independently of the user's other
// devices.
type SyncStore struct {
	client redis.UniversalClient
}

func NewSyncStore(client redis.UniversalClient) *SyncStore {
	return &SyncStore{client: client}
}

func syncKey(userID, clientID, streamID string) string {
	return fmt.Sprintf("%s%s:%s:%s", syncKeyPrefix, userID, clientID, streamID)
}

// Get loads the cursor. ok=false when the client has never synced this
// session or the cursor expired.
func (s *SyncStore) Get(ctx context.Context, userID, clientID, streamID string) (SyncState, bool, error) {
	raw, err := s.client.Get(ctx, syncKey(userID, clientID, streamID)).Result()
	if err == redis.Nil {
		return SyncState{}, false, nil
	}
	if err != nil {
		return SyncState{}, false, &CacheError{Op: "sync get", Err: err}
	}
	var st SyncState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return SyncState{}, false, &CacheError{Op: "sync decode", Err: err}
	}
	return st, true, nil
}

// Update advances the cursor and refreshes its TTL.
func (s *SyncStore) Update(ctx context.Context, st SyncState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}
	key := syncKey(st.UserID, st.ClientID, st.StreamID)
	if err := s.client.Set(ctx, key, raw, syncTTL).Err(); err != nil {
		return &CacheError{Op: "sync set", Err: err}
	}
	return nil
}

// Clear drops one client's cursor for a session.
func (s *SyncStore) Clear(ctx context.Context, userID, clientID, streamID string) error {
	if err := s.client.Del(ctx, syncKey(userID, clientID, streamID)).Err(); err != nil {
		return &CacheError{Op: "sync clear", Err: err}
	}
	return nil
}
