package stream

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	chatKeyPrefix = "stream:chat:"
	chatKeyTTL    = 24 * time.Hour

	// DefaultChatHistory bounds the per-session chat log. The trim is
	// approximate (MAXLEN ~) so appends stay O(1).
	DefaultChatHistory = 1000
)

// ChatStore keeps a bounded, ordered chat log per session in a cache
// stream. Entry ids double as replay cursors.
type ChatStore struct {
	client  redis.UniversalClient
	history int64
}

func NewChatStore(client redis.UniversalClient, history int64) *ChatStore {
	if history <= 0 {
		history = DefaultChatHistory
	}
	return &ChatStore{client: client, history: history}
}

func chatKey(streamID string) string { return chatKeyPrefix + streamID }

// Append adds one message and returns its assigned id.
func (s *ChatStore) Append(ctx context.Context, streamID, userID, text string, at time.Time) (string, error) {
	key := chatKey(streamID)
	pipe := s.client.Pipeline()
	add := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: s.history,
		Approx: true,
		Values: map[string]interface{}{
			"user_id":   userID,
			"text":      text,
			"posted_at": at.UnixMilli(),
		},
	})
	pipe.Expire(ctx, key, chatKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", &CacheError{Op: "chat append", Err: err}
	}
	return add.Val(), nil
}

// Recent returns the newest count messages, oldest first.
func (s *ChatStore) Recent(ctx context.Context, streamID string, count int64) ([]ChatEntry, error) {
	msgs, err := s.client.XRevRangeN(ctx, chatKey(streamID), "+", "-", count).Result()
	if err != nil {
		return nil, &CacheError{Op: "chat recent", Err: err}
	}
	out := make([]ChatEntry, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, toChatEntry(msgs[i]))
	}
	return out, nil
}

// Since returns messages strictly after cursor, oldest first. An empty
// cursor replays from the beginning of the retained log.
func (s *ChatStore) Since(ctx context.Context, streamID, cursor string) ([]ChatEntry, error) {
	start := "-"
	if cursor != "" {
		// '(' makes the range exclusive of the cursor itself.
		start = "(" + cursor
	}
	msgs, err := s.client.XRange(ctx, chatKey(streamID), start, "+").Result()
	if err != nil {
		return nil, &CacheError{Op: "chat since", Err: err}
	}
	out := make([]ChatEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toChatEntry(m))
	}
	return out, nil
}

// Len reports the retained log length.
func (s *ChatStore) Len(ctx context.Context, streamID string) (int64, error) {
	n, err := s.client.XLen(ctx, chatKey(streamID)).Result()
	if err != nil {
		return 0, &CacheError{Op: "chat len", Err: err}
	}
	return n, nil
}

// Clear drops the whole log once the stream has ended.
func (s *ChatStore) Clear(ctx context.Context, streamID string) error {
	if err := s.client.Del(ctx, chatKey(streamID)).Err(); err != nil {
		return &CacheError{Op: "chat clear", Err: err}
	}
	return nil
}

func toChatEntry(m redis.XMessage) ChatEntry {
	e := ChatEntry{ID: m.ID}
	if v, ok := m.Values["user_id"].(string); ok {
		e.UserID = v
	}
	if v, ok := m.Values["text"].(string); ok {
		e.Text = v
	}
	if v, ok := m.Values["posted_at"].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			e.PostedAt = time.UnixMilli(ms).UTC()
		}
	}
	return e
}
