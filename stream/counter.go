package stream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache key layout, one quad per session:
//
//	stream:viewers:{id}:current  live viewer gauge
//	stream:viewers:{id}:peak     high-water mark
//	stream:viewers:{id}:members  set of user ids currently watching
//	stream:viewers:{id}:users    set of user ids ever joined
const (
	viewerKeyPrefix = "stream:viewers:"
	viewerKeyTTL    = 24 * time.Hour
)

// CacheError wraps a counter-cache round trip failure. Callers degrade to
// the last persisted numbers instead of failing the read path.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("viewer cache %s: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// joinScript admits a viewer: the gauge only moves when the user enters the
// present-members set, so a reconnect without an intervening leave is
// counted once, while a rejoin after a leave counts again. The ever-joined
// set feeds total unique viewers. Peak ratchets up with the gauge and never
// moves down.
var joinScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[3], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[1])
local current
if added == 1 then
	current = redis.call('INCR', KEYS[1])
else
	current = tonumber(redis.call('GET', KEYS[1]) or '0')
end
local peak = tonumber(redis.call('GET', KEYS[2]) or '0')
if current > peak then
	peak = current
	redis.call('SET', KEYS[2], peak)
end
for i = 1, 4 do
	redis.call('EXPIRE', KEYS[i], ARGV[2])
end
return {current, peak}
`)

// leaveScript removes the user from the present-members set and decrements
// the gauge only when they were actually present, floored at zero. The
// ever-joined set is untouched so total unique viewers survives leaves.
var leaveScript = redis.NewScript(`
local removed = redis.call('SREM', KEYS[2], ARGV[1])
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if removed == 1 and current > 0 then
	current = redis.call('DECR', KEYS[1])
end
return current
`)

// ViewerCounter keeps per-session viewer gauges in the cache. All methods
// are safe for concurrent use; atomicity lives in the scripts.
type ViewerCounter struct {
	client redis.UniversalClient
}

func NewViewerCounter(client redis.UniversalClient) *ViewerCounter {
	return &ViewerCounter{client: client}
}

func viewerKeys(streamID string) (current, peak, members, users string) {
	base := viewerKeyPrefix + streamID
	return base + ":current", base + ":peak", base + ":members",
		base + ":users"
}

// Join counts userID in. Joining again while already present does not move
// the gauge; joining again after a Leave does. Returns the post-join
// snapshot.
func (c *ViewerCounter) Join(ctx context.Context, streamID, userID string) (Snapshot, error) {
	cur, peak, members, users := viewerKeys(streamID)
	res, err := joinScript.Run(ctx, c.client,
		[]string{cur, peak, members, users},
		userID, int(viewerKeyTTL.Seconds())).Int64Slice()
	if err != nil {
		return Snapshot{}, &CacheError{Op: "join", Err: err}
	}
	return Snapshot{Current: res[0], Peak: res[1]}, nil
}

// Leave counts userID out. The gauge moves only when the user was actually
// present, and never below zero; a Leave for a user who never joined is a
// no-op.
func (c *ViewerCounter) Leave(ctx context.Context, streamID, userID string) (int64, error) {
	cur, _, members, _ := viewerKeys(streamID)
	n, err := leaveScript.Run(ctx, c.client, []string{cur, members},
		userID).Int64()
	if err != nil {
		return 0, &CacheError{Op: "leave", Err: err}
	}
	return n, nil
}

// Snapshot reads the current and peak gauges. Missing keys read as zero.
func (c *ViewerCounter) Snapshot(ctx context.Context, streamID string) (Snapshot, error) {
	cur, peak, _, _ := viewerKeys(streamID)
	vals, err := c.client.MGet(ctx, cur, peak).Result()
	if err != nil {
		return Snapshot{}, &CacheError{Op: "snapshot", Err: err}
	}
	return Snapshot{
		Current: parseCounter(vals[0]),
		Peak:    parseCounter(vals[1]),
	}, nil
}

// BatchSnapshot reads gauges for many sessions in one pipeline round trip.
func (c *ViewerCounter) BatchSnapshot(ctx context.Context, streamIDs []string) (map[string]Snapshot, error) {
	if len(streamIDs) == 0 {
		return map[string]Snapshot{}, nil
	}
	keys := make([]string, 0, len(streamIDs)*2)
	for _, id := range streamIDs {
		cur, peak, _, _ := viewerKeys(id)
		keys = append(keys, cur, peak)
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, &CacheError{Op: "batch snapshot", Err: err}
	}
	out := make(map[string]Snapshot, len(streamIDs))
	for i, id := range streamIDs {
		out[id] = Snapshot{
			Current: parseCounter(vals[i*2]),
			Peak:    parseCounter(vals[i*2+1]),
		}
	}
	return out, nil
}

// UniqueViewers reports how many distinct users ever joined, leaves
// included.
func (c *ViewerCounter) UniqueViewers(ctx context.Context, streamID string) (int64, error) {
	_, _, _, users := viewerKeys(streamID)
	n, err := c.client.SCard(ctx, users).Result()
	if err != nil {
		return 0, &CacheError{Op: "unique viewers", Err: err}
	}
	return n, nil
}

// Cleanup drops the session's counter keys once the stream has ended.
func (c *ViewerCounter) Cleanup(ctx context.Context, streamID string) error {
	cur, peak, members, users := viewerKeys(streamID)
	if err := c.client.Del(ctx, cur, peak, members, users).Err(); err != nil {
		return &CacheError{Op: "cleanup", Err: err}
	}
	return nil
}

func parseCounter(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
