// Package dedup is an exactly-once barrier over an at-least-once message
// bus. Each event id is marked in the shared cache with a conditional set;
// whoever marks it first owns the side effect, everyone else skips it.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	nova "github.com/proerror77/Nova-sub005"
)

// keyPrefix is reserved for dedup entries in the shared cache.
const keyPrefix = "events:dedup:"

const maxEventIDLen = 255

// CacheError wraps a cache failure. Callers must treat the event as not yet
// deduped: duplicate side effects are recoverable, lost ones are not.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("dedup cache %s: %s", e.Op, e.Err)
}
func (e *CacheError) Unwrap() error { return e.Err }

// ValidationError rejects a malformed event id before any cache round trip.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid event id: " + e.Reason }

// Opts is settings for NewBarrier.
type Opts struct {
	Namespace string
	Name      string
	Log       nova.Logger

	// TTL bounds memory and the retention window. It must cover the maximum
	// consumer lag plus the retry window or duplicates can slip through.
	TTL time.Duration
	// Timeout bounds every cache round trip.
	Timeout time.Duration

	// MetricCheck observes 1 per CheckAndMark with label
	// {"outcome": new|duplicate|err}.
	MetricCheck nova.Metric
}

// NewOpts creates Opts with default values: TTL 1 hour, Timeout 2 seconds.
func NewOpts(namespace, name string) *Opts {
	return &Opts{
		Namespace: namespace,
		Name:      name,
		Log: nova.Log.New("namespace", namespace, "component", "dedup",
			"name", name),
		TTL:         time.Hour,
		Timeout:     2 * time.Second,
		MetricCheck: nova.NoopMetric(),
	}
}

// Barrier marks processed event ids in redis.
type Barrier struct {
	namespace string
	name      string
	log       nova.LoggerFactory
	ttl       time.Duration
	timeout   time.Duration
	mxCheck   nova.Metric
	client    redis.UniversalClient
}

// NewBarrier creates a Barrier on the given redis client.
func NewBarrier(opts *Opts, client redis.UniversalClient) *Barrier {
	return &Barrier{
		namespace: opts.Namespace,
		name:      opts.Name,
		log:       nova.LoggerFactory{Logger: opts.Log},
		ttl:       opts.TTL,
		timeout:   opts.Timeout,
		mxCheck:   opts.MetricCheck,
		client:    client,
	}
}

func validateEventID(id string) error {
	if id == "" {
		return &ValidationError{Reason: "empty"}
	}
	if len(id) > maxEventIDLen {
		return &ValidationError{
			Reason: fmt.Sprintf("longer than %d bytes", maxEventIDLen),
		}
	}
	return nil
}

func (b *Barrier) key(eventID string) string { return keyPrefix + eventID }

// CheckAndMark atomically marks eventID if and only if it is not already
// marked, in a single cache round trip. It returns true iff this call did
// the marking, i.e. the caller owns the side effect.
func (b *Barrier) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	if err := validateEventID(eventID); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	isNew, err := b.client.SetNX(ctx, b.key(eventID), "1", b.ttl).Result()
	if err != nil {
		b.log.For(ctx).Error("[Dedup] CheckAndMark() err", "eventID", eventID,
			"err", err)
		b.mxCheck.Observe(1, map[string]string{"outcome": "err"})
		return false, &CacheError{Op: "setnx", Err: err}
	}
	if isNew {
		b.mxCheck.Observe(1, map[string]string{"outcome": "new"})
	} else {
		b.log.For(ctx).Debug("[Dedup] duplicate", "eventID", eventID)
		b.mxCheck.Observe(1, map[string]string{"outcome": "duplicate"})
	}
	return isNew, nil
}

// IsDuplicate is a non-mutating existence check. Advisory only: racing
// callers must use CheckAndMark.
func (b *Barrier) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	if err := validateEventID(eventID); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	n, err := b.client.Exists(ctx, b.key(eventID)).Result()
	if err != nil {
		return false, &CacheError{Op: "exists", Err: err}
	}
	return n > 0, nil
}

// TTL returns the remaining retention of eventID, or ok=false when the entry
// is absent or has no expiry.
func (b *Barrier) TTL(ctx context.Context, eventID string) (time.Duration, bool, error) {
	if err := validateEventID(eventID); err != nil {
		return 0, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	d, err := b.client.TTL(ctx, b.key(eventID)).Result()
	if err != nil {
		return 0, false, &CacheError{Op: "ttl", Err: err}
	}
	// -2 absent, -1 no expiry
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

// Remove unmarks eventID. Debugging and ops only.
func (b *Barrier) Remove(ctx context.Context, eventID string) error {
	if err := validateEventID(eventID); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := b.client.Del(ctx, b.key(eventID)).Err(); err != nil {
		return &CacheError{Op: "del", Err: err}
	}
	return nil
}

// Purge deletes every entry under the dedup prefix. Ops only; it reopens the
// duplicate window for everything still in flight.
func (b *Barrier) Purge(ctx context.Context) (int64, error) {
	var deleted int64
	var cursor uint64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return deleted, &CacheError{Op: "scan", Err: err}
		}
		if len(keys) > 0 {
			n, err := b.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, &CacheError{Op: "del", Err: err}
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	b.log.For(ctx).Warn("[Dedup] purged", "deleted", deleted)
	return deleted, nil
}
