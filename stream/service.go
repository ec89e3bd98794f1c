package stream

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/xid"

	nova "github.com/proerror77/Nova-sub005"
)

const (
	maxTitleLen = 200
	maxChatLen  = 500

	// snapshotCacheSize bounds the last-known snapshot fallback.
	snapshotCacheSize = 4096
)

// Opts is settings for NewCoordinator.
type Opts struct {
	Namespace string
	Name      string
	Log       nova.Logger
	Clock     clock.Clock

	// IngestURLBase and PlaybackURLBase are the media edge endpoints the
	// coordinator stamps into sessions. The stream key is appended to the
	// ingest base; the session id to the playback base.
	IngestURLBase   string
	PlaybackURLBase string

	// MetricLifecycle observes 1 per lifecycle call with labels
	// {"op": create|start|end|rotate, "result": ok|err}.
	MetricLifecycle nova.Metric
	// MetricPublish observes 1 per event publish with label
	// {"result": ok|err}.
	MetricPublish nova.Metric
}

// NewOpts creates Opts with default values.
func NewOpts(namespace, name string) *Opts {
	return &Opts{
		Namespace: namespace,
		Name:      name,
		Log: nova.Log.New("namespace", namespace, "component", "stream",
			"name", name),
		Clock:           clock.New(),
		IngestURLBase:   "rtmp://ingest.nova.internal/live/",
		PlaybackURLBase: "https://cdn.nova.internal/hls/",
		MetricLifecycle: nova.NoopMetric(),
		MetricPublish:   nova.NoopMetric(),
	}
}

// CreateParams describes a new session.
type CreateParams struct {
	OwnerID     string
	Title       string
	Description string
	Category    string
	AutoArchive bool
}

// Coordinator drives the session lifecycle and fans viewer, chat and replay
// traffic out to the cache, keeping the repository authoritative.
type Coordinator struct {
	log       nova.LoggerFactory
	clock     clock.Clock
	repo      *Repository
	counters  *ViewerCounter
	chat      *ChatStore
	sync      *SyncStore
	publisher EventPublisher

	ingestBase   string
	playbackBase string

	// lastKnown serves snapshot reads while the cache is down.
	lastKnown *lru.Cache[string, Snapshot]

	mxLifecycle nova.Metric
	mxPublish   nova.Metric
}

// NewCoordinator wires the coordinator. publisher may be nil, which disables
// lifecycle events (tests, single-process deployments).
func NewCoordinator(opts *Opts, repo *Repository, counters *ViewerCounter,
	chat *ChatStore, syncStore *SyncStore, publisher EventPublisher) *Coordinator {

	lastKnown, _ := lru.New[string, Snapshot](snapshotCacheSize)
	return &Coordinator{
		log:          nova.LoggerFactory{Logger: opts.Log},
		clock:        opts.Clock,
		repo:         repo,
		counters:     counters,
		chat:         chat,
		sync:         syncStore,
		publisher:    publisher,
		ingestBase:   opts.IngestURLBase,
		playbackBase: opts.PlaybackURLBase,
		lastKnown:    lastKnown,
		mxLifecycle:  opts.MetricLifecycle,
		mxPublish:    opts.MetricPublish,
	}
}

func (c *Coordinator) observeLifecycle(op string, err error) {
	result := "ok"
	if err != nil {
		result = "err"
	}
	c.mxLifecycle.Observe(1, map[string]string{"op": op, "result": result})
}

// CreateSession registers a session in Preparing and mints its stream key.
// One Preparing/Live session per owner: a second create returns
// ErrAlreadyActive.
func (c *Coordinator) CreateSession(ctx context.Context, p CreateParams) (s *Session, err error) {
	defer func() { c.observeLifecycle("create", err) }()

	if p.OwnerID == "" {
		return nil, &ValidationError{Field: "owner_id", Reason: "empty"}
	}
	if strings.TrimSpace(p.Title) == "" {
		return nil, &ValidationError{Field: "title", Reason: "empty"}
	}
	if len(p.Title) > maxTitleLen {
		return nil, &ValidationError{Field: "title", Reason: "too long"}
	}

	key := xid.New().String()
	s = &Session{
		ID:          xid.New().String(),
		OwnerID:     p.OwnerID,
		StreamKey:   key,
		Status:      StatusPreparing,
		Title:       p.Title,
		Description: p.Description,
		Category:    p.Category,
		IngestURL:   c.ingestBase + key,
		AutoArchive: p.AutoArchive,
		CreatedAt:   c.clock.Now().UTC(),
	}
	if err = c.repo.Create(ctx, s); err != nil {
		return nil, err
	}
	c.log.For(ctx).Info("[Stream] created", "streamID", s.ID,
		"ownerID", s.OwnerID)
	return s, nil
}

// StartByKey is called by the ingest edge when bytes arrive on a stream
// key. It moves the session Preparing → Live and announces it. ErrNotFound
// when no startable session owns the key.
func (c *Coordinator) StartByKey(ctx context.Context, streamKey string) (s *Session, err error) {
	defer func() { c.observeLifecycle("start", err) }()

	s, err = c.repo.GetByKey(ctx, streamKey)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now().UTC()
	playback := c.playbackBase + s.ID + "/index.m3u8"
	if err = c.repo.Start(ctx, s.ID, playback, now); err != nil {
		return nil, err
	}
	s.Status = StatusLive
	s.PlaybackURL = playback
	s.StartedAt = &now

	c.publishEvent(ctx, s.ID, StartedEvent{
		EventType: "stream.started",
		SessionID: s.ID,
		OwnerID:   s.OwnerID,
		Title:     s.Title,
		Timestamp: now.Format(time.RFC3339),
	}, "")
	c.log.For(ctx).Info("[Stream] live", "streamID", s.ID)
	return s, nil
}

// EndByKey is called when the ingest connection drops or the owner stops
// the stream. Final counters are snapshotted into the repository before the
// cache keys are dropped; the ended event is best-effort and reconciled
// later if the bus is down.
func (c *Coordinator) EndByKey(ctx context.Context, streamKey string) (s *Session, err error) {
	defer func() { c.observeLifecycle("end", err) }()

	s, err = c.repo.GetByKey(ctx, streamKey)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusLive {
		return nil, ErrNotLive
	}

	final := c.finalCounters(ctx, s)
	now := c.clock.Now().UTC()
	if err = c.repo.End(ctx, s.ID, now, final.Current, final.Peak,
		final.unique, final.messages); err != nil {
		return nil, err
	}
	s.Status = StatusEnded
	s.EndedAt = &now
	s.CurrentViewers = final.Current
	if final.Peak > s.PeakViewers {
		s.PeakViewers = final.Peak
	}
	s.TotalUniqueViewers = final.unique
	s.TotalMessages = final.messages

	var duration int64
	if s.StartedAt != nil {
		duration = int64(now.Sub(*s.StartedAt).Seconds())
	}
	c.publishEvent(ctx, s.ID, EndedEvent{
		EventType:       "stream.ended",
		SessionID:       s.ID,
		OwnerID:         s.OwnerID,
		DurationSeconds: duration,
		ViewerCount:     s.PeakViewers,
		Timestamp:       now.Format(time.RFC3339),
	}, s.ID)

	// Cache cleanup is best-effort; keys also carry a TTL.
	if err := c.counters.Cleanup(ctx, s.ID); err != nil {
		c.log.For(ctx).Warn("[Stream] counter cleanup failed",
			"streamID", s.ID, "err", err)
	}
	if err := c.chat.Clear(ctx, s.ID); err != nil {
		c.log.For(ctx).Warn("[Stream] chat cleanup failed",
			"streamID", s.ID, "err", err)
	}
	c.lastKnown.Remove(s.ID)
	c.log.For(ctx).Info("[Stream] ended", "streamID", s.ID,
		"durationSecs", duration, "peakViewers", s.PeakViewers)
	return s, nil
}

type finalCounterSet struct {
	Snapshot
	unique   int64
	messages int64
}

// finalCounters reads the authoritative-for-now cache numbers, falling back
// to the persisted columns when the cache errors.
func (c *Coordinator) finalCounters(ctx context.Context, s *Session) finalCounterSet {
	out := finalCounterSet{
		Snapshot: Snapshot{Current: s.CurrentViewers, Peak: s.PeakViewers},
		unique:   s.TotalUniqueViewers,
		messages: s.TotalMessages,
	}
	if snap, err := c.counters.Snapshot(ctx, s.ID); err == nil {
		out.Snapshot = snap
	} else {
		c.log.For(ctx).Warn("[Stream] final snapshot from persisted columns",
			"streamID", s.ID, "err", err)
	}
	if n, err := c.counters.UniqueViewers(ctx, s.ID); err == nil {
		out.unique = n
	}
	if n, err := c.chat.Len(ctx, s.ID); err == nil {
		out.messages = n
	}
	return out
}

// publishEvent marshals and sends one lifecycle event. markEmitted, when
// non-empty, is the session id whose ended_event_emitted flag confirms the
// send. Failures are logged; the reconcile sweep retries ended events.
func (c *Coordinator) publishEvent(ctx context.Context, key string, ev interface{}, markEmitted string) {
	if c.publisher == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		c.log.For(ctx).Error("[Stream] event encode failed", "err", err)
		return
	}
	if err := c.publisher.Publish(ctx, key, payload); err != nil {
		c.mxPublish.Observe(1, nova.LabelErr)
		c.log.For(ctx).Warn("[Stream] event publish failed", "streamID", key,
			"err", err)
		return
	}
	c.mxPublish.Observe(1, nova.LabelOk)
	if markEmitted != "" {
		if err := c.repo.MarkEndedEmitted(ctx, markEmitted); err != nil {
			c.log.For(ctx).Warn("[Stream] mark emitted failed",
				"streamID", markEmitted, "err", err)
		}
	}
}

// RotateStreamKey revokes the current stream key and mints a new one. The
// old key stops resolving immediately. ErrNotFound for unknown or ended
// sessions.
func (c *Coordinator) RotateStreamKey(ctx context.Context, streamID string) (key string, err error) {
	defer func() { c.observeLifecycle("rotate", err) }()

	key = xid.New().String()
	if err = c.repo.RotateKey(ctx, streamID, key); err != nil {
		return "", err
	}
	c.log.For(ctx).Info("[Stream] key rotated", "streamID", streamID)
	return key, nil
}

// GetSession fetches one session by id.
func (c *Coordinator) GetSession(ctx context.Context, streamID string) (*Session, error) {
	return c.repo.GetByID(ctx, streamID)
}

// Join admits a viewer to a live session. Rejoining from the same user does
// not move the gauge.
func (c *Coordinator) Join(ctx context.Context, streamID, userID string) (Snapshot, error) {
	if userID == "" {
		return Snapshot{}, &ValidationError{Field: "user_id", Reason: "empty"}
	}
	s, err := c.repo.GetByID(ctx, streamID)
	if err != nil {
		return Snapshot{}, err
	}
	if s.Status != StatusLive {
		return Snapshot{}, ErrNotLive
	}
	snap, err := c.counters.Join(ctx, streamID, userID)
	if err != nil {
		return Snapshot{}, err
	}
	c.lastKnown.Add(streamID, snap)
	return snap, nil
}

// Leave counts a viewer out. The gauge moves only when the user was
// actually watching, so a Leave for a user who never joined changes
// nothing. Tolerant of unknown sessions: a late Leave after the stream
// ended is a no-op at the cache layer.
func (c *Coordinator) Leave(ctx context.Context, streamID, userID string) (int64, error) {
	if userID == "" {
		return 0, &ValidationError{Field: "user_id", Reason: "empty"}
	}
	n, err := c.counters.Leave(ctx, streamID, userID)
	if err != nil {
		return 0, err
	}
	if snap, ok := c.lastKnown.Get(streamID); ok {
		snap.Current = n
		c.lastKnown.Add(streamID, snap)
	}
	return n, nil
}

// Snapshot reads the viewer gauges. When the cache errors it degrades to
// the last snapshot this process saw, then to the persisted columns.
func (c *Coordinator) Snapshot(ctx context.Context, streamID string) (Snapshot, error) {
	snap, err := c.counters.Snapshot(ctx, streamID)
	if err == nil {
		c.lastKnown.Add(streamID, snap)
		return snap, nil
	}
	c.log.For(ctx).Warn("[Stream] snapshot degraded", "streamID", streamID,
		"err", err)
	if snap, ok := c.lastKnown.Get(streamID); ok {
		return snap, nil
	}
	s, repoErr := c.repo.GetByID(ctx, streamID)
	if repoErr != nil {
		return Snapshot{}, err
	}
	return Snapshot{Current: s.CurrentViewers, Peak: s.PeakViewers}, nil
}

// BatchSnapshot reads gauges for many sessions at once.
func (c *Coordinator) BatchSnapshot(ctx context.Context, streamIDs []string) (map[string]Snapshot, error) {
	snaps, err := c.counters.BatchSnapshot(ctx, streamIDs)
	if err != nil {
		return nil, err
	}
	for id, snap := range snaps {
		c.lastKnown.Add(id, snap)
	}
	return snaps, nil
}

// PostChat appends one message to a live session's chat log and returns the
// entry id.
func (c *Coordinator) PostChat(ctx context.Context, streamID, userID, text string) (string, error) {
	if userID == "" {
		return "", &ValidationError{Field: "user_id", Reason: "empty"}
	}
	if strings.TrimSpace(text) == "" {
		return "", &ValidationError{Field: "text", Reason: "empty"}
	}
	if len(text) > maxChatLen {
		return "", &ValidationError{Field: "text", Reason: "too long"}
	}
	s, err := c.repo.GetByID(ctx, streamID)
	if err != nil {
		return "", err
	}
	if s.Status != StatusLive {
		return "", ErrNotLive
	}
	return c.chat.Append(ctx, streamID, userID, text, c.clock.Now().UTC())
}

// RecentChat returns the newest count messages, oldest first.
func (c *Coordinator) RecentChat(ctx context.Context, streamID string, count int64) ([]ChatEntry, error) {
	if count <= 0 {
		count = 50
	}
	return c.chat.Recent(ctx, streamID, count)
}

// Resume delivers the chat entries a client has not seen yet and advances
// its cursor. Each client id keeps its own cursor, so a user's devices
// replay independently.
func (c *Coordinator) Resume(ctx context.Context, userID, clientID, streamID string) ([]ChatEntry, error) {
	if clientID == "" {
		return nil, &ValidationError{Field: "client_id", Reason: "empty"}
	}
	st, _, err := c.sync.Get(ctx, userID, clientID, streamID)
	if err != nil {
		return nil, err
	}
	entries, err := c.chat.Since(ctx, streamID, st.LastMessageID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return entries, nil
	}
	err = c.sync.Update(ctx, SyncState{
		UserID:        userID,
		ClientID:      clientID,
		StreamID:      streamID,
		LastMessageID: entries[len(entries)-1].ID,
		LastSyncAt:    c.clock.Now().UTC(),
	})
	if err != nil {
		// Delivered but not acknowledged: the client sees these again next
		// time, which replay tolerates.
		c.log.For(ctx).Warn("[Stream] cursor update failed", "userID", userID,
			"clientID", clientID, "err", err)
	}
	return entries, nil
}

// ListLive pages live sessions, most watched first, with the cached gauges
// overlaid on the persisted columns when the cache is reachable.
func (c *Coordinator) ListLive(ctx context.Context, category string, page, limit int) ([]*Session, error) {
	sessions, err := c.repo.ListLive(ctx, category, page, limit)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return sessions, nil
	}
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	snaps, err := c.counters.BatchSnapshot(ctx, ids)
	if err != nil {
		c.log.For(ctx).Warn("[Stream] listing with persisted counters",
			"err", err)
		return sessions, nil
	}
	for _, s := range sessions {
		if snap, ok := snaps[s.ID]; ok {
			s.CurrentViewers = snap.Current
			if snap.Peak > s.PeakViewers {
				s.PeakViewers = snap.Peak
			}
		}
	}
	return sessions, nil
}

// CountLive counts live sessions, optionally per category.
func (c *Coordinator) CountLive(ctx context.Context, category string) (int64, error) {
	return c.repo.CountLive(ctx, category)
}

// Reconcile persists the cache gauges of every live session into the
// repository and retries ended events that never reached the bus. Run it
// periodically.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	ids, err := c.repo.LiveIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		snap, err := c.counters.Snapshot(ctx, id)
		if err != nil {
			c.log.For(ctx).Warn("[Stream] reconcile snapshot failed",
				"streamID", id, "err", err)
			continue
		}
		unique, err := c.counters.UniqueViewers(ctx, id)
		if err != nil {
			continue
		}
		messages, err := c.chat.Len(ctx, id)
		if err != nil {
			continue
		}
		if err := c.repo.PersistCounters(ctx, id, snap.Current, snap.Peak,
			unique, messages); err != nil {
			c.log.For(ctx).Warn("[Stream] reconcile persist failed",
				"streamID", id, "err", err)
		}
	}

	pending, err := c.repo.UnemittedEnded(ctx, 100)
	if err != nil {
		return err
	}
	for _, s := range pending {
		var duration int64
		if s.StartedAt != nil && s.EndedAt != nil {
			duration = int64(s.EndedAt.Sub(*s.StartedAt).Seconds())
		}
		ts := c.clock.Now().UTC()
		if s.EndedAt != nil {
			ts = *s.EndedAt
		}
		c.publishEvent(ctx, s.ID, EndedEvent{
			EventType:       "stream.ended",
			SessionID:       s.ID,
			OwnerID:         s.OwnerID,
			DurationSeconds: duration,
			ViewerCount:     s.PeakViewers,
			Timestamp:       ts.Format(time.RFC3339),
		}, s.ID)
	}
	return nil
}
