// Package consumer drives partitioned, at-least-once Kafka messages through
// a handler with exactly-once side effects. Auto-commit is disabled; an
// offset is marked only after the handler outcome is decided: processed,
// duplicate, or dead-lettered. Poison messages are redirected to the
// topic's dead-letter twin instead of wedging the partition.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/twmb/franz-go/pkg/kgo"

	nova "github.com/proerror77/Nova-sub005"
)

// Event is the decoded message the handler sees.
type Event struct {
	// ID is the stable event id the dedup barrier keys on.
	ID      string
	Type    string
	Payload []byte
}

// Decoder turns a raw record value into an Event. A decode error sends the
// record to the dead-letter topic without invoking the handler.
type Decoder func(value []byte) (Event, error)

// Handler applies the event's side effect. It runs inside the breaker.
type Handler func(ctx context.Context, ev Event) error

// Barrier is the dedup gate, satisfied by dedup.Barrier. An error means the
// barrier is unreachable and counts as a failed attempt: at-least-once is
// the safe fallback.
type Barrier interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
}

// Guard wraps the handler invocation, satisfied by breaker.Breaker.
type Guard interface {
	Call(ctx context.Context, op func(context.Context) error) error
}

// RetryPolicy bounds in-process redelivery of a failing message.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// Config is settings for New.
type Config struct {
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	MaxPollRecords int
	Retry          RetryPolicy
	// DrainTimeout is how long an in-flight handler may keep running after
	// shutdown is signalled.
	DrainTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = time.Second
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = 2
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// Validate rejects configs that cannot form a consumer group.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("consumer brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("consumer topics is required")
	}
	if c.GroupID == "" {
		return errors.New("consumer group id is required")
	}
	return nil
}

// DLQTopic is the dead-letter twin of a topic.
func DLQTopic(topic string) string { return topic + ".dlq" }

// Opts is settings for New.
type Opts struct {
	Namespace string
	Name      string
	Log       nova.Logger
	Clock     clock.Clock

	// PollLimiter optionally paces PollRecords.
	PollLimiter nova.RateLimit
	// ReconnectBackOffFactory paces reconnection after fetch errors.
	ReconnectBackOffFactory nova.BackOffFactory

	// MetricHandle observes handler timespan with ok/err labels.
	MetricHandle nova.Metric
	// MetricOutcome observes 1 per message with label
	// {"outcome": processed|duplicate|dead_lettered}.
	MetricOutcome nova.Metric
	// MetricRetry observes 1 per in-process retry.
	MetricRetry nova.Metric
}

// NewOpts creates Opts with default values.
func NewOpts(namespace, name string) *Opts {
	return &Opts{
		Namespace: namespace,
		Name:      name,
		Log: nova.Log.New("namespace", namespace, "component", "consumer",
			"name", name),
		Clock: clock.New(),
		ReconnectBackOffFactory: nova.NewExponentialBackOffFactory(
			nova.NewExponentialBackOffFactoryOpts(time.Second, 2,
				30*time.Second, 0)),
		MetricHandle:  nova.NoopMetric(),
		MetricOutcome: nova.NoopMetric(),
		MetricRetry:   nova.NoopMetric(),
	}
}

// Spine is the consumer loop.
type Spine struct {
	conf      Config
	log       nova.LoggerFactory
	clock     clock.Clock
	limiter   nova.RateLimit
	reconnect nova.BackOffFactory
	mxHandle  nova.Metric
	mxOutcome nova.Metric
	mxRetry   nova.Metric

	barrier Barrier
	guard   Guard
	decode  Decoder
	handle  Handler

	client *kgo.Client

	// seams over the kgo client, replaced in tests
	poll           func(ctx context.Context, max int) kgo.Fetches
	markCommit     func(recs ...*kgo.Record)
	commitMarked   func(ctx context.Context) error
	produce        func(ctx context.Context, rec *kgo.Record) error
	allowRebalance func()
	closeClient    func()
}

// New creates a Spine and its Kafka client. Extra kgo options (TLS, SASL)
// are appended last.
func New(opts *Opts, conf Config, barrier Barrier, guard Guard,
	decode Decoder, handle Handler, kopts ...kgo.Opt) (*Spine, error) {

	conf.withDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	base := []kgo.Opt{
		kgo.SeedBrokers(conf.Brokers...),
		kgo.ConsumerGroup(conf.GroupID),
		kgo.ConsumeTopics(conf.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	}
	if conf.ClientID != "" {
		base = append(base, kgo.ClientID(conf.ClientID))
	}
	base = append(base, kopts...)

	cl, err := kgo.NewClient(base...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	s := newSpine(opts, conf, barrier, guard, decode, handle)
	s.client = cl
	s.poll = func(ctx context.Context, max int) kgo.Fetches {
		return cl.PollRecords(ctx, max)
	}
	s.markCommit = func(recs ...*kgo.Record) { cl.MarkCommitRecords(recs...) }
	s.commitMarked = func(ctx context.Context) error {
		return cl.CommitMarkedOffsets(ctx)
	}
	s.produce = func(ctx context.Context, rec *kgo.Record) error {
		return cl.ProduceSync(ctx, rec).FirstErr()
	}
	s.allowRebalance = cl.AllowRebalance
	s.closeClient = cl.Close
	return s, nil
}

func newSpine(opts *Opts, conf Config, barrier Barrier, guard Guard,
	decode Decoder, handle Handler) *Spine {

	return &Spine{
		conf:      conf,
		log:       nova.LoggerFactory{Logger: opts.Log},
		clock:     opts.Clock,
		limiter:   opts.PollLimiter,
		reconnect: opts.ReconnectBackOffFactory,
		mxHandle:  opts.MetricHandle,
		mxOutcome: opts.MetricOutcome,
		mxRetry:   opts.MetricRetry,
		barrier:   barrier,
		guard:     guard,
		decode:    decode,
		handle:    handle,

		markCommit:     func(...*kgo.Record) {},
		commitMarked:   func(context.Context) error { return nil },
		produce:        func(context.Context, *kgo.Record) error { return nil },
		allowRebalance: func() {},
		closeClient:    func() {},
	}
}

// Run polls until ctx is cancelled. Fetch errors back off and reconnect; the
// loop never exits on a handleable error. Within one partition records are
// processed in broker order.
func (s *Spine) Run(ctx context.Context) error {
	defer s.closeClient()
	backOff := s.reconnect.NewBackOff()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.limiter != nil {
			s.limiter.Wait(1, 0)
		}

		fetches := s.poll(ctx, s.conf.MaxPollRecords)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			next := backOff.Next()
			if next == nova.BackOffStop {
				backOff = s.reconnect.NewBackOff()
				next = backOff.Next()
			}
			s.log.For(ctx).Error("[Consumer] fetch err, backing off",
				"err", errs[0].Err, "topic", errs[0].Topic, "backoff", next)
			s.sleep(ctx, next)
			continue
		}
		backOff = s.reconnect.NewBackOff()

		stop := false
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if stop {
				return
			}
			for _, rec := range p.Records {
				// Shutdown is observed between messages. Unprocessed
				// records stay uncommitted and will be redelivered.
				if ctx.Err() != nil {
					stop = true
					return
				}
				s.processRecord(ctx, rec)
			}
		})
		if err := s.commitMarked(ctx); err != nil && ctx.Err() == nil {
			s.log.For(ctx).Error("[Consumer] commit err", "err", err)
		}
		s.allowRebalance()
	}
}

// processRecord drives one record to a terminal outcome. The offset is
// marked exactly when that outcome is known; retries leave it untouched.
func (s *Spine) processRecord(ctx context.Context, rec *kgo.Record) {
	ev, err := s.decode(rec.Value)
	if err != nil {
		s.log.For(ctx).Warn("[Consumer] decode err, dead-lettering",
			"topic", rec.Topic, "partition", rec.Partition,
			"offset", rec.Offset, "err", err)
		if s.deadLetter(ctx, rec, "decode: "+err.Error()) {
			s.markCommit(rec)
			s.mxOutcome.Observe(1, map[string]string{"outcome": "dead_lettered"})
		}
		return
	}

	marked := false
	var lastErr error
	for attempt := 0; ; attempt++ {
		if !marked {
			isNew, berr := s.barrier.CheckAndMark(ctx, ev.ID)
			if berr != nil {
				// Barrier down: fail closed, at-least-once is the fallback.
				lastErr = berr
			} else if !isNew {
				s.log.For(ctx).Debug("[Consumer] duplicate, skipping",
					"eventID", ev.ID)
				s.markCommit(rec)
				s.mxOutcome.Observe(1, map[string]string{"outcome": "duplicate"})
				return
			} else {
				marked = true
			}
		}

		if marked {
			begin := s.clock.Now()
			herr := s.guard.Call(ctx, func(ctx context.Context) error {
				callCtx, cancel := s.drainContext(ctx)
				defer cancel()
				return s.handle(callCtx, ev)
			})
			timespan := s.clock.Now().Sub(begin).Seconds()
			if herr == nil {
				s.mxHandle.Observe(timespan, nova.LabelOk)
				s.markCommit(rec)
				s.mxOutcome.Observe(1, map[string]string{"outcome": "processed"})
				return
			}
			s.mxHandle.Observe(timespan, nova.LabelErr)
			lastErr = herr
		}

		if attempt >= s.conf.Retry.MaxRetries {
			s.log.For(ctx).Error("[Consumer] retries exhausted, dead-lettering",
				"eventID", ev.ID, "attempts", attempt+1, "err", lastErr)
			if s.deadLetter(ctx, rec, lastErr.Error()) {
				s.markCommit(rec)
				s.mxOutcome.Observe(1, map[string]string{"outcome": "dead_lettered"})
			}
			return
		}

		wait := s.retryBackoff(attempt)
		s.log.For(ctx).Warn("[Consumer] attempt failed, retrying",
			"eventID", ev.ID, "attempt", attempt+1, "backoff", wait,
			"err", lastErr)
		s.mxRetry.Observe(1, nil)
		if !s.sleep(ctx, wait) {
			// Shutdown during a retry wait: leave the offset uncommitted so
			// the message is redelivered.
			return
		}
	}
}

// retryBackoff is initial × multiplier^attempt, capped at MaxBackoff.
func (s *Spine) retryBackoff(attempt int) time.Duration {
	d := float64(s.conf.Retry.InitialBackoff)
	for i := 0; i < attempt; i++ {
		d *= s.conf.Retry.Multiplier
		if time.Duration(d) >= s.conf.Retry.MaxBackoff {
			return s.conf.Retry.MaxBackoff
		}
	}
	if time.Duration(d) > s.conf.Retry.MaxBackoff {
		return s.conf.Retry.MaxBackoff
	}
	return time.Duration(d)
}

// deadLetter produces the original payload plus failure metadata to the
// topic's dead-letter twin. Returns false when the produce itself failed; in
// that case the offset stays uncommitted and the record will be redelivered.
func (s *Spine) deadLetter(ctx context.Context, rec *kgo.Record, reason string) bool {
	dlq := &kgo.Record{
		Topic: DLQTopic(rec.Topic),
		Key:   rec.Key,
		Value: rec.Value,
		Headers: []kgo.RecordHeader{
			{Key: "error", Value: []byte(reason)},
			{Key: "original-topic", Value: []byte(rec.Topic)},
			{Key: "original-partition", Value: []byte(strconv.FormatInt(int64(rec.Partition), 10))},
			{Key: "original-offset", Value: []byte(strconv.FormatInt(rec.Offset, 10))},
			{Key: "failed-at", Value: []byte(s.clock.Now().UTC().Format(time.RFC3339Nano))},
		},
	}
	if err := s.produce(ctx, dlq); err != nil {
		s.log.For(ctx).Error("[Consumer] dead-letter produce err", "err", err,
			"topic", dlq.Topic)
		return false
	}
	return true
}

// drainContext outlives shutdown by DrainTimeout so an in-flight handler can
// finish.
func (s *Spine) drainContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		time.AfterFunc(s.conf.DrainTimeout, cancel)
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

// sleep waits d on the injected clock, returning false if ctx ended first.
func (s *Spine) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := s.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
