package consumer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	nova "github.com/proerror77/Nova-sub005"
)

type fakeBarrier struct {
	checkAndMark func(ctx context.Context, eventID string) (bool, error)
}

func (b *fakeBarrier) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	return b.checkAndMark(ctx, eventID)
}

type passGuard struct{}

func (passGuard) Call(ctx context.Context, op func(context.Context) error) error {
	return op(ctx)
}

func jsonIDDecoder(value []byte) (Event, error) {
	if len(value) == 0 {
		return Event{}, errors.New("empty payload")
	}
	return Event{ID: string(value), Payload: value}, nil
}

type harness struct {
	spine     *Spine
	committed []*kgo.Record
	produced  []*kgo.Record
}

func newHarness(t *testing.T, barrier Barrier, guard Guard,
	handle Handler, conf func(*Config)) *harness {

	t.Helper()
	c := Config{
		Brokers: []string{"localhost:9092"},
		Topics:  []string{"events"},
		GroupID: "test-group",
		Retry: RetryPolicy{
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			Multiplier:     2,
			MaxBackoff:     4 * time.Millisecond,
		},
		DrainTimeout: 100 * time.Millisecond,
	}
	c.withDefaults()
	if conf != nil {
		conf(&c)
	}
	h := &harness{}
	s := newSpine(NewOpts("test", "spine"), c, barrier, guard,
		jsonIDDecoder, handle)
	s.markCommit = func(recs ...*kgo.Record) {
		h.committed = append(h.committed, recs...)
	}
	s.produce = func(ctx context.Context, rec *kgo.Record) error {
		h.produced = append(h.produced, rec)
		return nil
	}
	h.spine = s
	return h
}

func record(topic, id string) *kgo.Record {
	return &kgo.Record{Topic: topic, Partition: 1, Offset: 42,
		Key: []byte(id), Value: []byte(id)}
}

func TestSpine_ProcessedAndCommitted(t *testing.T) {
	barrier := &fakeBarrier{
		checkAndMark: func(context.Context, string) (bool, error) {
			return true, nil
		},
	}
	var handled atomic.Int64
	h := newHarness(t, barrier, passGuard{}, func(context.Context, Event) error {
		handled.Add(1)
		return nil
	}, nil)

	h.spine.processRecord(context.Background(), record("events", "evt-1"))
	assert.Equal(t, int64(1), handled.Load())
	assert.Len(t, h.committed, 1)
	assert.Empty(t, h.produced)
}

func TestSpine_DuplicateSkipsHandler(t *testing.T) {
	barrier := &fakeBarrier{
		checkAndMark: func(context.Context, string) (bool, error) {
			return false, nil
		},
	}
	var handled atomic.Int64
	h := newHarness(t, barrier, passGuard{}, func(context.Context, Event) error {
		handled.Add(1)
		return nil
	}, nil)

	h.spine.processRecord(context.Background(), record("events", "evt-1"))
	assert.Equal(t, int64(0), handled.Load())
	// Skipped duplicates still advance the offset.
	assert.Len(t, h.committed, 1)
}

func TestSpine_PoisonMessageDeadLettered(t *testing.T) {
	barrier := &fakeBarrier{
		checkAndMark: func(context.Context, string) (bool, error) {
			t.Fatal("barrier must not be consulted for undecodable records")
			return false, nil
		},
	}
	var handled atomic.Int64
	h := newHarness(t, barrier, passGuard{}, func(context.Context, Event) error {
		handled.Add(1)
		return nil
	}, nil)

	rec := &kgo.Record{Topic: "events", Partition: 3, Offset: 7,
		Value: nil} // decoder rejects empty payloads
	h.spine.processRecord(context.Background(), rec)

	assert.Equal(t, int64(0), handled.Load())
	require.Len(t, h.produced, 1)
	dlq := h.produced[0]
	assert.Equal(t, "events.dlq", dlq.Topic)
	assert.Equal(t, rec.Value, dlq.Value)
	headers := map[string]string{}
	for _, hd := range dlq.Headers {
		headers[hd.Key] = string(hd.Value)
	}
	assert.Contains(t, headers["error"], "decode")
	assert.Equal(t, "events", headers["original-topic"])
	assert.Equal(t, "3", headers["original-partition"])
	assert.Equal(t, "7", headers["original-offset"])
	assert.NotEmpty(t, headers["failed-at"])
	// The poison message must not wedge the partition.
	assert.Len(t, h.committed, 1)
}

func TestSpine_RetriesThenDeadLetters(t *testing.T) {
	barrier := &fakeBarrier{
		checkAndMark: func(context.Context, string) (bool, error) {
			return true, nil
		},
	}
	var handled atomic.Int64
	h := newHarness(t, barrier, passGuard{}, func(context.Context, Event) error {
		handled.Add(1)
		return errors.New("downstream down")
	}, nil)

	h.spine.processRecord(context.Background(), record("events", "evt-1"))
	// 1 initial attempt + MaxRetries retries
	assert.Equal(t, int64(3), handled.Load())
	require.Len(t, h.produced, 1)
	assert.Equal(t, "events.dlq", h.produced[0].Topic)
	assert.Len(t, h.committed, 1)
}

func TestSpine_BarrierErrorCountsAsFailure(t *testing.T) {
	var calls atomic.Int64
	barrier := &fakeBarrier{
		checkAndMark: func(context.Context, string) (bool, error) {
			if calls.Add(1) <= 2 {
				return false, errors.New("cache unreachable")
			}
			return true, nil
		},
	}
	var handled atomic.Int64
	h := newHarness(t, barrier, passGuard{}, func(context.Context, Event) error {
		handled.Add(1)
		return nil
	}, nil)

	h.spine.processRecord(context.Background(), record("events", "evt-1"))
	// Two failed barrier attempts, then the third marks and the handler
	// runs exactly once.
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, int64(1), handled.Load())
	assert.Len(t, h.committed, 1)
	assert.Empty(t, h.produced)
}

func TestSpine_MarkedOnceAcrossRetries(t *testing.T) {
	// The dedup mark is taken once; handler retries must not re-check (they
	// would see their own mark as a duplicate and lose the event).
	var barrierCalls atomic.Int64
	barrier := &fakeBarrier{
		checkAndMark: func(context.Context, string) (bool, error) {
			barrierCalls.Add(1)
			return true, nil
		},
	}
	var handled atomic.Int64
	h := newHarness(t, barrier, passGuard{}, func(context.Context, Event) error {
		if handled.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)

	h.spine.processRecord(context.Background(), record("events", "evt-1"))
	assert.Equal(t, int64(1), barrierCalls.Load())
	assert.Equal(t, int64(3), handled.Load())
	assert.Len(t, h.committed, 1)
	assert.Empty(t, h.produced)
}

func TestSpine_DLQProduceFailureLeavesOffsetUncommitted(t *testing.T) {
	barrier := &fakeBarrier{
		checkAndMark: func(context.Context, string) (bool, error) {
			return true, nil
		},
	}
	h := newHarness(t, barrier, passGuard{}, func(context.Context, Event) error {
		return errors.New("always fails")
	}, nil)
	h.spine.produce = func(context.Context, *kgo.Record) error {
		return errors.New("dlq broker down")
	}

	h.spine.processRecord(context.Background(), record("events", "evt-1"))
	assert.Empty(t, h.committed)
}

func TestSpine_ShutdownDuringRetryWait(t *testing.T) {
	barrier := &fakeBarrier{
		checkAndMark: func(context.Context, string) (bool, error) {
			return true, nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, barrier, passGuard{}, func(context.Context, Event) error {
		cancel()
		return errors.New("fails")
	}, func(c *Config) {
		c.Retry.InitialBackoff = time.Hour
	})

	done := make(chan struct{})
	go func() {
		h.spine.processRecord(ctx, record("events", "evt-1"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retry wait ignored shutdown")
	}
	// Uncommitted: the record will be redelivered.
	assert.Empty(t, h.committed)
	assert.Empty(t, h.produced)
}

func TestSpine_HandlerOutlivesShutdown(t *testing.T) {
	barrier := &fakeBarrier{
		checkAndMark: func(context.Context, string) (bool, error) {
			return true, nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	var sawCancel atomic.Bool
	h := newHarness(t, barrier, passGuard{}, func(hctx context.Context, _ Event) error {
		cancel()
		select {
		case <-hctx.Done():
			sawCancel.Store(true)
		case <-time.After(20 * time.Millisecond):
		}
		return nil
	}, func(c *Config) {
		c.DrainTimeout = time.Second
	})

	h.spine.processRecord(ctx, record("events", "evt-1"))
	// Within the drain window the handler context stays alive.
	assert.False(t, sawCancel.Load())
	assert.Len(t, h.committed, 1)
}

func TestSpine_RunStopsOnCancel(t *testing.T) {
	barrier := &fakeBarrier{
		checkAndMark: func(context.Context, string) (bool, error) {
			return true, nil
		},
	}
	h := newHarness(t, barrier, passGuard{}, func(context.Context, Event) error {
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	polls := 0
	h.spine.poll = func(pctx context.Context, max int) kgo.Fetches {
		polls++
		if polls >= 2 {
			cancel()
			return kgo.Fetches{}
		}
		return kgo.Fetches{{
			Topics: []kgo.FetchTopic{{
				Topic: "events",
				Partitions: []kgo.FetchPartition{{
					Records: []*kgo.Record{
						record("events", "evt-1"),
						record("events", "evt-2"),
					},
				}},
			}},
		}}
	}

	err := h.spine.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, h.committed, 2)
}

func TestSpine_FetchErrorBacksOffAndContinues(t *testing.T) {
	barrier := &fakeBarrier{
		checkAndMark: func(context.Context, string) (bool, error) {
			return true, nil
		},
	}
	h := newHarness(t, barrier, passGuard{}, func(context.Context, Event) error {
		return nil
	}, nil)
	h.spine.reconnect = nova.NewConstantBackOffFactory(
		nova.NewConstantBackOffFactoryOpts(time.Millisecond, 0))

	ctx, cancel := context.WithCancel(context.Background())
	polls := 0
	h.spine.poll = func(pctx context.Context, max int) kgo.Fetches {
		polls++
		switch polls {
		case 1:
			return kgo.Fetches{{
				Topics: []kgo.FetchTopic{{
					Topic: "events",
					Partitions: []kgo.FetchPartition{{
						Err: errors.New("broker disconnect"),
					}},
				}},
			}}
		case 2:
			return kgo.Fetches{{
				Topics: []kgo.FetchTopic{{
					Topic: "events",
					Partitions: []kgo.FetchPartition{{
						Records: []*kgo.Record{record("events", "evt-3")},
					}},
				}},
			}}
		default:
			cancel()
			return kgo.Fetches{}
		}
	}

	err := h.spine.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	// Survived the fetch error and processed the next batch.
	assert.Len(t, h.committed, 1)
}

func TestRetryBackoff(t *testing.T) {
	h := newHarness(t, &fakeBarrier{}, passGuard{}, nil, func(c *Config) {
		c.Retry = RetryPolicy{
			MaxRetries:     5,
			InitialBackoff: time.Second,
			Multiplier:     2,
			MaxBackoff:     5 * time.Second,
		}
	})
	assert.Equal(t, time.Second, h.spine.retryBackoff(0))
	assert.Equal(t, 2*time.Second, h.spine.retryBackoff(1))
	assert.Equal(t, 4*time.Second, h.spine.retryBackoff(2))
	assert.Equal(t, 5*time.Second, h.spine.retryBackoff(3))
	assert.Equal(t, 5*time.Second, h.spine.retryBackoff(4))
}

func TestConfig_Validate(t *testing.T) {
	c := Config{}
	assert.Error(t, c.Validate())
	c.Brokers = []string{"localhost:9092"}
	assert.Error(t, c.Validate())
	c.Topics = []string{"events"}
	assert.Error(t, c.Validate())
	c.GroupID = "g"
	assert.NoError(t, c.Validate())
}
