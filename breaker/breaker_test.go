package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/assert"
)

var errFake = errors.New("fake err")

func failOp(context.Context) error { return errFake }
func okOp(context.Context) error   { return nil }

func newTestBreaker(conf func(*Config)) (*Breaker, *clock.Mock) {
	mclock := clock.NewMock()
	opts := NewOpts("test", "breaker")
	opts.Clock = mclock
	if conf != nil {
		conf(&opts.Config)
	}
	return NewBreaker(opts), mclock
}

func TestBreaker_OpensOnConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(func(c *Config) {
		c.FailureThreshold = 3
		// High rate threshold so only the consecutive counter trips
		c.ErrorRateThreshold = 1.1
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Equal(t, Closed, b.State())
		err := b.Call(ctx, failOp)
		var fe *FailedError
		assert.ErrorAs(t, err, &fe)
		assert.ErrorIs(t, err, errFake)
	}
	assert.Equal(t, Open, b.State())

	// Fails fast without invoking the op
	invoked := false
	err := b.Call(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked)
}

func TestBreaker_OpensOnErrorRate(t *testing.T) {
	b, _ := newTestBreaker(func(c *Config) {
		// High consecutive threshold to test error rate only
		c.FailureThreshold = 100
		c.ErrorRateThreshold = 0.5
		c.WindowSize = 10
	})
	ctx := context.Background()

	// Interleave so the consecutive counter never reaches 100:
	// 4 x (ok, err) keeps the rate at 0.5 exactly from the 2nd pair on.
	b.Call(ctx, okOp)
	assert.Equal(t, Closed, b.State())
	b.Call(ctx, failOp) // window {ok,err}: rate 0.5 trips
	assert.Equal(t, Open, b.State())
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(func(c *Config) {
		c.FailureThreshold = 3
		c.ErrorRateThreshold = 1.1
	})
	ctx := context.Background()

	b.Call(ctx, failOp)
	b.Call(ctx, failOp)
	b.Call(ctx, okOp)
	b.Call(ctx, failOp)
	b.Call(ctx, failOp)
	assert.Equal(t, Closed, b.State())
	b.Call(ctx, failOp)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_OpenToHalfOpenAfterTimeout(t *testing.T) {
	b, mclock := newTestBreaker(func(c *Config) {
		c.FailureThreshold = 2
		c.ErrorRateThreshold = 1.1
		c.Timeout = time.Minute
	})
	ctx := context.Background()

	b.Call(ctx, failOp)
	b.Call(ctx, failOp)
	assert.Equal(t, Open, b.State())

	// Still open before the timeout
	mclock.Add(30 * time.Second)
	assert.ErrorIs(t, b.Call(ctx, okOp), ErrOpen)
	assert.Equal(t, Open, b.State())

	// First call after the timeout is admitted as a probe
	mclock.Add(31 * time.Second)
	assert.NoError(t, b.Call(ctx, okOp))
	assert.Equal(t, HalfOpen, b.State())
}

func TestBreaker_HalfOpenToClosed(t *testing.T) {
	b, mclock := newTestBreaker(func(c *Config) {
		c.FailureThreshold = 2
		c.SuccessThreshold = 2
		c.ErrorRateThreshold = 1.1
		c.Timeout = time.Minute
	})
	ctx := context.Background()

	b.Call(ctx, failOp)
	b.Call(ctx, failOp)
	mclock.Add(time.Minute)

	assert.NoError(t, b.Call(ctx, okOp))
	assert.Equal(t, HalfOpen, b.State())
	assert.NoError(t, b.Call(ctx, okOp))
	assert.Equal(t, Closed, b.State())
	// Window cleared on close
	assert.Equal(t, float64(0), b.ErrorRate())
}

func TestBreaker_HalfOpenToOpenOnFailure(t *testing.T) {
	b, mclock := newTestBreaker(func(c *Config) {
		c.FailureThreshold = 2
		c.ErrorRateThreshold = 1.1
		c.Timeout = time.Minute
	})
	ctx := context.Background()

	b.Call(ctx, failOp)
	b.Call(ctx, failOp)
	mclock.Add(time.Minute)

	assert.NoError(t, b.Call(ctx, okOp))
	assert.Equal(t, HalfOpen, b.State())

	b.Call(ctx, failOp)
	assert.Equal(t, Open, b.State())

	// The reopen restamps opened_at, a new full timeout applies
	mclock.Add(30 * time.Second)
	assert.ErrorIs(t, b.Call(ctx, okOp), ErrOpen)
	mclock.Add(30 * time.Second)
	assert.NoError(t, b.Call(ctx, okOp))
}

func TestBreaker_ErrorRate(t *testing.T) {
	b, _ := newTestBreaker(func(c *Config) {
		c.FailureThreshold = 100
		c.ErrorRateThreshold = 1.1
		c.WindowSize = 4
	})
	ctx := context.Background()

	assert.Equal(t, float64(0), b.ErrorRate())
	b.Call(ctx, okOp)
	b.Call(ctx, failOp)
	assert.Equal(t, 0.5, b.ErrorRate())

	// Window evicts oldest outcomes
	b.Call(ctx, okOp)
	b.Call(ctx, okOp)
	b.Call(ctx, okOp) // evicts the first ok, window {err,ok,ok,ok}
	assert.Equal(t, 0.25, b.ErrorRate())
	b.Call(ctx, okOp) // evicts the err
	assert.Equal(t, float64(0), b.ErrorRate())
}

func TestBreaker_ConcurrentCalls(t *testing.T) {
	b, _ := newTestBreaker(func(c *Config) {
		c.FailureThreshold = 5
		c.ErrorRateThreshold = 1.1
		c.WindowSize = 1000
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if n%2 == 0 {
					b.Call(ctx, okOp)
				} else {
					b.Call(ctx, failOp)
				}
			}
		}(i)
	}
	wg.Wait()
	// No torn state: probes observe a consistent snapshot
	s := b.State()
	assert.Contains(t, []State{Closed, Open, HalfOpen}, s)
	rate := b.ErrorRate()
	assert.True(t, rate >= 0 && rate <= 1)
}

func TestBreaker_CallRunsInChildSpan(t *testing.T) {
	tracer := mocktracer.New()
	opts := NewOpts("test", "breaker")
	opts.Tracer = tracer
	b := NewBreaker(opts)

	parent := tracer.StartSpan("request")
	ctx := opentracing.ContextWithSpan(context.Background(), parent)
	assert.NoError(t, b.Call(ctx, okOp))
	parent.Finish()

	spans := tracer.FinishedSpans()
	assert.Len(t, spans, 2)
	child := spans[0]
	assert.Equal(t, "breaker.call", child.OperationName)
	assert.Equal(t, parent.(*mocktracer.MockSpan).SpanContext.SpanID,
		child.ParentID)
}

func TestBreaker_CallWithoutSpanStaysUntraced(t *testing.T) {
	tracer := mocktracer.New()
	opts := NewOpts("test", "breaker")
	opts.Tracer = tracer
	b := NewBreaker(opts)

	assert.NoError(t, b.Call(context.Background(), okOp))
	assert.Empty(t, tracer.FinishedSpans())
}
