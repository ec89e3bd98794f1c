// Package breaker implements a three-state circuit breaker guarding calls to
// an outbound dependency.
//
// State transitions:
//   - Closed → Open: when consecutive failures reach FailureThreshold, or the
//     sliding-window error rate reaches ErrorRateThreshold.
//   - Open → HalfOpen: on the first call after Timeout has elapsed.
//   - HalfOpen → Closed: when consecutive successes reach SuccessThreshold.
//   - HalfOpen → Open: on any failure.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opentracing/opentracing-go"

	nova "github.com/proerror77/Nova-sub005"
)

// State of a circuit breaker.
type State int

const (
	// Closed is normal operation, calls pass through.
	Closed State = iota
	// Open fails every call fast without invoking the operation.
	Open
	// HalfOpen admits probe calls to test if the dependency recovered.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Call when the circuit is open and the operation was
// not invoked.
var ErrOpen = errors.New("circuit breaker is open - failing fast")

// FailedError wraps the message of an operation error. The underlying error
// is carried for errors.Is/As but callers should branch on ErrOpen vs
// FailedError, not on dependency-specific types.
type FailedError struct {
	Err error
}

func (e *FailedError) Error() string { return "call failed: " + e.Err.Error() }
func (e *FailedError) Unwrap() error { return e.Err }

// Config holds the thresholds of a Breaker. The zero value is not usable;
// NewOpts fills defaults.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit.
	FailureThreshold int
	// SuccessThreshold is the consecutive success count in HalfOpen that
	// closes the circuit.
	SuccessThreshold int
	// Timeout is how long the circuit stays Open before admitting a probe.
	Timeout time.Duration
	// ErrorRateThreshold in [0,1]. Reaching it over the sliding window opens
	// the circuit.
	ErrorRateThreshold float64
	// WindowSize bounds the sliding window of outcomes.
	WindowSize int
}

// Opts is settings for NewBreaker.
type Opts struct {
	Namespace string
	Name      string
	Log       nova.Logger
	Tracer    opentracing.Tracer
	Config    Config
	Clock     clock.Clock

	// MetricCall observes the timespan of every Call with ok/err labels.
	MetricCall nova.Metric
	// MetricTransition observes 1 with labels {"from": ..., "to": ...} on
	// every state transition.
	MetricTransition nova.Metric
}

// NewOpts creates Opts with default values: FailureThreshold 5,
// SuccessThreshold 2, Timeout 60s, ErrorRateThreshold 0.5, WindowSize 100.
func NewOpts(namespace, name string) *Opts {
	return &Opts{
		Namespace: namespace,
		Name:      name,
		Log: nova.Log.New("namespace", namespace, "component", "breaker",
			"name", name),
		Tracer: opentracing.GlobalTracer(),
		Config: Config{
			FailureThreshold:   5,
			SuccessThreshold:   2,
			Timeout:            60 * time.Second,
			ErrorRateThreshold: 0.5,
			WindowSize:         100,
		},
		Clock:            clock.New(),
		MetricCall:       nova.NoopMetric(),
		MetricTransition: nova.NoopMetric(),
	}
}

// Breaker guards calls to one dependency. All callers of the same Breaker
// share its state.
type Breaker struct {
	namespace string
	name      string
	log       nova.LoggerFactory
	tracer    opentracing.Tracer
	conf      Config
	clock     clock.Clock
	mxCall    nova.Metric
	mxTrans   nova.Metric

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	window               *window
}

// NewBreaker creates a Breaker.
func NewBreaker(opts *Opts) *Breaker {
	return &Breaker{
		namespace: opts.Namespace,
		name:      opts.Name,
		log:       nova.LoggerFactory{Logger: opts.Log},
		tracer:    opts.Tracer,
		conf:      opts.Config,
		clock:     opts.Clock,
		mxCall:    opts.MetricCall,
		mxTrans:   opts.MetricTransition,
		state:     Closed,
		window:    newWindow(opts.Config.WindowSize),
	}
}

// Call runs op under the breaker. When the circuit is open it returns ErrOpen
// without invoking op. An op error is recorded and returned wrapped in
// *FailedError. The breaker never holds its lock across op.
//
// When ctx carries an opentracing span, the call runs in a child span and
// the breaker's log statements are echoed into it.
func (b *Breaker) Call(ctx context.Context, op func(context.Context) error) error {
	ctx, span := nova.StartSpan(ctx, b.tracer, b.name+".call")
	if span != nil {
		defer span.Finish()
	}

	begin := b.clock.Now()
	if !b.admit(ctx) {
		b.mxCall.Observe(b.clock.Now().Sub(begin).Seconds(), nova.LabelErr)
		return ErrOpen
	}

	err := op(ctx)
	timespan := b.clock.Now().Sub(begin).Seconds()
	if err != nil {
		b.recordFailure(ctx)
		b.log.For(ctx).Error("[Breaker] Call() err", "err", err,
			"timespan", timespan)
		b.mxCall.Observe(timespan, nova.LabelErr)
		return &FailedError{Err: err}
	}
	b.recordSuccess(ctx)
	b.log.For(ctx).Debug("[Breaker] Call() ok", "timespan", timespan)
	b.mxCall.Observe(timespan, nova.LabelOk)
	return nil
}

// admit decides whether the call may proceed, transitioning Open → HalfOpen
// when the timeout has elapsed. Serialized per breaker so check-then-act is
// atomic; concurrent callers never see torn state.
func (b *Breaker) admit(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		if b.clock.Now().Sub(b.openedAt) >= b.conf.Timeout {
			b.transit(ctx, HalfOpen)
			b.consecutiveSuccesses = 0
			b.consecutiveFailures = 0
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) recordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveSuccesses++
	b.consecutiveFailures = 0
	b.window.push(true)

	if b.state == HalfOpen &&
		b.consecutiveSuccesses >= b.conf.SuccessThreshold {
		b.transit(ctx, Closed)
		b.window.reset()
	}
}

func (b *Breaker) recordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	b.consecutiveSuccesses = 0
	b.window.push(false)

	switch b.state {
	case Closed:
		rate := b.window.errorRate()
		if b.consecutiveFailures >= b.conf.FailureThreshold ||
			rate >= b.conf.ErrorRateThreshold {
			b.log.For(ctx).Warn("[Breaker] tripped",
				"consecutiveFailures", b.consecutiveFailures,
				"errorRate", rate)
			b.transit(ctx, Open)
			b.openedAt = b.clock.Now()
		}
	case HalfOpen:
		b.log.For(ctx).Warn("[Breaker] probe failed")
		b.transit(ctx, Open)
		b.openedAt = b.clock.Now()
	case Open:
		// already open
	}
}

// transit must be called with b.mu held.
func (b *Breaker) transit(ctx context.Context, to State) {
	from := b.state
	b.state = to
	b.log.For(ctx).Info("[Breaker] state transition",
		"from", from.String(), "to", to.String())
	b.mxTrans.Observe(1, map[string]string{
		"from": from.String(), "to": to.String(),
	})
}

// State returns the current state, for monitoring.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ErrorRate returns failures/window_len over the sliding window, 0 when the
// window is empty. For monitoring.
func (b *Breaker) ErrorRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.window.errorRate()
}

// window is a bounded FIFO of call outcomes, success=true.
type window struct {
	buf      []bool
	head     int
	len      int
	failures int
}

func newWindow(size int) *window {
	if size <= 0 {
		size = 1
	}
	return &window{buf: make([]bool, size)}
}

func (w *window) push(ok bool) {
	if w.len == len(w.buf) {
		// evict oldest
		if !w.buf[w.head] {
			w.failures--
		}
		w.buf[w.head] = ok
		w.head = (w.head + 1) % len(w.buf)
	} else {
		w.buf[(w.head+w.len)%len(w.buf)] = ok
		w.len++
	}
	if !ok {
		w.failures++
	}
}

func (w *window) errorRate() float64 {
	if w.len == 0 {
		return 0
	}
	return float64(w.failures) / float64(w.len)
}

func (w *window) reset() {
	w.head = 0
	w.len = 0
	w.failures = 0
}
