// Package pool governs bounded connection pools. Every pool enforces an
// upper bound on concurrent connections to a scarce backend, hands out
// exclusive handles, and fails fast when saturated. Presets per service
// class keep the whole deployment under the backend's connection ceiling.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	nova "github.com/proerror77/Nova-sub005"
)

var (
	// ErrTimedOut is returned by Acquire when no handle became available
	// within AcquireTimeout.
	ErrTimedOut = errors.New("timed out waiting for a connection")
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("pool is closed")
)

// StartupError aborts pool creation: the initial liveness check failed or
// timed out.
type StartupError struct {
	Service string
	Err     error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("pool startup for %s failed: %s", e.Service, e.Err)
}
func (e *StartupError) Unwrap() error { return e.Err }

// ConnectError wraps a factory failure during Acquire.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return "connect failed: " + e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

// Conn is a pooled resource. Factories adapt database handles, cache
// connections or any peer exposing a cheap liveness probe.
type Conn interface {
	// Ping is a no-op round trip verifying the connection is alive.
	Ping(ctx context.Context) error
	Close() error
}

// Factory creates one Conn. It must respect ctx cancellation.
type Factory func(ctx context.Context) (Conn, error)

// Config sizes a pool. ForService returns per-service presets; the config
// package layers environment overrides on top.
type Config struct {
	ServiceName    string
	MaxConnections int
	MinConnections int
	ConnectTimeout time.Duration
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
}

// Opts is settings for New.
type Opts struct {
	Namespace string
	Name      string
	Log       nova.Logger
	Clock     clock.Clock
	Config    Config

	// MetricAcquire observes acquisition latency with ok/err labels.
	MetricAcquire nova.Metric
	// MetricError observes 1 with label {"reason": timeout|connect|closed}
	// on every failed acquisition.
	MetricError nova.Metric
}

// NewOpts creates Opts with the preset Config for serviceName.
func NewOpts(namespace, name, serviceName string) *Opts {
	return &Opts{
		Namespace: namespace,
		Name:      name,
		Log: nova.Log.New("namespace", namespace, "component", "pool",
			"name", name, "service", serviceName),
		Clock:         clock.New(),
		Config:        ForService(serviceName),
		MetricAcquire: nova.NoopMetric(),
		MetricError:   nova.NoopMetric(),
	}
}

// Status is an observational snapshot.
type Status struct {
	InUse     int
	Available int
	Size      int
}

type pooledConn struct {
	conn      Conn
	createdAt time.Time
	idleSince time.Time
}

// Pool hands out exclusive connection handles up to MaxConnections.
//
// Invariant: inUse + len(idle) <= MaxConnections. A lease holds one token in
// the semaphore channel for its whole lifetime; idle connections hold none,
// so a full pool of idles still admits MaxConnections concurrent leases.
type Pool struct {
	namespace string
	name      string
	log       nova.LoggerFactory
	clock     clock.Clock
	conf      Config
	factory   Factory
	mxAcquire nova.Metric
	mxError   nova.Metric

	// sem counts in-use leases.
	sem chan struct{}

	mu     sync.Mutex
	idle   []*pooledConn
	inUse  int
	closed bool
}

// New creates a Pool and eagerly opens MinConnections connections. The first
// connection is verified with one Ping round trip within ConnectTimeout; if
// creation or verification fails the whole pool is rejected with a
// *StartupError.
func New(opts *Opts, factory Factory) (*Pool, error) {
	conf := opts.Config
	p := &Pool{
		namespace: opts.Namespace,
		name:      opts.Name,
		log:       nova.LoggerFactory{Logger: opts.Log},
		clock:     opts.Clock,
		conf:      conf,
		factory:   factory,
		mxAcquire: opts.MetricAcquire,
		mxError:   opts.MetricError,
		sem:       make(chan struct{}, conf.MaxConnections),
	}

	ctx, cancel := context.WithTimeout(context.Background(), conf.ConnectTimeout)
	defer cancel()
	for i := 0; i < conf.MinConnections; i++ {
		conn, err := factory(ctx)
		if err != nil {
			p.closeIdle()
			return nil, &StartupError{Service: conf.ServiceName, Err: err}
		}
		if i == 0 {
			if err := conn.Ping(ctx); err != nil {
				conn.Close()
				p.closeIdle()
				return nil, &StartupError{
					Service: conf.ServiceName,
					Err:     fmt.Errorf("liveness check: %w", err),
				}
			}
		}
		now := p.clock.Now()
		p.idle = append(p.idle, &pooledConn{
			conn: conn, createdAt: now, idleSince: now,
		})
	}
	p.log.Bg().Info("[Pool] created",
		"maxConnections", conf.MaxConnections,
		"minConnections", conf.MinConnections,
		"connectTimeout", conf.ConnectTimeout,
		"acquireTimeout", conf.AcquireTimeout,
		"idleTimeout", conf.IdleTimeout,
		"maxLifetime", conf.MaxLifetime)
	return p, nil
}

// Acquire obtains one exclusive Handle, blocking up to AcquireTimeout. The
// serviceLabel only decorates metrics and logs so callers sharing a pool can
// be told apart.
func (p *Pool) Acquire(ctx context.Context, serviceLabel string) (*Handle, error) {
	begin := p.clock.Now()
	returnErr := func(reason string, err error) (*Handle, error) {
		timespan := p.clock.Now().Sub(begin).Seconds()
		p.log.For(ctx).Error("[Pool] Acquire() err", "err", err,
			"label", serviceLabel, "timespan", timespan)
		p.mxAcquire.Observe(timespan, nova.LabelErr)
		p.mxError.Observe(1, map[string]string{"reason": reason})
		return nil, err
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return returnErr("closed", ErrClosed)
	}

	timer := p.clock.Timer(p.conf.AcquireTimeout)
	defer timer.Stop()
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return returnErr("timeout", ctx.Err())
	case <-timer.C:
		return returnErr("timeout", ErrTimedOut)
	}

	pc := p.takeIdle()
	if pc == nil {
		connCtx, cancel := context.WithTimeout(ctx, p.conf.ConnectTimeout)
		defer cancel()
		conn, err := p.factory(connCtx)
		if err != nil {
			<-p.sem
			return returnErr("connect", &ConnectError{Err: err})
		}
		pc = &pooledConn{conn: conn, createdAt: p.clock.Now()}
	}
	p.mu.Lock()
	p.inUse++
	p.mu.Unlock()

	timespan := p.clock.Now().Sub(begin).Seconds()
	p.log.For(ctx).Debug("[Pool] Acquire() ok", "label", serviceLabel,
		"timespan", timespan)
	p.mxAcquire.Observe(timespan, nova.LabelOk)
	return &Handle{pool: p, conn: pc}, nil
}

// Status reports in-use, available and total connection counts.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		InUse:     p.inUse,
		Available: p.conf.MaxConnections - p.inUse,
		Size:      p.inUse + len(p.idle),
	}
}

// Close closes idle connections and fails subsequent Acquires with
// ErrClosed. Handles still out keep working until released.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.closeIdle()
	p.log.Bg().Info("[Pool] closed")
}

func (p *Pool) closeIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, pc := range idle {
		pc.conn.Close()
	}
}

// takeIdle pops the freshest idle conn, discarding any that outlived
// IdleTimeout or MaxLifetime.
func (p *Pool) takeIdle() *pooledConn {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.idle) > 0 {
		pc := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.expired(pc, now) {
			go pc.conn.Close()
			continue
		}
		return pc
	}
	return nil
}

func (p *Pool) expired(pc *pooledConn, now time.Time) bool {
	if p.conf.IdleTimeout > 0 && !pc.idleSince.IsZero() &&
		now.Sub(pc.idleSince) >= p.conf.IdleTimeout {
		return true
	}
	if p.conf.MaxLifetime > 0 && now.Sub(pc.createdAt) >= p.conf.MaxLifetime {
		return true
	}
	return false
}

func (p *Pool) release(pc *pooledConn, broken bool) {
	p.mu.Lock()
	p.inUse--
	if broken || p.closed {
		p.mu.Unlock()
		pc.conn.Close()
	} else {
		pc.idleSince = p.clock.Now()
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
	}
	<-p.sem
}

// Handle is an exclusive lease on one Conn.
type Handle struct {
	pool *Pool
	conn *pooledConn

	mu   sync.Mutex
	done bool
}

// Conn exposes the leased connection.
func (h *Handle) Conn() Conn { return h.conn.conn }

// Release returns the connection to the pool. Idempotent.
func (h *Handle) Release() {
	h.settle(false)
}

// Fail discards the connection as broken instead of returning it. Idempotent
// with Release; the first call wins.
func (h *Handle) Fail() {
	h.settle(true)
}

func (h *Handle) settle(broken bool) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.done = true
	h.mu.Unlock()
	h.pool.release(h.conn, broken)
}
