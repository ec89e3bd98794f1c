// Package grpcpool holds one logical gRPC channel per peer service, grouped
// by dependency tier. Tier0 peers must be reachable at startup or the whole
// pool is rejected; Tier1/Tier2 peers connect lazily on first use and may
// start degraded.
package grpcpool

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	nova "github.com/proerror77/Nova-sub005"
)

// Tier classifies how much a peer outage hurts.
type Tier int

const (
	// Tier0 peers are required for the service to function at all.
	Tier0 Tier = iota
	// Tier1 peers are important but the service can start without them.
	Tier1
	// Tier2 peers are optional.
	Tier2
)

func (t Tier) String() string {
	switch t {
	case Tier0:
		return "tier0"
	case Tier1:
		return "tier1"
	case Tier2:
		return "tier2"
	default:
		return "unknown"
	}
}

// placeholderTarget fails at call time. It substitutes Tier1/Tier2 channels
// whose endpoint could not even be constructed.
const placeholderTarget = "127.0.0.1:1"

// StartupError aborts pool initialization, naming the failing peer or
// configuration field.
type StartupError struct {
	Component string
	Err       error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("grpc pool startup, %s: %s", e.Component, e.Err)
}
func (e *StartupError) Unwrap() error { return e.Err }

// Endpoint is one peer's address and tier.
type Endpoint struct {
	URL  string
	Tier Tier
}

// TLSConfig is the pool-wide TLS policy. When Enabled, every endpoint is
// upgraded to https and dialed with the CA, a client identity (mTLS) and a
// server name; missing material is fatal before any connection attempt.
type TLSConfig struct {
	Enabled        bool
	CACertPath     string
	ClientCertPath string
	ClientKeyPath  string
	// DomainName overrides the server name derived from each endpoint URL.
	DomainName string
}

// Config is settings for New.
type Config struct {
	// Endpoints keyed by logical service name.
	Endpoints map[string]Endpoint
	TLS       TLSConfig

	// ConnectTimeout bounds the Tier0 readiness wait per attempt.
	ConnectTimeout time.Duration
	// RetryAttempts is how many times a Tier0 readiness wait is retried.
	RetryAttempts int
	// KeepAliveInterval is the HTTP/2 keep-alive ping interval.
	KeepAliveInterval time.Duration
}

// Opts is settings for New.
type Opts struct {
	Namespace string
	Name      string
	Log       nova.Logger

	// MetricStartup observes 1 per endpoint with label
	// {"outcome": connected|lazy|degraded}.
	MetricStartup nova.Metric

	// DialOptions are appended to every channel, after the pool's own.
	// Tests inject bufconn dialers here.
	DialOptions []grpc.DialOption
}

// NewOpts creates Opts with default values.
func NewOpts(namespace, name string) *Opts {
	return &Opts{
		Namespace: namespace,
		Name:      name,
		Log: nova.Log.New("namespace", namespace, "component", "grpcpool",
			"name", name),
		MetricStartup: nova.NoopMetric(),
	}
}

// StartupOrder is the order Tier0 peers block startup in: identity first,
// the content plane next, analytics and ranking after.
var StartupOrder = []string{
	"identity-service",
	"content-service",
	"feed-service",
	"search-service",
	"media-service",
	"notification-service",
	"analytics-service",
	"graph-service",
	"social-service",
	"ranking-service",
	"feature-store",
	"trust-safety-service",
}

// Pool hands out logical channels by service name.
type Pool struct {
	log      nova.LoggerFactory
	channels map[string]*grpc.ClientConn
	degraded []string
}

// New initializes every configured endpoint. Tier0 endpoints are connected
// synchronously and abort with *StartupError on failure; Tier1/Tier2
// endpoints get lazy channels, substituting a call-time-failing placeholder
// (and a degraded_services entry) when even construction fails.
func New(ctx context.Context, opts *Opts, conf Config) (*Pool, error) {
	log := nova.LoggerFactory{Logger: opts.Log}

	creds, err := buildCredentials(conf.TLS)
	if err != nil {
		return nil, err
	}

	baseOpts := []grpc.DialOption{
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: conf.ConnectTimeout,
		}),
	}
	if conf.KeepAliveInterval > 0 {
		baseOpts = append(baseOpts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                conf.KeepAliveInterval,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}))
	}
	baseOpts = append(baseOpts, opts.DialOptions...)

	p := &Pool{
		log:      log,
		channels: make(map[string]*grpc.ClientConn, len(conf.Endpoints)),
	}

	for _, name := range orderEndpoints(conf.Endpoints) {
		ep := conf.Endpoints[name]
		target, serverName, err := endpointTarget(ep.URL, conf.TLS)
		if err != nil && ep.Tier == Tier0 {
			p.Close()
			return nil, &StartupError{
				Component: name,
				Err:       fmt.Errorf("bad endpoint %q: %w", ep.URL, err),
			}
		}

		channelCreds := creds
		if conf.TLS.Enabled && conf.TLS.DomainName == "" && serverName != "" {
			// Server name derives from each endpoint's host.
			named, nerr := buildCredentialsWithServerName(conf.TLS, serverName)
			if nerr != nil {
				p.Close()
				return nil, nerr
			}
			channelCreds = named
		}
		perChannel := append([]grpc.DialOption{
			grpc.WithTransportCredentials(channelCreds),
		}, baseOpts...)

		switch ep.Tier {
		case Tier0:
			cc, cerr := grpc.NewClient(target, perChannel...)
			if cerr == nil {
				cerr = waitReady(ctx, cc, conf.ConnectTimeout, conf.RetryAttempts)
			}
			if cerr != nil {
				if cc != nil {
					cc.Close()
				}
				p.Close()
				return nil, &StartupError{
					Component: name,
					Err: fmt.Errorf("tier0 peer unreachable at %s: %w",
						ep.URL, cerr),
				}
			}
			log.For(ctx).Info("[GrpcPool] connected", "service", name,
				"tier", ep.Tier.String())
			opts.MetricStartup.Observe(1, map[string]string{"outcome": "connected"})
			p.channels[name] = cc

		default:
			cc, cerr := grpc.NewClient(target, perChannel...)
			if cerr != nil || err != nil {
				if cerr == nil {
					cerr = err
				}
				log.For(ctx).Warn("[GrpcPool] endpoint construction failed, using placeholder",
					"service", name, "tier", ep.Tier.String(), "err", cerr)
				opts.MetricStartup.Observe(1, map[string]string{"outcome": "degraded"})
				cc, cerr = grpc.NewClient(placeholderTarget,
					grpc.WithTransportCredentials(insecure.NewCredentials()))
				if cerr != nil {
					p.Close()
					return nil, &StartupError{Component: name, Err: cerr}
				}
				p.degraded = append(p.degraded, name)
			} else {
				log.For(ctx).Debug("[GrpcPool] lazy channel created",
					"service", name, "tier", ep.Tier.String())
				opts.MetricStartup.Observe(1, map[string]string{"outcome": "lazy"})
			}
			p.channels[name] = cc
		}
	}

	log.For(ctx).Info("[GrpcPool] initialized",
		"channels", len(p.channels), "degraded", len(p.degraded))
	return p, nil
}

// Channel hands out the logical channel for a service. The same *ClientConn
// is shared by all callers; gRPC multiplexes over it.
func (p *Pool) Channel(serviceName string) (*grpc.ClientConn, bool) {
	cc, ok := p.channels[serviceName]
	return cc, ok
}

// DegradedServices lists Tier1/Tier2 peers whose endpoint construction
// failed at startup.
func (p *Pool) DegradedServices() []string {
	out := make([]string, len(p.degraded))
	copy(out, p.degraded)
	return out
}

// Close closes every channel.
func (p *Pool) Close() {
	for name, cc := range p.channels {
		if err := cc.Close(); err != nil {
			p.log.Bg().Warn("[GrpcPool] close err", "service", name, "err", err)
		}
	}
}

// orderEndpoints returns the configured service names in StartupOrder,
// unknown names last.
func orderEndpoints(endpoints map[string]Endpoint) []string {
	ordered := make([]string, 0, len(endpoints))
	seen := make(map[string]bool, len(endpoints))
	for _, name := range StartupOrder {
		if _, ok := endpoints[name]; ok {
			ordered = append(ordered, name)
			seen[name] = true
		}
	}
	for name := range endpoints {
		if !seen[name] {
			ordered = append(ordered, name)
		}
	}
	return ordered
}

// endpointTarget turns an endpoint URL into a gRPC dial target plus the TLS
// server name derived from the host. TLS upgrades the scheme to https.
func endpointTarget(raw string, tlsConf TLSConfig) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return placeholderTarget, "", err
	}
	if u.Host == "" {
		return placeholderTarget, "", fmt.Errorf("no host in %q", raw)
	}
	if tlsConf.Enabled {
		u.Scheme = "https"
	}
	serverName := tlsConf.DomainName
	if serverName == "" {
		serverName = u.Hostname()
	}
	return u.Host, serverName, nil
}

// buildCredentials validates the TLS policy and loads the shared material.
// With TLS disabled it returns insecure credentials.
func buildCredentials(conf TLSConfig) (credentials.TransportCredentials, error) {
	if !conf.Enabled {
		return insecure.NewCredentials(), nil
	}
	return buildCredentialsWithServerName(conf, conf.DomainName)
}

func buildCredentialsWithServerName(conf TLSConfig, serverName string) (credentials.TransportCredentials, error) {
	missing := ""
	switch {
	case conf.CACertPath == "":
		missing = "GRPC_TLS_CA_CERT_PATH"
	case conf.ClientCertPath == "":
		missing = "GRPC_TLS_CLIENT_CERT_PATH"
	case conf.ClientKeyPath == "":
		missing = "GRPC_TLS_CLIENT_KEY_PATH"
	}
	if missing != "" {
		return nil, &StartupError{
			Component: "tls",
			Err:       fmt.Errorf("TLS enabled but %s is not set", missing),
		}
	}

	caPEM, err := os.ReadFile(conf.CACertPath)
	if err != nil {
		return nil, &StartupError{Component: "tls", Err: err}
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, &StartupError{
			Component: "tls",
			Err:       fmt.Errorf("no CA certificates in %s", conf.CACertPath),
		}
	}
	cert, err := tls.LoadX509KeyPair(conf.ClientCertPath, conf.ClientKeyPath)
	if err != nil {
		return nil, &StartupError{Component: "tls", Err: err}
	}

	return credentials.NewTLS(&tls.Config{
		RootCAs:      caPool,
		Certificates: []tls.Certificate{cert},
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// waitReady drives the channel to Ready, retrying the readiness window
// attempts times.
func waitReady(ctx context.Context, cc *grpc.ClientConn, timeout time.Duration, attempts int) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		lastErr = waitReadyOnce(waitCtx, cc)
		cancel()
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func waitReadyOnce(ctx context.Context, cc *grpc.ClientConn) error {
	for {
		s := cc.GetState()
		if s == connectivity.Ready {
			return nil
		}
		if s == connectivity.Idle {
			cc.Connect()
		}
		if !cc.WaitForStateChange(ctx, s) {
			return ctx.Err()
		}
	}
}
