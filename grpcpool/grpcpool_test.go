package grpcpool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func startBufServer(t *testing.T) (*bufconn.Listener, grpc.DialOption) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	go srv.Serve(lis)
	t.Cleanup(func() {
		srv.Stop()
		lis.Close()
	})
	dialer := grpc.WithContextDialer(
		func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})
	return lis, dialer
}

func TestPool_Tier0Connects(t *testing.T) {
	_, dialer := startBufServer(t)

	opts := NewOpts("test", "grpcpool")
	opts.DialOptions = []grpc.DialOption{dialer}
	p, err := New(context.Background(), opts, Config{
		Endpoints: map[string]Endpoint{
			"identity-service": {URL: "http://identity:50051", Tier: Tier0},
		},
		ConnectTimeout: 2 * time.Second,
		RetryAttempts:  1,
	})
	require.NoError(t, err)
	defer p.Close()

	cc, ok := p.Channel("identity-service")
	assert.True(t, ok)
	assert.NotNil(t, cc)
	assert.Empty(t, p.DegradedServices())
}

func TestPool_Tier0UnreachableAbortsStartup(t *testing.T) {
	opts := NewOpts("test", "grpcpool")
	_, err := New(context.Background(), opts, Config{
		Endpoints: map[string]Endpoint{
			// Nothing listens here
			"identity-service": {URL: "http://127.0.0.1:1", Tier: Tier0},
		},
		ConnectTimeout: 200 * time.Millisecond,
		RetryAttempts:  1,
	})
	var se *StartupError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "identity-service", se.Component)
	assert.Contains(t, se.Error(), "identity-service")
}

func TestPool_Tier1IsLazy(t *testing.T) {
	// No server at all: a lazy channel is still handed out and the pool
	// starts clean.
	opts := NewOpts("test", "grpcpool")
	p, err := New(context.Background(), opts, Config{
		Endpoints: map[string]Endpoint{
			"graph-service":   {URL: "http://127.0.0.1:1", Tier: Tier1},
			"ranking-service": {URL: "http://127.0.0.1:1", Tier: Tier2},
		},
		ConnectTimeout: time.Second,
	})
	require.NoError(t, err)
	defer p.Close()

	_, ok := p.Channel("graph-service")
	assert.True(t, ok)
	_, ok = p.Channel("ranking-service")
	assert.True(t, ok)
	assert.Empty(t, p.DegradedServices())
}

func TestPool_Tier1BadEndpointGetsPlaceholder(t *testing.T) {
	opts := NewOpts("test", "grpcpool")
	p, err := New(context.Background(), opts, Config{
		Endpoints: map[string]Endpoint{
			"social-service": {URL: "not a url at all", Tier: Tier1},
		},
		ConnectTimeout: time.Second,
	})
	require.NoError(t, err)
	defer p.Close()

	// A channel still exists; it fails at call time, not at startup.
	cc, ok := p.Channel("social-service")
	assert.True(t, ok)
	assert.NotNil(t, cc)
	assert.Equal(t, []string{"social-service"}, p.DegradedServices())
}

func TestPool_Tier0BadEndpointAborts(t *testing.T) {
	opts := NewOpts("test", "grpcpool")
	_, err := New(context.Background(), opts, Config{
		Endpoints: map[string]Endpoint{
			"identity-service": {URL: "://bad", Tier: Tier0},
		},
		ConnectTimeout: time.Second,
	})
	var se *StartupError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "identity-service", se.Component)
}

func TestPool_TLSMissingMaterialIsFatal(t *testing.T) {
	opts := NewOpts("test", "grpcpool")
	_, err := New(context.Background(), opts, Config{
		Endpoints: map[string]Endpoint{
			"identity-service": {URL: "http://identity:50051", Tier: Tier0},
		},
		TLS: TLSConfig{
			Enabled:    true,
			CACertPath: "/etc/nova/ca.pem",
			// client cert/key missing
		},
		ConnectTimeout: time.Second,
	})
	var se *StartupError
	require.ErrorAs(t, err, &se)
	// Reported before any connection attempt, naming the field.
	assert.Equal(t, "tls", se.Component)
	assert.Contains(t, se.Error(), "GRPC_TLS_CLIENT_CERT_PATH")
}

func TestPool_UnknownService(t *testing.T) {
	opts := NewOpts("test", "grpcpool")
	p, err := New(context.Background(), opts, Config{
		Endpoints: map[string]Endpoint{
			"graph-service": {URL: "http://127.0.0.1:1", Tier: Tier1},
		},
	})
	require.NoError(t, err)
	defer p.Close()
	_, ok := p.Channel("no-such-service")
	assert.False(t, ok)
}

func TestOrderEndpoints(t *testing.T) {
	got := orderEndpoints(map[string]Endpoint{
		"ranking-service":  {},
		"identity-service": {},
		"media-service":    {},
		"custom-service":   {},
	})
	assert.Equal(t, []string{
		"identity-service", "media-service", "ranking-service",
		"custom-service",
	}, got)
}

func TestEndpointTarget(t *testing.T) {
	target, serverName, err := endpointTarget("http://feed:50052",
		TLSConfig{Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, "feed:50052", target)
	assert.Equal(t, "feed", serverName)

	_, serverName, err = endpointTarget("http://feed:50052",
		TLSConfig{Enabled: true, DomainName: "feed.internal"})
	require.NoError(t, err)
	assert.Equal(t, "feed.internal", serverName)

	_, _, err = endpointTarget("no-scheme-no-host", TLSConfig{})
	assert.Error(t, err)
}
