package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proerror77/Nova-sub005/grpcpool"
	"github.com/proerror77/Nova-sub005/pool"
)

func TestLoader_PoolPresetAndOverride(t *testing.T) {
	// Nothing set: the per-service preset.
	l := NewLoaderFrom(nil)
	conf, err := l.Pool("feed-service")
	require.NoError(t, err)
	assert.Equal(t, pool.ForService("feed-service"), conf)

	// Env overrides just the variables that are set.
	l = NewLoaderFrom(map[string]string{
		"DB_MAX_CONNECTIONS":     "30",
		"DB_ACQUIRE_TIMEOUT_SECS": "15",
	})
	conf, err = l.Pool("feed-service")
	require.NoError(t, err)
	assert.Equal(t, 30, conf.MaxConnections)
	assert.Equal(t, 15*time.Second, conf.AcquireTimeout)
	assert.Equal(t, pool.ForService("feed-service").MinConnections,
		conf.MinConnections)
}

func TestLoader_PoolRejectsBadValues(t *testing.T) {
	var cerr *Error

	l := NewLoaderFrom(map[string]string{"DB_MAX_CONNECTIONS": "lots"})
	_, err := l.Pool("feed-service")
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "DB_MAX_CONNECTIONS", cerr.Var)

	l = NewLoaderFrom(map[string]string{"DB_MAX_CONNECTIONS": "0"})
	_, err = l.Pool("feed-service")
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "DB_MAX_CONNECTIONS", cerr.Var)

	l = NewLoaderFrom(map[string]string{
		"DB_MAX_CONNECTIONS": "2",
		"DB_MIN_CONNECTIONS": "5",
	})
	_, err = l.Pool("feed-service")
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "DB_MIN_CONNECTIONS", cerr.Var)
}

func TestLoader_BreakerDefaultsAndOverride(t *testing.T) {
	l := NewLoaderFrom(nil)
	conf, err := l.Breaker()
	require.NoError(t, err)
	assert.Equal(t, 5, conf.FailureThreshold)
	assert.Equal(t, 2, conf.SuccessThreshold)
	assert.Equal(t, 60*time.Second, conf.Timeout)
	assert.Equal(t, 0.5, conf.ErrorRateThreshold)
	assert.Equal(t, 100, conf.WindowSize)

	l = NewLoaderFrom(map[string]string{
		"BREAKER_FAILURE_THRESHOLD": "10",
		"BREAKER_ERROR_RATE":        "0.8",
	})
	conf, err = l.Breaker()
	require.NoError(t, err)
	assert.Equal(t, 10, conf.FailureThreshold)
	assert.Equal(t, 0.8, conf.ErrorRateThreshold)

	var cerr *Error
	l = NewLoaderFrom(map[string]string{"BREAKER_ERROR_RATE": "1.5"})
	_, err = l.Breaker()
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "BREAKER_ERROR_RATE", cerr.Var)
}

func TestLoader_DedupTTL(t *testing.T) {
	l := NewLoaderFrom(nil)
	ttl, err := l.DedupTTL()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ttl)

	l = NewLoaderFrom(map[string]string{"DEDUP_TTL_SECS": "7200"})
	ttl, err = l.DedupTTL()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, ttl)
}

func TestLoader_GRPCEndpointsAndTiers(t *testing.T) {
	l := NewLoaderFrom(map[string]string{
		"IDENTITY_SERVICE_URL": "http://identity:50051",
		"FEED_SERVICE_URL":     "http://feed:50052",
		"GRAPH_SERVICE_URL":    "http://graph:50053",
		"GRAPH_SERVICE_TIER":   "1",
	})
	conf, err := l.GRPC()
	require.NoError(t, err)
	require.Len(t, conf.Endpoints, 3)

	// Default tiers apply when no *_TIER is set.
	assert.Equal(t, grpcpool.Tier0, conf.Endpoints["identity-service"].Tier)
	assert.Equal(t, grpcpool.Tier1, conf.Endpoints["feed-service"].Tier)
	// Explicit tier wins over the Tier2 fallback.
	assert.Equal(t, grpcpool.Tier1, conf.Endpoints["graph-service"].Tier)

	assert.Equal(t, 3, conf.RetryAttempts)
	assert.Equal(t, 30*time.Second, conf.KeepAliveInterval)
}

func TestLoader_GRPCTLSAndBadTier(t *testing.T) {
	l := NewLoaderFrom(map[string]string{
		"GRPC_TLS_ENABLED":          "true",
		"GRPC_TLS_CA_CERT_PATH":     "/etc/nova/ca.pem",
		"GRPC_TLS_DOMAIN_NAME":      "nova.internal",
		"GRPC_HTTP2_KEEP_ALIVE_SECS": "15",
	})
	conf, err := l.GRPC()
	require.NoError(t, err)
	assert.True(t, conf.TLS.Enabled)
	assert.Equal(t, "/etc/nova/ca.pem", conf.TLS.CACertPath)
	assert.Equal(t, "nova.internal", conf.TLS.DomainName)
	assert.Equal(t, 15*time.Second, conf.KeepAliveInterval)

	var cerr *Error
	l = NewLoaderFrom(map[string]string{
		"IDENTITY_SERVICE_URL":  "http://identity:50051",
		"IDENTITY_SERVICE_TIER": "platinum",
	})
	_, err = l.GRPC()
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "IDENTITY_SERVICE_TIER", cerr.Var)
}

func TestLoader_Consumer(t *testing.T) {
	l := NewLoaderFrom(map[string]string{
		"KAFKA_BROKERS":  "k1:9092, k2:9092",
		"KAFKA_TOPICS":   "posts,likes",
		"KAFKA_GROUP_ID": "nova-events",
	})
	conf, err := l.Consumer()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, conf.Brokers)
	assert.Equal(t, []string{"posts", "likes"}, conf.Topics)
	assert.Equal(t, 3, conf.Retry.MaxRetries)
	assert.Equal(t, time.Second, conf.Retry.InitialBackoff)
	assert.Equal(t, 2.0, conf.Retry.Multiplier)
	assert.Equal(t, 30*time.Second, conf.Retry.MaxBackoff)
	assert.Equal(t, 30*time.Second, conf.DrainTimeout)

	var cerr *Error
	l = NewLoaderFrom(map[string]string{"KAFKA_TOPICS": "posts"})
	_, err = l.Consumer()
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "KAFKA_BROKERS", cerr.Var)

	l = NewLoaderFrom(map[string]string{
		"KAFKA_BROKERS":               "k1:9092",
		"KAFKA_TOPICS":                "posts",
		"KAFKA_GROUP_ID":              "nova-events",
		"CONSUMER_BACKOFF_MULTIPLIER": "0.5",
	})
	_, err = l.Consumer()
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "CONSUMER_BACKOFF_MULTIPLIER", cerr.Var)
}
