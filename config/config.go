// Package config loads the environment-driven configuration surface for
// every component: pool sizing, breaker thresholds, dedup retention, peer
// endpoints and tiers, and the consumer spine. Loading fails with the exact
// variable name when a value is malformed.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/proerror77/Nova-sub005/breaker"
	"github.com/proerror77/Nova-sub005/consumer"
	"github.com/proerror77/Nova-sub005/grpcpool"
	"github.com/proerror77/Nova-sub005/pool"
)

// Error names the offending environment variable so startup failures are
// actionable from the message alone.
type Error struct {
	Var    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Var, e.Reason)
}

// Loader reads configuration from the environment. A fresh viper instance
// per Loader keeps tests hermetic.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a Loader bound to the process environment.
func NewLoader() *Loader {
	v := viper.New()
	v.AutomaticEnv()
	return &Loader{v: v}
}

// NewLoaderFrom creates a Loader over explicit values instead of the
// environment. Tests use it.
func NewLoaderFrom(values map[string]string) *Loader {
	v := viper.New()
	for k, val := range values {
		v.Set(k, val)
	}
	return &Loader{v: v}
}

// Pool loads the connection pool config for serviceName: the per-service
// preset, overridden by DB_* variables where set.
func (l *Loader) Pool(serviceName string) (pool.Config, error) {
	conf := pool.ForService(serviceName)

	var err error
	if conf.MaxConnections, err = l.intVar("DB_MAX_CONNECTIONS",
		conf.MaxConnections, 1); err != nil {
		return pool.Config{}, err
	}
	if conf.MinConnections, err = l.intVar("DB_MIN_CONNECTIONS",
		conf.MinConnections, 0); err != nil {
		return pool.Config{}, err
	}
	if conf.ConnectTimeout, err = l.secsVar("DB_CONNECT_TIMEOUT_SECS",
		conf.ConnectTimeout); err != nil {
		return pool.Config{}, err
	}
	if conf.AcquireTimeout, err = l.secsVar("DB_ACQUIRE_TIMEOUT_SECS",
		conf.AcquireTimeout); err != nil {
		return pool.Config{}, err
	}
	if conf.IdleTimeout, err = l.secsVar("DB_IDLE_TIMEOUT_SECS",
		conf.IdleTimeout); err != nil {
		return pool.Config{}, err
	}
	if conf.MaxLifetime, err = l.secsVar("DB_MAX_LIFETIME_SECS",
		conf.MaxLifetime); err != nil {
		return pool.Config{}, err
	}
	if conf.MinConnections > conf.MaxConnections {
		return pool.Config{}, &Error{
			Var: "DB_MIN_CONNECTIONS",
			Reason: fmt.Sprintf("%d exceeds DB_MAX_CONNECTIONS %d",
				conf.MinConnections, conf.MaxConnections),
		}
	}
	return conf, nil
}

// Breaker loads circuit breaker thresholds from BREAKER_* variables.
func (l *Loader) Breaker() (breaker.Config, error) {
	conf := breaker.Config{
		FailureThreshold:   5,
		SuccessThreshold:   2,
		Timeout:            60 * time.Second,
		ErrorRateThreshold: 0.5,
		WindowSize:         100,
	}

	var err error
	if conf.FailureThreshold, err = l.intVar("BREAKER_FAILURE_THRESHOLD",
		conf.FailureThreshold, 1); err != nil {
		return breaker.Config{}, err
	}
	if conf.SuccessThreshold, err = l.intVar("BREAKER_SUCCESS_THRESHOLD",
		conf.SuccessThreshold, 1); err != nil {
		return breaker.Config{}, err
	}
	if conf.Timeout, err = l.secsVar("BREAKER_TIMEOUT_SECS",
		conf.Timeout); err != nil {
		return breaker.Config{}, err
	}
	if conf.WindowSize, err = l.intVar("BREAKER_WINDOW_SIZE",
		conf.WindowSize, 1); err != nil {
		return breaker.Config{}, err
	}
	if l.v.IsSet("BREAKER_ERROR_RATE") {
		rate := l.v.GetFloat64("BREAKER_ERROR_RATE")
		if rate <= 0 || rate > 1 {
			return breaker.Config{}, &Error{
				Var:    "BREAKER_ERROR_RATE",
				Reason: fmt.Sprintf("%v outside (0, 1]", rate),
			}
		}
		conf.ErrorRateThreshold = rate
	}
	return conf, nil
}

// DedupTTL loads the dedup retention from DEDUP_TTL_SECS, default one hour.
func (l *Loader) DedupTTL() (time.Duration, error) {
	return l.secsVar("DEDUP_TTL_SECS", time.Hour)
}

// defaultTiers classifies the deployment's peers when *_SERVICE_TIER is not
// set: the identity and content planes block startup, delivery peers are
// lazy, everything else is best-effort.
var defaultTiers = map[string]grpcpool.Tier{
	"identity-service":     grpcpool.Tier0,
	"content-service":      grpcpool.Tier0,
	"feed-service":         grpcpool.Tier1,
	"search-service":       grpcpool.Tier1,
	"media-service":        grpcpool.Tier1,
	"notification-service": grpcpool.Tier1,
}

// GRPC loads peer endpoints and the pool-wide TLS policy. Each known
// service is configured by <SERVICE>_URL and <SERVICE>_TIER, e.g.
// IDENTITY_SERVICE_URL / IDENTITY_SERVICE_TIER. Services without a URL are
// omitted from the pool.
func (l *Loader) GRPC() (grpcpool.Config, error) {
	conf := grpcpool.Config{
		Endpoints:         map[string]grpcpool.Endpoint{},
		ConnectTimeout:    5 * time.Second,
		RetryAttempts:     3,
		KeepAliveInterval: 30 * time.Second,
	}

	for _, name := range grpcpool.StartupOrder {
		prefix := envPrefix(name)
		u := l.v.GetString(prefix + "_URL")
		if u == "" {
			continue
		}
		tier, ok := defaultTiers[name]
		if !ok {
			tier = grpcpool.Tier2
		}
		if tierVar := prefix + "_TIER"; l.v.IsSet(tierVar) {
			parsed, err := parseTier(l.v.GetString(tierVar))
			if err != nil {
				return grpcpool.Config{}, &Error{Var: tierVar,
					Reason: err.Error()}
			}
			tier = parsed
		}
		conf.Endpoints[name] = grpcpool.Endpoint{URL: u, Tier: tier}
	}

	conf.TLS = grpcpool.TLSConfig{
		Enabled:        l.v.GetBool("GRPC_TLS_ENABLED"),
		CACertPath:     l.v.GetString("GRPC_TLS_CA_CERT_PATH"),
		ClientCertPath: l.v.GetString("GRPC_TLS_CLIENT_CERT_PATH"),
		ClientKeyPath:  l.v.GetString("GRPC_TLS_CLIENT_KEY_PATH"),
		DomainName:     l.v.GetString("GRPC_TLS_DOMAIN_NAME"),
	}

	var err error
	if conf.RetryAttempts, err = l.intVar("GRPC_CONNECT_RETRY_ATTEMPTS",
		conf.RetryAttempts, 1); err != nil {
		return grpcpool.Config{}, err
	}
	if conf.KeepAliveInterval, err = l.secsVar("GRPC_HTTP2_KEEP_ALIVE_SECS",
		conf.KeepAliveInterval); err != nil {
		return grpcpool.Config{}, err
	}
	if conf.ConnectTimeout, err = l.secsVar("GRPC_CONNECT_TIMEOUT_SECS",
		conf.ConnectTimeout); err != nil {
		return grpcpool.Config{}, err
	}
	return conf, nil
}

// Consumer loads the event spine config. KAFKA_BROKERS, KAFKA_TOPICS and
// KAFKA_GROUP_ID are required; retry shaping comes from CONSUMER_*.
func (l *Loader) Consumer() (consumer.Config, error) {
	conf := consumer.Config{
		Brokers:  splitList(l.v.GetString("KAFKA_BROKERS")),
		Topics:   splitList(l.v.GetString("KAFKA_TOPICS")),
		GroupID:  l.v.GetString("KAFKA_GROUP_ID"),
		ClientID: l.v.GetString("KAFKA_CLIENT_ID"),
	}
	if len(conf.Brokers) == 0 {
		return consumer.Config{}, &Error{Var: "KAFKA_BROKERS",
			Reason: "required"}
	}
	if len(conf.Topics) == 0 {
		return consumer.Config{}, &Error{Var: "KAFKA_TOPICS",
			Reason: "required"}
	}
	if conf.GroupID == "" {
		return consumer.Config{}, &Error{Var: "KAFKA_GROUP_ID",
			Reason: "required"}
	}

	var err error
	if conf.MaxPollRecords, err = l.intVar("KAFKA_MAX_POLL_RECORDS",
		500, 1); err != nil {
		return consumer.Config{}, err
	}
	if conf.Retry.MaxRetries, err = l.intVar("CONSUMER_MAX_RETRIES",
		3, 1); err != nil {
		return consumer.Config{}, err
	}
	if conf.Retry.InitialBackoff, err = l.secsVar(
		"CONSUMER_INITIAL_BACKOFF_SECS", time.Second); err != nil {
		return consumer.Config{}, err
	}
	if conf.Retry.MaxBackoff, err = l.secsVar("CONSUMER_MAX_BACKOFF_SECS",
		30*time.Second); err != nil {
		return consumer.Config{}, err
	}
	if l.v.IsSet("CONSUMER_BACKOFF_MULTIPLIER") {
		m := l.v.GetFloat64("CONSUMER_BACKOFF_MULTIPLIER")
		if m < 1 {
			return consumer.Config{}, &Error{
				Var:    "CONSUMER_BACKOFF_MULTIPLIER",
				Reason: fmt.Sprintf("%v is below 1", m),
			}
		}
		conf.Retry.Multiplier = m
	} else {
		conf.Retry.Multiplier = 2
	}
	if conf.DrainTimeout, err = l.secsVar("CONSUMER_DRAIN_TIMEOUT_SECS",
		30*time.Second); err != nil {
		return consumer.Config{}, err
	}
	return conf, nil
}

func (l *Loader) intVar(name string, def, min int) (int, error) {
	if !l.v.IsSet(name) {
		return def, nil
	}
	s := l.v.GetString(name)
	n := l.v.GetInt(name)
	if n == 0 && s != "0" {
		return 0, &Error{Var: name,
			Reason: fmt.Sprintf("%q is not an integer", s)}
	}
	if n < min {
		return 0, &Error{Var: name,
			Reason: fmt.Sprintf("%d is below the minimum %d", n, min)}
	}
	return n, nil
}

func (l *Loader) secsVar(name string, def time.Duration) (time.Duration, error) {
	if !l.v.IsSet(name) {
		return def, nil
	}
	s := l.v.GetString(name)
	n := l.v.GetInt(name)
	if n == 0 && s != "0" {
		return 0, &Error{Var: name,
			Reason: fmt.Sprintf("%q is not an integer", s)}
	}
	if n < 0 {
		return 0, &Error{Var: name,
			Reason: fmt.Sprintf("%d is negative", n)}
	}
	return time.Duration(n) * time.Second, nil
}

func envPrefix(serviceName string) string {
	return strings.ToUpper(strings.ReplaceAll(serviceName, "-", "_"))
}

func parseTier(s string) (grpcpool.Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "tier0":
		return grpcpool.Tier0, nil
	case "1", "tier1":
		return grpcpool.Tier1, nil
	case "2", "tier2":
		return grpcpool.Tier2, nil
	default:
		return 0, fmt.Errorf("%q is not a tier (0, 1 or 2)", s)
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
