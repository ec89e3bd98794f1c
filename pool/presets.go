package pool

import (
	"fmt"
	"time"
)

// Connection allocation strategy. The backing PostgreSQL server defaults to
// 100 connections; 25 are reserved for system processes and overhead,
// leaving 75 for the application. Presets below must sum to at most
// DeploymentBudget across one deployment, enforced by ValidateBudget.
//
// Historical note: a previous allocation totalled 263 connections and caused
// connection exhaustion in production.
const (
	// ServerCeiling is the backend's connection ceiling.
	ServerCeiling = 100
	// ReservedConnections are kept for system processes and overhead.
	ReservedConnections = 25
	// DeploymentBudget is what's left for application pools.
	DeploymentBudget = ServerCeiling - ReservedConnections
)

// DeploymentServices are the services sized by ForService, in no particular
// order.
var DeploymentServices = []string{
	"auth-service", "user-service", "content-service",
	"feed-service", "search-service",
	"media-service", "notification-service", "events-service",
	"video-service", "streaming-service", "cdn-service",
}

// DefaultConfig returns the conservative defaults applied when no preset
// matches: 20 max, 5 min, 5s connect, 10s acquire, 600s idle, 1800s
// lifetime.
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:    serviceName,
		MaxConnections: 20,
		MinConnections: 5,
		ConnectTimeout: 5 * time.Second,
		AcquireTimeout: 10 * time.Second,
		IdleTimeout:    600 * time.Second,
		MaxLifetime:    1800 * time.Second,
	}
}

// ForService returns the Config preset for a service class.
func ForService(serviceName string) Config {
	var max, min int
	switch serviceName {
	// High-traffic services: 16% of total each
	case "auth-service":
		max, min = 12, 4
	case "user-service":
		max, min = 12, 4
	case "content-service":
		max, min = 12, 4

	// Medium-high traffic: 10-11% of total
	case "feed-service":
		max, min = 8, 3
	case "search-service":
		max, min = 8, 3

	// Medium traffic: 6-7% of total
	case "media-service":
		max, min = 5, 2
	case "notification-service":
		max, min = 5, 2
	case "events-service":
		max, min = 5, 2

	// Light traffic: 3-4% of total
	case "video-service":
		max, min = 3, 1
	case "streaming-service":
		max, min = 3, 1
	case "cdn-service":
		max, min = 2, 1

	// Unknown services get a very conservative slice.
	default:
		max, min = 2, 1
	}

	conf := DefaultConfig(serviceName)
	conf.MaxConnections = max
	conf.MinConnections = min
	return conf
}

// ValidateBudget sums the MaxConnections presets of the given services and
// rejects deployments exceeding DeploymentBudget.
func ValidateBudget(services []string) error {
	total := 0
	for _, s := range services {
		total += ForService(s).MaxConnections
	}
	if total > DeploymentBudget {
		return fmt.Errorf(
			"deployment would use %d connections, budget is %d (%d ceiling, %d reserved)",
			total, DeploymentBudget, ServerCeiling, ReservedConnections)
	}
	return nil
}
