// Package middleware provides HTTP middleware components for the evalbench API.
package middleware

import (
	"time"

	"github.com/evalbench-io/evalbench/internal/config"
)

// Config holds rate limiter configuration.
//
// Rate limits specify requests per second (RPS) for two tiers:
//   - Global: Applied to all requests
//   - Per-client: Applied per remote IP
//
// Burst capacity allows temporary bursts above sustained rate.
// If burst fields are 0, they are computed automatically as 2 x rate.
type Config struct {
	GlobalRPS int // Default: 100
	ClientRPS int // Default: 25

	// Optional burst capacity overrides (0 = computed as 2 x rate)
	GlobalBurst int
	ClientBurst int

	// Memory cleanup configuration
	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
}

// LoadConfig loads middleware config from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("EVALBENCH_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("EVALBENCH_CLIENT_RPS", defaultClientRPS),

		GlobalBurst: config.GetEnvInt("EVALBENCH_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("EVALBENCH_CLIENT_BURST", 0),

		CleanupInterval: config.GetEnvDuration(
			"EVALBENCH_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("EVALBENCH_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
	}
}
