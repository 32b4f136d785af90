package runner

import (
	"errors"
	"time"

	"github.com/evalbench-io/evalbench/internal/config"
)

const (
	defaultWorkers    = 8
	defaultSinkURL    = "tcp://localhost:5555"
	defaultSourceURL  = "tcp://localhost:5556"
	defaultLLMTimeout = 300 * time.Second
)

var (
	// ErrInvalidWorkerCount is returned when the worker count is not positive.
	ErrInvalidWorkerCount = errors.New("worker count must be greater than zero")

	// ErrQueueURLEmpty is returned when a queue URL is empty.
	ErrQueueURLEmpty = errors.New("queue URL cannot be empty")
)

// Config holds the execution engine configuration.
type Config struct {
	Workers    int           // Number of worker slots
	SinkURL    string        // Producer sink endpoint of the streamer device
	SourceURL  string        // Worker source endpoint of the streamer device
	LLMTimeout time.Duration // Per-call wall-clock timeout for LLM endpoints
}

// LoadConfig loads the engine configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Workers:    config.GetEnvInt("MAX_CONCURRENT_TASKS", defaultWorkers),
		SinkURL:    config.GetEnvStr("EVALBENCH_QUEUE_SINK_URL", defaultSinkURL),
		SourceURL:  config.GetEnvStr("EVALBENCH_QUEUE_SOURCE_URL", defaultSourceURL),
		LLMTimeout: config.GetEnvDuration("EVALBENCH_LLM_TIMEOUT", defaultLLMTimeout),
	}
}

// Validate checks if the engine configuration is valid.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return ErrInvalidWorkerCount
	}

	if c.SinkURL == "" || c.SourceURL == "" {
		return ErrQueueURLEmpty
	}

	return nil
}
