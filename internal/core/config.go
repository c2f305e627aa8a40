package core

import (
	"fmt"
	"os"
	"strconv"
)

// Config tunes the store. The zero value is not usable; start from
// DefaultConfig or ConfigFromEnv.
type Config struct {
	// AsyncWorkers is the number of goroutines delivering after-flush-async
	// notifications.
	AsyncWorkers int
	// AsyncQueueSize bounds the number of queued async notification jobs.
	AsyncQueueSize int
	// PostponeUniqueIndexes disables unique index maintenance, for bulk loads.
	PostponeUniqueIndexes bool
	// IncomingLinkCauseLimit caps the causes listed per incoming-link violation.
	IncomingLinkCauseLimit int
}

// Environment variables read by ConfigFromEnv.
const (
	EnvAsyncWorkers          = "TXGRAPH_ASYNC_WORKERS"
	EnvAsyncQueue            = "TXGRAPH_ASYNC_QUEUE"
	EnvPostponeUniqueIndexes = "TXGRAPH_POSTPONE_UNIQUE_INDEXES"
	EnvIncomingLinkCauses    = "TXGRAPH_INCOMING_LINK_CAUSES"
)

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		AsyncWorkers:           2,
		AsyncQueueSize:         256,
		IncomingLinkCauseLimit: 10,
	}
}

// ConfigFromEnv overlays DefaultConfig with environment variables.
//
//	TXGRAPH_ASYNC_WORKERS: async notification workers (default 2)
//	TXGRAPH_ASYNC_QUEUE: async job queue capacity (default 256)
//	TXGRAPH_POSTPONE_UNIQUE_INDEXES: true to skip unique index maintenance
//	TXGRAPH_INCOMING_LINK_CAUSES: causes listed per incoming-link violation (default 10)
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	var err error
	if cfg.AsyncWorkers, err = envInt(EnvAsyncWorkers, cfg.AsyncWorkers); err != nil {
		return Config{}, err
	}
	if cfg.AsyncQueueSize, err = envInt(EnvAsyncQueue, cfg.AsyncQueueSize); err != nil {
		return Config{}, err
	}
	if cfg.IncomingLinkCauseLimit, err = envInt(EnvIncomingLinkCauses, cfg.IncomingLinkCauseLimit); err != nil {
		return Config{}, err
	}
	if raw := os.Getenv(EnvPostponeUniqueIndexes); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvPostponeUniqueIndexes, err)
		}
		cfg.PostponeUniqueIndexes = v
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.AsyncWorkers < 1 {
		return fmt.Errorf("async workers must be positive, got %d", c.AsyncWorkers)
	}
	if c.AsyncQueueSize < 0 {
		return fmt.Errorf("async queue size must not be negative, got %d", c.AsyncQueueSize)
	}
	if c.IncomingLinkCauseLimit < 1 {
		return fmt.Errorf("incoming link cause limit must be positive, got %d", c.IncomingLinkCauseLimit)
	}
	return nil
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
