package engine

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// EnvIterationTimeout overrides the per-iteration fatal timeout, in seconds.
const EnvIterationTimeout = "BATCHD_ENGINE_ITERATION_TIMEOUT_S"

// Defaults applied when corresponding EngineConfig fields are unset.
const (
	defaultIterationTimeout = 60 * time.Second
	defaultDrainTimeout     = 5 * time.Second
)

// EngineConfig encapsulates all tunables for AsyncEngine construction.
type EngineConfig struct {
	Backend ComputeBackend
	// IterationTimeout bounds the wait for the first step of a round to
	// complete. Zero reads EnvIterationTimeout, then falls back to 60s.
	IterationTimeout time.Duration
	// DrainTimeout bounds how long a stopping loop waits for in-flight steps.
	DrainTimeout time.Duration
	// DisableAutoStart makes AddRequest fail instead of starting the loop.
	DisableAutoStart bool
	// LogRequests logs every received, aborted and finished request.
	LogRequests bool
	// MaxLogLen truncates logged prompts and token IDs (0 = no limit).
	MaxLogLen int
	Logger    *zerolog.Logger
	Publisher EventPublisher
}

// IterationTimeoutFromEnv returns the timeout configured through
// EnvIterationTimeout, or the default when unset or invalid.
func IterationTimeoutFromEnv() time.Duration {
	v := os.Getenv(EnvIterationTimeout)
	if v == "" {
		return defaultIterationTimeout
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultIterationTimeout
	}
	return time.Duration(n) * time.Second
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.IterationTimeout <= 0 {
		c.IterationTimeout = IterationTimeoutFromEnv()
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	if c.Publisher == nil {
		c.Publisher = noopPublisher{}
	}
	if c.MaxLogLen < 0 {
		c.MaxLogLen = 0
	}
	return c
}
