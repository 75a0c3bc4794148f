package session

import (
	"strings"
	"time"

	"github.com/danmuck/msgwire/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines messenger limits and the inbound restart policy.
type Config struct {
	// Name labels logs and metrics.
	Name   string
	Limits frame.Limits
	// MaxQueue bounds the outbound queue; 0 keeps it unbounded.
	MaxQueue int
	// MaxRestarts is the number of consecutive inbound loop restarts
	// tolerated before the epoch fails. 0 is a valid policy: the first
	// decode error fails the epoch. WithDefaults never raises it.
	MaxRestarts int
	Backoff     BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Name:        "messenger",
		Limits:      frame.DefaultLimits(),
		MaxQueue:    0,
		MaxRestarts: 5,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills the name, limits and backoff from DefaultConfig when
// they are zero, and clamps negative counts to 0. MaxQueue and MaxRestarts
// keep their zero values, which mean unbounded and no restarts.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = def.Name
	}
	if c.Limits.MaxTypeNameBytes == 0 {
		c.Limits.MaxTypeNameBytes = def.Limits.MaxTypeNameBytes
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits.MaxPayloadBytes = def.Limits.MaxPayloadBytes
	}
	if c.MaxQueue < 0 {
		c.MaxQueue = 0
	}
	if c.MaxRestarts < 0 {
		c.MaxRestarts = 0
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = def.Backoff
	}
	return c
}
