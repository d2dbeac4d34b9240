package session

import (
	"time"

	"github.com/danmuck/frr-agent/internal/protocol/frame"
)

// Config defines session deadlines and frame limits.
type Config struct {
	// IdleTimeout bounds the wait for the first byte of a frame. Zero waits
	// forever, matching peers that only connect when they have work.
	IdleTimeout time.Duration
	// FrameTimeout bounds completion of a frame once its first byte arrived.
	FrameTimeout time.Duration
	WriteTimeout time.Duration
	Limits       frame.Limits
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:  0,
		FrameTimeout: 30 * time.Second,
		WriteTimeout: 15 * time.Second,
		Limits:       frame.DefaultLimits(),
	}
}

// WithDefaults fills unset deadlines and limits. IdleTimeout is left as is
// since zero is meaningful.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = d.FrameTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	c.Limits = c.Limits.WithDefaults()
	return c
}
