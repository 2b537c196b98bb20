package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines listener and channel timing.
type Config struct {
	AcceptTimeout time.Duration
	AuthTimeout   time.Duration
	WriteTimeout  time.Duration
	// IdleTimeout bounds the gap between inbound reads. Zero keeps an idle
	// hub connection open indefinitely.
	IdleTimeout time.Duration

	// MaxResyncs decode failures are tolerated per ResyncWindow before the
	// session is closed.
	MaxResyncs   int
	ResyncWindow time.Duration
	MaxBuffered  int
	FrameQueue   int

	Backoff BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		AcceptTimeout: 60 * time.Second,
		AuthTimeout:   10 * time.Second,
		WriteTimeout:  5 * time.Second,
		MaxResyncs:    8,
		ResyncWindow:  10 * time.Second,
		MaxBuffered:   64 * 1024,
		FrameQueue:    32,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     10 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = def.AcceptTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = def.AuthTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxResyncs <= 0 {
		c.MaxResyncs = def.MaxResyncs
	}
	if c.ResyncWindow <= 0 {
		c.ResyncWindow = def.ResyncWindow
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = def.MaxBuffered
	}
	if c.FrameQueue <= 0 {
		c.FrameQueue = def.FrameQueue
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = def.Backoff
	}
	return c
}
