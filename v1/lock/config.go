package lock

import (
	"fmt"
	"time"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
)

// Config holds the tunables of a Manager.
type Config struct {
	// Prefix namespaces every key before it reaches the store. It is used
	// verbatim, an empty prefix disables namespacing.
	Prefix string
	// DefaultLeaseTTL is used when TryAcquire is called with a zero TTL.
	DefaultLeaseTTL time.Duration
	// DefaultTimeout is used when TryAcquire is called with a zero timeout.
	DefaultTimeout time.Duration
	// WatchdogRatio is the fraction of the lease TTL between renewals.
	WatchdogRatio float64
	// PollInterval is the pause between acquisition attempts.
	PollInterval time.Duration
	// MaxPollRetries bounds the number of acquisition attempts. Zero means
	// attempts only stop at the timeout.
	MaxPollRetries int
	// OperationTimeout bounds every single store call.
	OperationTimeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Prefix:           "lease:",
		DefaultLeaseTTL:  30 * time.Second,
		DefaultTimeout:   10 * time.Second,
		WatchdogRatio:    1.0 / 3.0,
		PollInterval:     50 * time.Millisecond,
		MaxPollRetries:   0,
		OperationTimeout: 3 * time.Second,
	}
}

// withDefaults fills zero durations and ratio from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultLeaseTTL == 0 {
		c.DefaultLeaseTTL = d.DefaultLeaseTTL
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.WatchdogRatio == 0 {
		c.WatchdogRatio = d.WatchdogRatio
	}
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = d.OperationTimeout
	}
	return c
}

// Validate reports the first invalid field of c.
func (c Config) Validate() error {
	switch {
	case c.DefaultLeaseTTL < time.Millisecond:
		return leaseerrors.Invalid(fmt.Sprintf("default lease ttl %v below 1ms", c.DefaultLeaseTTL))
	case c.DefaultTimeout < 0:
		return leaseerrors.Invalid(fmt.Sprintf("negative default timeout %v", c.DefaultTimeout))
	case c.WatchdogRatio <= 0 || c.WatchdogRatio >= 1:
		return leaseerrors.Invalid(fmt.Sprintf("watchdog ratio %v not in (0,1)", c.WatchdogRatio))
	case c.PollInterval <= 0:
		return leaseerrors.Invalid(fmt.Sprintf("poll interval %v must be positive", c.PollInterval))
	case c.MaxPollRetries < 0:
		return leaseerrors.Invalid(fmt.Sprintf("negative max poll retries %d", c.MaxPollRetries))
	case c.OperationTimeout <= 0:
		return leaseerrors.Invalid(fmt.Sprintf("operation timeout %v must be positive", c.OperationTimeout))
	}
	return nil
}
