package events

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectPolicy controls how the channel redials after losing its connection.
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxAttempts bounds consecutive failed attempts. Zero means unlimited.
	MaxAttempts int
}

// DefaultReconnectPolicy retries forever, 1s doubling up to 30s.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
	}
}

// backOff builds a fresh schedule. It never gives up on elapsed time; only
// MaxAttempts stops it.
func (p ReconnectPolicy) backOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		eb.Multiplier = p.Multiplier
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	if p.MaxAttempts > 0 {
		return backoff.WithMaxRetries(eb, uint64(p.MaxAttempts))
	}
	return eb
}
