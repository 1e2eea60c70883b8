package planmachine

import (
	"fmt"
	"time"
)

// Policy holds the polling cadence and failure thresholds.
type Policy struct {
	// StableInterval is the normal refresh interval while no change is pending.
	StableInterval time.Duration
	// PendingInterval is the shorter interval used while waiting for a change.
	PendingInterval time.Duration
	// MaxPendingDuration bounds how long a change may stay unconfirmed before
	// the machine degrades with ErrorTimeout.
	MaxPendingDuration time.Duration
	// BackoffCeiling caps the failure backoff interval.
	BackoffCeiling time.Duration
	// FailureThreshold is the number of consecutive failures tolerated before
	// the machine degrades.
	FailureThreshold int
}

// DefaultPolicy returns the recommended cadence.
func DefaultPolicy() Policy {
	return Policy{
		StableInterval:     10 * time.Minute,
		PendingInterval:    45 * time.Second,
		MaxPendingDuration: 30 * time.Minute,
		BackoffCeiling:     10 * time.Minute,
		FailureThreshold:   5,
	}
}

// Validate checks that every interval is usable.
func (p Policy) Validate() error {
	if p.StableInterval <= 0 {
		return fmt.Errorf("stable interval must be positive, got %s", p.StableInterval)
	}
	if p.PendingInterval <= 0 {
		return fmt.Errorf("pending interval must be positive, got %s", p.PendingInterval)
	}
	if p.MaxPendingDuration < p.PendingInterval {
		return fmt.Errorf("max pending duration %s shorter than pending interval %s",
			p.MaxPendingDuration, p.PendingInterval)
	}
	if p.BackoffCeiling <= 0 {
		return fmt.Errorf("backoff ceiling must be positive, got %s", p.BackoffCeiling)
	}
	if p.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", p.FailureThreshold)
	}
	return nil
}
