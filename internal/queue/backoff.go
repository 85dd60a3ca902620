package queue

import (
	"context"
	"time"
)

// Backoff strategies.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// BackoffPolicy computes how long a failed queue item waits before it is
// claimable again.
type BackoffPolicy struct {
	Strategy string        `json:"strategy" mapstructure:"strategy"`
	Delay    time.Duration `json:"delay" mapstructure:"delay"`
	MaxDelay time.Duration `json:"max_delay,omitempty" mapstructure:"max_delay"`
}

// DefaultBackoff is exponential from 2s, capped at one minute.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Strategy: BackoffExponential, Delay: 2 * time.Second, MaxDelay: time.Minute}
}

// Compute returns the wait after the given number of failed attempts (1-based).
func (p BackoffPolicy) Compute(attempts int) time.Duration {
	if p.Delay <= 0 || attempts <= 0 {
		return 0
	}

	var delay time.Duration
	switch p.Strategy {
	case BackoffExponential:
		delay = p.Delay
		for i := 1; i < attempts; i++ {
			delay *= 2
			if p.MaxDelay > 0 && delay >= p.MaxDelay {
				break
			}
		}
	case BackoffLinear:
		delay = p.Delay * time.Duration(attempts)
	case BackoffNone:
		return 0
	default:
		delay = p.Delay
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
