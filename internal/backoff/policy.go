// Package backoff computes reconnect delays.
package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Mode selects how the delay grows between attempts.
type Mode string

const (
	// ModeFixed waits the same delay before every attempt.
	ModeFixed Mode = "fixed"
	// ModeExponential multiplies the delay by Factor per attempt, capped at Max.
	ModeExponential Mode = "exponential"
)

// Policy defines the reconnect delay schedule.
type Policy struct {
	Mode Mode
	// Delay is the wait before the first attempt.
	Delay time.Duration
	// Max caps exponential delays and is required in exponential mode.
	Max time.Duration
	// Factor is the exponential growth factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64
}

// DefaultPolicy waits a fixed five seconds between attempts.
func DefaultPolicy() Policy {
	return Fixed(5 * time.Second)
}

// Fixed returns a policy with a constant delay and no jitter.
func Fixed(d time.Duration) Policy {
	return Policy{Mode: ModeFixed, Delay: d}
}

// Exponential returns a capped exponential policy.
func Exponential(initial, max time.Duration, factor, jitter float64) Policy {
	return Policy{
		Mode:   ModeExponential,
		Delay:  initial,
		Max:    max,
		Factor: factor,
		Jitter: jitter,
	}
}

// Validate checks the policy for values that cannot produce a schedule.
func (p Policy) Validate() error {
	switch p.Mode {
	case ModeFixed, "":
	case ModeExponential:
		if p.Factor < 1 {
			return fmt.Errorf("backoff factor must be >= 1, got %v", p.Factor)
		}
		if p.Max <= 0 {
			return fmt.Errorf("backoff max is required for exponential mode")
		}
		if p.Max < p.Delay {
			return fmt.Errorf("backoff max %s is below initial delay %s", p.Max, p.Delay)
		}
	default:
		return fmt.Errorf("unknown backoff mode %q", p.Mode)
	}
	if p.Delay < 0 {
		return fmt.Errorf("backoff delay must not be negative")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("backoff jitter must be within [0, 1], got %v", p.Jitter)
	}
	return nil
}

// Next returns the delay before the given attempt. Attempts start at 1.
func (p Policy) Next(attempt int) time.Duration {
	return p.NextWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// NextWithRand is Next with a caller-supplied random value in [0.0, 1.0).
func (p Policy) NextWithRand(attempt int, randomValue float64) time.Duration {
	base := float64(p.Delay)
	if p.Mode == ModeExponential {
		exp := math.Max(float64(attempt-1), 0)
		base *= math.Pow(p.Factor, exp)
	}

	total := base + base*p.Jitter*randomValue
	if p.Mode == ModeExponential && p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	if total > math.MaxInt64 || math.IsNaN(total) {
		total = math.MaxInt64
	}

	return time.Duration(math.Round(total/float64(time.Millisecond))) * time.Millisecond
}
