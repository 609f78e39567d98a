// Package backoff provides exponential backoff utilities for reconnect logic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the initial backoff duration in milliseconds.
	InitialMs float64
	// MaxMs is the maximum backoff duration in milliseconds.
	MaxMs float64
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) applied to the backoff.
	Jitter float64
}

// Compute calculates the backoff duration for a given attempt number.
// The formula is base = initialMs * factor^(attempt-1); the result is clamped
// to MaxMs. Attempt numbers start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the backoff duration using a provided random
// value in [0.0, 1.0). Useful for deterministic tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitterAmount := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitterAmount)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// ReconnectPolicy returns the policy used by the connection manager's health
// loop: doubling from the configured initial delay, capped at 30s, no jitter.
func ReconnectPolicy(initial time.Duration) Policy {
	if initial <= 0 {
		initial = time.Second
	}
	return Policy{
		InitialMs: float64(initial.Milliseconds()),
		MaxMs:     30000,
		Factor:    2,
		Jitter:    0,
	}
}
