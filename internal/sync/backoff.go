package sync

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes retry delays: exponential from Base, multiplied per
// consecutive failure, capped at Cap, with jitter applied last. Once the
// consecutive-failure count reaches BreakerThreshold the circuit breaker
// opens and every subsequent delay is the fixed BreakerInterval until a
// success resets the count.
//
// The policy holds no state of its own; callers pass the current failure
// count. That keeps it unit-testable with a plain function call.
type BackoffPolicy struct {
	Base             time.Duration
	Multiplier       float64
	Cap              time.Duration
	BreakerThreshold int
	BreakerInterval  time.Duration

	// Jitter transforms a computed delay. Nil selects a +/-20% spread;
	// tests inject the identity function for determinism.
	Jitter func(time.Duration) time.Duration
}

// DefaultJitter spreads a delay uniformly across 80% to 120% of its value.
func DefaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := float64(d) * 0.2
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}

// Delay returns the wait before the next attempt after the given number of
// consecutive failures. Zero failures means no wait.
func (p BackoffPolicy) Delay(consecutiveFailures int) time.Duration {
	if consecutiveFailures <= 0 {
		return 0
	}
	if p.BreakerOpen(consecutiveFailures) {
		return p.BreakerInterval
	}

	d := float64(p.Base) * math.Pow(p.Multiplier, float64(consecutiveFailures-1))
	delay := time.Duration(d)
	if delay > p.Cap || d > float64(math.MaxInt64) {
		delay = p.Cap
	}

	jitter := p.Jitter
	if jitter == nil {
		jitter = DefaultJitter
	}
	return jitter(delay)
}

// BreakerOpen reports whether the failure count has tripped the breaker.
func (p BackoffPolicy) BreakerOpen(consecutiveFailures int) bool {
	return p.BreakerThreshold > 0 && consecutiveFailures >= p.BreakerThreshold
}
