// Package backoff translates an error class and failure history into the
// next inter-attempt delay, per the design contract table. It never sleeps
// itself — callers own the suspension point — and it never reads the
// package-level math/rand source, so results are deterministic under test
// with an injected *rand.Rand.
package backoff

import (
	"math/rand"
	"time"

	"github.com/jharrington22/konsulathunt/internal/classify"
)

// Policy holds the configurable constants from the design contract. All
// fields have defaults matching spec.md §4.2; tests may override any of
// them to assert exact formulas without waiting out real delays.
type Policy struct {
	SoftBase        time.Duration
	CapBase         time.Duration
	CapMax          time.Duration
	CapMult         float64
	Base            time.Duration
	JitterMax       time.Duration
	SlotSwitchDelay time.Duration
	RetryDelay      time.Duration
}

// Default returns the contract constants from spec.md §4.2.
func Default() Policy {
	return Policy{
		SoftBase:        3000 * time.Millisecond,
		CapBase:         2500 * time.Millisecond,
		CapMax:          12000 * time.Millisecond,
		CapMult:         2,
		Base:            500 * time.Millisecond,
		JitterMax:       1000 * time.Millisecond,
		SlotSwitchDelay: 100 * time.Millisecond,
		RetryDelay:      200 * time.Millisecond,
	}
}

// SearchDelay returns the delay the Search Loop should sleep after a
// failed attempt classified as class, given how many consecutive CAPTCHA
// failures have been observed (k, used only for the captcha class). A
// false second return means the error is fatal (rate_limit_hard) and the
// caller must STOP rather than sleep.
func (p Policy) SearchDelay(class classify.Class, consecutiveCaptchaFailures int, rng *rand.Rand) (time.Duration, bool) {
	switch class {
	case classify.RateLimitHard:
		return 0, false
	case classify.RateLimitSoft:
		return p.SoftBase + jitter(rng, 2*p.JitterMax), true
	case classify.Captcha:
		return p.captchaDelay(consecutiveCaptchaFailures, rng), true
	case classify.Network, classify.Timeout:
		return 2*p.Base + jitter(rng, p.JitterMax), true
	default:
		return p.Base + jitter(rng, p.JitterMax), true
	}
}

// SearchSuccessDelay is the pacing delay between polls after a successful
// search iteration.
func (p Policy) SearchSuccessDelay(rng *rand.Rand) time.Duration {
	return p.Base + jitter(rng, p.JitterMax)
}

// BookingDelay returns the delay the Booking Loop should sleep after a
// failed reservation attempt classified as class. A false second return
// means STOP (rate_limit_hard).
func (p Policy) BookingDelay(class classify.Class) (time.Duration, bool) {
	switch class {
	case classify.RateLimitHard:
		return 0, false
	case classify.SlotUnavailable:
		return p.SlotSwitchDelay, true
	default:
		return p.RetryDelay, true
	}
}

func (p Policy) captchaDelay(k int, rng *rand.Rand) time.Duration {
	if k < 0 {
		k = 0
	}
	mult := 1.0
	for i := 0; i < k; i++ {
		mult *= p.CapMult
	}
	d := time.Duration(float64(p.CapBase) * mult)
	if d > p.CapMax {
		d = p.CapMax
	}
	return d + jitter(rng, p.JitterMax)
}

func jitter(rng *rand.Rand, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return time.Duration(rng.Int63n(int64(max) + 1))
}
