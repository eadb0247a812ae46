package engine

import (
	"context"
	"math/rand"

	"github.com/jharrington22/konsulathunt/internal/backoff"
	"github.com/jharrington22/konsulathunt/internal/captcha"
	"github.com/jharrington22/konsulathunt/internal/classify"
	"github.com/jharrington22/konsulathunt/internal/client"
	"github.com/jharrington22/konsulathunt/internal/observability"
)

// CaptchaSolver is the narrow slice of captcha.Pipeline the Search Loop
// needs; a *captcha.Pipeline satisfies this.
type CaptchaSolver interface {
	SolveVerified(ctx context.Context) (captcha.VerifiedToken, error)
}

// SlotSearcher is the narrow slice of the API Client the Search Loop needs;
// a *client.Client satisfies this.
type SlotSearcher interface {
	CheckSlots(ctx context.Context, locationID string, partySize int, verifiedToken string) (client.CheckSlotsResult, error)
}

// SearchLoop is the producer of spec.md §4.6: it acquires a CAPTCHA token,
// calls checkSlots, and publishes the (slots, token) pair into State.
type SearchLoop struct {
	State   *State
	Captcha CaptchaSolver
	Client  SlotSearcher
	Backoff backoff.Policy
	Logger  *observability.Logger
	Params  Params
	Rng     *rand.Rand

	// Cancel is the shared root cancellation, invoked on rate_limit_hard
	// so the Booking Loop also observes termination within one iteration
	// (spec.md §5, property 4).
	Cancel context.CancelFunc
}

// Run blocks until ctx is cancelled or phase reaches success.
func (l *SearchLoop) Run(ctx context.Context) {
	consecutiveCaptchaFailures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if l.State.Snapshot().Phase == PhaseSuccess {
			return
		}
		l.State.IncrementSearchAttempt()

		if stop := l.attempt(ctx, &consecutiveCaptchaFailures); stop {
			l.State.StopAll()
			if l.Cancel != nil {
				l.Cancel()
			}
			return
		}
	}
}

// attempt runs one search iteration and reports whether the loop must
// stop (a rate_limit_hard condition).
func (l *SearchLoop) attempt(ctx context.Context, consecutiveCaptchaFailures *int) bool {
	token, err := l.Captcha.SolveVerified(ctx)
	if err != nil {
		return l.handleFailure(ctx, err, consecutiveCaptchaFailures)
	}

	// The solve succeeded: record it and reset the counter now, regardless
	// of what checkSlots does next (spec.md §4.6).
	l.State.RecordCaptchaSuccess(token.Duration)
	*consecutiveCaptchaFailures = 0

	result, err := l.Client.CheckSlots(ctx, l.Params.LocationID, l.Params.PartySize, token.Value)
	if err != nil {
		return l.handleFailure(ctx, err, consecutiveCaptchaFailures)
	}

	if l.State.Snapshot().Phase == PhaseSuccess {
		return false
	}
	if result.Token == "" {
		result.Token = token.Value
	}
	l.State.UpdateSearch(result)
	sleepCtx(ctx, l.Backoff.SearchSuccessDelay(l.Rng))
	return false
}

// handleFailure classifies and logs a failed solveVerified or checkSlots
// call and reports whether the loop must stop (a rate_limit_hard
// condition).
func (l *SearchLoop) handleFailure(ctx context.Context, err error, consecutiveCaptchaFailures *int) bool {
	if l.State.Snapshot().Phase == PhaseSuccess {
		return false
	}

	c := classify.Classify(err)
	l.State.LogSearchError(c, err.Error(), "search")
	if l.Logger != nil {
		l.Logger.Warnf("search attempt failed: class=%s reason=%s err=%v", c.Class, c.UpstreamReason, err)
	}

	if c.Class == classify.RateLimitHard {
		return true
	}
	if c.Class == classify.Captcha {
		*consecutiveCaptchaFailures++
	} else if c.Class == classify.RateLimitSoft || c.Class == classify.Network || c.Class == classify.Timeout {
		*consecutiveCaptchaFailures = 0
	}

	delay, ok := l.Backoff.SearchDelay(c.Class, *consecutiveCaptchaFailures, l.Rng)
	if !ok {
		return true
	}
	sleepCtx(ctx, delay)
	return false
}
