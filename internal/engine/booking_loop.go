package engine

import (
	"context"
	"time"

	"github.com/jharrington22/konsulathunt/internal/backoff"
	"github.com/jharrington22/konsulathunt/internal/classify"
	"github.com/jharrington22/konsulathunt/internal/client"
	"github.com/jharrington22/konsulathunt/internal/observability"
)

// Reserver is the narrow slice of the API Client the Booking Loop needs;
// a *client.Client satisfies this.
type Reserver interface {
	CreateReservation(ctx context.Context, date, locationID, verifiedToken string, partySize int, onlyChildren bool) (client.ReservationResult, error)
}

// ConsulateFetcher resolves consulate display details once, on the first
// transition into booking — a *client.Client satisfies this.
type ConsulateFetcher interface {
	ConsulateDetails(ctx context.Context, locationID string) (client.ConsulateDetails, error)
}

// BookingLoop is the consumer of spec.md §4.7: it waits for slots, races
// createReservation calls in slot-index order, and latches state into
// success on the first ticket.
type BookingLoop struct {
	State     *State
	Client    Reserver
	Consulate ConsulateFetcher
	Backoff   backoff.Policy
	Logger    *observability.Logger
	Params    Params

	// Cancel is the shared root cancellation. It is invoked BEFORE
	// ReservationSuccess is published, so a concurrent in-flight
	// checkSlots cannot overwrite search.slots after the win is recorded
	// (spec.md §9 design note), and again on rate_limit_hard so the
	// Search Loop observes termination within one iteration.
	Cancel context.CancelFunc

	consulateFetched bool
}

const waitForSlotsDelay = 100 * time.Millisecond

// Run blocks until ctx is cancelled or phase reaches success.
func (l *BookingLoop) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		snap := l.State.Snapshot()
		if snap.Phase == PhaseSuccess {
			return
		}

		if len(snap.Search.Slots) == 0 {
			sleepCtx(ctx, waitForSlotsDelay)
			continue
		}

		if snap.Phase == PhaseSearching {
			l.ensureConsulateDetails(ctx, snap.Params.LocationID)
			l.State.StartReservation()
			continue
		}

		idx := snap.Reservation.CurrentSlotIndex
		if idx >= len(snap.Search.Slots) {
			sleepCtx(ctx, waitForSlotsDelay)
			continue
		}

		slot := snap.Search.Slots[idx]
		token := snap.Search.Token
		l.State.IncrementReservationAttempt()

		result, err := l.Client.CreateReservation(ctx, slot.Date, l.Params.LocationID, token, l.Params.PartySize, false)
		if err == nil {
			if l.Cancel != nil {
				l.Cancel()
			}
			l.State.StopAll()
			l.State.ReservationSuccess(result)
			return
		}

		if ctx.Err() != nil {
			return
		}

		c := classify.Classify(err)
		l.State.LogReservationError(c, err.Error(), "booking")
		if l.Logger != nil {
			l.Logger.Warnf("reservation attempt failed: class=%s reason=%s err=%v", c.Class, c.UpstreamReason, err)
		}

		switch c.Class {
		case classify.RateLimitHard:
			l.State.StopAll()
			if l.Cancel != nil {
				l.Cancel()
			}
			return
		case classify.SlotUnavailable:
			l.State.TryNextSlot()
			sleepCtx(ctx, l.Backoff.SlotSwitchDelay)
		default:
			delay, _ := l.Backoff.BookingDelay(c.Class)
			sleepCtx(ctx, delay)
		}
	}
}

func (l *BookingLoop) ensureConsulateDetails(ctx context.Context, locationID string) {
	if l.consulateFetched || l.Consulate == nil {
		return
	}
	l.consulateFetched = true
	details, err := l.Consulate.ConsulateDetails(ctx, locationID)
	if err != nil {
		if l.Logger != nil {
			l.Logger.Warnf("consulate details lookup failed: %v", err)
		}
		return
	}
	l.State.SetConsulateDetails(details)
}
