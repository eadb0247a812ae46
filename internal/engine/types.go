// Package engine is the single source of truth for the dual-loop
// polling-and-booking engine: phase, search progress, candidate slots,
// reservation progress, stats and error log (spec.md §4.5). All mutations
// go through a serialized update channel owned by *State.
package engine

import (
	"time"

	"github.com/jharrington22/konsulathunt/internal/classify"
	"github.com/jharrington22/konsulathunt/internal/client"
)

// Phase is the coarse lifecycle state of the engine. It only ever advances
// forward; once Success it is absorbing.
type Phase int

const (
	PhaseParams Phase = iota
	PhaseSearching
	PhaseBooking
	PhaseSuccess
)

func (p Phase) String() string {
	switch p {
	case PhaseParams:
		return "params"
	case PhaseSearching:
		return "searching"
	case PhaseBooking:
		return "booking"
	case PhaseSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// Params is the operator-supplied, fixed-for-the-session search target.
type Params struct {
	LocationID string
	PartySize  int
}

// ErrorLogEntry records one classified failure seen by either loop.
type ErrorLogEntry struct {
	Timestamp      time.Time
	Class          classify.Class
	RawMessage     string
	UpstreamReason string
	Context        string
}

// SearchState is the Search Loop's visible progress.
type SearchState struct {
	IsRunning   bool
	Attempts    int
	LastAttempt time.Time
	Slots       []client.Slot
	Token       string
	Result      client.CheckSlotsResult
	Errors      []ErrorLogEntry
}

// ReservationState is the Booking Loop's visible progress.
type ReservationState struct {
	IsRunning        bool
	Attempts         int
	CurrentSlotIndex int
	Errors           []ErrorLogEntry
	Result           *client.ReservationResult
}

// Stats aggregates captcha and run-duration bookkeeping (spec.md §9).
type Stats struct {
	StartTime                 time.Time
	CaptchaAttempts           int
	CaptchaSuccesses          int
	CaptchaFailures           int
	TotalCaptchaSolveDuration time.Duration
	ErrorCountsByClass        map[classify.Class]int
}

// AverageCaptchaSolveDuration is zero when no CAPTCHA has yet succeeded.
func (s Stats) AverageCaptchaSolveDuration() time.Duration {
	if s.CaptchaSuccesses == 0 {
		return 0
	}
	return s.TotalCaptchaSolveDuration / time.Duration(s.CaptchaSuccesses)
}

// Snapshot is an immutable point-in-time view handed to observers; mutating
// it has no effect on engine state.
type Snapshot struct {
	Phase       Phase
	Params      Params
	Search      SearchState
	Reservation ReservationState
	Stats       Stats

	// ConsulateDetails is populated once by the Booking Loop, on its first
	// transition into booking, and is still present after success.
	ConsulateDetails *client.ConsulateDetails
}
