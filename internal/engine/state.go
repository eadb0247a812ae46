package engine

import (
	"sync"
	"time"

	"github.com/jharrington22/konsulathunt/internal/classify"
	"github.com/jharrington22/konsulathunt/internal/client"
)

// data is the mutable aggregate. It is only ever touched on the State's own
// owner goroutine — external code never holds a pointer to it.
type data struct {
	phase       Phase
	params      Params
	search      SearchState
	reservation ReservationState
	stats       Stats

	consulateDetails *client.ConsulateDetails
}

func newData() data {
	return data{
		phase: PhaseParams,
		stats: Stats{ErrorCountsByClass: make(map[classify.Class]int)},
	}
}

func (d *data) snapshot() Snapshot {
	search := d.search
	search.Slots = append([]client.Slot(nil), d.search.Slots...)
	search.Errors = append([]ErrorLogEntry(nil), d.search.Errors...)

	reservation := d.reservation
	reservation.Errors = append([]ErrorLogEntry(nil), d.reservation.Errors...)
	if d.reservation.Result != nil {
		r := *d.reservation.Result
		reservation.Result = &r
	}

	stats := d.stats
	stats.ErrorCountsByClass = make(map[classify.Class]int, len(d.stats.ErrorCountsByClass))
	for k, v := range d.stats.ErrorCountsByClass {
		stats.ErrorCountsByClass[k] = v
	}

	var consulate *client.ConsulateDetails
	if d.consulateDetails != nil {
		c := *d.consulateDetails
		consulate = &c
	}

	return Snapshot{
		Phase:            d.phase,
		Params:           d.params,
		Search:           search,
		Reservation:      reservation,
		Stats:            stats,
		ConsulateDetails: consulate,
	}
}

// clampSlotIndex enforces the slot-index invariant: currentSlotIndex is
// always in [0, len(slots)) whenever slots is non-empty, else 0.
func (d *data) clampSlotIndex() {
	if len(d.search.Slots) == 0 {
		d.reservation.CurrentSlotIndex = 0
		return
	}
	if d.reservation.CurrentSlotIndex >= len(d.search.Slots) {
		d.reservation.CurrentSlotIndex = 0
	}
}

// action is one serialized mutation delivered to the owner goroutine.
type action struct {
	apply func(*data)
	done  chan struct{}
}

// State is the single mutable shared resource of the engine. All reads and
// writes go through its serialized action channel (spec.md §4.5, §5);
// external consumers only ever see immutable Snapshots.
type State struct {
	actions chan action

	subMu sync.RWMutex
	subs  []chan Snapshot
}

// NewState starts the owner goroutine and returns a ready State. Call
// Close when the engine run is finished to release the goroutine.
func NewState() *State {
	s := &State{actions: make(chan action, 32)}
	go s.run()
	return s
}

func (s *State) run() {
	d := newData()
	for a := range s.actions {
		a.apply(&d)
		s.publish(d.snapshot())
		close(a.done)
	}
}

// Close stops the owner goroutine. No further actions may be submitted
// after Close.
func (s *State) Close() {
	close(s.actions)
}

func (s *State) do(apply func(*data)) {
	done := make(chan struct{})
	s.actions <- action{apply: apply, done: done}
	<-done
}

// Subscribe returns a channel fed with a Snapshot after every action.
// Publication is best-effort: a slow subscriber drops snapshots rather
// than blocking the engine (spec.md §4.8 — "not ordered beyond eventual
// consistency").
func (s *State) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 8)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

func (s *State) publish(snap Snapshot) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// Snapshot returns a consistent, immutable view of the current state.
func (s *State) Snapshot() Snapshot {
	var snap Snapshot
	s.do(func(d *data) { snap = d.snapshot() })
	return snap
}

// SetParams stores the session parameters. Precondition: phase == params.
func (s *State) SetParams(p Params) {
	s.do(func(d *data) {
		if d.phase != PhaseParams {
			return
		}
		d.params = p
	})
}

// StartSearch advances phase to searching and clears prior search state.
// Precondition: params set, phase != success.
func (s *State) StartSearch() {
	s.do(func(d *data) {
		if d.phase == PhaseSuccess {
			return
		}
		if d.params.LocationID == "" || d.params.PartySize <= 0 {
			return
		}
		d.phase = PhaseSearching
		d.search.Slots = nil
		d.search.Token = ""
		d.search.Result = client.CheckSlotsResult{}
		d.search.Errors = nil
		d.search.IsRunning = true
		if d.stats.StartTime.IsZero() {
			d.stats.StartTime = time.Now()
		}
	})
}

// IncrementSearchAttempt records one more Search Loop attempt.
func (s *State) IncrementSearchAttempt() {
	s.do(func(d *data) {
		if d.phase == PhaseSuccess {
			return
		}
		d.search.Attempts++
		d.search.LastAttempt = time.Now()
	})
}

// UpdateSearch replaces the visible slot list and token.
func (s *State) UpdateSearch(result client.CheckSlotsResult) {
	s.do(func(d *data) {
		if d.phase == PhaseSuccess {
			return
		}
		tokenChanged := d.search.Token != result.Token
		shrankPastIndex := len(result.Slots) < d.reservation.CurrentSlotIndex+1

		d.search.Slots = result.Slots
		d.search.Token = result.Token
		d.search.Result = result

		if tokenChanged || shrankPastIndex {
			d.reservation.CurrentSlotIndex = 0
		} else {
			d.clampSlotIndex()
		}
	})
}

// RecordCaptchaSuccess bumps captcha stats for a solved-and-verified token,
// independent of whatever checkSlots call follows it (spec.md §4.6: the
// solve is counted the moment solveVerified returns, not on the combined
// outcome of the attempt).
func (s *State) RecordCaptchaSuccess(duration time.Duration) {
	s.do(func(d *data) {
		d.stats.CaptchaAttempts++
		d.stats.CaptchaSuccesses++
		d.stats.TotalCaptchaSolveDuration += duration
	})
}

// LogSearchError appends a failure to the search error log and bumps the
// per-class and captcha-failure counters.
func (s *State) LogSearchError(c classify.Classified, rawMessage, context string) {
	s.do(func(d *data) {
		entry := ErrorLogEntry{
			Timestamp:      time.Now(),
			Class:          c.Class,
			RawMessage:     rawMessage,
			UpstreamReason: c.UpstreamReason,
			Context:        context,
		}
		d.search.Errors = append(d.search.Errors, entry)
		d.stats.ErrorCountsByClass[c.Class]++
		if c.Class == classify.Captcha {
			d.stats.CaptchaAttempts++
			d.stats.CaptchaFailures++
		}
	})
}

// StartReservation transitions to booking. Precondition: phase ==
// searching, slots non-empty.
func (s *State) StartReservation() {
	s.do(func(d *data) {
		if d.phase != PhaseSearching || len(d.search.Slots) == 0 {
			return
		}
		d.phase = PhaseBooking
		d.reservation.Attempts = 0
		d.reservation.CurrentSlotIndex = 0
		d.reservation.Errors = nil
		d.reservation.IsRunning = true
	})
}

// IncrementReservationAttempt records one more Booking Loop attempt.
// Precondition: phase == booking.
func (s *State) IncrementReservationAttempt() {
	s.do(func(d *data) {
		if d.phase != PhaseBooking {
			return
		}
		d.reservation.Attempts++
	})
}

// TryNextSlot advances to the next candidate slot, wrapping around.
// Precondition: phase == booking, slots non-empty.
func (s *State) TryNextSlot() {
	s.do(func(d *data) {
		if d.phase != PhaseBooking || len(d.search.Slots) == 0 {
			return
		}
		d.reservation.CurrentSlotIndex = (d.reservation.CurrentSlotIndex + 1) % len(d.search.Slots)
	})
}

// LogReservationError appends a failure to the reservation error log.
func (s *State) LogReservationError(c classify.Classified, rawMessage, context string) {
	s.do(func(d *data) {
		entry := ErrorLogEntry{
			Timestamp:      time.Now(),
			Class:          c.Class,
			RawMessage:     rawMessage,
			UpstreamReason: c.UpstreamReason,
			Context:        context,
		}
		d.reservation.Errors = append(d.reservation.Errors, entry)
		d.stats.ErrorCountsByClass[c.Class]++
	})
}

// ReservationSuccess is the only transition into Success. It is idempotent:
// once phase is already Success, further calls are ignored, guaranteeing
// at-most-one winner is ever recorded (spec property 2).
func (s *State) ReservationSuccess(result client.ReservationResult) {
	s.do(func(d *data) {
		if d.phase == PhaseSuccess {
			return
		}
		r := result
		d.reservation.Result = &r
		d.phase = PhaseSuccess
		d.search.IsRunning = false
		d.reservation.IsRunning = false
	})
}

// StopAll clears both running flags without changing phase.
func (s *State) StopAll() {
	s.do(func(d *data) {
		d.search.IsRunning = false
		d.reservation.IsRunning = false
	})
}

// SetConsulateDetails attaches the collaborator-facing consulate display
// data the Booking Loop fetches once, on its first transition into booking.
func (s *State) SetConsulateDetails(details client.ConsulateDetails) {
	s.do(func(d *data) {
		cp := details
		d.consulateDetails = &cp
	})
}
