package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jharrington22/konsulathunt/internal/classify"
	"github.com/jharrington22/konsulathunt/internal/client"
)

type fakeReserver struct {
	results []fakeReservationResult
	calls   int32
	dates   []string
}

type fakeReservationResult struct {
	result client.ReservationResult
	err    error
}

func (f *fakeReserver) CreateReservation(ctx context.Context, date, locationID, verifiedToken string, partySize int, onlyChildren bool) (client.ReservationResult, error) {
	i := int(atomic.AddInt32(&f.calls, 1)) - 1
	f.dates = append(f.dates, date)
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	r := f.results[i]
	return r.result, r.err
}

type fakeConsulate struct {
	details client.ConsulateDetails
	err     error
}

func (f *fakeConsulate) ConsulateDetails(ctx context.Context, locationID string) (client.ConsulateDetails, error) {
	return f.details, f.err
}

func TestBookingLoopWaitsForSlots(t *testing.T) {
	t.Parallel()
	s := NewState()
	defer s.Close()
	s.SetParams(Params{LocationID: "191", PartySize: 1})
	s.StartSearch()

	loop := &BookingLoop{
		State:     s,
		Client:    &fakeReserver{results: []fakeReservationResult{{err: classify.ErrSlotUnavailable}}},
		Consulate: &fakeConsulate{},
		Backoff:   testBackoff(),
		Params:    Params{LocationID: "191", PartySize: 1},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	<-done
	if got := s.Snapshot().Phase; got != PhaseSearching {
		t.Errorf("phase with no slots yet = %s, want %s", got, PhaseSearching)
	}
}

func TestBookingLoopWinsOnFirstTicket(t *testing.T) {
	t.Parallel()
	s := NewState()
	defer s.Close()
	s.SetParams(Params{LocationID: "191", PartySize: 1})
	s.StartSearch()
	s.UpdateSearch(client.CheckSlotsResult{Slots: []client.Slot{{Date: "2026-01-12"}}, Token: "T1"})

	reserver := &fakeReserver{results: []fakeReservationResult{
		{result: client.ReservationResult{PrimaryTicket: client.ReservationTicket{TicketID: "T-1", Date: "2026-01-12"}}},
	}}

	var canceled int32
	loop := &BookingLoop{
		State:     s,
		Client:    reserver,
		Consulate: &fakeConsulate{details: client.ConsulateDetails{LocationID: "191", LocationName: "Example Post"}},
		Backoff:   testBackoff(),
		Params:    Params{LocationID: "191", PartySize: 1},
		Cancel:    func() { atomic.StoreInt32(&canceled, 1) },
	}

	done := make(chan struct{})
	go func() {
		loop.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("BookingLoop.Run did not return after winning a ticket")
	}

	snap := s.Snapshot()
	if snap.Phase != PhaseSuccess {
		t.Fatalf("phase = %s, want %s", snap.Phase, PhaseSuccess)
	}
	if snap.Reservation.Result == nil || snap.Reservation.Result.PrimaryTicket.TicketID != "T-1" {
		t.Errorf("Result = %+v", snap.Reservation.Result)
	}
	if atomic.LoadInt32(&canceled) != 1 {
		t.Error("Cancel must be invoked before (or with) the success transition")
	}
	if snap.ConsulateDetails == nil || snap.ConsulateDetails.LocationName != "Example Post" {
		t.Errorf("ConsulateDetails = %+v, want fetched details", snap.ConsulateDetails)
	}
}

func TestBookingLoopAdvancesSlotOnSlotUnavailable(t *testing.T) {
	t.Parallel()
	s := NewState()
	defer s.Close()
	s.SetParams(Params{LocationID: "191", PartySize: 1})
	s.StartSearch()
	s.UpdateSearch(client.CheckSlotsResult{
		Slots: []client.Slot{{Date: "2026-01-12"}, {Date: "2026-01-13"}},
		Token: "T1",
	})

	reserver := &fakeReserver{results: []fakeReservationResult{
		{err: classify.ErrSlotUnavailable},
		{result: client.ReservationResult{PrimaryTicket: client.ReservationTicket{TicketID: "T-2", Date: "2026-01-13"}}},
	}}

	loop := &BookingLoop{
		State:     s,
		Client:    reserver,
		Consulate: &fakeConsulate{},
		Backoff:   testBackoff(),
		Params:    Params{LocationID: "191", PartySize: 1},
	}

	done := make(chan struct{})
	go func() {
		loop.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("BookingLoop.Run did not return after winning the second slot")
	}

	if len(reserver.dates) < 2 || reserver.dates[0] != "2026-01-12" || reserver.dates[1] != "2026-01-13" {
		t.Errorf("dates attempted = %v, want [2026-01-12 2026-01-13]", reserver.dates)
	}
}

func TestBookingLoopStopsOnRateLimitHard(t *testing.T) {
	t.Parallel()
	s := NewState()
	defer s.Close()
	s.SetParams(Params{LocationID: "191", PartySize: 1})
	s.StartSearch()
	s.UpdateSearch(client.CheckSlotsResult{Slots: []client.Slot{{Date: "2026-01-12"}}, Token: "T1"})

	reserver := &fakeReserver{results: []fakeReservationResult{
		{err: &classify.UpstreamError{StatusCode: 400, Reason: "LIMIT_Z_JEDNEGO_IP_PRZEKROCZONY"}},
	}}

	var canceled int32
	loop := &BookingLoop{
		State:     s,
		Client:    reserver,
		Consulate: &fakeConsulate{},
		Backoff:   testBackoff(),
		Params:    Params{LocationID: "191", PartySize: 1},
		Cancel:    func() { atomic.StoreInt32(&canceled, 1) },
	}

	done := make(chan struct{})
	go func() {
		loop.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("BookingLoop.Run did not return after a hard rate limit")
	}

	if atomic.LoadInt32(&canceled) != 1 {
		t.Error("Cancel was never invoked on rate_limit_hard")
	}
	if s.Snapshot().Phase == PhaseSuccess {
		t.Error("phase should not reach success on a hard rate limit")
	}
}
