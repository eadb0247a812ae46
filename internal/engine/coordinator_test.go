package engine

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/jharrington22/konsulathunt/internal/captcha"
	"github.com/jharrington22/konsulathunt/internal/classify"
	"github.com/jharrington22/konsulathunt/internal/client"
)

// fakePipeline stands in for *captcha.Pipeline in the loop tests below.
type fakePipeline struct{}

func (fakePipeline) SolveVerified(ctx context.Context) (captcha.VerifiedToken, error) {
	return captcha.VerifiedToken{Value: "tok"}, nil
}

func TestLoopsEndToEndHappyPath(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{results: []fakeSearchResult{
		{result: client.CheckSlotsResult{Slots: []client.Slot{{Date: "2026-01-12"}}, Token: "stok"}},
	}}
	reserver := &fakeReserver{results: []fakeReservationResult{
		{result: client.ReservationResult{PrimaryTicket: client.ReservationTicket{TicketID: "T-1", Date: "2026-01-12"}}},
	}}

	c := &Coordinator{
		State:   NewState(),
		Backoff: testBackoff(),
	}
	defer c.State.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	c.State.SetParams(Params{LocationID: "191", PartySize: 1})
	c.State.StartSearch()

	search := &SearchLoop{
		State:   c.State,
		Captcha: fakePipeline{},
		Client:  searcher,
		Backoff: c.Backoff,
		Params:  Params{LocationID: "191", PartySize: 1},
		Rng:     rand.New(rand.NewSource(1)),
		Cancel:  runCancel,
	}
	booking := &BookingLoop{
		State:   c.State,
		Client:  reserver,
		Backoff: c.Backoff,
		Params:  Params{LocationID: "191", PartySize: 1},
		Cancel:  runCancel,
	}

	done := make(chan struct{})
	go func() {
		go search.Run(runCtx)
		booking.Run(runCtx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("booking loop never returned")
	}

	snap := c.State.Snapshot()
	if snap.Phase != PhaseSuccess {
		t.Fatalf("phase = %s, want %s", snap.Phase, PhaseSuccess)
	}
	if snap.Reservation.Result == nil || snap.Reservation.Result.PrimaryTicket.TicketID != "T-1" {
		t.Errorf("Result = %+v", snap.Reservation.Result)
	}
}

// TestCoordinatorStopCancelsRun wires the two loops the way Run does,
// storing the run's cancel func on the Coordinator, and pins down that Stop
// invokes that cancel func instead of only flipping State's IsRunning flags
// — the loops themselves key off ctx, not those flags (spec.md §5). Both
// fakes report empty/failing results forever, so absent a real cancellation
// the loops would never return on their own.
func TestCoordinatorStopCancelsRun(t *testing.T) {
	t.Parallel()

	neverFinds := &fakeSearcher{results: []fakeSearchResult{{result: client.CheckSlotsResult{Token: "stok"}}}}
	neverReserves := &fakeReserver{results: []fakeReservationResult{{err: classify.ErrSlotUnavailable}}}

	c := &Coordinator{
		State:    NewState(),
		Pipeline: nil,
		Backoff:  testBackoff(),
	}
	defer c.State.Close()

	params := Params{LocationID: "191", PartySize: 1}
	search := &SearchLoop{
		State:   c.State,
		Captcha: fakePipeline{},
		Client:  neverFinds,
		Backoff: c.Backoff,
		Params:  params,
		Rng:     rand.New(rand.NewSource(1)),
	}
	booking := &BookingLoop{
		State:   c.State,
		Client:  neverReserves,
		Backoff: c.Backoff,
		Params:  params,
	}

	done := make(chan Snapshot, 1)
	go func() {
		runCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		c.mu.Lock()
		c.cancel = cancel
		c.mu.Unlock()
		search.Cancel = cancel
		booking.Cancel = cancel

		c.State.SetParams(params)
		c.State.StartSearch()
		go search.Run(runCtx)
		go booking.Run(runCtx)
		<-runCtx.Done()
		done <- c.State.Snapshot()
	}()

	time.Sleep(20 * time.Millisecond)
	c.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not cancel the in-flight loops")
	}
}
