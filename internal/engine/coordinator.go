package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jharrington22/konsulathunt/internal/backoff"
	"github.com/jharrington22/konsulathunt/internal/captcha"
	"github.com/jharrington22/konsulathunt/internal/client"
	"github.com/jharrington22/konsulathunt/internal/observability"
)

// Coordinator starts and stops the Search and Booking loops, gates on
// phase transitions, and ensures at-most-one winner (spec.md §4.8). It
// generalizes the ticker-driven scheduler pattern into a two-task
// errgroup bound to one shared cancellation context.
type Coordinator struct {
	State    *State
	Client   *client.Client
	Pipeline *captcha.Pipeline
	Backoff  backoff.Policy
	Logger   *observability.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New builds a Coordinator wired with the production API Client and a
// fresh, empty engine State.
func New(pipeline *captcha.Pipeline) *Coordinator {
	return &Coordinator{
		State:    NewState(),
		Client:   client.New(),
		Pipeline: pipeline,
		Backoff:  backoff.Default(),
		Logger:   observability.Default(),
	}
}

// Run starts both loops and blocks until the engine reaches success or ctx
// is cancelled (user quit, spec.md §5). It returns the final snapshot.
func (c *Coordinator) Run(ctx context.Context, params Params) Snapshot {
	c.State.SetParams(params)
	c.State.StartSearch()

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(runCtx)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	search := &SearchLoop{
		State:   c.State,
		Captcha: c.Pipeline,
		Client:  c.Client,
		Backoff: c.Backoff,
		Logger:  c.Logger,
		Params:  params,
		Rng:     rng,
		Cancel:  cancel,
	}
	booking := &BookingLoop{
		State:     c.State,
		Client:    c.Client,
		Consulate: c.Client,
		Backoff:   c.Backoff,
		Logger:    c.Logger,
		Params:    params,
		Cancel:    cancel,
	}

	g.Go(func() error {
		search.Run(gctx)
		return nil
	})
	g.Go(func() error {
		booking.Run(gctx)
		return nil
	})

	_ = g.Wait()
	return c.State.Snapshot()
}

// Stop cancels the context both loops run under, terminating them promptly
// without waiting for success — the user-quit cancellation path of spec.md
// §5. The cancellation is a no-op if Run has not yet been called or has
// already returned; State's IsRunning flags are cleared in every case.
// Callers that already hold the ctx passed to Run can cancel it directly
// instead; Stop exists for callers that only hold the Coordinator.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.State.StopAll()
}
