package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jharrington22/konsulathunt/internal/captcha"
	"github.com/jharrington22/konsulathunt/internal/client"
	"github.com/jharrington22/konsulathunt/internal/config"
	"github.com/jharrington22/konsulathunt/internal/engine"
	"github.com/jharrington22/konsulathunt/internal/observability"
)

func newRunCmd() *cobra.Command {
	var (
		locationID string
		partySize  int
		solverName string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Search and race to reserve a slot for one (location, party size) pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			if locationID == "" {
				return fmt.Errorf("--location-id is required")
			}
			if partySize <= 0 {
				return fmt.Errorf("--party-size must be > 0")
			}

			envCfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("solver") {
				solverName = envCfg.Solver
			}
			if !cmd.Flags().Changed("verbose") {
				verbose = envCfg.Verbose
			}

			solver, err := newSolver(solverName)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			var clientOpts []client.Option
			if baseURLOverride != "" {
				clientOpts = append(clientOpts, client.WithBaseURL(baseURLOverride))
			}
			apiClient := client.New(clientOpts...)
			pipeline := &captcha.Pipeline{Client: apiClient, Solver: solver}
			coordinator := engine.New(pipeline)
			coordinator.Logger.SetVerbose(verbose)

			go logSnapshots(coordinator.State.Subscribe(), coordinator.Logger)

			snap := coordinator.Run(ctx, engine.Params{LocationID: locationID, PartySize: partySize})
			return reportResult(cmd, snap)
		},
	}

	cmd.Flags().StringVar(&locationID, "location-id", "", "consular post id to search (required)")
	cmd.Flags().IntVar(&partySize, "party-size", 1, "number of applicants in the party")
	cmd.Flags().StringVar(&solverName, "solver", "stub", "CAPTCHA solver to use (stub); falls back to $KONSULATHUNT_SOLVER")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log every snapshot transition; falls back to $KONSULATHUNT_VERBOSE")

	return cmd
}

func newSolver(name string) (captcha.Solver, error) {
	switch name {
	case "", "stub":
		return captcha.StubSolver{}, nil
	default:
		return nil, fmt.Errorf("unknown solver %q, want one of: %s", name, strings.Join(knownSolvers, ", "))
	}
}

func logSnapshots(snaps <-chan engine.Snapshot, logger *observability.Logger) {
	for snap := range snaps {
		logger.Infof("phase=%s search.attempts=%d search.slots=%d reservation.attempts=%d",
			snap.Phase, snap.Search.Attempts, len(snap.Search.Slots), snap.Reservation.Attempts)
	}
}

func reportResult(cmd *cobra.Command, snap engine.Snapshot) error {
	if snap.Phase != engine.PhaseSuccess || snap.Reservation.Result == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "stopped without a reservation: phase=%s search.attempts=%d\n",
			snap.Phase, snap.Search.Attempts)
		return nil
	}
	ticket := snap.Reservation.Result.PrimaryTicket
	fmt.Fprintf(cmd.OutOrStdout(), "reserved: ticketId=%s date=%s\n", ticket.TicketID, ticket.Date)
	return nil
}
