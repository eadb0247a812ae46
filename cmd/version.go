package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jharrington22/konsulathunt/internal/client"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info and the engine's current target",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "konsulathunt %s (commit=%s, built=%s)\n", Version, CommitSHA, BuildDate)

			target := client.DefaultBaseURL
			if baseURLOverride != "" {
				target = baseURLOverride + " (override)"
			}
			fmt.Fprintf(out, "target: %s\n", target)
			fmt.Fprintf(out, "solvers: %s\n", strings.Join(knownSolvers, ", "))
		},
	}
}
