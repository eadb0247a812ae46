package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

// baseURLOverride is bound to the root command's persistent --base-url flag
// so every subcommand that talks to e-konsulat (today just "run", but a
// future "check-post" or "keys" command would too) shares one place to
// point a client at a staging mirror instead of the production host.
var baseURLOverride string

// knownSolvers lists the CAPTCHA solver plugins this build was linked
// against. It exists once here so "run --solver" and "version" never drift
// out of sync about what names are actually valid.
var knownSolvers = []string{"stub"}

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "konsulathunt",
		Short: "Hunts for e-konsulat appointment slots and races to reserve the first one found",
	}

	root.PersistentFlags().StringVar(&baseURLOverride, "base-url", "",
		"override the e-konsulat host a run targets (e.g. a staging mirror); empty uses the production host")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newRunCmd())

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
