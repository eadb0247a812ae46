// Package config reads the handful of process-level settings the CLI
// driver takes from the environment. Session parameters (locationId,
// partySize) are never read from here — spec.md §6 takes those as CLI
// flags only, the way the teacher's cmd/job.go takes reservation
// parameters as flags rather than environment variables.
package config

import (
	"fmt"
	"os"
)

// Config is the CLI driver's environment-sourced configuration.
type Config struct {
	Solver  string
	Verbose bool
}

// FromEnv reads Config from the environment, applying defaults for
// anything unset.
func FromEnv() (Config, error) {
	cfg := Config{
		Solver: getenv("KONSULATHUNT_SOLVER", "stub"),
	}

	verbose := getenv("KONSULATHUNT_VERBOSE", "false")
	switch verbose {
	case "true", "1":
		cfg.Verbose = true
	case "false", "0":
		cfg.Verbose = false
	default:
		return Config{}, fmt.Errorf("invalid KONSULATHUNT_VERBOSE %q: must be true/false", verbose)
	}

	return cfg, nil
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
