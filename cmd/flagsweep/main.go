package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	rootCmd    = &cobra.Command{
		Use:   "flagsweep",
		Short: "Stale feature-flag removal orchestrator",
		Long: `Flagsweep removes stale feature flags from a fleet of repositories.
It screens candidates against open and declined pull requests, checks out an
isolated worktree set per flag, delegates the code edit to a configured
automation agent, and opens one pull request per changed repository under a
shared budget.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default <target-repos>/flagsweep.json)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
