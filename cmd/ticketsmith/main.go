package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "ticketsmith",
		Short: "ticketsmith - autonomous ticket implementation",
		Long: `ticketsmith pulls routine tickets from the tracker, runs sandboxed
coding agents in isolated git worktrees, validates the result, opens
pull requests, and reconciles the outcome with the tracker.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
