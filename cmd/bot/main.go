package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fx-trading-bot/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "bot",
	Short:         "Forex trading bot for OANDA practice and paper accounts",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initializeSystem()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBot(cmd.Context())
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler and trade until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBot(cmd.Context())
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or reset the persisted bot state",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the saved state document",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		snap, err := store.NewFileStore(cfg.State.Path, 0).Load(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

var stateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the saved state so the next run starts fresh",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		if err := store.NewFileStore(cfg.State.Path, 0).Reset(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", cfg.State.Path)
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to the YAML config")
	stateCmd.AddCommand(stateShowCmd, stateResetCmd)
	rootCmd.AddCommand(runCmd, stateCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
