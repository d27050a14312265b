package main

import (
	"context"
	"errors"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/srg/blip/internal/stack"
)

var runCmd = &cobra.Command{
	Use:   "run [script.lua]",
	Short: "Run a peripheral script against the local Bluetooth controller",
	Long: `Executes the script, then keeps serving its callbacks until interrupted.

Example:
  blip run examples/temperature.lua
  blip run --config blip.yaml --log-level debug peripheral.lua

Without a script the built-in temperature sensor example is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
	defer stop()

	s, err := newSession(ctx, cfg, logger, stack.NewGoBLE(logger, cfg.StackOptions()), cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			logger.WithError(cerr).Warn("Shutdown incomplete")
		}
	}()

	if err := s.runScript(ctx, scriptArg(args)); err != nil {
		return err
	}

	logger.Info("Script running, press Ctrl+C to stop")
	err = s.queue.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("Received interrupt signal, shutting down...")
		return nil
	}
	return err
}
