package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"sandbox-migrate/internal/restore"
)

var (
	restoreTimeout  time.Duration
	restoreForce    bool
	restoreLiveness string
)

func init() {
	restoreCmd := &cobra.Command{
		Use:   "restore <record-id> <new-sandbox-id>",
		Short: "Restore a backup record as a new sandbox",
		Long: `Restore validates the record's chain, materializes the full archive as a
new sandbox, replays incremental deltas in chain order and verifies the
sandbox responds to commands.

A failed or timed out restore leaves the partial sandbox in place for
inspection; it is never torn down automatically.`,
		Args: cobra.ExactArgs(2),
		RunE: runRestore,
	}

	restoreCmd.Flags().DurationVar(&restoreTimeout, "timeout", 0, "abort the restore after this duration (default from config)")
	restoreCmd.Flags().BoolVar(&restoreForce, "force", false, "restore over an existing sandbox name and past chain integrity failures")
	restoreCmd.Flags().StringVar(&restoreLiveness, "liveness-command", "", "override the liveness probe command")

	rootCmd.AddCommand(restoreCmd)
}

func runRestore(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Shutdown()

	ctx, cancel := app.Context()
	defer cancel()

	opts := restore.Options{
		Timeout:         restoreTimeout,
		Force:           restoreForce,
		LivenessCommand: restoreLiveness,
	}
	if opts.Timeout == 0 {
		opts.Timeout = app.Config.Restore.Timeout
	}
	if opts.LivenessCommand == "" {
		opts.LivenessCommand = app.Config.Restore.LivenessCommand
	}

	result, err := app.Orchestrator.Restore(ctx, args[0], args[1], opts)
	if result != nil {
		app.Printer.RestoreResult(result)
	}
	return err
}
