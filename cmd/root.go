package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sandbox-migrate/internal/application"
	"sandbox-migrate/internal/backup"
	"sandbox-migrate/internal/config"
	appErrors "sandbox-migrate/internal/errors"
	"sandbox-migrate/internal/logging"
	"sandbox-migrate/internal/sandbox"
)

var (
	cfgFile       string
	verbose       bool
	quiet         bool
	logFile       string
	adapterBinary string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sandbox-migrate",
	Short: "Backup, restore and migrate isolated Linux sandbox environments",
	Long: `sandbox-migrate captures full and incremental backups of sandbox
environments, validates and restores them, and packages sandboxes for
migration to other hosts, including batch deployment over SSH.

Examples:
  # Create a full backup of a sandbox
  sandbox-migrate backup create dev-box

  # Create an incremental backup on top of the latest record
  sandbox-migrate backup create dev-box --incremental

  # List the catalog
  sandbox-migrate backup list

  # Restore a record as a new sandbox
  sandbox-migrate restore full-20260801-120000-a1b2c3d4 dev-box-copy

  # Build a migration package and deploy it to a fleet
  sandbox-migrate package create dev-box --out ./packages
  sandbox-migrate deploy ./packages/migration-... --target host1 --target host2`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). Errors are printed after
// classification so the user sees the failure category, not a stack of
// wrappers. Validation failures exit with 2, any other failure with 1.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", userErrorMessage(err))
		if isValidationFailure(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func userErrorMessage(err error) string {
	classified := appErrors.NewErrorClassifier().ClassifyError(err)
	return appErrors.FormatUserError(classified)
}

func isValidationFailure(err error) bool {
	var validationErrs backup.ValidationErrors
	return backup.IsErrorType(err, backup.BackupErrorTypeValidation) ||
		errors.As(err, &validationErrs)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sandbox-migrate/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to file in addition to stdout")
	rootCmd.PersistentFlags().StringVar(&adapterBinary, "adapter-binary", "", "sandbox management binary (default sandbox-adm)")

	rootCmd.AddCommand(createVersionCommand())
}

// loadConfig builds the effective configuration from file, environment and
// the global flags.
func loadConfig() (*config.Config, error) {
	if verbose && quiet {
		return nil, fmt.Errorf("--verbose and --quiet flags are mutually exclusive")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if quiet {
		cfg.Logging.Level = logging.LogLevelQuiet
	} else if verbose {
		cfg.Logging.Level = logging.LogLevelVerbose
	}
	if logFile != "" {
		cfg.Logging.LogFile = logFile
	}

	return cfg, nil
}

// newApp wires a fully functional application for CLI use.
func newApp() (*application.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	adapter := sandbox.NewToolAdapter(adapterBinary)

	return application.New(cfg, application.Dependencies{
		Adapter:      adapter,
		Introspector: adapter,
		Executor:     sandbox.NewSSHExecutor(),
	})
}

// Version information (set by build flags)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc string) {
	version = v
	buildTime = bt
	gitCommit = gc
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sandbox-migrate version %s\n", version)
			fmt.Printf("Built: %s\n", buildTime)
			fmt.Printf("Commit: %s\n", gitCommit)
		},
	}
}
