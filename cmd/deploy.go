package cmd

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"sandbox-migrate/internal/deploy"
	"sandbox-migrate/internal/sandbox"
)

var (
	deployTargets     []string
	deployUser        string
	deployKeyFile     string
	deployAskPassword bool
	deployPort        int
	deployConcurrency int
	deployRemoteDir   string
)

func init() {
	deployCmd := &cobra.Command{
		Use:   "deploy <package-dir>",
		Short: "Deploy a migration package to a batch of target hosts",
		Long: `deploy validates the package once, then copies it to every target host
over SSH and runs its install and validate scripts. Targets are deployed
in parallel up to the concurrency limit; one host failing never aborts
the others.`,
		Args: cobra.ExactArgs(1),
		RunE: runDeploy,
	}

	deployCmd.Flags().StringArrayVar(&deployTargets, "target", nil, "target host (repeatable)")
	deployCmd.Flags().StringVar(&deployUser, "user", "root", "SSH username")
	deployCmd.Flags().StringVar(&deployKeyFile, "key", "", "SSH private key file")
	deployCmd.Flags().BoolVar(&deployAskPassword, "password", false, "prompt for an SSH password")
	deployCmd.Flags().IntVar(&deployPort, "port", 0, "SSH port (default from config)")
	deployCmd.Flags().IntVar(&deployConcurrency, "concurrency", 0, "maximum parallel deployments (default from config)")
	deployCmd.Flags().StringVar(&deployRemoteDir, "remote-dir", "", "package destination directory on targets")

	rootCmd.AddCommand(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Shutdown()

	if len(deployTargets) == 0 {
		return fmt.Errorf("at least one --target is required")
	}

	creds := sandbox.Credentials{
		Username: deployUser,
		Port:     deployPort,
	}
	if creds.Port == 0 {
		creds.Port = app.Config.Deploy.SSHPort
	}

	if deployKeyFile != "" {
		key, err := os.ReadFile(deployKeyFile)
		if err != nil {
			return fmt.Errorf("failed to read SSH key %s: %w", deployKeyFile, err)
		}
		creds.PrivateKey = key
	}

	if deployAskPassword {
		fmt.Fprintf(os.Stderr, "SSH password for %s: ", deployUser)
		password, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		creds.Password = string(password)
	}

	if creds.PrivateKey == nil && creds.Password == "" {
		return fmt.Errorf("provide --key or --password for SSH authentication")
	}

	targets := make([]deploy.Target, 0, len(deployTargets))
	for _, host := range deployTargets {
		targets = append(targets, deploy.Target{
			Host:        host,
			Credentials: creds,
		})
	}

	ctx, cancel := app.Context()
	defer cancel()

	opts := deploy.Options{
		MaxConcurrent: deployConcurrency,
		RemoteDir:     deployRemoteDir,
	}
	if opts.MaxConcurrent == 0 {
		opts.MaxConcurrent = app.Config.Deploy.MaxConcurrent
	}
	if opts.RemoteDir == "" {
		opts.RemoteDir = app.Config.Deploy.RemoteDir
	}

	report, err := app.Coordinator.DeployBatch(ctx, args[0], targets, opts)
	if err != nil {
		return err
	}

	app.Printer.DeployReport(report)
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d deployments failed", report.Failed, report.Total)
	}
	return nil
}
