package cmd

import (
	"github.com/spf13/cobra"

	"sandbox-migrate/internal/backup"
	"sandbox-migrate/internal/migration"
)

var (
	packageOut        string
	packageRecordID   string
	packageCompress   bool
	packageAlgorithm  string
	packageSystemInfo bool
)

func init() {
	packageCmd := &cobra.Command{
		Use:   "package",
		Short: "Build migration packages",
	}

	createCmd := &cobra.Command{
		Use:   "create <sandbox-id>",
		Short: "Build a self-contained migration package for a sandbox",
		Long: `package create bundles a full backup archive, the introspected sandbox
configuration, install and validate scripts and a manifest into one
directory (or a single compressed file with --compress).

When the sandbox has no full backup yet, one is created first.`,
		Args: cobra.ExactArgs(1),
		RunE: runPackageCreate,
	}
	createCmd.Flags().StringVar(&packageOut, "out", ".", "directory the package is written under")
	createCmd.Flags().StringVar(&packageRecordID, "record", "", "build from this full backup record instead of the latest")
	createCmd.Flags().BoolVar(&packageCompress, "compress", false, "bundle the package into a single compressed file")
	createCmd.Flags().StringVar(&packageAlgorithm, "algorithm", "", "bundle compression algorithm (GZIP, LZ4, ZSTD)")
	createCmd.Flags().BoolVar(&packageSystemInfo, "system-info", false, "record origin host details in the manifest")

	validateCmd := &cobra.Command{
		Use:   "validate <package-dir>",
		Short: "Verify a package directory is complete and uncorrupted",
		Args:  cobra.ExactArgs(1),
		RunE:  runPackageValidate,
	}

	packageCmd.AddCommand(createCmd, validateCmd)
	rootCmd.AddCommand(packageCmd)
}

func runPackageCreate(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Shutdown()

	ctx, cancel := app.Context()
	defer cancel()

	result, err := app.Packager.CreatePackage(ctx, args[0], packageOut, migration.Options{
		RecordID:          packageRecordID,
		IncludeSystemInfo: packageSystemInfo,
		Compress:          packageCompress || packageAlgorithm != "",
		CompressionType:   backup.CompressionType(packageAlgorithm),
	})
	if err != nil {
		return err
	}

	app.Printer.PackageResult(result)
	return nil
}

func runPackageValidate(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Shutdown()

	ctx, cancel := app.Context()
	defer cancel()

	manifest, err := migration.ValidatePackage(ctx, args[0])
	if err != nil {
		return err
	}

	app.Printer.Success("✓ Package %s is valid (sandbox %s, record %s)",
		manifest.MigrationID, manifest.SandboxID, manifest.RecordID)
	return nil
}
