package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"sandbox-migrate/internal/backup"
	"sandbox-migrate/internal/confirmation"
)

var (
	backupIncremental bool
	backupParentID    string
	backupCompress    bool
	backupAlgorithm   string

	listSandboxID string
	listType      string

	deleteCascade bool
	deleteYes     bool
)

func init() {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Create and manage sandbox backups",
	}

	createCmd := &cobra.Command{
		Use:   "create <sandbox-id>",
		Short: "Create a full or incremental backup of a sandbox",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackupCreate,
	}
	createCmd.Flags().BoolVar(&backupIncremental, "incremental", false, "capture only files changed since the parent record")
	createCmd.Flags().StringVar(&backupParentID, "parent", "", "parent record ID for incremental backups (default: latest record)")
	createCmd.Flags().BoolVar(&backupCompress, "compress", false, "compress the full archive")
	createCmd.Flags().StringVar(&backupAlgorithm, "algorithm", "", "compression algorithm (GZIP, LZ4, ZSTD)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog records, most recent first",
		Args:  cobra.NoArgs,
		RunE:  runBackupList,
	}
	listCmd.Flags().StringVar(&listSandboxID, "sandbox", "", "only records for this sandbox")
	listCmd.Flags().StringVar(&listType, "type", "", "only records of this type (FULL or INCREMENTAL)")

	showCmd := &cobra.Command{
		Use:   "show <record-id>",
		Short: "Show a record and its chain",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackupShow,
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <record-id>",
		Short: "Delete a record and its archive",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackupDelete,
	}
	deleteCmd.Flags().BoolVar(&deleteCascade, "cascade", false, "also delete records depending on this one")
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "skip the confirmation prompt")

	validateCmd := &cobra.Command{
		Use:   "validate <record-id>",
		Short: "Recompute and compare the archive checksum of a record",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackupValidate,
	}

	backupCmd.AddCommand(createCmd, listCmd, showCmd, deleteCmd, validateCmd)
	rootCmd.AddCommand(backupCmd)
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Shutdown()

	ctx, cancel := app.Context()
	defer cancel()

	sandboxID := args[0]

	if backupIncremental {
		result, err := app.Engine.CreateIncrementalBackup(ctx, sandboxID, backup.IncrementalBackupOptions{
			ParentID:        backupParentID,
			CompressionType: backup.CompressionType(backupAlgorithm),
		})
		if err != nil {
			return err
		}
		if result.Skipped {
			app.Printer.Warn("No files changed since the parent record, nothing to back up.")
			return nil
		}
		app.Printer.Success("✓ Created incremental backup %s (%d changed file(s))",
			result.Record.ID, result.Record.ChangedFileCount)
		return nil
	}

	if backupParentID != "" {
		return fmt.Errorf("--parent only applies to incremental backups")
	}

	opts := backup.FullBackupOptions{Compress: backupCompress}
	if backupAlgorithm != "" {
		opts.Compress = true
		opts.CompressionType = backup.CompressionType(backupAlgorithm)
	} else if backupCompress {
		opts.CompressionType = app.Config.Backup.CompressionType
	}

	record, err := app.Engine.CreateFullBackup(ctx, sandboxID, opts)
	if err != nil {
		return err
	}
	app.Printer.Success("✓ Created full backup %s", record.ID)
	return nil
}

func runBackupList(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Shutdown()

	ctx, cancel := app.Context()
	defer cancel()

	records, err := app.Catalog.ListRecords(ctx, backup.RecordFilter{
		SandboxID: listSandboxID,
		Type:      backup.BackupType(listType),
	})
	if err != nil {
		return err
	}

	app.Printer.RecordTable(records)
	return nil
}

func runBackupShow(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Shutdown()

	ctx, cancel := app.Context()
	defer cancel()

	record, err := app.Catalog.GetRecord(ctx, args[0])
	if err != nil {
		return err
	}
	chain, err := app.Catalog.ResolveChain(ctx, record.ID)
	if err != nil {
		return err
	}

	app.Printer.RecordDetail(record, chain)
	return nil
}

func runBackupDelete(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Shutdown()

	ctx, cancel := app.Context()
	defer cancel()

	recordID := args[0]

	if deleteCascade {
		target, err := app.Catalog.GetRecord(ctx, recordID)
		if err != nil {
			return err
		}
		all, err := app.Catalog.ListRecords(ctx, backup.RecordFilter{})
		if err != nil {
			return err
		}

		confirmer := confirmation.NewService(nil, nil)
		approved, err := confirmer.ConfirmCascadeDelete(target, dependentsOf(all, recordID), deleteYes)
		if err != nil {
			return err
		}
		if !approved {
			app.Printer.Warn("Aborted.")
			return nil
		}
	}

	if err := app.Engine.DeleteBackup(ctx, recordID, deleteCascade); err != nil {
		return err
	}
	app.Printer.Success("✓ Deleted record %s", recordID)
	return nil
}

// dependentsOf walks parent pointers to find every record transitively
// depending on id.
func dependentsOf(records []*backup.BackupRecord, id string) []*backup.BackupRecord {
	children := make(map[string][]*backup.BackupRecord)
	for _, r := range records {
		if r.ParentID != "" {
			children[r.ParentID] = append(children[r.ParentID], r)
		}
	}

	var out []*backup.BackupRecord
	var walk func(parentID string)
	walk = func(parentID string) {
		for _, child := range children[parentID] {
			out = append(out, child)
			walk(child.ID)
		}
	}
	walk(id)
	return out
}

func runBackupValidate(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Shutdown()

	ctx, cancel := app.Context()
	defer cancel()

	record, err := app.Catalog.GetRecord(ctx, args[0])
	if err != nil {
		return err
	}

	result, err := app.Validator.ValidateRecord(ctx, record)
	if err != nil {
		return err
	}

	app.Printer.ValidationResult(record.ID, result)
	if !result.Valid {
		// Typed so Execute maps the failure to exit code 2.
		return backup.NewValidationError(
			fmt.Sprintf("archive validation failed: %s", result.Reason), nil).
			WithContext("record_id", record.ID)
	}
	return nil
}
