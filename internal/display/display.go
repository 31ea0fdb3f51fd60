package display

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"

	"sandbox-migrate/internal/backup"
	"sandbox-migrate/internal/deploy"
	"sandbox-migrate/internal/migration"
	"sandbox-migrate/internal/restore"
)

// Printer renders command output. Colors are used only when the output is
// a capable terminal.
type Printer struct {
	out       io.Writer
	useColor  bool
	profile   termenv.Profile
	successFn func(format string, a ...interface{}) string
	errorFn   func(format string, a ...interface{}) string
	warnFn    func(format string, a ...interface{}) string
	headerFn  func(format string, a ...interface{}) string
	dimFn     func(format string, a ...interface{}) string
}

// NewPrinter creates a printer writing to out. When out is nil, stdout is
// used.
func NewPrinter(out io.Writer) *Printer {
	if out == nil {
		out = os.Stdout
	}

	p := &Printer{
		out:      out,
		useColor: detectColorSupport(out),
		profile:  termenv.ColorProfile(),
	}

	if !p.useColor {
		color.NoColor = true
	}

	p.successFn = color.New(color.FgGreen).SprintfFunc()
	p.errorFn = color.New(color.FgRed).SprintfFunc()
	p.warnFn = color.New(color.FgYellow).SprintfFunc()
	p.headerFn = color.New(color.FgCyan, color.Bold).SprintfFunc()
	p.dimFn = color.New(color.Faint).SprintfFunc()

	return p
}

// detectColorSupport checks whether out is a color-capable terminal.
func detectColorSupport(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false
	}
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return true
}

// Printf writes plain formatted output.
func (p *Printer) Printf(format string, args ...interface{}) {
	fmt.Fprintf(p.out, format, args...)
}

// Success writes a green success line.
func (p *Printer) Success(format string, args ...interface{}) {
	fmt.Fprintln(p.out, p.successFn(format, args...))
}

// Error writes a red error line.
func (p *Printer) Error(format string, args ...interface{}) {
	fmt.Fprintln(p.out, p.errorFn(format, args...))
}

// Warn writes a yellow warning line.
func (p *Printer) Warn(format string, args ...interface{}) {
	fmt.Fprintln(p.out, p.warnFn(format, args...))
}

// Header writes a bold section header.
func (p *Printer) Header(format string, args ...interface{}) {
	fmt.Fprintln(p.out, p.headerFn(format, args...))
}

// RecordTable renders catalog records as a table, preserving the given
// order.
func (p *Printer) RecordTable(records []*backup.BackupRecord) {
	if len(records) == 0 {
		fmt.Fprintln(p.out, p.dimFn("No backup records found."))
		return
	}

	w := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSANDBOX\tTYPE\tPARENT\tCREATED\tSIZE\tFILES")
	for _, r := range records {
		parent := r.ParentID
		if parent == "" {
			parent = "-"
		}
		files := "-"
		if r.Type == backup.BackupTypeIncremental {
			files = fmt.Sprintf("%d", r.ChangedFileCount)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			r.SandboxID,
			r.Type,
			parent,
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			formatSize(r.SizeBytes),
			files,
		)
	}
	w.Flush()
}

// RecordDetail renders a single record with its chain.
func (p *Printer) RecordDetail(record *backup.BackupRecord, chain []*backup.BackupRecord) {
	p.Header("Backup %s", record.ID)
	p.Printf("  Sandbox:    %s\n", record.SandboxID)
	p.Printf("  Type:       %s\n", record.Type)
	p.Printf("  Created:    %s\n", record.CreatedAt.Local().Format(time.RFC3339))
	p.Printf("  Size:       %s\n", formatSize(record.SizeBytes))
	p.Printf("  Checksum:   %s\n", record.Checksum)
	p.Printf("  Archive:    %s\n", record.ArchivePath)
	if record.ParentID != "" {
		p.Printf("  Parent:     %s\n", record.ParentID)
		p.Printf("  Changed:    %d file(s)\n", record.ChangedFileCount)
	}

	if len(chain) > 1 {
		p.Printf("\n  Chain (%d records):\n", len(chain))
		for i, r := range chain {
			marker := "├─"
			if i == len(chain)-1 {
				marker = "└─"
			}
			p.Printf("  %s %s (%s)\n", marker, r.ID, r.Type)
		}
	}
}

// ValidationResult renders an archive validation outcome.
func (p *Printer) ValidationResult(recordID string, result *backup.ValidationResult) {
	if result.Valid {
		p.Success("✓ %s: archive valid", recordID)
		return
	}
	p.Error("✗ %s: %s", recordID, result.Reason)
	if result.Reason == backup.ValidationReasonChecksumMismatch {
		p.Printf("  expected %s\n  actual   %s\n", result.Expected, result.Actual)
	}
}

// RestoreResult renders the outcome of a restore run.
func (p *Printer) RestoreResult(result *restore.Result) {
	switch result.State {
	case restore.StateCompleted:
		p.Success("✓ Restored %s as sandbox %s in %s (%d delta(s) applied)",
			result.RecordID, result.NewSandboxID, result.Duration.Round(time.Millisecond), result.AppliedDeltas)
	case restore.StateTimedOut:
		p.Error("✗ Restore of %s timed out in state %s after %s",
			result.RecordID, result.State, result.Duration.Round(time.Millisecond))
		p.Warn("  Partial sandbox %s was left in place for inspection.", result.NewSandboxID)
	default:
		p.Error("✗ Restore of %s failed: %s", result.RecordID, result.Error)
		p.Warn("  Partial sandbox %s was left in place for inspection.", result.NewSandboxID)
	}
}

// PackageResult renders a created migration package.
func (p *Printer) PackageResult(result *migration.PackageResult) {
	p.Success("✓ Created migration package %s", result.MigrationID)
	p.Printf("  Path:   %s\n", result.Path)
	p.Printf("  Source: %s\n", result.RecordID)
	p.Printf("  Size:   %s\n", formatSize(result.SizeBytes))
	if result.Compressed {
		p.Printf("  Bundle: compressed single file\n")
	}
}

// DeployReport renders a batch deployment report.
func (p *Printer) DeployReport(report *deploy.Report) {
	p.Header("Deployment of %s: %d target(s)", report.MigrationID, report.Total)

	w := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tSTATUS\tDURATION\tDETAIL")
	for _, r := range report.Results {
		status := string(r.Status)
		switch r.Status {
		case deploy.StatusSucceeded:
			status = p.successFn("%s", status)
		case deploy.StatusFailed:
			status = p.errorFn("%s", status)
		case deploy.StatusSkipped:
			status = p.warnFn("%s", status)
		}
		detail := r.Error
		if detail == "" {
			detail = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Host, status, r.Duration.Round(time.Millisecond), detail)
	}
	w.Flush()

	p.Printf("\n%d succeeded, %d failed, %d skipped in %s\n",
		report.Succeeded, report.Failed, report.Skipped, report.Duration.Round(time.Millisecond))
}

// formatSize renders a byte count in human units.
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
