package restore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sandbox-migrate/internal/backup"
	"sandbox-migrate/internal/logging"
	"sandbox-migrate/internal/sandbox"
)

// State is the restore state machine position. Transitions only move
// forward; the terminal states are Completed, Failed and TimedOut.
type State string

const (
	StatePending         State = "PENDING"
	StateValidatingChain State = "VALIDATING_CHAIN"
	StateExtracting      State = "EXTRACTING"
	StateApplying        State = "APPLYING"
	StateVerifying       State = "VERIFYING"
	StateCompleted       State = "COMPLETED"
	StateFailed          State = "FAILED"
	StateTimedOut        State = "TIMED_OUT"
)

// DefaultTimeout bounds a restore when the caller does not set one.
const DefaultTimeout = 15 * time.Minute

// DefaultLivenessCommand is executed inside the restored sandbox to verify
// it accepts commands.
const DefaultLivenessCommand = "echo ok"

// Options configures a restore run.
type Options struct {
	// Timeout bounds the whole restore. Zero means DefaultTimeout.
	Timeout time.Duration

	// Force allows restoring over an existing sandbox name and proceeds
	// past chain integrity failures instead of aborting.
	Force bool

	// LivenessCommand overrides the verification command.
	LivenessCommand string
}

// Result reports the outcome of a restore run. A result is returned for
// failed runs too, carrying the state the run stopped in.
type Result struct {
	RecordID      string        `json:"record_id"`
	NewSandboxID  string        `json:"new_sandbox_id"`
	State         State         `json:"state"`
	ChainLength   int           `json:"chain_length"`
	AppliedDeltas int           `json:"applied_deltas"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   time.Time     `json:"completed_at"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
}

// Orchestrator drives a backup record through the restore state machine:
// chain validation, full archive extraction, delta replay in chain order
// and a liveness probe. A failed or timed out run leaves the partially
// built sandbox in place for inspection; teardown is the operator's call.
type Orchestrator struct {
	catalog    backup.Catalog
	adapter    sandbox.SnapshotAdapter
	validator  *backup.Validator
	archiver   *backup.DeltaArchiver
	stagingDir string
	logger     *logging.Logger
	offsite    backup.ArchiveStore
}

// NewOrchestrator creates a restore orchestrator. stagingDir holds
// decompressed full archives during extraction.
func NewOrchestrator(catalog backup.Catalog, adapter sandbox.SnapshotAdapter, stagingDir string, logger *logging.Logger) (*Orchestrator, error) {
	if catalog == nil {
		return nil, backup.NewValidationError("catalog is required", nil)
	}
	if adapter == nil {
		return nil, backup.NewValidationError("snapshot adapter is required", nil)
	}
	if stagingDir == "" {
		stagingDir = os.TempDir()
	}
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, backup.NewStorageError("failed to create staging directory", err)
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	return &Orchestrator{
		catalog:    catalog,
		adapter:    adapter,
		validator:  backup.NewValidator(),
		archiver:   backup.NewDeltaArchiver(),
		stagingDir: stagingDir,
		logger:     logger,
	}, nil
}

// SetOffsiteStore enables fetching archives that are missing locally from
// an offsite replica before chain validation.
func (o *Orchestrator) SetOffsiteStore(store backup.ArchiveStore) {
	o.offsite = store
}

// Restore materializes a new sandbox from the chain of the given record.
// The returned result is non-nil whenever the run entered the state
// machine, including failed and timed out runs.
func (o *Orchestrator) Restore(ctx context.Context, recordID, newSandboxID string, opts Options) (*Result, error) {
	if recordID == "" {
		return nil, backup.NewValidationError("record ID is required", nil)
	}
	if newSandboxID == "" {
		return nil, backup.NewValidationError("new sandbox ID is required", nil)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	livenessCommand := opts.LivenessCommand
	if livenessCommand == "" {
		livenessCommand = DefaultLivenessCommand
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Serialize against backups and other restores targeting the same
	// sandbox name.
	unlock := o.catalog.LockSandbox(newSandboxID)
	defer unlock()

	result := &Result{
		RecordID:     recordID,
		NewSandboxID: newSandboxID,
		State:        StatePending,
		StartedAt:    time.Now().UTC(),
	}
	o.logger.LogRestoreState(recordID, newSandboxID, string(StatePending))

	exists, err := o.adapter.Exists(ctx, newSandboxID)
	if err != nil {
		return o.fail(ctx, result, backup.NewCaptureError(
			fmt.Sprintf("failed to check sandbox %s", newSandboxID), err))
	}
	if exists && !opts.Force {
		return o.fail(ctx, result, backup.NewConflictError(
			fmt.Sprintf("sandbox %s already exists; use force to overwrite", newSandboxID), nil).
			WithContext("sandbox_id", newSandboxID))
	}

	// Validate the chain before touching the target host.
	o.transition(result, StateValidatingChain)

	chainStart := time.Now()
	chain, err := o.catalog.ResolveChain(ctx, recordID)
	if err != nil {
		o.logger.LogChainValidation(recordID, 0, time.Since(chainStart), err)
		return o.fail(ctx, result, err)
	}
	result.ChainLength = len(chain)

	o.fetchMissingArchives(ctx, chain)

	if err := o.validator.ValidateChain(ctx, chain); err != nil {
		o.logger.LogChainValidation(recordID, len(chain), time.Since(chainStart), err)
		if !opts.Force {
			return o.fail(ctx, result, err)
		}
		o.logger.Warnf("Chain validation failed for %s, continuing because force is set: %v", recordID, err)
	} else {
		o.logger.LogChainValidation(recordID, len(chain), time.Since(chainStart), nil)
	}

	// Materialize the full root archive as the new sandbox.
	o.transition(result, StateExtracting)

	full := chain[0]
	staged, cleanup, err := backup.StageArchive(full, o.stagingDir)
	if err != nil {
		return o.fail(ctx, result, err)
	}
	defer cleanup()

	if err := o.adapter.Materialize(ctx, staged, newSandboxID); err != nil {
		return o.fail(ctx, result, backup.NewCaptureError(
			fmt.Sprintf("failed to materialize sandbox %s from record %s", newSandboxID, full.ID), err).
			WithContext("record_id", full.ID))
	}

	// Replay incremental deltas oldest first. Within one delta, files are
	// written in archive order.
	o.transition(result, StateApplying)

	for _, rec := range chain[1:] {
		select {
		case <-ctx.Done():
			return o.fail(ctx, result, backup.NewTimeoutError("restore interrupted", ctx.Err()))
		default:
		}

		entries, err := o.archiver.Unpack(rec.ArchivePath)
		if err != nil {
			return o.fail(ctx, result, err)
		}

		for _, entry := range entries {
			if err := o.adapter.WriteFile(ctx, newSandboxID, entry.Path, entry.Content); err != nil {
				return o.fail(ctx, result, backup.NewCaptureError(
					fmt.Sprintf("failed to apply %s from record %s", entry.Path, rec.ID), err).
					WithContext("record_id", rec.ID).
					WithContext("path", entry.Path))
			}
		}
		result.AppliedDeltas++
	}

	// Probe the restored sandbox before declaring success.
	o.transition(result, StateVerifying)

	if _, err := o.adapter.Exec(ctx, newSandboxID, livenessCommand); err != nil {
		return o.fail(ctx, result, backup.NewLivenessError(
			fmt.Sprintf("sandbox %s failed liveness probe", newSandboxID), err).
			WithContext("sandbox_id", newSandboxID))
	}

	o.transition(result, StateCompleted)
	result.CompletedAt = time.Now().UTC()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	return result, nil
}

// fetchMissingArchives pulls archives the chain references but the local
// archive directory no longer holds from the offsite store. Fetch failures
// only warn; chain validation reports the missing file either way.
func (o *Orchestrator) fetchMissingArchives(ctx context.Context, chain []*backup.BackupRecord) {
	if o.offsite == nil {
		return
	}

	for _, rec := range chain {
		if _, err := os.Stat(rec.ArchivePath); err == nil || !os.IsNotExist(err) {
			continue
		}

		key := filepath.Base(rec.ArchivePath)
		if err := o.offsite.Download(ctx, key, rec.ArchivePath); err != nil {
			o.logger.Warnf("Failed to fetch archive %s from offsite store: %v", key, err)
			continue
		}
		o.logger.Infof("Fetched archive %s from offsite store", key)
	}
}

// transition advances the state machine and logs the new state.
func (o *Orchestrator) transition(result *Result, state State) {
	result.State = state
	o.logger.LogRestoreState(result.RecordID, result.NewSandboxID, string(state))
}

// fail finalizes the result in Failed, or TimedOut when the deadline
// elapsed. The partially built sandbox is deliberately left alone.
func (o *Orchestrator) fail(ctx context.Context, result *Result, err error) (*Result, error) {
	state := StateFailed
	if ctx.Err() == context.DeadlineExceeded {
		state = StateTimedOut
		err = backup.NewTimeoutError(
			fmt.Sprintf("restore of record %s timed out", result.RecordID), err).
			WithContext("record_id", result.RecordID)
	}

	o.transition(result, state)
	result.CompletedAt = time.Now().UTC()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	result.Error = err.Error()

	return result, err
}
