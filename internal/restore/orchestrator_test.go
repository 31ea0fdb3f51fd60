package restore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandbox-migrate/internal/backup"
	"sandbox-migrate/internal/logging"
	"sandbox-migrate/internal/sandbox"
)

type restoreFixture struct {
	catalog      *backup.FileCatalog
	adapter      *sandbox.MockSnapshotAdapter
	engine       *backup.Engine
	orchestrator *Orchestrator
}

func testLogger() *logging.Logger {
	logger, _ := logging.NewLogger(logging.Config{
		Level:  logging.LogLevelQuiet,
		Output: io.Discard,
	})
	return logger
}

func newRestoreFixture(t *testing.T) *restoreFixture {
	t.Helper()

	catalog, err := backup.NewFileCatalog(filepath.Join(t.TempDir(), "catalog.json"))
	require.NoError(t, err)

	adapter := sandbox.NewMockSnapshotAdapter()
	engine, err := backup.NewEngine(catalog, adapter, t.TempDir(), testLogger())
	require.NoError(t, err)

	orchestrator, err := NewOrchestrator(catalog, adapter, t.TempDir(), testLogger())
	require.NoError(t, err)

	return &restoreFixture{
		catalog:      catalog,
		adapter:      adapter,
		engine:       engine,
		orchestrator: orchestrator,
	}
}

// seedChain creates a source sandbox with a full backup and one incremental
// carrying an updated config file.
func (f *restoreFixture) seedChain(t *testing.T) (full, incr *backup.BackupRecord) {
	t.Helper()
	ctx := context.Background()

	f.adapter.Seed("src", map[string]string{
		"etc/app.conf": "listen = 8080",
		"srv/data.db":  "rows",
	}, time.Now().Add(-time.Hour))

	full, err := f.engine.CreateFullBackup(ctx, "src", backup.FullBackupOptions{})
	require.NoError(t, err)

	f.adapter.Touch("src", "etc/app.conf", "listen = 9090", time.Now().Add(time.Hour))
	result, err := f.engine.CreateIncrementalBackup(ctx, "src", backup.IncrementalBackupOptions{})
	require.NoError(t, err)
	require.False(t, result.Skipped)

	return full, result.Record
}

func TestRestoreFullChain(t *testing.T) {
	f := newRestoreFixture(t)
	_, incr := f.seedChain(t)

	result, err := f.orchestrator.Restore(context.Background(), incr.ID, "restored", Options{})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, 2, result.ChainLength)
	assert.Equal(t, 1, result.AppliedDeltas)
	assert.Empty(t, result.Error)
	assert.False(t, result.CompletedAt.IsZero())

	files := f.adapter.Files("restored")
	assert.Equal(t, "listen = 9090", files["etc/app.conf"], "delta must win over the full archive")
	assert.Equal(t, "rows", files["srv/data.db"])
}

func TestRestoreFullRecordOnly(t *testing.T) {
	f := newRestoreFixture(t)
	full, _ := f.seedChain(t)

	result, err := f.orchestrator.Restore(context.Background(), full.ID, "restored", Options{})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, 1, result.ChainLength)
	assert.Equal(t, 0, result.AppliedDeltas)
	// The full archive predates the incremental's touch.
	assert.Equal(t, "listen = 8080", f.adapter.Files("restored")["etc/app.conf"])
}

func TestRestoreRoundTripPreservesChecksum(t *testing.T) {
	f := newRestoreFixture(t)
	full, _ := f.seedChain(t)

	_, err := f.orchestrator.Restore(context.Background(), full.ID, "restored", Options{})
	require.NoError(t, err)

	// A fresh capture of the restored sandbox matches the original archive
	// byte for byte.
	recaptured, err := f.engine.CreateFullBackup(context.Background(), "restored", backup.FullBackupOptions{})
	require.NoError(t, err)
	assert.Equal(t, full.Checksum, recaptured.Checksum)

	result, err := backup.NewValidator().Validate(context.Background(), recaptured.ArchivePath, full.Checksum)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestRestoreCompressedFullArchive(t *testing.T) {
	f := newRestoreFixture(t)
	ctx := context.Background()

	f.adapter.Seed("src", map[string]string{"f": "x"}, time.Now().Add(-time.Hour))
	full, err := f.engine.CreateFullBackup(ctx, "src", backup.FullBackupOptions{
		Compress:        true,
		CompressionType: backup.CompressionTypeZstd,
	})
	require.NoError(t, err)

	result, err := f.orchestrator.Restore(ctx, full.ID, "restored", Options{})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, "x", f.adapter.Files("restored")["f"])
}

func TestRestoreConflictWithoutForce(t *testing.T) {
	f := newRestoreFixture(t)
	full, _ := f.seedChain(t)

	f.adapter.Seed("taken", map[string]string{"keep": "me"}, time.Now())

	result, err := f.orchestrator.Restore(context.Background(), full.ID, "taken", Options{})
	require.Error(t, err)
	assert.True(t, backup.IsErrorType(err, backup.BackupErrorTypeConflict))

	require.NotNil(t, result)
	assert.Equal(t, StateFailed, result.State)
	assert.NotEmpty(t, result.Error)

	// The existing sandbox is untouched.
	assert.Equal(t, "me", f.adapter.Files("taken")["keep"])
}

func TestRestoreForceOverwritesExisting(t *testing.T) {
	f := newRestoreFixture(t)
	full, _ := f.seedChain(t)

	f.adapter.Seed("taken", map[string]string{"keep": "me"}, time.Now())

	result, err := f.orchestrator.Restore(context.Background(), full.ID, "taken", Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)

	files := f.adapter.Files("taken")
	assert.Equal(t, "listen = 8080", files["etc/app.conf"])
	assert.NotContains(t, files, "keep")
}

func TestRestoreCorruptChainFailsBeforeMaterialize(t *testing.T) {
	f := newRestoreFixture(t)
	full, incr := f.seedChain(t)

	// Tamper with the full archive after it was cataloged.
	require.NoError(t, os.WriteFile(full.ArchivePath, []byte("tampered"), 0644))

	result, err := f.orchestrator.Restore(context.Background(), incr.ID, "restored", Options{})
	require.Error(t, err)
	assert.True(t, backup.IsErrorType(err, backup.BackupErrorTypeChainIntegrity))

	require.NotNil(t, result)
	assert.Equal(t, StateFailed, result.State)

	// The target was never created.
	exists, _ := f.adapter.Exists(context.Background(), "restored")
	assert.False(t, exists)
}

func TestRestoreForceBypassesChainValidation(t *testing.T) {
	f := newRestoreFixture(t)
	full, incr := f.seedChain(t)

	// Append whitespace: the archive still extracts, but the checksum no
	// longer matches the record.
	archive, err := os.ReadFile(full.ArchivePath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(full.ArchivePath, append(archive, '\n'), 0644))

	result, err := f.orchestrator.Restore(context.Background(), incr.ID, "restored", Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, "listen = 9090", f.adapter.Files("restored")["etc/app.conf"])
}

func TestRestoreFetchesMissingArchiveFromOffsiteStore(t *testing.T) {
	f := newRestoreFixture(t)
	ctx := context.Background()

	store, err := backup.NewLocalArchiveStore(&backup.LocalStoreConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	f.engine.SetOffsiteStore(store)
	f.orchestrator.SetOffsiteStore(store)

	full, incr := f.seedChain(t)

	// The local archives disappear; only the offsite replicas remain.
	require.NoError(t, os.Remove(full.ArchivePath))
	require.NoError(t, os.Remove(incr.ArchivePath))

	result, err := f.orchestrator.Restore(ctx, incr.ID, "restored", Options{})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, "listen = 9090", f.adapter.Files("restored")["etc/app.conf"])
}

func TestRestoreMissingArchiveWithoutOffsiteStoreFails(t *testing.T) {
	f := newRestoreFixture(t)
	full, incr := f.seedChain(t)

	require.NoError(t, os.Remove(full.ArchivePath))

	result, err := f.orchestrator.Restore(context.Background(), incr.ID, "restored", Options{})
	require.Error(t, err)
	assert.True(t, backup.IsErrorType(err, backup.BackupErrorTypeChainIntegrity))
	require.NotNil(t, result)
	assert.Equal(t, StateFailed, result.State)
}

func TestRestoreLivenessFailurePreservesSandbox(t *testing.T) {
	f := newRestoreFixture(t)
	full, _ := f.seedChain(t)

	f.adapter.ExecErr = errors.New("init did not come up")

	result, err := f.orchestrator.Restore(context.Background(), full.ID, "restored", Options{})
	require.Error(t, err)
	assert.True(t, backup.IsErrorType(err, backup.BackupErrorTypeLiveness))

	require.NotNil(t, result)
	assert.Equal(t, StateFailed, result.State)

	// The half-built sandbox stays in place for inspection.
	exists, _ := f.adapter.Exists(context.Background(), "restored")
	assert.True(t, exists)
}

func TestRestoreTimeout(t *testing.T) {
	f := newRestoreFixture(t)
	_, incr := f.seedChain(t)

	result, err := f.orchestrator.Restore(context.Background(), incr.ID, "restored", Options{
		Timeout: time.Nanosecond,
	})
	require.Error(t, err)
	assert.True(t, backup.IsErrorType(err, backup.BackupErrorTypeTimeout))

	require.NotNil(t, result)
	assert.Equal(t, StateTimedOut, result.State)
	assert.NotEmpty(t, result.Error)
}

func TestRestoreUnknownRecord(t *testing.T) {
	f := newRestoreFixture(t)
	f.seedChain(t)

	result, err := f.orchestrator.Restore(context.Background(), "full-nope", "restored", Options{})
	require.Error(t, err)
	assert.True(t, backup.IsErrorType(err, backup.BackupErrorTypeNotFound))
	require.NotNil(t, result)
	assert.Equal(t, StateFailed, result.State)
}

func TestRestoreValidatesArguments(t *testing.T) {
	f := newRestoreFixture(t)

	_, err := f.orchestrator.Restore(context.Background(), "", "restored", Options{})
	assert.Error(t, err)

	_, err = f.orchestrator.Restore(context.Background(), "full-1", "", Options{})
	assert.Error(t, err)
}

func TestRestoreCustomLivenessCommand(t *testing.T) {
	f := newRestoreFixture(t)
	full, _ := f.seedChain(t)

	result, err := f.orchestrator.Restore(context.Background(), full.ID, "restored", Options{
		LivenessCommand: "systemctl is-system-running",
	})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, result.State)
}
