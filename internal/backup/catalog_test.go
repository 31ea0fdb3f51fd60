package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T) *FileCatalog {
	t.Helper()
	catalog, err := NewFileCatalog(filepath.Join(t.TempDir(), "catalog.json"))
	require.NoError(t, err)
	return catalog
}

func fullRecord(id, sandboxID, archivePath string, created time.Time) *BackupRecord {
	return &BackupRecord{
		ID:          id,
		SandboxID:   sandboxID,
		Type:        BackupTypeFull,
		CreatedAt:   created,
		SizeBytes:   10,
		Checksum:    "deadbeef",
		ArchivePath: archivePath,
	}
}

func incrRecord(id, sandboxID, parentID, archivePath string, created time.Time) *BackupRecord {
	return &BackupRecord{
		ID:               id,
		SandboxID:        sandboxID,
		Type:             BackupTypeIncremental,
		ParentID:         parentID,
		CreatedAt:        created,
		SizeBytes:        5,
		Checksum:         "cafebabe",
		ArchivePath:      archivePath,
		ChangedFileCount: 1,
	}
}

func TestFileCatalogAddAndGet(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	record := fullRecord("full-1", "sb-a", "/tmp/full-1.archive", time.Now().UTC())
	id, err := catalog.AddRecord(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, "full-1", id)

	got, err := catalog.GetRecord(ctx, "full-1")
	require.NoError(t, err)
	assert.Equal(t, record.SandboxID, got.SandboxID)
	assert.Equal(t, BackupTypeFull, got.Type)
}

func TestFileCatalogGetRecordNotFound(t *testing.T) {
	catalog := newTestCatalog(t)

	_, err := catalog.GetRecord(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, IsErrorType(err, BackupErrorTypeNotFound))
}

func TestFileCatalogRejectsDuplicateID(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	record := fullRecord("full-1", "sb-a", "/tmp/full-1.archive", time.Now().UTC())
	_, err := catalog.AddRecord(ctx, record)
	require.NoError(t, err)

	_, err = catalog.AddRecord(ctx, record)
	require.Error(t, err)
	assert.True(t, IsErrorType(err, BackupErrorTypeConflict))
}

func TestFileCatalogIncrementalRequiresExistingParent(t *testing.T) {
	catalog := newTestCatalog(t)

	record := incrRecord("incr-1", "sb-a", "missing-parent", "/tmp/incr-1.delta", time.Now().UTC())
	_, err := catalog.AddRecord(context.Background(), record)
	require.Error(t, err)
	assert.True(t, IsErrorType(err, BackupErrorTypeNoParent))
}

func TestFileCatalogRejectsCrossSandboxParent(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()

	_, err := catalog.AddRecord(ctx, fullRecord("full-1", "sb-a", "/tmp/full-1.archive", time.Now().UTC()))
	require.NoError(t, err)

	record := incrRecord("incr-1", "sb-b", "full-1", "/tmp/incr-1.delta", time.Now().UTC())
	_, err = catalog.AddRecord(ctx, record)
	require.Error(t, err)
	assert.True(t, IsErrorType(err, BackupErrorTypeValidation))
}

func TestFileCatalogListRecordsFilterAndOrder(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()
	base := time.Now().UTC()

	_, err := catalog.AddRecord(ctx, fullRecord("full-1", "sb-a", "/tmp/f1", base))
	require.NoError(t, err)
	_, err = catalog.AddRecord(ctx, fullRecord("full-2", "sb-b", "/tmp/f2", base.Add(time.Minute)))
	require.NoError(t, err)
	_, err = catalog.AddRecord(ctx, incrRecord("incr-1", "sb-a", "full-1", "/tmp/i1", base.Add(2*time.Minute)))
	require.NoError(t, err)

	all, err := catalog.ListRecords(ctx, RecordFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Most recent first.
	assert.Equal(t, "incr-1", all[0].ID)
	assert.Equal(t, "full-1", all[2].ID)

	onlyA, err := catalog.ListRecords(ctx, RecordFilter{SandboxID: "sb-a"})
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)

	onlyFull, err := catalog.ListRecords(ctx, RecordFilter{Type: BackupTypeFull})
	require.NoError(t, err)
	assert.Len(t, onlyFull, 2)
}

func TestFileCatalogLatestRecord(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()
	base := time.Now().UTC()

	latest, err := catalog.LatestRecord(ctx, "sb-a")
	require.NoError(t, err)
	assert.Nil(t, latest)

	_, err = catalog.AddRecord(ctx, fullRecord("full-1", "sb-a", "/tmp/f1", base))
	require.NoError(t, err)
	_, err = catalog.AddRecord(ctx, incrRecord("incr-1", "sb-a", "full-1", "/tmp/i1", base.Add(time.Minute)))
	require.NoError(t, err)

	latest, err = catalog.LatestRecord(ctx, "sb-a")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "incr-1", latest.ID)
}

func TestFileCatalogResolveChainOrder(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()
	base := time.Now().UTC()

	_, err := catalog.AddRecord(ctx, fullRecord("full-1", "sb-a", "/tmp/f1", base))
	require.NoError(t, err)
	_, err = catalog.AddRecord(ctx, incrRecord("incr-1", "sb-a", "full-1", "/tmp/i1", base.Add(time.Minute)))
	require.NoError(t, err)
	_, err = catalog.AddRecord(ctx, incrRecord("incr-2", "sb-a", "incr-1", "/tmp/i2", base.Add(2*time.Minute)))
	require.NoError(t, err)

	chain, err := catalog.ResolveChain(ctx, "incr-2")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "full-1", chain[0].ID)
	assert.Equal(t, "incr-1", chain[1].ID)
	assert.Equal(t, "incr-2", chain[2].ID)

	// A full record is its own chain.
	chain, err = catalog.ResolveChain(ctx, "full-1")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "full-1", chain[0].ID)
}

func TestFileCatalogDeleteWithDependentsFailsWithoutCascade(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()
	base := time.Now().UTC()

	_, err := catalog.AddRecord(ctx, fullRecord("full-1", "sb-a", "/tmp/f1", base))
	require.NoError(t, err)
	_, err = catalog.AddRecord(ctx, incrRecord("incr-1", "sb-a", "full-1", "/tmp/i1", base.Add(time.Minute)))
	require.NoError(t, err)

	err = catalog.DeleteRecord(ctx, "full-1", false)
	require.Error(t, err)
	assert.True(t, IsErrorType(err, BackupErrorTypeDependency))

	// Nothing was removed.
	_, err = catalog.GetRecord(ctx, "full-1")
	assert.NoError(t, err)
	_, err = catalog.GetRecord(ctx, "incr-1")
	assert.NoError(t, err)
}

func TestFileCatalogCascadeDeleteRemovesChainAndArchives(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()
	archiveDir := t.TempDir()
	base := time.Now().UTC()

	paths := map[string]string{
		"full-1": filepath.Join(archiveDir, "full-1.archive"),
		"incr-1": filepath.Join(archiveDir, "incr-1.delta"),
		"incr-2": filepath.Join(archiveDir, "incr-2.delta"),
	}
	for _, p := range paths {
		require.NoError(t, os.WriteFile(p, []byte("blob"), 0644))
	}

	_, err := catalog.AddRecord(ctx, fullRecord("full-1", "sb-a", paths["full-1"], base))
	require.NoError(t, err)
	_, err = catalog.AddRecord(ctx, incrRecord("incr-1", "sb-a", "full-1", paths["incr-1"], base.Add(time.Minute)))
	require.NoError(t, err)
	_, err = catalog.AddRecord(ctx, incrRecord("incr-2", "sb-a", "incr-1", paths["incr-2"], base.Add(2*time.Minute)))
	require.NoError(t, err)

	require.NoError(t, catalog.DeleteRecord(ctx, "full-1", true))

	remaining, err := catalog.ListRecords(ctx, RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, remaining)

	for id, p := range paths {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "archive of %s should be gone", id)
	}
}

func TestFileCatalogDeleteLeafKeepsParent(t *testing.T) {
	catalog := newTestCatalog(t)
	ctx := context.Background()
	base := time.Now().UTC()

	_, err := catalog.AddRecord(ctx, fullRecord("full-1", "sb-a", "/tmp/f1", base))
	require.NoError(t, err)
	_, err = catalog.AddRecord(ctx, incrRecord("incr-1", "sb-a", "full-1", "/tmp/i1", base.Add(time.Minute)))
	require.NoError(t, err)

	require.NoError(t, catalog.DeleteRecord(ctx, "incr-1", false))

	_, err = catalog.GetRecord(ctx, "full-1")
	assert.NoError(t, err)
	_, err = catalog.GetRecord(ctx, "incr-1")
	assert.True(t, IsErrorType(err, BackupErrorTypeNotFound))
}

func TestFileCatalogPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	ctx := context.Background()

	first, err := NewFileCatalog(path)
	require.NoError(t, err)
	_, err = first.AddRecord(ctx, fullRecord("full-1", "sb-a", "/tmp/f1", time.Now().UTC()))
	require.NoError(t, err)

	reopened, err := NewFileCatalog(path)
	require.NoError(t, err)
	got, err := reopened.GetRecord(ctx, "full-1")
	require.NoError(t, err)
	assert.Equal(t, "sb-a", got.SandboxID)
}

func TestFileCatalogCorruptStoreFailsClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewFileCatalog(path)
	require.Error(t, err)
	assert.True(t, IsErrorType(err, BackupErrorTypeCatalogCorrupt))
}

func TestFileCatalogCorruptRecordFailsClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	// A structurally valid JSON store holding an invalid record.
	store := `{"version":1,"records":[{"id":"full-1","sandbox_id":"","type":"FULL","created_at":"2026-01-01T00:00:00Z","size_bytes":1,"checksum":"x","archive_path":"/tmp/f1"}]}`
	require.NoError(t, os.WriteFile(path, []byte(store), 0644))

	_, err := NewFileCatalog(path)
	require.Error(t, err)
	assert.True(t, IsErrorType(err, BackupErrorTypeCatalogCorrupt))
}

func TestFileCatalogLockSandboxSerializes(t *testing.T) {
	catalog := newTestCatalog(t)

	unlock := catalog.LockSandbox("sb-a")

	acquired := make(chan struct{})
	go func() {
		second := catalog.LockSandbox("sb-a")
		second()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first is held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired after unlock")
	}
}

func TestFileCatalogLockDifferentSandboxesIndependent(t *testing.T) {
	catalog := newTestCatalog(t)

	unlockA := catalog.LockSandbox("sb-a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := catalog.LockSandbox("sb-b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different sandbox blocked")
	}
}
