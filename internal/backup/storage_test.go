package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalStore(t *testing.T) *LocalArchiveStore {
	t.Helper()
	store, err := NewLocalArchiveStore(&LocalStoreConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	return store
}

func TestLocalArchiveStoreUploadDownload(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "full-1.archive")
	require.NoError(t, os.WriteFile(src, []byte("archive bytes"), 0644))

	require.NoError(t, store.Upload(ctx, src, "full-1.archive"))

	dest := filepath.Join(t.TempDir(), "restored.archive")
	require.NoError(t, store.Download(ctx, "full-1.archive", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "archive bytes", string(data))
}

func TestLocalArchiveStoreDownloadMissingKey(t *testing.T) {
	store := newLocalStore(t)

	err := store.Download(context.Background(), "gone.archive", filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
	assert.True(t, IsErrorType(err, BackupErrorTypeNotFound))
}

func TestLocalArchiveStoreDeleteIsTolerant(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "full-1.archive")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))
	require.NoError(t, store.Upload(ctx, src, "full-1.archive"))

	require.NoError(t, store.Delete(ctx, "full-1.archive"))
	// Deleting an already-absent key succeeds.
	require.NoError(t, store.Delete(ctx, "full-1.archive"))

	keys, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLocalArchiveStoreListSortedWithoutTempFiles(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	for _, name := range []string{"b.archive", "a.archive"} {
		src := filepath.Join(t.TempDir(), name)
		require.NoError(t, os.WriteFile(src, []byte("x"), 0644))
		require.NoError(t, store.Upload(ctx, src, name))
	}
	// Dotfiles are store internals and never listed.
	require.NoError(t, os.WriteFile(filepath.Join(store.BasePath(), ".upload-leftover.tmp"), []byte("x"), 0644))

	keys, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.archive", "b.archive"}, keys)
}

func TestLocalArchiveStoreHealthCheck(t *testing.T) {
	store := newLocalStore(t)
	assert.NoError(t, store.HealthCheck(context.Background()))
}

func TestLocalArchiveStoreRejectsUnsafeKeys(t *testing.T) {
	store := newLocalStore(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "x.archive")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))

	for _, key := range []string{"", "../escape", "a/b", `a\b`} {
		err := store.Upload(ctx, src, key)
		require.Error(t, err, "key %q must be rejected", key)
		assert.True(t, IsErrorType(err, BackupErrorTypeValidation))
	}
}

func TestNewLocalArchiveStoreRequiresBasePath(t *testing.T) {
	_, err := NewLocalArchiveStore(&LocalStoreConfig{})
	assert.Error(t, err)

	_, err = NewLocalArchiveStore(nil)
	assert.Error(t, err)
}

func TestArchiveStoreFactoryLocal(t *testing.T) {
	factory := NewArchiveStoreFactory()

	store, err := factory.CreateArchiveStore(context.Background(), StorageConfig{
		Provider: StorageProviderLocal,
		Local:    &LocalStoreConfig{BasePath: t.TempDir()},
	})
	require.NoError(t, err)
	assert.IsType(t, &LocalArchiveStore{}, store)
}

func TestArchiveStoreFactoryRejectsInvalidConfig(t *testing.T) {
	factory := NewArchiveStoreFactory()

	_, err := factory.CreateArchiveStore(context.Background(), StorageConfig{Provider: "FTP"})
	assert.Error(t, err)

	_, err = factory.CreateArchiveStore(context.Background(), StorageConfig{Provider: StorageProviderLocal})
	assert.Error(t, err)
}
