package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ArchiveStore replicates archive blobs to an offsite location. Keys are
// flat names (the archive file's base name); the store decides layout.
type ArchiveStore interface {
	// Upload copies the file at localPath to the store under key.
	Upload(ctx context.Context, localPath string, key string) error

	// Download copies the object at key into localPath.
	Download(ctx context.Context, key string, localPath string) error

	// Delete removes the object at key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// List returns the stored keys, sorted.
	List(ctx context.Context) ([]string, error)

	// HealthCheck verifies the store is reachable and writable enough to
	// accept uploads.
	HealthCheck(ctx context.Context) error
}

// LocalArchiveStore mirrors archives into a directory, typically a mounted
// network share.
type LocalArchiveStore struct {
	basePath string
}

// NewLocalArchiveStore creates a local archive store rooted at the
// configured base path.
func NewLocalArchiveStore(config *LocalStoreConfig) (*LocalArchiveStore, error) {
	if config == nil {
		return nil, NewValidationError("local store configuration is required", nil)
	}
	if config.BasePath == "" {
		return nil, NewValidationError("local store base path is required", nil)
	}

	if err := os.MkdirAll(config.BasePath, 0755); err != nil {
		return nil, NewStorageError("failed to create local store directory", err)
	}

	return &LocalArchiveStore{basePath: config.BasePath}, nil
}

// Upload implements ArchiveStore.
func (ls *LocalArchiveStore) Upload(ctx context.Context, localPath string, key string) error {
	if err := validateStoreKey(key); err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to open archive %s", localPath), err)
	}
	defer src.Close()

	destPath := filepath.Join(ls.basePath, key)
	tmp, err := os.CreateTemp(ls.basePath, ".upload-*.tmp")
	if err != nil {
		return NewStorageError("failed to create upload temp file", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return NewStorageError(fmt.Sprintf("failed to copy archive to store: %s", key), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return NewStorageError("failed to close upload temp file", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return NewStorageError(fmt.Sprintf("failed to place archive in store: %s", key), err)
	}

	return nil
}

// Download implements ArchiveStore.
func (ls *LocalArchiveStore) Download(ctx context.Context, key string, localPath string) error {
	if err := validateStoreKey(key); err != nil {
		return err
	}

	src, err := os.Open(filepath.Join(ls.basePath, key))
	if os.IsNotExist(err) {
		return NewNotFoundError(fmt.Sprintf("archive %s not found in store", key), err)
	}
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to open stored archive %s", key), err)
	}
	defer src.Close()

	dest, err := os.Create(localPath)
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to create %s", localPath), err)
	}

	if _, err := io.Copy(dest, src); err != nil {
		dest.Close()
		os.Remove(localPath)
		return NewStorageError(fmt.Sprintf("failed to copy stored archive %s", key), err)
	}

	return dest.Close()
}

// Delete implements ArchiveStore.
func (ls *LocalArchiveStore) Delete(ctx context.Context, key string) error {
	if err := validateStoreKey(key); err != nil {
		return err
	}

	err := os.Remove(filepath.Join(ls.basePath, key))
	if err != nil && !os.IsNotExist(err) {
		return NewStorageError(fmt.Sprintf("failed to delete stored archive %s", key), err)
	}
	return nil
}

// List implements ArchiveStore.
func (ls *LocalArchiveStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(ls.basePath)
	if err != nil {
		return nil, NewStorageError("failed to list local store", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		keys = append(keys, entry.Name())
	}
	sort.Strings(keys)
	return keys, nil
}

// HealthCheck implements ArchiveStore.
func (ls *LocalArchiveStore) HealthCheck(ctx context.Context) error {
	info, err := os.Stat(ls.basePath)
	if err != nil {
		return NewStorageError("local store directory is not accessible", err)
	}
	if !info.IsDir() {
		return NewStorageError("local store path is not a directory", nil)
	}

	probe, err := os.CreateTemp(ls.basePath, ".health-*.tmp")
	if err != nil {
		return NewStorageError("local store directory is not writable", err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

// BasePath returns the store's root directory.
func (ls *LocalArchiveStore) BasePath() string {
	return ls.basePath
}

// validateStoreKey rejects keys that could escape the store's namespace.
func validateStoreKey(key string) error {
	if key == "" {
		return NewValidationError("store key is required", nil)
	}
	if strings.Contains(key, "/") || strings.Contains(key, "\\") || strings.Contains(key, "..") {
		return NewValidationError(fmt.Sprintf("invalid store key: %s", key), nil)
	}
	return nil
}
