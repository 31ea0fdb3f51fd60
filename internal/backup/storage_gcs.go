package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSArchiveStore implements ArchiveStore on Google Cloud Storage.
type GCSArchiveStore struct {
	client     *storage.Client
	bucketName string
	prefix     string
}

// NewGCSArchiveStore creates a new GCS-backed archive store.
func NewGCSArchiveStore(ctx context.Context, config *GCSConfig) (*GCSArchiveStore, error) {
	if config == nil {
		return nil, NewValidationError("GCS storage configuration is required", nil)
	}
	if config.Bucket == "" {
		return nil, NewValidationError("GCS bucket name is required", nil)
	}

	var client *storage.Client
	var err error
	if config.CredentialsPath != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsFile(config.CredentialsPath))
	} else {
		// Default credentials from the environment or metadata server.
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, NewStorageError("failed to create GCS client", err)
	}

	return &GCSArchiveStore{
		client:     client,
		bucketName: config.Bucket,
		prefix:     "archives/",
	}, nil
}

// Upload implements ArchiveStore.
func (gcs *GCSArchiveStore) Upload(ctx context.Context, localPath string, key string) error {
	if err := validateStoreKey(key); err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to open archive %s", localPath), err)
	}
	defer f.Close()

	object := gcs.client.Bucket(gcs.bucketName).Object(gcs.prefix + key)
	writer := object.NewWriter(ctx)
	writer.ContentType = "application/octet-stream"

	if _, err := io.Copy(writer, f); err != nil {
		writer.Close()
		return NewStorageError(fmt.Sprintf("failed to write archive %s to GCS", key), err)
	}
	if err := writer.Close(); err != nil {
		return NewStorageError(fmt.Sprintf("failed to upload archive %s to GCS", key), err)
	}

	return nil
}

// Download implements ArchiveStore.
func (gcs *GCSArchiveStore) Download(ctx context.Context, key string, localPath string) error {
	if err := validateStoreKey(key); err != nil {
		return err
	}

	object := gcs.client.Bucket(gcs.bucketName).Object(gcs.prefix + key)
	reader, err := object.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return NewNotFoundError(fmt.Sprintf("archive %s not found in GCS", key), err)
	}
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to open archive %s in GCS", key), err)
	}
	defer reader.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to create %s", localPath), err)
	}

	if _, err := io.Copy(f, reader); err != nil {
		f.Close()
		os.Remove(localPath)
		return NewStorageError(fmt.Sprintf("failed to download archive %s from GCS", key), err)
	}

	return f.Close()
}

// Delete implements ArchiveStore.
func (gcs *GCSArchiveStore) Delete(ctx context.Context, key string) error {
	if err := validateStoreKey(key); err != nil {
		return err
	}

	object := gcs.client.Bucket(gcs.bucketName).Object(gcs.prefix + key)
	err := object.Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return NewStorageError(fmt.Sprintf("failed to delete archive %s from GCS", key), err)
	}

	return nil
}

// List implements ArchiveStore.
func (gcs *GCSArchiveStore) List(ctx context.Context) ([]string, error) {
	it := gcs.client.Bucket(gcs.bucketName).Objects(ctx, &storage.Query{
		Prefix: gcs.prefix,
	})

	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, NewStorageError("failed to list archives in GCS bucket", err)
		}

		key := strings.TrimPrefix(attrs.Name, gcs.prefix)
		if key == "" || strings.Contains(key, "/") {
			continue
		}
		keys = append(keys, key)
	}

	sort.Strings(keys)
	return keys, nil
}

// HealthCheck implements ArchiveStore.
func (gcs *GCSArchiveStore) HealthCheck(ctx context.Context) error {
	_, err := gcs.client.Bucket(gcs.bucketName).Attrs(ctx)
	if err != nil {
		return NewStorageError("GCS bucket is not accessible", err)
	}
	return nil
}

// Close releases the underlying GCS client.
func (gcs *GCSArchiveStore) Close() error {
	return gcs.client.Close()
}
