package backup

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// AzureArchiveStore implements ArchiveStore on Azure Blob Storage.
type AzureArchiveStore struct {
	serviceURL    azblob.ServiceURL
	containerName string
	prefix        string
}

// NewAzureArchiveStore creates a new Azure-backed archive store.
func NewAzureArchiveStore(config *AzureConfig) (*AzureArchiveStore, error) {
	if config == nil {
		return nil, NewValidationError("Azure storage configuration is required", nil)
	}
	if config.AccountName == "" || config.AccountKey == "" || config.ContainerName == "" {
		return nil, NewValidationError("Azure account name, key and container are required", nil)
	}

	credential, err := azblob.NewSharedKeyCredential(config.AccountName, config.AccountKey)
	if err != nil {
		return nil, NewStorageError("failed to create Azure credentials", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", config.AccountName))
	if err != nil {
		return nil, NewStorageError("failed to parse Azure service URL", err)
	}

	return &AzureArchiveStore{
		serviceURL:    azblob.NewServiceURL(*serviceURL, pipeline),
		containerName: config.ContainerName,
		prefix:        "archives/",
	}, nil
}

// Upload implements ArchiveStore.
func (azs *AzureArchiveStore) Upload(ctx context.Context, localPath string, key string) error {
	if err := validateStoreKey(key); err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to open archive %s", localPath), err)
	}
	defer f.Close()

	containerURL := azs.serviceURL.NewContainerURL(azs.containerName)
	blobURL := containerURL.NewBlockBlobURL(azs.prefix + key)

	_, err = azblob.UploadFileToBlockBlob(ctx, f, blobURL, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024, // 4MB blocks
		Parallelism: 16,
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to upload archive %s to Azure", key), err)
	}

	return nil
}

// Download implements ArchiveStore.
func (azs *AzureArchiveStore) Download(ctx context.Context, key string, localPath string) error {
	if err := validateStoreKey(key); err != nil {
		return err
	}

	containerURL := azs.serviceURL.NewContainerURL(azs.containerName)
	blobURL := containerURL.NewBlockBlobURL(azs.prefix + key)

	f, err := os.Create(localPath)
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to create %s", localPath), err)
	}

	err = azblob.DownloadBlobToFile(ctx, blobURL.BlobURL, 0, azblob.CountToEnd, f, azblob.DownloadFromBlobOptions{})
	if err != nil {
		f.Close()
		os.Remove(localPath)
		return NewStorageError(fmt.Sprintf("failed to download archive %s from Azure", key), err)
	}

	return f.Close()
}

// Delete implements ArchiveStore.
func (azs *AzureArchiveStore) Delete(ctx context.Context, key string) error {
	if err := validateStoreKey(key); err != nil {
		return err
	}

	containerURL := azs.serviceURL.NewContainerURL(azs.containerName)
	blobURL := containerURL.NewBlockBlobURL(azs.prefix + key)

	_, err := blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	if err != nil {
		if stgErr, ok := err.(azblob.StorageError); ok && stgErr.ServiceCode() == azblob.ServiceCodeBlobNotFound {
			return nil
		}
		return NewStorageError(fmt.Sprintf("failed to delete archive %s from Azure", key), err)
	}

	return nil
}

// List implements ArchiveStore.
func (azs *AzureArchiveStore) List(ctx context.Context) ([]string, error) {
	containerURL := azs.serviceURL.NewContainerURL(azs.containerName)

	var keys []string
	for marker := (azblob.Marker{}); marker.NotDone(); {
		resp, err := containerURL.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix: azs.prefix,
		})
		if err != nil {
			return nil, NewStorageError("failed to list archives in Azure container", err)
		}
		marker = resp.NextMarker

		for _, blob := range resp.Segment.BlobItems {
			key := strings.TrimPrefix(blob.Name, azs.prefix)
			if key == "" || strings.Contains(key, "/") {
				continue
			}
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)
	return keys, nil
}

// HealthCheck implements ArchiveStore.
func (azs *AzureArchiveStore) HealthCheck(ctx context.Context) error {
	containerURL := azs.serviceURL.NewContainerURL(azs.containerName)

	_, err := containerURL.GetProperties(ctx, azblob.LeaseAccessConditions{})
	if err != nil {
		return NewStorageError("Azure container is not accessible", err)
	}

	return nil
}
