package backup

import (
	"context"
	"fmt"
)

// ArchiveStoreFactory creates archive stores from configuration.
type ArchiveStoreFactory struct{}

// NewArchiveStoreFactory creates a new archive store factory.
func NewArchiveStoreFactory() *ArchiveStoreFactory {
	return &ArchiveStoreFactory{}
}

// CreateArchiveStore creates an archive store for the configured provider.
func (f *ArchiveStoreFactory) CreateArchiveStore(ctx context.Context, config StorageConfig) (ArchiveStore, error) {
	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid storage configuration", err)
	}

	switch config.Provider {
	case StorageProviderLocal:
		return NewLocalArchiveStore(config.Local)

	case StorageProviderS3:
		return NewS3ArchiveStore(config.S3)

	case StorageProviderAzure:
		return NewAzureArchiveStore(config.Azure)

	case StorageProviderGCS:
		return NewGCSArchiveStore(ctx, config.GCS)

	default:
		return nil, NewValidationError(fmt.Sprintf("unsupported storage provider: %s", config.Provider), nil)
	}
}

// GetSupportedProviders returns the storage provider types the factory can
// build.
func (f *ArchiveStoreFactory) GetSupportedProviders() []StorageProviderType {
	return []StorageProviderType{
		StorageProviderLocal,
		StorageProviderS3,
		StorageProviderAzure,
		StorageProviderGCS,
	}
}
