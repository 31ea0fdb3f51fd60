package backup

import (
	"time"
)

// BackupType distinguishes full snapshots from chained deltas
type BackupType string

const (
	// BackupTypeFull is a complete point-in-time archive of a sandbox
	BackupTypeFull BackupType = "FULL"
	// BackupTypeIncremental archives only files changed since a parent record
	BackupTypeIncremental BackupType = "INCREMENTAL"
)

// BackupRecord is one catalog entry. Records are immutable once created;
// the only mutation the catalog ever performs is deletion.
type BackupRecord struct {
	ID               string     `json:"id"`
	SandboxID        string     `json:"sandbox_id"`
	Type             BackupType `json:"type"`
	ParentID         string     `json:"parent_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	SizeBytes        int64      `json:"size_bytes"`
	Checksum         string     `json:"checksum"`
	ArchivePath      string     `json:"archive_path"`
	ChangedFileCount int        `json:"changed_file_count,omitempty"`

	// Compression records how the archive blob is wrapped on disk. Delta
	// archives carry their own header; this field matters for full
	// archives, which must be unwrapped before the adapter sees them.
	Compression CompressionType `json:"compression,omitempty"`
}

// RecordFilter narrows catalog listings
type RecordFilter struct {
	SandboxID string
	Type      BackupType
}

// FullBackupOptions configures CreateFullBackup
type FullBackupOptions struct {
	Compress        bool
	CompressionType CompressionType
}

// IncrementalBackupOptions configures CreateIncrementalBackup
type IncrementalBackupOptions struct {
	// ParentID overrides default parent selection (most recent record
	// for the sandbox).
	ParentID        string
	CompressionType CompressionType
}

// IncrementalResult reports the outcome of an incremental backup attempt.
// Skipped is true when no file changed since the parent record; no catalog
// entry is created in that case.
type IncrementalResult struct {
	Record  *BackupRecord
	Skipped bool
}

// ValidationResult contains archive validation results
type ValidationResult struct {
	Valid     bool             `json:"valid"`
	Reason    ValidationReason `json:"reason,omitempty"`
	CheckedAt time.Time        `json:"checked_at"`
	Expected  string           `json:"expected_checksum,omitempty"`
	Actual    string           `json:"actual_checksum,omitempty"`
}

// ValidationReason explains why validation failed
type ValidationReason string

const (
	// ValidationReasonMissingFile means the archive no longer exists on disk
	ValidationReasonMissingFile ValidationReason = "MissingFile"
	// ValidationReasonChecksumMismatch means the archive content changed
	ValidationReasonChecksumMismatch ValidationReason = "ChecksumMismatch"
	// ValidationReasonReadError means the archive could not be read
	ValidationReasonReadError ValidationReason = "ReadError"
)

// ChangedFile is one entry in an incremental delta
type ChangedFile struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// CompressionType selects the delta/package compression algorithm
type CompressionType string

const (
	CompressionTypeNone CompressionType = "NONE"
	CompressionTypeGzip CompressionType = "GZIP"
	CompressionTypeLZ4  CompressionType = "LZ4"
	CompressionTypeZstd CompressionType = "ZSTD"
)

// StorageProviderType identifies an offsite archive store backend
type StorageProviderType string

const (
	StorageProviderLocal StorageProviderType = "LOCAL"
	StorageProviderS3    StorageProviderType = "S3"
	StorageProviderAzure StorageProviderType = "AZURE"
	StorageProviderGCS   StorageProviderType = "GCS"
)

// StorageConfig defines offsite archive replication configuration
type StorageConfig struct {
	Provider StorageProviderType `yaml:"provider" mapstructure:"provider"`
	Local    *LocalStoreConfig   `yaml:"local,omitempty" mapstructure:"local"`
	S3       *S3Config           `yaml:"s3,omitempty" mapstructure:"s3"`
	Azure    *AzureConfig        `yaml:"azure,omitempty" mapstructure:"azure"`
	GCS      *GCSConfig          `yaml:"gcs,omitempty" mapstructure:"gcs"`
}

// LocalStoreConfig for file system archive mirrors
type LocalStoreConfig struct {
	BasePath string `yaml:"base_path" mapstructure:"base_path"`
}

// S3Config for Amazon S3 archive replication
type S3Config struct {
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Region    string `yaml:"region" mapstructure:"region"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
}

// AzureConfig for Azure Blob Storage archive replication
type AzureConfig struct {
	AccountName   string `yaml:"account_name" mapstructure:"account_name"`
	AccountKey    string `yaml:"account_key" mapstructure:"account_key"`
	ContainerName string `yaml:"container_name" mapstructure:"container_name"`
}

// GCSConfig for Google Cloud Storage archive replication
type GCSConfig struct {
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	CredentialsPath string `yaml:"credentials_path" mapstructure:"credentials_path"`
	ProjectID       string `yaml:"project_id" mapstructure:"project_id"`
}
