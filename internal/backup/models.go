package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Validate checks the structural invariants of a single record. Chain
// invariants (parent existence, acyclicity) are the catalog's job.
func (r *BackupRecord) Validate() error {
	var errs ValidationErrors

	if r.ID == "" {
		errs.Add("id", "record ID is required", r.ID)
	}

	if r.SandboxID == "" {
		errs.Add("sandbox_id", "sandbox ID is required", r.SandboxID)
	}

	switch r.Type {
	case BackupTypeFull:
		if r.ParentID != "" {
			errs.Add("parent_id", "full backups must not reference a parent", r.ParentID)
		}
	case BackupTypeIncremental:
		if r.ParentID == "" {
			errs.Add("parent_id", "incremental backups require a parent", r.ParentID)
		}
		if r.ChangedFileCount <= 0 {
			errs.Add("changed_file_count", "incremental backups must contain at least one changed file", r.ChangedFileCount)
		}
	default:
		errs.Add("type", "invalid backup type", r.Type)
	}

	if r.CreatedAt.IsZero() {
		errs.Add("created_at", "creation timestamp is required", r.CreatedAt)
	}

	if r.SizeBytes < 0 {
		errs.Add("size_bytes", "archive size cannot be negative", r.SizeBytes)
	}

	if r.Checksum == "" {
		errs.Add("checksum", "archive checksum is required", r.Checksum)
	}

	if r.ArchivePath == "" {
		errs.Add("archive_path", "archive path is required", r.ArchivePath)
	}

	if errs.HasErrors() {
		return errs
	}

	return nil
}

// ToJSON serializes the record to JSON
func (r *BackupRecord) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// FromJSON deserializes JSON data into a record
func (r *BackupRecord) FromJSON(data []byte) error {
	if err := json.Unmarshal(data, r); err != nil {
		return NewValidationError("failed to unmarshal backup record JSON", err)
	}
	return r.Validate()
}

// GenerateRecordID generates a unique, time-sortable record ID
func GenerateRecordID(backupType BackupType) string {
	timestamp := time.Now().UTC().Format("20060102-150405")
	shortUUID := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]

	prefix := "full"
	if backupType == BackupTypeIncremental {
		prefix = "incr"
	}

	return fmt.Sprintf("%s-%s-%s", prefix, timestamp, shortUUID)
}

// GenerateMigrationID generates a unique migration package ID
func GenerateMigrationID() string {
	timestamp := time.Now().UTC().Format("20060102-150405")
	shortUUID := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("migration-%s-%s", timestamp, shortUUID)
}

// CalculateDataChecksum calculates a SHA-256 checksum for in-memory data
func CalculateDataChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func isValidCompressionType(ct CompressionType) bool {
	switch ct {
	case CompressionTypeNone, CompressionTypeGzip, CompressionTypeLZ4, CompressionTypeZstd:
		return true
	default:
		return false
	}
}

func isValidStorageProviderType(provider StorageProviderType) bool {
	switch provider {
	case StorageProviderLocal, StorageProviderS3, StorageProviderAzure, StorageProviderGCS:
		return true
	default:
		return false
	}
}

// Validate validates the StorageConfig struct
func (sc *StorageConfig) Validate() error {
	var errs ValidationErrors

	if !isValidStorageProviderType(sc.Provider) {
		errs.Add("provider", "invalid storage provider type", sc.Provider)
		return errs
	}

	switch sc.Provider {
	case StorageProviderLocal:
		if sc.Local == nil {
			errs.Add("local", "local storage configuration is required", nil)
		} else if sc.Local.BasePath == "" {
			errs.Add("local.base_path", "base path is required for local storage", nil)
		}
	case StorageProviderS3:
		if sc.S3 == nil {
			errs.Add("s3", "S3 storage configuration is required", nil)
		} else {
			if sc.S3.Bucket == "" {
				errs.Add("s3.bucket", "S3 bucket name is required", nil)
			}
			if sc.S3.Region == "" {
				errs.Add("s3.region", "S3 region is required", nil)
			}
		}
	case StorageProviderAzure:
		if sc.Azure == nil {
			errs.Add("azure", "Azure storage configuration is required", nil)
		} else {
			if sc.Azure.AccountName == "" {
				errs.Add("azure.account_name", "Azure account name is required", nil)
			}
			if sc.Azure.AccountKey == "" {
				errs.Add("azure.account_key", "Azure account key is required", nil)
			}
			if sc.Azure.ContainerName == "" {
				errs.Add("azure.container_name", "Azure container name is required", nil)
			}
		}
	case StorageProviderGCS:
		if sc.GCS == nil {
			errs.Add("gcs", "GCS storage configuration is required", nil)
		} else {
			if sc.GCS.Bucket == "" {
				errs.Add("gcs.bucket", "GCS bucket name is required", nil)
			}
			if sc.GCS.CredentialsPath == "" {
				errs.Add("gcs.credentials_path", "GCS credentials path is required", nil)
			}
		}
	}

	if errs.HasErrors() {
		return errs
	}

	return nil
}
