package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"
)

// Validator recomputes and compares archive checksums. It is pure and
// read-only: repeated calls never mutate the catalog or the archives.
type Validator struct{}

// NewValidator creates a new integrity validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate recomputes the checksum of the archive at archivePath and
// compares it against expectedChecksum. A missing archive yields an
// invalid result with reason MissingFile rather than an error, so batch
// audits can continue past one bad record.
func (v *Validator) Validate(ctx context.Context, archivePath string, expectedChecksum string) (*ValidationResult, error) {
	result := &ValidationResult{
		CheckedAt: time.Now().UTC(),
		Expected:  expectedChecksum,
	}

	if expectedChecksum == "" {
		return nil, NewValidationError("expected checksum is required", nil)
	}

	f, err := os.Open(archivePath)
	if os.IsNotExist(err) {
		result.Valid = false
		result.Reason = ValidationReasonMissingFile
		return result, nil
	}
	if err != nil {
		result.Valid = false
		result.Reason = ValidationReasonReadError
		return result, nil
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		result.Valid = false
		result.Reason = ValidationReasonReadError
		return result, nil
	}

	result.Actual = hex.EncodeToString(hasher.Sum(nil))
	if result.Actual != expectedChecksum {
		result.Valid = false
		result.Reason = ValidationReasonChecksumMismatch
		return result, nil
	}

	result.Valid = true
	return result, nil
}

// ValidateRecord validates the archive referenced by a catalog record.
func (v *Validator) ValidateRecord(ctx context.Context, record *BackupRecord) (*ValidationResult, error) {
	if record == nil {
		return nil, NewValidationError("record cannot be nil", nil)
	}
	return v.Validate(ctx, record.ArchivePath, record.Checksum)
}

// ValidateChain validates every archive in an ordered chain. The first
// invalid archive aborts with CHAIN_INTEGRITY_ERROR identifying the record.
func (v *Validator) ValidateChain(ctx context.Context, chain []*BackupRecord) error {
	for _, record := range chain {
		select {
		case <-ctx.Done():
			return NewTimeoutError("chain validation interrupted", ctx.Err())
		default:
		}

		result, err := v.ValidateRecord(ctx, record)
		if err != nil {
			return err
		}
		if !result.Valid {
			return NewChainIntegrityError(
				fmt.Sprintf("archive for record %s failed validation: %s", record.ID, result.Reason), nil).
				WithContext("record_id", record.ID).
				WithContext("sandbox_id", record.SandboxID).
				WithContext("reason", string(result.Reason))
		}
	}
	return nil
}
