package backup

import (
	"errors"
	"fmt"
)

// BackupError represents errors that occur during backup, restore, and
// deployment operations
type BackupError struct {
	Type    BackupErrorType        `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *BackupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause error
func (e *BackupError) Unwrap() error {
	return e.Cause
}

// BackupErrorType represents different types of backup errors
type BackupErrorType string

const (
	BackupErrorTypeCapture        BackupErrorType = "CAPTURE_ERROR"
	BackupErrorTypeCatalogCorrupt BackupErrorType = "CATALOG_CORRUPT"
	BackupErrorTypeDependency     BackupErrorType = "DEPENDENCY_ERROR"
	BackupErrorTypeNoParent       BackupErrorType = "NO_PARENT_ERROR"
	BackupErrorTypeChainIntegrity BackupErrorType = "CHAIN_INTEGRITY_ERROR"
	BackupErrorTypeLiveness       BackupErrorType = "LIVENESS_ERROR"
	BackupErrorTypeTimeout        BackupErrorType = "TIMEOUT"
	BackupErrorTypeNetwork        BackupErrorType = "NETWORK_ERROR"
	BackupErrorTypeValidation     BackupErrorType = "VALIDATION_ERROR"
	BackupErrorTypeStorage        BackupErrorType = "STORAGE_ERROR"
	BackupErrorTypeCompression    BackupErrorType = "COMPRESSION_ERROR"
	BackupErrorTypeNotFound       BackupErrorType = "NOT_FOUND_ERROR"
	BackupErrorTypeConflict       BackupErrorType = "CONFLICT_ERROR"
)

// NewBackupError creates a new BackupError
func NewBackupError(errorType BackupErrorType, message string, cause error) *BackupError {
	return &BackupError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error. Engine errors carry
// sandbox_id/record_id/target_host so failed operations can be retried
// deterministically.
func (e *BackupError) WithContext(key string, value interface{}) *BackupError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Common error constructors
func NewCaptureError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeCapture, message, cause)
}

func NewCatalogCorruptError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeCatalogCorrupt, message, cause)
}

func NewDependencyError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeDependency, message, cause)
}

func NewNoParentError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeNoParent, message, cause)
}

func NewChainIntegrityError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeChainIntegrity, message, cause)
}

func NewLivenessError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeLiveness, message, cause)
}

func NewTimeoutError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeTimeout, message, cause)
}

func NewNetworkError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeNetwork, message, cause)
}

func NewValidationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeValidation, message, cause)
}

func NewStorageError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeStorage, message, cause)
}

func NewCompressionError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeCompression, message, cause)
}

func NewNotFoundError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeConflict, message, cause)
}

// IsErrorType reports whether err is a BackupError of the given type.
func IsErrorType(err error, errorType BackupErrorType) bool {
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		return backupErr.Type == errorType
	}
	return false
}

// ValidationError represents validation-specific errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidationErrors represents a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d validation errors: %s (and %d more)", len(e), e[0].Error(), len(e)-1)
}

// Add adds a validation error to the collection
func (e *ValidationErrors) Add(field, message string, value interface{}) {
	*e = append(*e, ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Retryable reports whether the error's type is transient enough that the
// same operation may succeed on another attempt.
func (e *BackupError) Retryable() bool {
	switch e.Type {
	case BackupErrorTypeNetwork, BackupErrorTypeStorage, BackupErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		return backupErr.Retryable()
	}
	return false
}

// IsPermanent determines if an error is permanent and should not be retried
func IsPermanent(err error) bool {
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		switch backupErr.Type {
		case BackupErrorTypeValidation, BackupErrorTypeCatalogCorrupt,
			BackupErrorTypeChainIntegrity, BackupErrorTypeDependency,
			BackupErrorTypeNoParent:
			return true
		default:
			return false
		}
	}
	return false
}
