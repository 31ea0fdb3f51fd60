package cmd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"sandbox-migrate/internal/backup"
)

func TestValidationFailuresMapToExitCode2(t *testing.T) {
	assert.True(t, isValidationFailure(
		backup.NewValidationError("archive validation failed: CHECKSUM_MISMATCH", nil)))

	var errs backup.ValidationErrors
	errs.Add("sandbox_id", "sandbox ID is required", "")
	assert.True(t, isValidationFailure(errs))

	assert.False(t, isValidationFailure(errors.New("connection refused")))
	assert.False(t, isValidationFailure(backup.NewNetworkError("dial failed", nil)))
}

func TestUserErrorMessageKeepsDomainDetail(t *testing.T) {
	msg := userErrorMessage(backup.NewNotFoundError("record full-1 not found", nil))
	assert.Contains(t, msg, "full-1")

	assert.Contains(t, userErrorMessage(errors.New("plain failure")), "plain failure")
}
