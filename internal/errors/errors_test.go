package errors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorFormatting(t *testing.T) {
	plain := NewAppError(ErrorTypeValidation, "bad input", nil)
	assert.Equal(t, "validation: bad input", plain.Error())

	cause := errors.New("root cause")
	wrapped := NewAppError(ErrorTypeConnection, "dial failed", cause)
	assert.Contains(t, wrapped.Error(), "root cause")
	assert.Equal(t, cause, errors.Unwrap(wrapped))
}

func TestAppErrorUserMessage(t *testing.T) {
	err := NewAppError(ErrorTypeTimeout, "internal detail", nil)
	assert.Equal(t, "internal detail", err.GetUserMessage())

	err.UserMessage = "The operation took too long."
	assert.Equal(t, "The operation took too long.", err.GetUserMessage())
}

func TestAppErrorWithContext(t *testing.T) {
	err := NewAppError(ErrorTypeConnection, "dial failed", nil).
		WithContext("host", "host1").
		WithContext("attempt", 2)
	assert.Equal(t, "host1", err.Context["host"])
	assert.Equal(t, 2, err.Context["attempt"])
}

func TestClassifyContextErrors(t *testing.T) {
	classifier := NewErrorClassifier()

	timeout := classifier.ClassifyError(context.DeadlineExceeded)
	assert.Equal(t, ErrorTypeTimeout, timeout.Type)
	assert.True(t, timeout.IsRecoverable())

	canceled := classifier.ClassifyError(context.Canceled)
	assert.Equal(t, ErrorTypeInterruption, canceled.Type)
	assert.False(t, canceled.IsRecoverable())
}

func TestClassifyFileSystemErrors(t *testing.T) {
	classifier := NewErrorClassifier()

	missing := classifier.ClassifyError(&os.PathError{
		Op: "open", Path: "/etc/sandbox.conf", Err: syscall.ENOENT,
	})
	assert.Equal(t, ErrorTypeValidation, missing.Type)
	assert.Contains(t, missing.Message, "/etc/sandbox.conf")

	denied := classifier.ClassifyError(&os.PathError{
		Op: "open", Path: "/root/secret", Err: syscall.EACCES,
	})
	assert.Equal(t, ErrorTypePermission, denied.Type)
}

func TestClassifyPassesThroughAppErrors(t *testing.T) {
	classifier := NewErrorClassifier()
	original := NewAppError(ErrorTypePermission, "denied", nil)

	classified := classifier.ClassifyError(fmt.Errorf("wrapped: %w", original))
	assert.Equal(t, original, classified)
}

// transientErr stands in for domain errors that declare themselves
// retryable.
type transientErr struct{ retryable bool }

func (e *transientErr) Error() string   { return "replica unavailable" }
func (e *transientErr) Retryable() bool { return e.retryable }

func TestClassifyHonorsDomainRetryability(t *testing.T) {
	classifier := NewErrorClassifier()

	transient := classifier.ClassifyError(fmt.Errorf("upload: %w", &transientErr{retryable: true}))
	assert.True(t, transient.IsRecoverable())
	assert.Contains(t, transient.Message, "replica unavailable")

	permanent := classifier.ClassifyError(&transientErr{retryable: false})
	assert.False(t, permanent.IsRecoverable())

	// A cancelled operation is never retried, whatever the wrapper claims.
	cancelled := classifier.ClassifyError(fmt.Errorf("wrap: %w",
		fmt.Errorf("%w: %w", &transientErr{retryable: true}, context.Canceled)))
	assert.Equal(t, ErrorTypeInterruption, cancelled.Type)
	assert.False(t, cancelled.IsRecoverable())
}

func TestRetryRecoversDomainErrors(t *testing.T) {
	handler := NewRetryHandler(RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Multiplier:  1.0,
	})

	attempts := 0
	err := handler.Retry(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return &transientErr{retryable: true}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestClassifyUnknown(t *testing.T) {
	classifier := NewErrorClassifier()

	classified := classifier.ClassifyError(errors.New("mystery"))
	assert.Equal(t, ErrorTypeUnknown, classified.Type)

	assert.Nil(t, classifier.ClassifyError(nil))
}

func TestRetryRecoversAfterTransientFailures(t *testing.T) {
	handler := NewRetryHandler(RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	})

	attempts := 0
	err := handler.Retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return NewRecoverableError(ErrorTypeConnection, "flaky link", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	handler := NewRetryHandler(RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Multiplier:  1.0,
	})

	attempts := 0
	err := handler.Retry(context.Background(), func() error {
		attempts++
		return NewAppError(ErrorTypeValidation, "bad request", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts, "permanent errors must not be retried")
}

func TestRetryExhaustsAttempts(t *testing.T) {
	handler := NewRetryHandler(RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Multiplier:  1.0,
	})

	attempts := 0
	err := handler.Retry(context.Background(), func() error {
		attempts++
		return NewRecoverableError(ErrorTypeConnection, "still down", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)

	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 3, appErr.Context["attempts"])
}

func TestRetryHonorsCancellation(t *testing.T) {
	handler := NewDefaultRetryHandler()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := handler.Retry(ctx, func() error {
		t.Fatal("operation must not run on a cancelled context")
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, ErrorTypeInterruption, GetErrorType(err))
}

func TestIsRecoverableError(t *testing.T) {
	assert.True(t, IsRecoverableError(NewRecoverableError(ErrorTypeTimeout, "slow", nil)))
	assert.False(t, IsRecoverableError(NewAppError(ErrorTypeValidation, "bad", nil)))
	assert.False(t, IsRecoverableError(errors.New("plain")))
}

func TestWrapError(t *testing.T) {
	assert.Nil(t, WrapError(nil, "ignored"))

	inner := NewAppError(ErrorTypePermission, "denied", nil)
	wrapped := WrapError(inner, "while reading catalog")
	assert.Equal(t, ErrorTypePermission, GetErrorType(wrapped))
	assert.Contains(t, wrapped.Error(), "while reading catalog")

	classified := WrapError(context.DeadlineExceeded, "while deploying")
	assert.Equal(t, ErrorTypeTimeout, GetErrorType(classified))
}

func TestFormatUserError(t *testing.T) {
	assert.Equal(t, "", FormatUserError(nil))

	err := NewAppError(ErrorTypeTimeout, "detail", nil)
	err.UserMessage = "Try again later."
	assert.Equal(t, "Try again later.", FormatUserError(err))

	assert.Contains(t, FormatUserError(errors.New("plain")), "unexpected")
}

func TestGracefulShutdownRunsFuncsInReverseOrder(t *testing.T) {
	handler := NewGracefulShutdownHandler()

	var order []int
	handler.RegisterShutdownFunc(func() error {
		order = append(order, 1)
		return nil
	})
	handler.RegisterShutdownFunc(func() error {
		order = append(order, 2)
		return nil
	})

	handler.Start()
	handler.signalChan <- syscall.SIGTERM
	handler.WaitForShutdown()

	assert.Equal(t, []int{2, 1}, order)
}

func TestGracefulShutdownRunsFuncsOnce(t *testing.T) {
	handler := NewGracefulShutdownHandler()

	runs := 0
	handler.RegisterShutdownFunc(func() error {
		runs++
		return nil
	})

	handler.Shutdown()
	handler.Shutdown()

	assert.Equal(t, 1, runs)
}
