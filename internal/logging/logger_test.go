package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(t *testing.T, level LogLevel) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := NewLogger(Config{
		Level:  level,
		Output: &buf,
		Format: "json",
	})
	require.NoError(t, err)
	return logger, &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var lines []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "log line: %s", line)
		lines = append(lines, entry)
	}
	return lines
}

func TestLogCaptureFields(t *testing.T) {
	logger, buf := newBufferLogger(t, LogLevelNormal)

	logger.LogCapture("sb-a", "FULL", 2048, 150*time.Millisecond, nil)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "capture", lines[0]["operation"])
	assert.Equal(t, "sb-a", lines[0]["sandbox_id"])
	assert.Equal(t, "FULL", lines[0]["type"])
	assert.Equal(t, float64(2048), lines[0]["size_bytes"])
	assert.Equal(t, "info", lines[0]["level"])
}

func TestLogCaptureErrorLevel(t *testing.T) {
	logger, buf := newBufferLogger(t, LogLevelNormal)

	logger.LogCapture("sb-a", "FULL", 0, time.Millisecond, errors.New("runtime gone"))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "error", lines[0]["level"])
	assert.Equal(t, "runtime gone", lines[0]["error"])
}

func TestLogRestoreState(t *testing.T) {
	logger, buf := newBufferLogger(t, LogLevelNormal)

	logger.LogRestoreState("full-1", "restored", "VALIDATING_CHAIN")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "restore", lines[0]["operation"])
	assert.Equal(t, "VALIDATING_CHAIN", lines[0]["state"])
}

func TestLogDeployment(t *testing.T) {
	logger, buf := newBufferLogger(t, LogLevelNormal)

	logger.LogDeployment("host1", true, time.Second, nil)
	logger.LogDeployment("host2", false, time.Second, errors.New("unreachable"))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, true, lines[0]["success"])
	assert.Equal(t, "error", lines[1]["level"])
}

func TestQuietLevelSuppressesInfo(t *testing.T) {
	logger, buf := newBufferLogger(t, LogLevelQuiet)

	logger.Info("routine message")
	logger.LogRestoreState("full-1", "restored", "PENDING")
	assert.Empty(t, buf.String())

	logger.Error("something broke")
	assert.NotEmpty(t, buf.String())
}

func TestVerboseLevelEnablesDebug(t *testing.T) {
	logger, buf := newBufferLogger(t, LogLevelNormal)
	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	logger.SetLevel(LogLevelVerbose)
	logger.Debug("visible")
	assert.NotEmpty(t, buf.String())
	assert.True(t, logger.IsLevelEnabled(LogLevelVerbose))
}

func TestLogOperationStart(t *testing.T) {
	logger, buf := newBufferLogger(t, LogLevelNormal)

	done := logger.LogOperationStart("create_package", map[string]interface{}{
		"migration_id": "migration-1",
	})
	done(nil)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1, "start line is debug-only at normal level")
	assert.Equal(t, "create_package", lines[0]["operation"])
	assert.Equal(t, true, lines[0]["success"])
	assert.NotEmpty(t, lines[0]["duration"])
}

func TestLogOperationStartFailure(t *testing.T) {
	logger, buf := newBufferLogger(t, LogLevelNormal)

	done := logger.LogOperationStart("create_package", nil)
	done(errors.New("disk full"))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "error", lines[0]["level"])
	assert.Equal(t, false, lines[0]["success"])
}

func TestGetLevel(t *testing.T) {
	logger, _ := newBufferLogger(t, LogLevelDebug)
	assert.Equal(t, LogLevelDebug, logger.GetLevel())
}
