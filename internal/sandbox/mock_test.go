package sandbox

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockAdapterCaptureMaterializeRoundTrip(t *testing.T) {
	adapter := NewMockSnapshotAdapter()
	ctx := context.Background()

	adapter.Seed("src", map[string]string{
		"etc/app.conf": "listen = 8080",
		"srv/data.db":  "rows",
	}, time.Now())

	stream, err := adapter.Capture(ctx, "src")
	require.NoError(t, err)
	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	archivePath := filepath.Join(t.TempDir(), "src.archive")
	require.NoError(t, os.WriteFile(archivePath, data, 0644))

	require.NoError(t, adapter.Materialize(ctx, archivePath, "copy"))
	assert.Equal(t, adapter.Files("src"), adapter.Files("copy"))
}

func TestMockAdapterCaptureUnknownSandbox(t *testing.T) {
	adapter := NewMockSnapshotAdapter()
	_, err := adapter.Capture(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestMockAdapterListFilesSorted(t *testing.T) {
	adapter := NewMockSnapshotAdapter()
	now := time.Now()
	adapter.Seed("src", map[string]string{"b": "2", "a": "1", "c": "3"}, now)

	files, err := adapter.ListFiles(context.Background(), "src")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "a", files[0].Path)
	assert.Equal(t, "c", files[2].Path)
	assert.Equal(t, int64(1), files[0].Size)
}

func TestMockAdapterReadWriteFile(t *testing.T) {
	adapter := NewMockSnapshotAdapter()
	ctx := context.Background()
	adapter.Seed("src", map[string]string{"f": "v1"}, time.Now())

	content, err := adapter.ReadFile(ctx, "src", "f")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(content))

	require.NoError(t, adapter.WriteFile(ctx, "src", "f", []byte("v2")))
	content, err = adapter.ReadFile(ctx, "src", "f")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(content))

	_, err = adapter.ReadFile(ctx, "src", "missing")
	assert.Error(t, err)
}

func TestMockAdapterExistsAndExec(t *testing.T) {
	adapter := NewMockSnapshotAdapter()
	ctx := context.Background()
	adapter.Seed("src", map[string]string{"f": "x"}, time.Now())

	exists, err := adapter.Exists(ctx, "src")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = adapter.Exists(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, exists)

	out, err := adapter.Exec(ctx, "src", "echo ok")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	_, err = adapter.Exec(ctx, "ghost", "echo ok")
	assert.Error(t, err)
}

func TestMockIntrospectorDefaults(t *testing.T) {
	introspector := NewMockConfigIntrospector()
	ctx := context.Background()

	config, err := introspector.Inspect(ctx, "src")
	require.NoError(t, err)
	assert.NotEmpty(t, config.Packages)
	assert.NotEmpty(t, config.DefaultUser)

	info, err := introspector.SystemInfo(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, info.Hostname)
}

func TestMockRemoteExecutorRecordsCalls(t *testing.T) {
	executor := NewMockRemoteExecutor()
	ctx := context.Background()
	creds := Credentials{Username: "root", Password: "x", Port: 22}

	out, err := executor.RunCommand(ctx, "host1", creds, "echo ok")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	require.NoError(t, executor.CopyFile(ctx, "host1", creds, "/tmp/a", "/opt/a"))

	assert.Equal(t, []string{"host1"}, executor.RunCalls)
	assert.Equal(t, []string{"host1"}, executor.CopyCalls)
}
