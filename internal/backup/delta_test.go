package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaPackUnpackRoundTrip(t *testing.T) {
	archiver := NewDeltaArchiver()
	path := filepath.Join(t.TempDir(), "test.delta")

	now := time.Now().UTC().Truncate(time.Second)
	entries := []DeltaEntry{
		{Path: "etc/app.conf", Content: []byte("listen = 9090"), ModTime: now},
		{Path: "srv/data.db", Content: []byte("rows rows rows"), ModTime: now.Add(time.Minute)},
		{Path: "empty", Content: nil, ModTime: now},
	}

	blob, err := archiver.Pack(entries, CompressionTypeZstd, 0, path)
	require.NoError(t, err)

	// The returned blob is exactly what landed on disk.
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, onDisk, blob)

	unpacked, err := archiver.Unpack(path)
	require.NoError(t, err)
	require.Len(t, unpacked, len(entries))

	// Archive order is preserved.
	for i, entry := range entries {
		assert.Equal(t, entry.Path, unpacked[i].Path)
		assert.Equal(t, string(entry.Content), string(unpacked[i].Content))
	}
}

func TestDeltaPackSupportsAllAlgorithms(t *testing.T) {
	archiver := NewDeltaArchiver()
	entries := []DeltaEntry{{Path: "f", Content: []byte("content"), ModTime: time.Now()}}

	for _, algorithm := range []CompressionType{
		CompressionTypeNone, CompressionTypeGzip, CompressionTypeLZ4, CompressionTypeZstd,
	} {
		path := filepath.Join(t.TempDir(), string(algorithm)+".delta")
		_, err := archiver.Pack(entries, algorithm, 0, path)
		require.NoError(t, err, "pack with %s", algorithm)

		unpacked, err := archiver.Unpack(path)
		require.NoError(t, err, "unpack with %s", algorithm)
		require.Len(t, unpacked, 1)
		assert.Equal(t, "content", string(unpacked[0].Content))
	}
}

func TestDeltaPackRejectsEmptyEntries(t *testing.T) {
	archiver := NewDeltaArchiver()

	_, err := archiver.Pack(nil, CompressionTypeZstd, 0, filepath.Join(t.TempDir(), "x.delta"))
	require.Error(t, err)
	assert.True(t, IsErrorType(err, BackupErrorTypeValidation))
}

func TestDeltaPackRejectsUnknownAlgorithm(t *testing.T) {
	archiver := NewDeltaArchiver()
	entries := []DeltaEntry{{Path: "f", Content: []byte("x"), ModTime: time.Now()}}

	_, err := archiver.Pack(entries, "SNAPPY", 0, filepath.Join(t.TempDir(), "x.delta"))
	require.Error(t, err)
	assert.True(t, IsErrorType(err, BackupErrorTypeCompression))
}

func TestDeltaUnpackRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.delta")
	require.NoError(t, os.WriteFile(path, []byte("not a delta archive"), 0644))

	_, err := NewDeltaArchiver().Unpack(path)
	require.Error(t, err)
	assert.True(t, IsErrorType(err, BackupErrorTypeValidation))
}

func TestDeltaUnpackRejectsTruncatedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.delta")
	require.NoError(t, os.WriteFile(path, []byte("SBX"), 0644))

	_, err := NewDeltaArchiver().Unpack(path)
	require.Error(t, err)
	assert.True(t, IsErrorType(err, BackupErrorTypeValidation))
}

func TestDeltaUnpackMissingFile(t *testing.T) {
	_, err := NewDeltaArchiver().Unpack(filepath.Join(t.TempDir(), "gone.delta"))
	require.Error(t, err)
	assert.True(t, IsErrorType(err, BackupErrorTypeStorage))
}
