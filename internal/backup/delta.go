package backup

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"time"
)

// Delta archives carry only the files changed since a parent record. The
// container is a tar stream compressed with one of the supported
// algorithms, prefixed by a fixed-size header naming that algorithm so
// restore does not depend on catalog metadata to unpack.

const deltaMagic = "SBXDELTA"

var deltaAlgorithmCodes = map[CompressionType]byte{
	CompressionTypeNone: 0,
	CompressionTypeGzip: 1,
	CompressionTypeLZ4:  2,
	CompressionTypeZstd: 3,
}

// DeltaEntry is one file carried by a delta archive.
type DeltaEntry struct {
	Path    string
	Content []byte
	ModTime time.Time
}

// DeltaArchiver packs and unpacks incremental delta archives.
type DeltaArchiver struct {
	compression *CompressionManager
}

// NewDeltaArchiver creates a new delta archiver.
func NewDeltaArchiver() *DeltaArchiver {
	return &DeltaArchiver{compression: NewCompressionManager()}
}

// Pack writes the entries to destPath and returns the archive bytes as
// written, so callers can checksum without re-reading the file.
func (da *DeltaArchiver) Pack(entries []DeltaEntry, algorithm CompressionType, level int, destPath string) ([]byte, error) {
	if len(entries) == 0 {
		return nil, NewValidationError("delta archive requires at least one entry", nil)
	}

	algoCode, ok := deltaAlgorithmCodes[algorithm]
	if !ok {
		return nil, NewCompressionError(fmt.Sprintf("unsupported delta compression: %s", algorithm), nil)
	}

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for _, entry := range entries {
		hdr := &tar.Header{
			Name:    entry.Path,
			Mode:    0644,
			Size:    int64(len(entry.Content)),
			ModTime: entry.ModTime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, NewCompressionError(fmt.Sprintf("failed to write tar header for %s", entry.Path), err)
		}
		if _, err := tw.Write(entry.Content); err != nil {
			return nil, NewCompressionError(fmt.Sprintf("failed to write tar content for %s", entry.Path), err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, NewCompressionError("failed to finalize tar stream", err)
	}

	compressed, _, err := da.compression.Compress(tarBuf.Bytes(), algorithm, 0)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 0, len(deltaMagic)+1+len(compressed))
	blob = append(blob, deltaMagic...)
	blob = append(blob, algoCode)
	blob = append(blob, compressed...)

	if err := os.WriteFile(destPath, blob, 0644); err != nil {
		return nil, NewStorageError("failed to write delta archive", err)
	}

	return blob, nil
}

// Unpack reads a delta archive and returns its entries in archive order.
func (da *DeltaArchiver) Unpack(path string) ([]DeltaEntry, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to read delta archive %s", path), err)
	}

	if len(blob) < len(deltaMagic)+1 || string(blob[:len(deltaMagic)]) != deltaMagic {
		return nil, NewValidationError(fmt.Sprintf("%s is not a delta archive", path), nil)
	}

	algoCode := blob[len(deltaMagic)]
	var algorithm CompressionType
	found := false
	for algo, code := range deltaAlgorithmCodes {
		if code == algoCode {
			algorithm = algo
			found = true
			break
		}
	}
	if !found {
		return nil, NewCompressionError(fmt.Sprintf("delta archive %s uses unknown compression code %d", path, algoCode), nil)
	}

	tarBytes, err := da.compression.Decompress(blob[len(deltaMagic)+1:], algorithm)
	if err != nil {
		return nil, err
	}

	var entries []DeltaEntry
	tr := tar.NewReader(bytes.NewReader(tarBytes))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, NewCompressionError(fmt.Sprintf("failed to read tar stream of %s", path), err)
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, NewCompressionError(fmt.Sprintf("failed to read tar entry %s", hdr.Name), err)
		}
		entries = append(entries, DeltaEntry{
			Path:    hdr.Name,
			Content: content,
			ModTime: hdr.ModTime,
		})
	}

	return entries, nil
}
