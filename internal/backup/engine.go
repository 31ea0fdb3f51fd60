package backup

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	appErrors "sandbox-migrate/internal/errors"
	"sandbox-migrate/internal/logging"
	"sandbox-migrate/internal/sandbox"
)

// Engine creates full and incremental backups. All catalog mutation goes
// through the injected Catalog; all sandbox access goes through the
// injected SnapshotAdapter.
type Engine struct {
	catalog    Catalog
	adapter    sandbox.SnapshotAdapter
	archiver   *DeltaArchiver
	archiveDir string
	logger     *logging.Logger
	offsite    ArchiveStore
	retry      *appErrors.RetryHandler
}

// Replication retries stay short: the local backup already succeeded, so a
// stuck offsite store must not hold the CLI hostage.
var replicationRetryConfig = appErrors.RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	Multiplier:  2.0,
}

// NewEngine creates a backup engine writing archives under archiveDir.
func NewEngine(catalog Catalog, adapter sandbox.SnapshotAdapter, archiveDir string, logger *logging.Logger) (*Engine, error) {
	if catalog == nil {
		return nil, NewValidationError("catalog is required", nil)
	}
	if adapter == nil {
		return nil, NewValidationError("snapshot adapter is required", nil)
	}
	if archiveDir == "" {
		return nil, NewValidationError("archive directory is required", nil)
	}
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return nil, NewStorageError("failed to create archive directory", err)
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	return &Engine{
		catalog:    catalog,
		adapter:    adapter,
		archiver:   NewDeltaArchiver(),
		archiveDir: archiveDir,
		logger:     logger,
		retry:      appErrors.NewRetryHandler(replicationRetryConfig),
	}, nil
}

// SetOffsiteStore enables best-effort archive replication to an offsite
// store after each successful backup.
func (e *Engine) SetOffsiteStore(store ArchiveStore) {
	e.offsite = store
}

// CreateFullBackup captures the complete filesystem of a sandbox into a new
// archive and registers a FULL record. The operation is atomic with respect
// to the catalog: on any failure the partial archive is removed and no
// record is created.
func (e *Engine) CreateFullBackup(ctx context.Context, sandboxID string, opts FullBackupOptions) (*BackupRecord, error) {
	if sandboxID == "" {
		return nil, NewValidationError("sandbox ID is required", nil)
	}

	compression := CompressionTypeNone
	if opts.Compress {
		compression = opts.CompressionType
		if compression == "" || compression == CompressionTypeNone {
			compression = CompressionTypeGzip
		}
		if !isValidCompressionType(compression) {
			return nil, NewValidationError(fmt.Sprintf("invalid compression type: %s", compression), nil)
		}
	}

	exists, err := e.adapter.Exists(ctx, sandboxID)
	if err != nil {
		return nil, NewCaptureError(fmt.Sprintf("failed to check sandbox %s", sandboxID), err)
	}
	if !exists {
		return nil, NewCaptureError(fmt.Sprintf("sandbox %s does not exist", sandboxID), nil).
			WithContext("sandbox_id", sandboxID)
	}

	unlock := e.catalog.LockSandbox(sandboxID)
	defer unlock()

	start := time.Now()
	id := GenerateRecordID(BackupTypeFull)
	archivePath := filepath.Join(e.archiveDir, id+".archive")

	stream, err := e.adapter.Capture(ctx, sandboxID)
	if err != nil {
		e.logger.LogCapture(sandboxID, string(BackupTypeFull), 0, time.Since(start), err)
		return nil, NewCaptureError(fmt.Sprintf("failed to capture sandbox %s", sandboxID), err).
			WithContext("sandbox_id", sandboxID)
	}
	defer stream.Close()

	sizeBytes, checksum, err := writeArchive(stream, archivePath, compression)
	if err != nil {
		os.Remove(archivePath)
		e.logger.LogCapture(sandboxID, string(BackupTypeFull), 0, time.Since(start), err)
		return nil, err
	}

	record := &BackupRecord{
		ID:          id,
		SandboxID:   sandboxID,
		Type:        BackupTypeFull,
		CreatedAt:   time.Now().UTC(),
		SizeBytes:   sizeBytes,
		Checksum:    checksum,
		ArchivePath: archivePath,
		Compression: compression,
	}

	if _, err := e.catalog.AddRecord(ctx, record); err != nil {
		os.Remove(archivePath)
		e.logger.LogCapture(sandboxID, string(BackupTypeFull), sizeBytes, time.Since(start), err)
		return nil, err
	}

	e.logger.LogCapture(sandboxID, string(BackupTypeFull), sizeBytes, time.Since(start), nil)
	e.replicate(ctx, record)

	return record, nil
}

// CreateIncrementalBackup captures the files of a sandbox changed since a
// parent record into a delta archive. When no file changed, no record is
// created and the result reports Skipped.
func (e *Engine) CreateIncrementalBackup(ctx context.Context, sandboxID string, opts IncrementalBackupOptions) (*IncrementalResult, error) {
	if sandboxID == "" {
		return nil, NewValidationError("sandbox ID is required", nil)
	}

	algorithm := opts.CompressionType
	if algorithm == "" {
		algorithm = CompressionTypeZstd
	}
	if !isValidCompressionType(algorithm) {
		return nil, NewValidationError(fmt.Sprintf("invalid compression type: %s", algorithm), nil)
	}

	exists, err := e.adapter.Exists(ctx, sandboxID)
	if err != nil {
		return nil, NewCaptureError(fmt.Sprintf("failed to check sandbox %s", sandboxID), err)
	}
	if !exists {
		return nil, NewCaptureError(fmt.Sprintf("sandbox %s does not exist", sandboxID), nil).
			WithContext("sandbox_id", sandboxID)
	}

	unlock := e.catalog.LockSandbox(sandboxID)
	defer unlock()

	parent, err := e.resolveParent(ctx, sandboxID, opts.ParentID)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	changed, err := e.DetectChanges(ctx, sandboxID, parent)
	if err != nil {
		return nil, err
	}

	if len(changed) == 0 {
		e.logger.WithFields(map[string]interface{}{
			"sandbox_id": sandboxID,
			"parent_id":  parent.ID,
		}).Info("No files changed since parent backup, skipping")
		return &IncrementalResult{Skipped: true}, nil
	}

	entries := make([]DeltaEntry, 0, len(changed))
	for _, cf := range changed {
		select {
		case <-ctx.Done():
			return nil, NewTimeoutError("incremental capture interrupted", ctx.Err())
		default:
		}

		content, err := e.adapter.ReadFile(ctx, sandboxID, cf.Path)
		if err != nil {
			return nil, NewCaptureError(fmt.Sprintf("failed to read changed file %s", cf.Path), err).
				WithContext("sandbox_id", sandboxID).
				WithContext("path", cf.Path)
		}
		entries = append(entries, DeltaEntry{
			Path:    cf.Path,
			Content: content,
			ModTime: cf.ModTime,
		})
	}

	id := GenerateRecordID(BackupTypeIncremental)
	archivePath := filepath.Join(e.archiveDir, id+".delta")

	blob, err := e.archiver.Pack(entries, algorithm, 0, archivePath)
	if err != nil {
		os.Remove(archivePath)
		e.logger.LogCapture(sandboxID, string(BackupTypeIncremental), 0, time.Since(start), err)
		return nil, err
	}

	record := &BackupRecord{
		ID:               id,
		SandboxID:        sandboxID,
		Type:             BackupTypeIncremental,
		ParentID:         parent.ID,
		CreatedAt:        time.Now().UTC(),
		SizeBytes:        int64(len(blob)),
		Checksum:         CalculateDataChecksum(blob),
		ArchivePath:      archivePath,
		ChangedFileCount: len(entries),
		Compression:      algorithm,
	}

	if _, err := e.catalog.AddRecord(ctx, record); err != nil {
		os.Remove(archivePath)
		e.logger.LogCapture(sandboxID, string(BackupTypeIncremental), record.SizeBytes, time.Since(start), err)
		return nil, err
	}

	e.logger.LogCapture(sandboxID, string(BackupTypeIncremental), record.SizeBytes, time.Since(start), nil)
	e.replicate(ctx, record)

	return &IncrementalResult{Record: record}, nil
}

// DetectChanges lists the files of a sandbox modified strictly after the
// parent record's creation time, ordered by path. Modification time is a
// heuristic: a file touched without a content change is still reported.
func (e *Engine) DetectChanges(ctx context.Context, sandboxID string, parent *BackupRecord) ([]ChangedFile, error) {
	if parent == nil {
		return nil, NewValidationError("parent record is required", nil)
	}

	files, err := e.adapter.ListFiles(ctx, sandboxID)
	if err != nil {
		return nil, NewCaptureError(fmt.Sprintf("failed to list files of sandbox %s", sandboxID), err).
			WithContext("sandbox_id", sandboxID)
	}

	var changed []ChangedFile
	for _, f := range files {
		if f.ModTime.After(parent.CreatedAt) {
			changed = append(changed, ChangedFile{
				Path:    f.Path,
				Size:    f.Size,
				ModTime: f.ModTime,
			})
		}
	}

	sort.Slice(changed, func(i, j int) bool {
		return changed[i].Path < changed[j].Path
	})

	return changed, nil
}

// resolveParent returns the parent for a new incremental record: the
// explicit override when given, otherwise the sandbox's most recent record.
func (e *Engine) resolveParent(ctx context.Context, sandboxID, parentID string) (*BackupRecord, error) {
	if parentID != "" {
		parent, err := e.catalog.GetRecord(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if parent.SandboxID != sandboxID {
			return nil, NewValidationError(
				fmt.Sprintf("record %s belongs to sandbox %s, not %s", parent.ID, parent.SandboxID, sandboxID), nil).
				WithContext("parent_id", parentID)
		}
		return parent, nil
	}

	parent, err := e.catalog.LatestRecord(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, NewNoParentError(
			fmt.Sprintf("sandbox %s has no backups; create a full backup first", sandboxID), nil).
			WithContext("sandbox_id", sandboxID)
	}
	return parent, nil
}

// replicate pushes an archive to the offsite store, retrying transient
// upload failures. Replication is best effort: the local backup already
// succeeded, so exhausted retries only warn.
func (e *Engine) replicate(ctx context.Context, record *BackupRecord) {
	if e.offsite == nil {
		return
	}

	key := filepath.Base(record.ArchivePath)
	err := e.retry.Retry(ctx, func() error {
		return e.offsite.Upload(ctx, record.ArchivePath, key)
	})
	if err != nil {
		e.logger.WithFields(map[string]interface{}{
			"record_id": record.ID,
			"key":       key,
			"error":     err.Error(),
		}).Warn("Offsite replication failed")
		return
	}

	e.logger.WithFields(map[string]interface{}{
		"record_id": record.ID,
		"key":       key,
	}).Debug("Archive replicated offsite")
}

// DeleteBackup removes a record through the catalog and, when an offsite
// store is configured, the replicated copies of every removed archive.
// Offsite removal is best effort, mirroring replication.
func (e *Engine) DeleteBackup(ctx context.Context, recordID string, cascade bool) error {
	// Archive keys are collected before the catalog forgets the paths.
	var keys []string
	if e.offsite != nil {
		record, err := e.catalog.GetRecord(ctx, recordID)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.Base(record.ArchivePath))
		if cascade {
			all, err := e.catalog.ListRecords(ctx, RecordFilter{SandboxID: record.SandboxID})
			if err != nil {
				return err
			}
			keys = append(keys, dependentArchiveKeys(all, recordID)...)
		}
	}

	if err := e.catalog.DeleteRecord(ctx, recordID, cascade); err != nil {
		return err
	}

	for _, key := range keys {
		if err := e.offsite.Delete(ctx, key); err != nil {
			e.logger.WithFields(map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			}).Warn("Offsite archive removal failed")
		}
	}
	return nil
}

// dependentArchiveKeys collects the archive keys of every record
// transitively depending on id.
func dependentArchiveKeys(records []*BackupRecord, id string) []string {
	children := make(map[string][]*BackupRecord)
	for _, r := range records {
		if r.ParentID != "" {
			children[r.ParentID] = append(children[r.ParentID], r)
		}
	}

	var keys []string
	var walk func(parentID string)
	walk = func(parentID string) {
		for _, child := range children[parentID] {
			if child.ArchivePath != "" {
				keys = append(keys, filepath.Base(child.ArchivePath))
			}
			walk(child.ID)
		}
	}
	walk(id)
	return keys
}

// writeArchive streams the capture into destPath, optionally wrapping the
// stream in a compressor, and returns the on-disk size and SHA-256 of the
// bytes as written. Checksums always cover the file content so later
// validation can hash the file directly.
func writeArchive(stream io.Reader, destPath string, compression CompressionType) (int64, string, error) {
	f, err := os.Create(destPath)
	if err != nil {
		return 0, "", NewStorageError(fmt.Sprintf("failed to create archive %s", destPath), err)
	}

	hasher := sha256.New()
	counter := &countingWriter{}
	sink := io.MultiWriter(f, hasher, counter)

	var w io.Writer = sink
	var closer io.Closer
	switch compression {
	case CompressionTypeNone, "":
	case CompressionTypeGzip:
		gz := gzip.NewWriter(sink)
		w, closer = gz, gz
	case CompressionTypeLZ4:
		lw := lz4.NewWriter(sink)
		w, closer = lw, lw
	case CompressionTypeZstd:
		zw, err := zstd.NewWriter(sink)
		if err != nil {
			f.Close()
			return 0, "", NewCompressionError("failed to create zstd writer", err)
		}
		w, closer = zw, zw
	default:
		f.Close()
		return 0, "", NewCompressionError(fmt.Sprintf("unsupported archive compression: %s", compression), nil)
	}

	if _, err := io.Copy(w, stream); err != nil {
		f.Close()
		return 0, "", NewCaptureError("failed to write capture stream", err)
	}
	if closer != nil {
		if err := closer.Close(); err != nil {
			f.Close()
			return 0, "", NewCompressionError("failed to finalize compressed archive", err)
		}
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return 0, "", NewStorageError("failed to sync archive", err)
	}
	if err := f.Close(); err != nil {
		return 0, "", NewStorageError("failed to close archive", err)
	}

	return counter.n, hex.EncodeToString(hasher.Sum(nil)), nil
}

// StageArchive returns a readable path to the uncompressed blob of a full
// archive. For uncompressed records this is the archive itself; otherwise
// the blob is decompressed into tmpDir and cleanup removes it.
func StageArchive(record *BackupRecord, tmpDir string) (string, func(), error) {
	if record == nil {
		return "", nil, NewValidationError("record cannot be nil", nil)
	}

	noop := func() {}
	if record.Compression == "" || record.Compression == CompressionTypeNone {
		return record.ArchivePath, noop, nil
	}

	src, err := os.Open(record.ArchivePath)
	if err != nil {
		return "", nil, NewStorageError(fmt.Sprintf("failed to open archive %s", record.ArchivePath), err)
	}
	defer src.Close()

	var reader io.Reader
	var closer io.Closer
	switch record.Compression {
	case CompressionTypeGzip:
		gr, err := gzip.NewReader(src)
		if err != nil {
			return "", nil, NewCompressionError("failed to open gzip archive", err)
		}
		reader, closer = gr, gr
	case CompressionTypeLZ4:
		reader = lz4.NewReader(src)
	case CompressionTypeZstd:
		zr, err := zstd.NewReader(src)
		if err != nil {
			return "", nil, NewCompressionError("failed to open zstd archive", err)
		}
		rc := zr.IOReadCloser()
		reader, closer = rc, rc
	default:
		return "", nil, NewCompressionError(fmt.Sprintf("unsupported archive compression: %s", record.Compression), nil)
	}
	if closer != nil {
		defer closer.Close()
	}

	tmp, err := os.CreateTemp(tmpDir, record.ID+"-*.staged")
	if err != nil {
		return "", nil, NewStorageError("failed to create staging file", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", nil, NewCompressionError("failed to decompress archive", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", nil, NewStorageError("failed to close staging file", err)
	}

	return tmpPath, func() { os.Remove(tmpPath) }, nil
}

type countingWriter struct {
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	cw.n += int64(len(p))
	return len(p), nil
}
