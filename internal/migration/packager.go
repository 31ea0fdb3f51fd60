package migration

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sandbox-migrate/internal/backup"
	"sandbox-migrate/internal/logging"
	"sandbox-migrate/internal/sandbox"
)

// Options configures package creation.
type Options struct {
	// RecordID pins the package to an existing full backup. When empty the
	// most recent full backup is used, or a fresh one is created if the
	// sandbox has none.
	RecordID string

	// IncludeSystemInfo records the origin host's details in the manifest.
	IncludeSystemInfo bool

	// Compress bundles the package directory into a single compressed
	// file.
	Compress bool

	// CompressionType selects the bundle algorithm. Defaults to gzip.
	CompressionType backup.CompressionType
}

// Packager assembles self-contained migration packages: a full archive,
// the introspected sandbox configuration, install and validate scripts and
// a manifest tying them together.
type Packager struct {
	catalog      backup.Catalog
	engine       *backup.Engine
	introspector sandbox.ConfigIntrospector
	compression  *backup.CompressionManager
	logger       *logging.Logger
}

// NewPackager creates a migration packager.
func NewPackager(catalog backup.Catalog, engine *backup.Engine, introspector sandbox.ConfigIntrospector, logger *logging.Logger) (*Packager, error) {
	if catalog == nil {
		return nil, backup.NewValidationError("catalog is required", nil)
	}
	if engine == nil {
		return nil, backup.NewValidationError("backup engine is required", nil)
	}
	if introspector == nil {
		return nil, backup.NewValidationError("config introspector is required", nil)
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	return &Packager{
		catalog:      catalog,
		engine:       engine,
		introspector: introspector,
		compression:  backup.NewCompressionManager(),
		logger:       logger,
	}, nil
}

// CreatePackage builds a migration package for a sandbox under destDir.
// A partial package directory is removed on failure.
func (p *Packager) CreatePackage(ctx context.Context, sandboxID, destDir string, opts Options) (*PackageResult, error) {
	if sandboxID == "" {
		return nil, backup.NewValidationError("sandbox ID is required", nil)
	}
	if destDir == "" {
		return nil, backup.NewValidationError("destination directory is required", nil)
	}

	record, err := p.resolveSourceRecord(ctx, sandboxID, opts.RecordID)
	if err != nil {
		return nil, err
	}

	config, err := p.introspector.Inspect(ctx, sandboxID)
	if err != nil {
		return nil, backup.NewCaptureError(
			fmt.Sprintf("failed to introspect sandbox %s", sandboxID), err).
			WithContext("sandbox_id", sandboxID)
	}

	// Host details enrich the manifest but their absence never blocks a
	// package.
	var sysInfo *sandbox.SystemInfo
	if opts.IncludeSystemInfo {
		sysInfo, err = p.introspector.SystemInfo(ctx)
		if err != nil {
			p.logger.Warnf("Failed to read host system info: %v", err)
			sysInfo = nil
		}
	}

	migrationID := backup.GenerateMigrationID()
	pkgDir := filepath.Join(destDir, migrationID)
	if err := os.MkdirAll(pkgDir, 0755); err != nil {
		return nil, backup.NewStorageError("failed to create package directory", err)
	}

	done := p.logger.LogOperationStart("create_package", map[string]interface{}{
		"migration_id": migrationID,
		"sandbox_id":   sandboxID,
		"record_id":    record.ID,
	})

	result, err := p.assemble(ctx, pkgDir, migrationID, sandboxID, record, config, sysInfo, opts)
	if err != nil {
		os.RemoveAll(pkgDir)
		done(err)
		return nil, err
	}

	done(nil)
	return result, nil
}

// assemble writes the package contents into pkgDir and optionally bundles
// the directory into a single compressed file.
func (p *Packager) assemble(ctx context.Context, pkgDir, migrationID, sandboxID string, record *backup.BackupRecord, config *sandbox.Configuration, sysInfo *sandbox.SystemInfo, opts Options) (*PackageResult, error) {
	archiveFile := sandboxID + ".archive"
	if err := copyFile(record.ArchivePath, filepath.Join(pkgDir, archiveFile)); err != nil {
		return nil, err
	}

	manifest := &Manifest{
		MigrationID:      migrationID,
		SandboxID:        sandboxID,
		RecordID:         record.ID,
		CreatedAt:        time.Now().UTC(),
		CreatorPrincipal: currentPrincipal(),
		OriginHost:       currentHost(),
		ArchiveFile:      archiveFile,
		SizeBytes:        record.SizeBytes,
		Checksum:         record.Checksum,
		Configuration:    config,
		SystemInfo:       sysInfo,
		FileManifest: []string{
			archiveFile,
			InstallScriptFileName,
			ValidateScriptFileName,
			ReadmeFileName,
		},
	}
	manifestData, err := manifest.ToJSON()
	if err != nil {
		return nil, backup.NewStorageError("failed to serialize manifest", err)
	}
	if err := os.WriteFile(filepath.Join(pkgDir, ManifestFileName), manifestData, 0644); err != nil {
		return nil, backup.NewStorageError("failed to write manifest", err)
	}

	if err := p.writeScript(pkgDir, InstallScriptFileName, buildInstallScript(manifest)); err != nil {
		return nil, err
	}
	if err := p.writeScript(pkgDir, ValidateScriptFileName, buildValidateScript(manifest)); err != nil {
		return nil, err
	}

	readme := buildReadme(manifest)
	if err := os.WriteFile(filepath.Join(pkgDir, ReadmeFileName), []byte(readme), 0644); err != nil {
		return nil, backup.NewStorageError("failed to write package README", err)
	}

	result := &PackageResult{
		MigrationID: migrationID,
		Path:        pkgDir,
		RecordID:    record.ID,
	}

	if opts.Compress {
		bundlePath, size, err := p.bundle(pkgDir, opts.CompressionType)
		if err != nil {
			return nil, err
		}
		os.RemoveAll(pkgDir)
		result.Path = bundlePath
		result.SizeBytes = size
		result.Compressed = true
		return result, nil
	}

	size, err := dirSize(pkgDir)
	if err != nil {
		return nil, err
	}
	result.SizeBytes = size
	return result, nil
}

// resolveSourceRecord picks the full backup a package is built from,
// creating one when the sandbox has none.
func (p *Packager) resolveSourceRecord(ctx context.Context, sandboxID, recordID string) (*backup.BackupRecord, error) {
	if recordID != "" {
		record, err := p.catalog.GetRecord(ctx, recordID)
		if err != nil {
			return nil, err
		}
		if record.SandboxID != sandboxID {
			return nil, backup.NewValidationError(
				fmt.Sprintf("record %s belongs to sandbox %s, not %s", record.ID, record.SandboxID, sandboxID), nil)
		}
		if record.Type != backup.BackupTypeFull {
			return nil, backup.NewValidationError(
				fmt.Sprintf("record %s is not a full backup; packages require a full archive", record.ID), nil)
		}
		return record, nil
	}

	fulls, err := p.catalog.ListRecords(ctx, backup.RecordFilter{
		SandboxID: sandboxID,
		Type:      backup.BackupTypeFull,
	})
	if err != nil {
		return nil, err
	}
	if len(fulls) > 0 {
		return fulls[0], nil
	}

	p.logger.Infof("Sandbox %s has no full backup, creating one for the package", sandboxID)
	return p.engine.CreateFullBackup(ctx, sandboxID, backup.FullBackupOptions{})
}

func (p *Packager) writeScript(pkgDir, name string, script *Script) error {
	data, err := yaml.Marshal(script)
	if err != nil {
		return backup.NewStorageError(fmt.Sprintf("failed to serialize %s", name), err)
	}
	if err := os.WriteFile(filepath.Join(pkgDir, name), data, 0755); err != nil {
		return backup.NewStorageError(fmt.Sprintf("failed to write %s", name), err)
	}
	return nil
}

// bundle tars the package directory and compresses it into a sibling file.
func (p *Packager) bundle(pkgDir string, algorithm backup.CompressionType) (string, int64, error) {
	if algorithm == "" || algorithm == backup.CompressionTypeNone {
		algorithm = backup.CompressionTypeGzip
	}

	ext, ok := bundleExtensions[algorithm]
	if !ok {
		return "", 0, backup.NewCompressionError(
			fmt.Sprintf("unsupported package compression: %s", algorithm), nil)
	}

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)

	entries, err := os.ReadDir(pkgDir)
	if err != nil {
		return "", 0, backup.NewStorageError("failed to read package directory", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	base := filepath.Base(pkgDir)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return "", 0, backup.NewStorageError("failed to stat package file", err)
		}
		content, err := os.ReadFile(filepath.Join(pkgDir, entry.Name()))
		if err != nil {
			return "", 0, backup.NewStorageError(fmt.Sprintf("failed to read %s", entry.Name()), err)
		}

		hdr := &tar.Header{
			Name:    base + "/" + entry.Name(),
			Mode:    int64(info.Mode().Perm()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return "", 0, backup.NewCompressionError("failed to write package tar header", err)
		}
		if _, err := tw.Write(content); err != nil {
			return "", 0, backup.NewCompressionError("failed to write package tar content", err)
		}
	}
	if err := tw.Close(); err != nil {
		return "", 0, backup.NewCompressionError("failed to finalize package tar", err)
	}

	compressed, _, err := p.compression.Compress(tarBuf.Bytes(), algorithm, 0)
	if err != nil {
		return "", 0, err
	}

	bundlePath := pkgDir + ext
	if err := os.WriteFile(bundlePath, compressed, 0644); err != nil {
		return "", 0, backup.NewStorageError("failed to write package bundle", err)
	}

	return bundlePath, int64(len(compressed)), nil
}

var bundleExtensions = map[backup.CompressionType]string{
	backup.CompressionTypeGzip: ".tar.gz",
	backup.CompressionTypeLZ4:  ".tar.lz4",
	backup.CompressionTypeZstd: ".tar.zst",
}

// LoadManifest reads and validates the manifest of a package directory.
func LoadManifest(packageDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(packageDir, ManifestFileName))
	if err != nil {
		return nil, backup.NewValidationError(
			fmt.Sprintf("package %s has no readable manifest", packageDir), err)
	}

	var manifest Manifest
	if err := manifest.FromJSON(data); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// ValidatePackage checks a package directory is complete and its archive
// matches the manifest checksum. It returns the manifest on success.
func ValidatePackage(ctx context.Context, packageDir string) (*Manifest, error) {
	manifest, err := LoadManifest(packageDir)
	if err != nil {
		return nil, err
	}

	required := manifest.FileManifest
	if len(required) == 0 {
		required = []string{manifest.ArchiveFile, InstallScriptFileName, ValidateScriptFileName}
	}
	for _, name := range required {
		if _, err := os.Stat(filepath.Join(packageDir, name)); err != nil {
			return nil, backup.NewValidationError(
				fmt.Sprintf("package %s is missing %s", packageDir, name), err)
		}
	}

	validator := backup.NewValidator()
	result, err := validator.Validate(ctx, filepath.Join(packageDir, manifest.ArchiveFile), manifest.Checksum)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, backup.NewChainIntegrityError(
			fmt.Sprintf("package archive failed validation: %s", result.Reason), nil).
			WithContext("migration_id", manifest.MigrationID).
			WithContext("reason", string(result.Reason))
	}

	return manifest, nil
}

// buildInstallScript derives the target-side install steps from the
// introspected configuration.
func buildInstallScript(m *Manifest) *Script {
	steps := []ScriptStep{
		{
			Name: "materialize-sandbox",
			Run:  fmt.Sprintf("sandbox-adm import --name %s %s", m.SandboxID, m.ArchiveFile),
		},
	}

	if len(m.Configuration.Packages) > 0 {
		steps = append(steps, ScriptStep{
			Name: "install-packages",
			Run: fmt.Sprintf("sandbox-adm exec %s -- apt-get install -y %s",
				m.SandboxID, strings.Join(m.Configuration.Packages, " ")),
		})
	}

	if m.Configuration.DefaultUser != "" {
		steps = append(steps, ScriptStep{
			Name: "set-default-user",
			Run:  fmt.Sprintf("sandbox-adm config %s --default-user %s", m.SandboxID, m.Configuration.DefaultUser),
		})
	}

	envKeys := make([]string, 0, len(m.Configuration.Environment))
	for k := range m.Configuration.Environment {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		steps = append(steps, ScriptStep{
			Name: "set-env-" + strings.ToLower(k),
			Run:  fmt.Sprintf("sandbox-adm env %s %s=%s", m.SandboxID, k, m.Configuration.Environment[k]),
		})
	}

	for _, svc := range m.Configuration.Services {
		steps = append(steps, ScriptStep{
			Name: "enable-service-" + svc,
			Run:  fmt.Sprintf("sandbox-adm exec %s -- systemctl enable --now %s", m.SandboxID, svc),
		})
	}

	return &Script{
		Version:     1,
		Description: fmt.Sprintf("Install sandbox %s from migration %s", m.SandboxID, m.MigrationID),
		SandboxID:   m.SandboxID,
		Steps:       steps,
	}
}

// buildValidateScript derives post-install checks from the configuration.
func buildValidateScript(m *Manifest) *Script {
	steps := []ScriptStep{
		{
			Name: "sandbox-responds",
			Run:  fmt.Sprintf("sandbox-adm exec %s -- echo ok", m.SandboxID),
		},
	}

	if pkgs := m.Configuration.Packages; len(pkgs) > 0 {
		steps = append(steps, ScriptStep{
			Name: "package-count-matches",
			Run: fmt.Sprintf("sandbox-adm exec %s -- sh -c 'test \"$(dpkg-query -W -f . %s | wc -c)\" -eq %d'",
				m.SandboxID, strings.Join(pkgs, " "), len(pkgs)),
		})
	}

	if m.Configuration.DefaultUser != "" {
		steps = append(steps, ScriptStep{
			Name: "default-user-exists",
			Run:  fmt.Sprintf("sandbox-adm exec %s -- id -u %s", m.SandboxID, m.Configuration.DefaultUser),
		})
	}

	for _, svc := range m.Configuration.Services {
		steps = append(steps, ScriptStep{
			Name: "service-active-" + svc,
			Run:  fmt.Sprintf("sandbox-adm exec %s -- systemctl is-active %s", m.SandboxID, svc),
		})
	}

	return &Script{
		Version:     1,
		Description: fmt.Sprintf("Validate sandbox %s after migration %s", m.SandboxID, m.MigrationID),
		SandboxID:   m.SandboxID,
		Steps:       steps,
	}
}

func buildReadme(m *Manifest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Migration Package %s\n\n", m.MigrationID)
	fmt.Fprintf(&b, "Sandbox: %s\n", m.SandboxID)
	fmt.Fprintf(&b, "Source record: %s\n", m.RecordID)
	fmt.Fprintf(&b, "Created: %s\n\n", m.CreatedAt.Format(time.RFC3339))
	b.WriteString("## Contents\n\n")
	fmt.Fprintf(&b, "- `%s` — full sandbox archive (%d bytes, sha256 %s)\n", m.ArchiveFile, m.SizeBytes, m.Checksum)
	fmt.Fprintf(&b, "- `%s` — package metadata\n", ManifestFileName)
	fmt.Fprintf(&b, "- `%s` — ordered install steps for the target host\n", InstallScriptFileName)
	fmt.Fprintf(&b, "- `%s` — post-install checks\n", ValidateScriptFileName)
	b.WriteString("\n## Deployment\n\n")
	b.WriteString("Copy the package to the target host and run the install script steps in order, then the validate script.\n")
	return b.String()
}

// currentPrincipal names the operator building the package. Best effort;
// an empty principal never blocks packaging.
func currentPrincipal() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

func currentHost() string {
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}

// copyFile copies src to dest, failing if the copy is incomplete.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return backup.NewStorageError(fmt.Sprintf("failed to open %s", src), err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return backup.NewStorageError(fmt.Sprintf("failed to create %s", dest), err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return backup.NewStorageError(fmt.Sprintf("failed to copy archive to %s", dest), err)
	}
	return out.Close()
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, backup.NewStorageError("failed to measure package size", err)
	}
	return total, nil
}
