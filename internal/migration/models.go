package migration

import (
	"encoding/json"
	"time"

	"sandbox-migrate/internal/backup"
	"sandbox-migrate/internal/sandbox"
)

// Manifest describes a migration package. It is written as manifest.json
// at the package root and is the contract between the packager and the
// deployment coordinator.
type Manifest struct {
	MigrationID      string                 `json:"migration_id"`
	SandboxID        string                 `json:"sandbox_id"`
	RecordID         string                 `json:"record_id"`
	CreatedAt        time.Time              `json:"created_at"`
	CreatorPrincipal string                 `json:"creator_principal,omitempty"`
	OriginHost       string                 `json:"origin_host,omitempty"`
	ArchiveFile      string                 `json:"archive_file"`
	SizeBytes        int64                  `json:"size_bytes"`
	Checksum         string                 `json:"checksum"`
	Configuration    *sandbox.Configuration `json:"configuration"`
	SystemInfo       *sandbox.SystemInfo    `json:"system_info,omitempty"`

	// FileManifest lists every file shipped alongside manifest.json.
	FileManifest []string `json:"file_manifest"`
}

// Validate checks the structural invariants of a manifest.
func (m *Manifest) Validate() error {
	var errs backup.ValidationErrors

	if m.MigrationID == "" {
		errs.Add("migration_id", "migration ID is required", m.MigrationID)
	}
	if m.SandboxID == "" {
		errs.Add("sandbox_id", "sandbox ID is required", m.SandboxID)
	}
	if m.RecordID == "" {
		errs.Add("record_id", "source record ID is required", m.RecordID)
	}
	if m.CreatedAt.IsZero() {
		errs.Add("created_at", "creation timestamp is required", m.CreatedAt)
	}
	if m.ArchiveFile == "" {
		errs.Add("archive_file", "archive file name is required", m.ArchiveFile)
	}
	if m.Checksum == "" {
		errs.Add("checksum", "archive checksum is required", m.Checksum)
	}
	if m.Configuration == nil {
		errs.Add("configuration", "sandbox configuration is required", nil)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// ToJSON serializes the manifest.
func (m *Manifest) ToJSON() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// FromJSON deserializes and validates a manifest.
func (m *Manifest) FromJSON(data []byte) error {
	if err := json.Unmarshal(data, m); err != nil {
		return backup.NewValidationError("failed to unmarshal manifest JSON", err)
	}
	return m.Validate()
}

// Script is the YAML layout of the install and validate scripts shipped in
// a package. Steps run in order on the target host.
type Script struct {
	Version     int          `yaml:"version"`
	Description string       `yaml:"description"`
	SandboxID   string       `yaml:"sandbox_id"`
	Steps       []ScriptStep `yaml:"steps"`
}

// ScriptStep is one command of a package script.
type ScriptStep struct {
	Name string `yaml:"name"`
	Run  string `yaml:"run"`
}

// PackageResult reports a created migration package.
type PackageResult struct {
	MigrationID string `json:"migration_id"`
	Path        string `json:"path"`
	RecordID    string `json:"record_id"`
	SizeBytes   int64  `json:"size_bytes"`
	Compressed  bool   `json:"compressed"`
}

// Well-known file names inside a package directory.
const (
	ManifestFileName       = "manifest.json"
	InstallScriptFileName  = "install.script"
	ValidateScriptFileName = "validate.script"
	ReadmeFileName         = "README"
)
