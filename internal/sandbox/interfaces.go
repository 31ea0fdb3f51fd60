package sandbox

import (
	"context"
	"io"
	"time"
)

// SnapshotAdapter abstracts the tool that captures and materializes sandbox
// filesystems. The core never invokes OS tooling directly; everything goes
// through this interface so tests can run against in-memory fakes.
type SnapshotAdapter interface {
	// Capture streams the entire filesystem of the named sandbox as a
	// single archive blob. The blob format is opaque to callers; the
	// backup engine hashes and persists the stream in one pass.
	Capture(ctx context.Context, sandboxID string) (io.ReadCloser, error)

	// Materialize creates a new sandbox named newSandboxID from a full
	// archive previously produced by Capture.
	Materialize(ctx context.Context, archivePath string, newSandboxID string) error

	// ListFiles enumerates the live files of a sandbox. Used by the
	// incremental engine for change detection.
	ListFiles(ctx context.Context, sandboxID string) ([]FileInfo, error)

	// ReadFile returns the current content of a single file inside the
	// sandbox, addressed by the path reported by ListFiles.
	ReadFile(ctx context.Context, sandboxID string, path string) ([]byte, error)

	// WriteFile creates or overwrites a single file inside the sandbox.
	// The restore orchestrator uses this to replay incremental deltas.
	WriteFile(ctx context.Context, sandboxID string, path string, content []byte) error

	// Exists reports whether a sandbox with the given name is registered.
	Exists(ctx context.Context, sandboxID string) (bool, error)

	// Exec runs a command inside the sandbox and returns its combined
	// output. The restore orchestrator uses this as a liveness probe.
	Exec(ctx context.Context, sandboxID string, command string) (string, error)
}

// FileInfo describes one live file inside a sandbox.
type FileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ConfigIntrospector reads the runtime configuration of a sandbox for
// inclusion in migration manifests.
type ConfigIntrospector interface {
	Inspect(ctx context.Context, sandboxID string) (*Configuration, error)
	SystemInfo(ctx context.Context) (*SystemInfo, error)
}

// Configuration is the introspected state of a sandbox.
type Configuration struct {
	DefaultUser string            `json:"default_user"`
	Packages    []string          `json:"packages"`
	Environment map[string]string `json:"environment"`
	Services    []string          `json:"services"`
	NetworkInfo map[string]string `json:"network_info"`
	InspectedAt time.Time         `json:"inspected_at"`
}

// SystemInfo describes the host machine a sandbox runs on.
type SystemInfo struct {
	Hostname      string `json:"hostname"`
	KernelVersion string `json:"kernel_version"`
	OSRelease     string `json:"os_release"`
	Architecture  string `json:"architecture"`
}

// RemoteExecutor copies files to remote hosts and runs commands there. The
// batch deployment coordinator is its only consumer.
type RemoteExecutor interface {
	CopyFile(ctx context.Context, host string, creds Credentials, localPath, remotePath string) error
	RunCommand(ctx context.Context, host string, creds Credentials, command string) (string, error)
}

// Credentials authenticate a RemoteExecutor against a target host.
type Credentials struct {
	Username   string
	Password   string
	PrivateKey []byte
	Port       int
}
