package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// DefaultToolBinary is the sandbox management binary the adapter invokes.
const DefaultToolBinary = "sandbox-adm"

// ToolAdapter implements SnapshotAdapter and ConfigIntrospector by
// shelling out to the host's sandbox management tool.
type ToolAdapter struct {
	binary string
}

// NewToolAdapter creates an adapter around the given binary, or
// DefaultToolBinary when empty.
func NewToolAdapter(binary string) *ToolAdapter {
	if binary == "" {
		binary = DefaultToolBinary
	}
	return &ToolAdapter{binary: binary}
}

// Capture implements SnapshotAdapter. The export stream is handed to the
// caller as-is; Close waits for the tool to exit.
func (a *ToolAdapter) Capture(ctx context.Context, sandboxID string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, a.binary, "export", sandboxID)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open export pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start export of %s: %w", sandboxID, err)
	}

	return &captureStream{reader: stdout, cmd: cmd, stderr: &stderr}, nil
}

// captureStream closes the export pipe and reaps the tool process.
type captureStream struct {
	reader io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer
}

func (cs *captureStream) Read(p []byte) (int, error) {
	return cs.reader.Read(p)
}

func (cs *captureStream) Close() error {
	cs.reader.Close()
	if err := cs.cmd.Wait(); err != nil {
		return fmt.Errorf("export failed: %s: %w", strings.TrimSpace(cs.stderr.String()), err)
	}
	return nil
}

// Materialize implements SnapshotAdapter.
func (a *ToolAdapter) Materialize(ctx context.Context, archivePath string, newSandboxID string) error {
	return a.run(ctx, "import", "--name", newSandboxID, archivePath)
}

// ListFiles implements SnapshotAdapter.
func (a *ToolAdapter) ListFiles(ctx context.Context, sandboxID string) ([]FileInfo, error) {
	out, err := a.output(ctx, "files", "--json", sandboxID)
	if err != nil {
		return nil, err
	}

	var files []FileInfo
	if err := json.Unmarshal(out, &files); err != nil {
		return nil, fmt.Errorf("failed to parse file listing of %s: %w", sandboxID, err)
	}
	return files, nil
}

// ReadFile implements SnapshotAdapter.
func (a *ToolAdapter) ReadFile(ctx context.Context, sandboxID string, path string) ([]byte, error) {
	return a.output(ctx, "cat", sandboxID, path)
}

// WriteFile implements SnapshotAdapter.
func (a *ToolAdapter) WriteFile(ctx context.Context, sandboxID string, path string, content []byte) error {
	cmd := exec.CommandContext(ctx, a.binary, "write", sandboxID, path)
	cmd.Stdin = bytes.NewReader(content)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to write %s into %s: %s: %w",
			path, sandboxID, strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

// Exists implements SnapshotAdapter. A non-zero exit from the tool means
// the sandbox is not registered.
func (a *ToolAdapter) Exists(ctx context.Context, sandboxID string) (bool, error) {
	cmd := exec.CommandContext(ctx, a.binary, "exists", sandboxID)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return false, nil
	}
	return false, fmt.Errorf("failed to check sandbox %s: %w", sandboxID, err)
}

// Exec implements SnapshotAdapter.
func (a *ToolAdapter) Exec(ctx context.Context, sandboxID string, command string) (string, error) {
	cmd := exec.CommandContext(ctx, a.binary, "exec", sandboxID, "--", "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("command failed in sandbox %s: %w", sandboxID, err)
	}
	return string(out), nil
}

// Inspect implements ConfigIntrospector.
func (a *ToolAdapter) Inspect(ctx context.Context, sandboxID string) (*Configuration, error) {
	out, err := a.output(ctx, "inspect", "--json", sandboxID)
	if err != nil {
		return nil, err
	}

	var config Configuration
	if err := json.Unmarshal(out, &config); err != nil {
		return nil, fmt.Errorf("failed to parse inspection of %s: %w", sandboxID, err)
	}
	if config.InspectedAt.IsZero() {
		config.InspectedAt = time.Now().UTC()
	}
	return &config, nil
}

// SystemInfo implements ConfigIntrospector using host facilities directly.
func (a *ToolAdapter) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to read hostname: %w", err)
	}

	info := &SystemInfo{
		Hostname:     hostname,
		Architecture: runtime.GOARCH,
	}

	if kernel, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
		info.KernelVersion = strings.TrimSpace(string(kernel))
	}
	if release, err := os.ReadFile("/etc/os-release"); err == nil {
		for _, line := range strings.Split(string(release), "\n") {
			if value, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
				info.OSRelease = strings.Trim(value, `"`)
				break
			}
		}
	}

	return info, nil
}

func (a *ToolAdapter) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, a.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s failed: %s: %w",
			a.binary, args[0], strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

func (a *ToolAdapter) output(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, a.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s failed: %s: %w",
			a.binary, args[0], strings.TrimSpace(stderr.String()), err)
	}
	return stdout.Bytes(), nil
}
