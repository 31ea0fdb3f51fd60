package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockSnapshotAdapter is an in-memory SnapshotAdapter used by tests and the
// dry-run code paths. Sandboxes are maps of path to file content; full
// archives are JSON blobs of that map.
type MockSnapshotAdapter struct {
	mu        sync.Mutex
	sandboxes map[string]map[string]mockFile

	// Failure injection hooks. When set, the corresponding operation
	// returns the configured error instead of running.
	CaptureErr     error
	MaterializeErr error
	ExecErr        error
}

type mockFile struct {
	Content []byte    `json:"content"`
	ModTime time.Time `json:"mod_time"`
}

// NewMockSnapshotAdapter returns an adapter with no sandboxes registered.
func NewMockSnapshotAdapter() *MockSnapshotAdapter {
	return &MockSnapshotAdapter{sandboxes: make(map[string]map[string]mockFile)}
}

// Seed registers a sandbox with the given files, all stamped with modTime.
func (m *MockSnapshotAdapter) Seed(sandboxID string, files map[string]string, modTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb := make(map[string]mockFile, len(files))
	for path, content := range files {
		sb[path] = mockFile{Content: []byte(content), ModTime: modTime}
	}
	m.sandboxes[sandboxID] = sb
}

// Touch overwrites one file in a sandbox with new content and modTime.
func (m *MockSnapshotAdapter) Touch(sandboxID, path, content string, modTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[sandboxID]
	if !ok {
		sb = make(map[string]mockFile)
		m.sandboxes[sandboxID] = sb
	}
	sb[path] = mockFile{Content: []byte(content), ModTime: modTime}
}

// Files returns a copy of a sandbox's current path -> content map.
func (m *MockSnapshotAdapter) Files(sandboxID string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for path, f := range m.sandboxes[sandboxID] {
		out[path] = string(f.Content)
	}
	return out
}

func (m *MockSnapshotAdapter) Capture(ctx context.Context, sandboxID string) (io.ReadCloser, error) {
	if m.CaptureErr != nil {
		return nil, m.CaptureErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[sandboxID]
	if !ok {
		return nil, fmt.Errorf("sandbox %s is not registered", sandboxID)
	}
	data, err := json.Marshal(sb)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

func (m *MockSnapshotAdapter) Materialize(ctx context.Context, archivePath string, newSandboxID string) error {
	if m.MaterializeErr != nil {
		return m.MaterializeErr
	}
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return err
	}
	var sb map[string]mockFile
	if err := json.Unmarshal(data, &sb); err != nil {
		return fmt.Errorf("archive %s is not a mock snapshot: %w", archivePath, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Materializing over an existing name replaces it; the restore
	// orchestrator gates overwrites behind its force option.
	m.sandboxes[newSandboxID] = sb
	return nil
}

func (m *MockSnapshotAdapter) ListFiles(ctx context.Context, sandboxID string) ([]FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[sandboxID]
	if !ok {
		return nil, fmt.Errorf("sandbox %s is not registered", sandboxID)
	}
	infos := make([]FileInfo, 0, len(sb))
	for path, f := range sb {
		infos = append(infos, FileInfo{Path: path, Size: int64(len(f.Content)), ModTime: f.ModTime})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

func (m *MockSnapshotAdapter) ReadFile(ctx context.Context, sandboxID string, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[sandboxID]
	if !ok {
		return nil, fmt.Errorf("sandbox %s is not registered", sandboxID)
	}
	f, ok := sb[path]
	if !ok {
		return nil, fmt.Errorf("file %s not found in sandbox %s", path, sandboxID)
	}
	return append([]byte(nil), f.Content...), nil
}

func (m *MockSnapshotAdapter) WriteFile(ctx context.Context, sandboxID string, path string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[sandboxID]
	if !ok {
		return fmt.Errorf("sandbox %s is not registered", sandboxID)
	}
	sb[path] = mockFile{Content: append([]byte(nil), content...), ModTime: time.Now()}
	return nil
}

func (m *MockSnapshotAdapter) Exists(ctx context.Context, sandboxID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sandboxes[sandboxID]
	return ok, nil
}

func (m *MockSnapshotAdapter) Exec(ctx context.Context, sandboxID string, command string) (string, error) {
	if m.ExecErr != nil {
		return "", m.ExecErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sandboxes[sandboxID]; !ok {
		return "", fmt.Errorf("sandbox %s is not registered", sandboxID)
	}
	return "ok", nil
}

// MockConfigIntrospector returns canned configuration data.
type MockConfigIntrospector struct {
	Config *Configuration
	Info   *SystemInfo
	Err    error
}

// NewMockConfigIntrospector returns an introspector with a minimal but
// valid configuration.
func NewMockConfigIntrospector() *MockConfigIntrospector {
	return &MockConfigIntrospector{
		Config: &Configuration{
			DefaultUser: "sandbox",
			Packages:    []string{"coreutils", "bash"},
			Environment: map[string]string{"LANG": "C.UTF-8"},
			Services:    []string{},
			NetworkInfo: map[string]string{"hostname": "mock"},
			InspectedAt: time.Now().UTC(),
		},
		Info: &SystemInfo{
			Hostname:      "mock-host",
			KernelVersion: "6.0.0-mock",
			OSRelease:     "mock 1.0",
			Architecture:  "x86_64",
		},
	}
}

func (m *MockConfigIntrospector) Inspect(ctx context.Context, sandboxID string) (*Configuration, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Config, nil
}

func (m *MockConfigIntrospector) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Info, nil
}

// MockRemoteExecutor records calls and returns per-host canned results.
type MockRemoteExecutor struct {
	mu sync.Mutex

	// CopyErrs and RunErrs map host names to injected failures.
	CopyErrs map[string]error
	RunErrs  map[string]error

	// Delay simulates transfer/execution latency per call.
	Delay time.Duration

	CopyCalls []string
	RunCalls  []string
}

// NewMockRemoteExecutor returns an executor that succeeds for every host.
func NewMockRemoteExecutor() *MockRemoteExecutor {
	return &MockRemoteExecutor{
		CopyErrs: make(map[string]error),
		RunErrs:  make(map[string]error),
	}
}

func (m *MockRemoteExecutor) CopyFile(ctx context.Context, host string, creds Credentials, localPath, remotePath string) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	m.CopyCalls = append(m.CopyCalls, host)
	err := m.CopyErrs[host]
	m.mu.Unlock()
	return err
}

func (m *MockRemoteExecutor) RunCommand(ctx context.Context, host string, creds Credentials, command string) (string, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	m.mu.Lock()
	m.RunCalls = append(m.RunCalls, host)
	err := m.RunErrs[host]
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "ok", nil
}
