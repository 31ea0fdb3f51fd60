package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"sandbox-migrate/internal/backup"
	appErrors "sandbox-migrate/internal/errors"
	"sandbox-migrate/internal/logging"
	"sandbox-migrate/internal/migration"
	"sandbox-migrate/internal/sandbox"
)

// Status is the terminal outcome of one deployment target.
type Status string

const (
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	// StatusSkipped marks targets never dispatched because the batch was
	// cancelled first.
	StatusSkipped Status = "SKIPPED"
)

// DefaultMaxConcurrent bounds parallel deployments when the caller does
// not set a limit.
const DefaultMaxConcurrent = 4

// Target is one host a package is deployed to.
type Target struct {
	Host        string
	Credentials sandbox.Credentials
	RemoteDir   string
}

// Options configures a batch deployment.
type Options struct {
	// MaxConcurrent bounds how many targets deploy at once. Zero means
	// DefaultMaxConcurrent.
	MaxConcurrent int

	// RemoteDir overrides the package destination on targets that do not
	// set their own.
	RemoteDir string
}

// Result is the outcome of deploying to one target.
type Result struct {
	Host               string        `json:"host"`
	Status             Status        `json:"status"`
	InstalledSandboxID string        `json:"installed_sandbox_id,omitempty"`
	Timestamp          time.Time     `json:"timestamp"`
	Duration           time.Duration `json:"duration"`
	Error              string        `json:"error,omitempty"`
}

// Report aggregates a whole batch. Per-target failures live in Results;
// the batch itself only fails on coordinator-level problems.
type Report struct {
	MigrationID string        `json:"migration_id"`
	Total       int           `json:"total"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Results     []Result      `json:"results"`
}

// Coordinator fans a migration package out to a batch of target hosts
// through a bounded worker pool. Targets are isolated: one host failing
// never aborts the others.
type Coordinator struct {
	executor sandbox.RemoteExecutor
	logger   *logging.Logger
	retry    *appErrors.RetryHandler
}

// Transient transport failures during file transfer get one more attempt;
// script steps are never re-run.
var transferRetryConfig = appErrors.RetryConfig{
	MaxAttempts: 2,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    2 * time.Second,
	Multiplier:  2.0,
}

// NewCoordinator creates a batch deployment coordinator.
func NewCoordinator(executor sandbox.RemoteExecutor, logger *logging.Logger) (*Coordinator, error) {
	if executor == nil {
		return nil, backup.NewValidationError("remote executor is required", nil)
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Coordinator{
		executor: executor,
		logger:   logger,
		retry:    appErrors.NewRetryHandler(transferRetryConfig),
	}, nil
}

// DeployBatch validates the package once, then deploys it to every target.
// The returned error is non-nil only for coordinator-level aborts (bad
// package, no targets); per-target outcomes are always in the report.
func (c *Coordinator) DeployBatch(ctx context.Context, packageDir string, targets []Target, opts Options) (*Report, error) {
	if len(targets) == 0 {
		return nil, backup.NewValidationError("at least one deployment target is required", nil)
	}
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if t.Host == "" {
			return nil, backup.NewValidationError("deployment target host cannot be empty", nil)
		}
		if seen[t.Host] {
			return nil, backup.NewValidationError(fmt.Sprintf("duplicate deployment target: %s", t.Host), nil)
		}
		seen[t.Host] = true
	}

	// The package is validated once, before any target is touched.
	manifest, err := migration.ValidatePackage(ctx, packageDir)
	if err != nil {
		return nil, err
	}

	install, err := loadScript(packageDir, migration.InstallScriptFileName)
	if err != nil {
		return nil, err
	}
	validate, err := loadScript(packageDir, migration.ValidateScriptFileName)
	if err != nil {
		return nil, err
	}

	files, err := listPackageFiles(packageDir)
	if err != nil {
		return nil, err
	}

	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if maxConcurrent > len(targets) {
		maxConcurrent = len(targets)
	}

	report := &Report{
		MigrationID: manifest.MigrationID,
		Total:       len(targets),
		StartedAt:   time.Now().UTC(),
	}

	jobs := make(chan Target)
	results := make(chan Result, len(targets))

	var wg sync.WaitGroup
	for i := 0; i < maxConcurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for target := range jobs {
				results <- c.deployOne(ctx, target, manifest, files, install, validate, opts)
			}
		}()
	}

	// Dispatch until done or cancelled. Undispatched targets are reported
	// as skipped, never silently dropped.
	var skipped []Target
dispatch:
	for i, target := range targets {
		select {
		case jobs <- target:
		case <-ctx.Done():
			skipped = targets[i:]
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	for result := range results {
		report.Results = append(report.Results, result)
	}
	for _, target := range skipped {
		report.Results = append(report.Results, Result{
			Host:      target.Host,
			Status:    StatusSkipped,
			Timestamp: time.Now().UTC(),
			Error:     "batch cancelled before dispatch",
		})
	}

	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].Host < report.Results[j].Host
	})

	for _, result := range report.Results {
		switch result.Status {
		case StatusSucceeded:
			report.Succeeded++
		case StatusFailed:
			report.Failed++
		case StatusSkipped:
			report.Skipped++
		}
	}
	report.Duration = time.Since(report.StartedAt)

	return report, nil
}

// deployOne pushes the package to a single target and runs its scripts.
func (c *Coordinator) deployOne(ctx context.Context, target Target, manifest *migration.Manifest, files []packageFile, install, validate *migration.Script, opts Options) Result {
	start := time.Now()

	err := c.runTarget(ctx, target, manifest, files, install, validate, opts)
	duration := time.Since(start)
	c.logger.LogDeployment(target.Host, err == nil, duration, err)

	if err != nil {
		return Result{
			Host:      target.Host,
			Status:    StatusFailed,
			Timestamp: time.Now().UTC(),
			Duration:  duration,
			Error:     err.Error(),
		}
	}
	return Result{
		Host:               target.Host,
		Status:             StatusSucceeded,
		InstalledSandboxID: manifest.SandboxID,
		Timestamp:          time.Now().UTC(),
		Duration:           duration,
	}
}

func (c *Coordinator) runTarget(ctx context.Context, target Target, manifest *migration.Manifest, files []packageFile, install, validate *migration.Script, opts Options) error {
	if err := ctx.Err(); err != nil {
		return backup.NewTimeoutError(fmt.Sprintf("deployment to %s cancelled", target.Host), err)
	}

	remoteDir := target.RemoteDir
	if remoteDir == "" {
		remoteDir = opts.RemoteDir
	}
	if remoteDir == "" {
		remoteDir = filepath.Join("/opt/sandbox-migrate/packages", manifest.MigrationID)
	}

	// The transfer phase is idempotent, so transient connection failures
	// are retried before the target is marked failed.
	transfer := func() error {
		if _, err := c.executor.RunCommand(ctx, target.Host, target.Credentials,
			fmt.Sprintf("mkdir -p %q", remoteDir)); err != nil {
			return backup.NewNetworkError(
				fmt.Sprintf("failed to prepare %s on %s", remoteDir, target.Host), err)
		}

		for _, file := range files {
			remotePath := filepath.Join(remoteDir, file.name)
			if err := c.executor.CopyFile(ctx, target.Host, target.Credentials, file.path, remotePath); err != nil {
				return backup.NewNetworkError(
					fmt.Sprintf("failed to copy %s to %s", file.name, target.Host), err)
			}
		}
		return nil
	}
	if err := c.retry.Retry(ctx, transfer); err != nil {
		return err
	}

	if err := c.runScript(ctx, target, remoteDir, install); err != nil {
		return err
	}
	return c.runScript(ctx, target, remoteDir, validate)
}

// runScript executes script steps on the target in order, stopping at the
// first failure.
func (c *Coordinator) runScript(ctx context.Context, target Target, remoteDir string, script *migration.Script) error {
	for _, step := range script.Steps {
		if err := ctx.Err(); err != nil {
			return backup.NewTimeoutError(
				fmt.Sprintf("deployment to %s cancelled at step %s", target.Host, step.Name), err)
		}

		command := fmt.Sprintf("cd %q && %s", remoteDir, step.Run)
		output, err := c.executor.RunCommand(ctx, target.Host, target.Credentials, command)
		if err != nil {
			return backup.NewNetworkError(
				fmt.Sprintf("step %s failed on %s: %s", step.Name, target.Host, output), err).
				WithContext("step", step.Name).
				WithContext("host", target.Host)
		}
		c.logger.Debugf("Step %s completed on %s", step.Name, target.Host)
	}
	return nil
}

type packageFile struct {
	name string
	path string
}

func listPackageFiles(packageDir string) ([]packageFile, error) {
	entries, err := os.ReadDir(packageDir)
	if err != nil {
		return nil, backup.NewStorageError("failed to read package directory", err)
	}

	var files []packageFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		files = append(files, packageFile{
			name: entry.Name(),
			path: filepath.Join(packageDir, entry.Name()),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

func loadScript(packageDir, name string) (*migration.Script, error) {
	data, err := os.ReadFile(filepath.Join(packageDir, name))
	if err != nil {
		return nil, backup.NewValidationError(
			fmt.Sprintf("package is missing %s", name), err)
	}

	var script migration.Script
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, backup.NewValidationError(
			fmt.Sprintf("package script %s is not valid YAML", name), err)
	}
	if len(script.Steps) == 0 {
		return nil, backup.NewValidationError(
			fmt.Sprintf("package script %s has no steps", name), nil)
	}
	return &script, nil
}
