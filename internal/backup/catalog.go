package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Catalog is the durable registry of backup records and their parent/child
// chain structure. It is the single source of truth: engines never touch
// the store directly.
type Catalog interface {
	// AddRecord validates chain invariants, appends the record under the
	// sandbox lock, persists atomically and returns the record ID.
	AddRecord(ctx context.Context, record *BackupRecord) (string, error)

	// ListRecords returns records matching the filter, most recent first.
	ListRecords(ctx context.Context, filter RecordFilter) ([]*BackupRecord, error)

	// GetRecord returns the record or a NOT_FOUND_ERROR.
	GetRecord(ctx context.Context, id string) (*BackupRecord, error)

	// LatestRecord returns the most recently created record for a
	// sandbox, or nil when the sandbox has no records.
	LatestRecord(ctx context.Context, sandboxID string) (*BackupRecord, error)

	// DeleteRecord removes a record and its archive file. When the record
	// has dependents the call fails with DEPENDENCY_ERROR unless cascade
	// is set, in which case dependents are removed first.
	DeleteRecord(ctx context.Context, id string, cascade bool) error

	// ResolveChain returns the ordered lineage [Full, Incr1, ..., target]
	// for a record.
	ResolveChain(ctx context.Context, id string) ([]*BackupRecord, error)

	// LockSandbox takes the per-sandbox advisory lock and returns the
	// unlock function. Backup creation for one sandbox is serialized
	// through this lock; different sandboxes proceed independently.
	LockSandbox(sandboxID string) func()
}

// catalogStore is the on-disk layout of the catalog file.
type catalogStore struct {
	Version int             `json:"version"`
	Records []*BackupRecord `json:"records"`
}

const catalogStoreVersion = 1

// FileCatalog persists records as a JSON list at a well-known per-operator
// location. All mutation happens under mu with write-temp-then-rename
// persistence; a corrupted store fails closed rather than dropping entries.
type FileCatalog struct {
	path string

	mu sync.Mutex

	sandboxMu sync.Mutex
	sandboxes map[string]*sync.Mutex
}

// NewFileCatalog opens (or creates) the catalog file at path.
func NewFileCatalog(path string) (*FileCatalog, error) {
	if path == "" {
		return nil, NewValidationError("catalog path is required", nil)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, NewStorageError("failed to create catalog directory", err)
	}

	c := &FileCatalog{
		path:      path,
		sandboxes: make(map[string]*sync.Mutex),
	}

	// Fail fast on a corrupt store instead of discovering it mid-backup.
	if _, err := c.load(); err != nil {
		return nil, err
	}

	return c, nil
}

// LockSandbox implements Catalog.
func (c *FileCatalog) LockSandbox(sandboxID string) func() {
	c.sandboxMu.Lock()
	mu, ok := c.sandboxes[sandboxID]
	if !ok {
		mu = &sync.Mutex{}
		c.sandboxes[sandboxID] = mu
	}
	c.sandboxMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// AddRecord implements Catalog.
func (c *FileCatalog) AddRecord(ctx context.Context, record *BackupRecord) (string, error) {
	if record == nil {
		return "", NewValidationError("record cannot be nil", nil)
	}
	if err := record.Validate(); err != nil {
		return "", NewValidationError("invalid backup record", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	store, err := c.load()
	if err != nil {
		return "", err
	}

	byID := indexByID(store.Records)

	if _, exists := byID[record.ID]; exists {
		return "", NewConflictError(fmt.Sprintf("record %s already exists", record.ID), nil).
			WithContext("record_id", record.ID)
	}

	if record.Type == BackupTypeIncremental {
		parent, ok := byID[record.ParentID]
		if !ok {
			return "", NewNoParentError(fmt.Sprintf("parent record %s does not exist", record.ParentID), nil).
				WithContext("record_id", record.ID).
				WithContext("parent_id", record.ParentID)
		}
		if parent.SandboxID != record.SandboxID {
			return "", NewValidationError(
				fmt.Sprintf("parent record %s belongs to sandbox %s, not %s",
					parent.ID, parent.SandboxID, record.SandboxID), nil).
				WithContext("record_id", record.ID)
		}
		// The parent chain was valid before this append; verifying the
		// parent itself still reaches a Full root guards against a store
		// edited out-of-band.
		if _, err := chainFor(byID, parent.ID); err != nil {
			return "", err
		}
	}

	store.Records = append(store.Records, record)
	if err := c.persist(store); err != nil {
		return "", err
	}

	return record.ID, nil
}

// ListRecords implements Catalog.
func (c *FileCatalog) ListRecords(ctx context.Context, filter RecordFilter) ([]*BackupRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	store, err := c.load()
	if err != nil {
		return nil, err
	}

	var out []*BackupRecord
	for _, r := range store.Records {
		if filter.SandboxID != "" && r.SandboxID != filter.SandboxID {
			continue
		}
		if filter.Type != "" && r.Type != filter.Type {
			continue
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	return out, nil
}

// GetRecord implements Catalog.
func (c *FileCatalog) GetRecord(ctx context.Context, id string) (*BackupRecord, error) {
	if id == "" {
		return nil, NewValidationError("record ID is required", nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	store, err := c.load()
	if err != nil {
		return nil, err
	}

	for _, r := range store.Records {
		if r.ID == id {
			return r, nil
		}
	}

	return nil, NewNotFoundError(fmt.Sprintf("record %s not found", id), nil).
		WithContext("record_id", id)
}

// LatestRecord implements Catalog.
func (c *FileCatalog) LatestRecord(ctx context.Context, sandboxID string) (*BackupRecord, error) {
	records, err := c.ListRecords(ctx, RecordFilter{SandboxID: sandboxID})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// DeleteRecord implements Catalog.
func (c *FileCatalog) DeleteRecord(ctx context.Context, id string, cascade bool) error {
	if id == "" {
		return NewValidationError("record ID is required", nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	store, err := c.load()
	if err != nil {
		return err
	}

	byID := indexByID(store.Records)
	target, ok := byID[id]
	if !ok {
		return NewNotFoundError(fmt.Sprintf("record %s not found", id), nil).
			WithContext("record_id", id)
	}

	dependents := collectDependents(store.Records, id)
	if len(dependents) > 0 && !cascade {
		return NewDependencyError(
			fmt.Sprintf("record %s has %d dependent record(s); use cascade to delete them", id, len(dependents)), nil).
			WithContext("record_id", id).
			WithContext("dependent_count", len(dependents))
	}

	// Dependents are removed deepest-first so a crash mid-delete never
	// leaves a child without its parent.
	doomed := append(dependents, target)
	doomedIDs := make(map[string]bool, len(doomed))
	for _, r := range doomed {
		doomedIDs[r.ID] = true
	}

	var kept []*BackupRecord
	for _, r := range store.Records {
		if !doomedIDs[r.ID] {
			kept = append(kept, r)
		}
	}
	store.Records = kept

	if err := c.persist(store); err != nil {
		return err
	}

	// Archive removal happens after the catalog no longer references the
	// records; a missing archive file is not an error here.
	for _, r := range doomed {
		if r.ArchivePath == "" {
			continue
		}
		if err := os.Remove(r.ArchivePath); err != nil && !os.IsNotExist(err) {
			return NewStorageError(fmt.Sprintf("failed to remove archive for record %s", r.ID), err).
				WithContext("record_id", r.ID)
		}
	}

	return nil
}

// ResolveChain implements Catalog.
func (c *FileCatalog) ResolveChain(ctx context.Context, id string) ([]*BackupRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	store, err := c.load()
	if err != nil {
		return nil, err
	}

	byID := indexByID(store.Records)
	if _, ok := byID[id]; !ok {
		return nil, NewNotFoundError(fmt.Sprintf("record %s not found", id), nil).
			WithContext("record_id", id)
	}

	return chainFor(byID, id)
}

// Path returns the catalog file location.
func (c *FileCatalog) Path() string {
	return c.path
}

// load reads and decodes the store file. A missing file is an empty
// catalog; an unreadable or undecodable file is a corruption error.
func (c *FileCatalog) load() (*catalogStore, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return &catalogStore{Version: catalogStoreVersion}, nil
	}
	if err != nil {
		return nil, NewStorageError("failed to read catalog store", err)
	}

	var store catalogStore
	if err := json.Unmarshal(data, &store); err != nil {
		return nil, NewCatalogCorruptError("catalog store is not valid JSON", err).
			WithContext("catalog_path", c.path)
	}

	for _, r := range store.Records {
		if err := r.Validate(); err != nil {
			return nil, NewCatalogCorruptError(
				fmt.Sprintf("catalog store contains invalid record %s", r.ID), err).
				WithContext("catalog_path", c.path)
		}
	}

	return &store, nil
}

// persist writes the store to a temp file and renames it into place so a
// crash never leaves a half-written catalog.
func (c *FileCatalog) persist(store *catalogStore) error {
	store.Version = catalogStoreVersion

	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return NewStorageError("failed to serialize catalog store", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".catalog-*.tmp")
	if err != nil {
		return NewStorageError("failed to create catalog temp file", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return NewStorageError("failed to write catalog temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return NewStorageError("failed to sync catalog temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return NewStorageError("failed to close catalog temp file", err)
	}

	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return NewStorageError("failed to replace catalog store", err)
	}

	return nil
}

// Helper functions

func indexByID(records []*BackupRecord) map[string]*BackupRecord {
	byID := make(map[string]*BackupRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	return byID
}

// chainFor walks parent pointers from id and returns the lineage ordered
// root-first. Broken links, cycles, and chains not rooted at a Full record
// are corruption.
func chainFor(byID map[string]*BackupRecord, id string) ([]*BackupRecord, error) {
	var reversed []*BackupRecord
	seen := make(map[string]bool)

	current := byID[id]
	for current != nil {
		if seen[current.ID] {
			return nil, NewCatalogCorruptError(
				fmt.Sprintf("cycle detected in chain of record %s", id), nil).
				WithContext("record_id", id)
		}
		seen[current.ID] = true
		reversed = append(reversed, current)

		if current.Type == BackupTypeFull {
			break
		}

		parent, ok := byID[current.ParentID]
		if !ok {
			return nil, NewCatalogCorruptError(
				fmt.Sprintf("record %s references missing parent %s", current.ID, current.ParentID), nil).
				WithContext("record_id", current.ID).
				WithContext("parent_id", current.ParentID)
		}
		current = parent
	}

	root := reversed[len(reversed)-1]
	if root.Type != BackupTypeFull {
		return nil, NewCatalogCorruptError(
			fmt.Sprintf("chain of record %s does not terminate at a full backup", id), nil).
			WithContext("record_id", id)
	}

	chain := make([]*BackupRecord, len(reversed))
	for i, r := range reversed {
		chain[len(reversed)-1-i] = r
	}
	return chain, nil
}

// collectDependents returns every record transitively parented on id,
// ordered deepest-first.
func collectDependents(records []*BackupRecord, id string) []*BackupRecord {
	children := make(map[string][]*BackupRecord)
	for _, r := range records {
		if r.ParentID != "" {
			children[r.ParentID] = append(children[r.ParentID], r)
		}
	}

	var out []*BackupRecord
	var walk func(parentID string)
	walk = func(parentID string) {
		for _, child := range children[parentID] {
			walk(child.ID)
			out = append(out, child)
		}
	}
	walk(id)
	return out
}
