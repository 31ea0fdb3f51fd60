package confirmation

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandbox-migrate/internal/backup"
)

func cascadeRecords() (*backup.BackupRecord, []*backup.BackupRecord) {
	base := time.Now().UTC()
	target := &backup.BackupRecord{
		ID: "full-1", SandboxID: "sb-a", Type: backup.BackupTypeFull,
		CreatedAt: base, SizeBytes: 10, Checksum: "x", ArchivePath: "/tmp/f1",
	}
	dependents := []*backup.BackupRecord{
		{
			ID: "incr-1", SandboxID: "sb-a", Type: backup.BackupTypeIncremental, ParentID: "full-1",
			CreatedAt: base.Add(time.Minute), SizeBytes: 5, Checksum: "y",
			ArchivePath: "/tmp/i1", ChangedFileCount: 1,
		},
	}
	return target, dependents
}

func TestConfirmCascadeDeleteApproved(t *testing.T) {
	target, dependents := cascadeRecords()
	var out bytes.Buffer
	svc := NewService(strings.NewReader("y\n"), &out)

	approved, err := svc.ConfirmCascadeDelete(target, dependents, false)
	require.NoError(t, err)
	assert.True(t, approved)

	// The prompt lists everything a cascade would remove.
	assert.Contains(t, out.String(), "full-1")
	assert.Contains(t, out.String(), "incr-1")
	assert.Contains(t, out.String(), "2 record(s)")
}

func TestConfirmCascadeDeleteAcceptsYes(t *testing.T) {
	target, dependents := cascadeRecords()
	svc := NewService(strings.NewReader("YES\n"), &bytes.Buffer{})

	approved, err := svc.ConfirmCascadeDelete(target, dependents, false)
	require.NoError(t, err)
	assert.True(t, approved)
}

func TestConfirmCascadeDeleteRejected(t *testing.T) {
	target, dependents := cascadeRecords()

	for _, answer := range []string{"n\n", "no\n", "\n", "nope\n"} {
		svc := NewService(strings.NewReader(answer), &bytes.Buffer{})
		approved, err := svc.ConfirmCascadeDelete(target, dependents, false)
		require.NoError(t, err)
		assert.False(t, approved, "answer %q must not approve", answer)
	}
}

func TestConfirmCascadeDeleteEOFRejects(t *testing.T) {
	target, dependents := cascadeRecords()
	svc := NewService(strings.NewReader(""), &bytes.Buffer{})

	approved, err := svc.ConfirmCascadeDelete(target, dependents, false)
	require.NoError(t, err)
	assert.False(t, approved)
}

func TestConfirmCascadeDeleteAutoApprove(t *testing.T) {
	target, dependents := cascadeRecords()
	var out bytes.Buffer
	// No input is available; auto-approve must not block on reading.
	svc := NewService(&bytes.Buffer{}, &out)

	approved, err := svc.ConfirmCascadeDelete(target, dependents, true)
	require.NoError(t, err)
	assert.True(t, approved)
	assert.Contains(t, out.String(), "Auto-approving")
}
