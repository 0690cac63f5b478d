package blockdev

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddDriveAttachGenCmdline(t *testing.T) {
	m := New(t.TempDir())

	_, err := m.AddController("scsi0", "virtio-scsi-pci")
	require.NoError(t, err)

	_, err = m.AddDrive("hd0", MediaDisk, "/images/base.qcow2", FormatQcow2, 10<<30)
	require.NoError(t, err)

	_, err = m.Attach("hd0", "scsi0")
	require.NoError(t, err)

	args := m.GenCmdline()
	assert.Contains(t, args, "-blockdev")
	assert.Contains(t, args, "virtio-scsi-pci,id=scsi0")
	assert.Contains(t, args, "virtio-scsi-pci,drive=node-hd0,id=hd0")
}

func TestDuplicateIDsRejected(t *testing.T) {
	m := New(t.TempDir())
	_, err := m.AddController("c0", "ahci")
	require.NoError(t, err)
	_, err = m.AddController("c0", "ahci")
	assert.Error(t, err)
}

func TestAttachUnknownRefs(t *testing.T) {
	m := New(t.TempDir())
	_, err := m.Attach("nope", "nope")
	assert.Error(t, err)
}

func TestOverlayChainAndRevert(t *testing.T) {
	m := New(t.TempDir())
	_, err := m.AddDrive("hd0", MediaDisk, "/images/base.qcow2", FormatQcow2, 0)
	require.NoError(t, err)

	seq1 := m.NextSequence()
	_, err = m.AddOverlay("hd0", seq1)
	require.NoError(t, err)
	_, err = m.RecordSnapshot("s1", seq1, "vm-snapshots/s1")
	require.NoError(t, err)

	seq2 := m.NextSequence()
	_, err = m.AddOverlay("hd0", seq2)
	require.NoError(t, err)
	_, err = m.RecordSnapshot("s2", seq2, "vm-snapshots/s2")
	require.NoError(t, err)

	live, _ := m.LiveNode("hd0")
	assert.Contains(t, live, "s2")

	removed, err := m.RevertTo("s1")
	require.NoError(t, err)
	assert.Len(t, removed, 1)

	live, _ = m.LiveNode("hd0")
	assert.Contains(t, live, "s1")
	assert.Len(t, m.Snapshots(), 1)

	// sequence numbers never reuse even after a revert
	seq3 := m.NextSequence()
	assert.Greater(t, seq3, seq2)
}

func TestToMapFromMapRoundTrip(t *testing.T) {
	m := New(t.TempDir())
	_, err := m.AddController("scsi0", "virtio-scsi-pci")
	require.NoError(t, err)
	_, err = m.AddDrive("hd0", MediaDisk, "/images/base.qcow2", FormatQcow2, 1<<20)
	require.NoError(t, err)
	_, err = m.Attach("hd0", "scsi0")
	require.NoError(t, err)

	before := m.GenCmdline()

	restored, err := FromMap(m.ToMap())
	require.NoError(t, err)

	after := restored.GenCmdline()
	assert.Equal(t, before, after)
}

func TestHasNVMeDrive(t *testing.T) {
	m := New(t.TempDir())
	_, _ = m.AddController("nvme0", "nvme")
	_, _ = m.AddDrive("hd0", MediaDisk, "/base.qcow2", FormatQcow2, 0)
	_, _ = m.Attach("hd0", "nvme0")
	assert.True(t, m.HasNVMeDrive())
}
