package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/os-autoinst/backend-qemu/internal/blockdev"
	"github.com/os-autoinst/backend-qemu/internal/config"
)

func TestBuildArgvHappyBoot(t *testing.T) {
	vm := &config.VmConfig{
		Arch:   "x86_64",
		CPUs:   2,
		RAMMiB: 2048,
		Nics:   []config.Nic{{Type: config.NicUser}},
	}
	model := blockdev.New(t.TempDir())
	_, err := model.AddController("scsi0", "virtio-blk-pci")
	require.NoError(t, err)
	_, err = model.AddDrive("hd0", blockdev.MediaDisk, "/images/base.qcow2", blockdev.FormatQcow2, 10<<30)
	require.NoError(t, err)
	_, err = model.Attach("hd0", "scsi0")
	require.NoError(t, err)

	flags := config.DefaultRuntimeFlags()
	argv, err := buildArgv(vm, model, &flags, "/tmp/qmp.sock", "/tmp/serial0.log", true, false)
	require.NoError(t, err)

	assert.Contains(t, argv, "-S")
	assert.Contains(t, argv, "-only-migratable")
	assert.Contains(t, argv, "chardev:qmp_socket")
	assert.Contains(t, argv, "virtio-blk-pci,id=scsi0")
	assert.Contains(t, argv, "virtio-blk-pci,drive=node-hd0,id=hd0")
}

func TestBuildArgvDeterministic(t *testing.T) {
	vm := &config.VmConfig{Arch: "x86_64", CPUs: 1, RAMMiB: 1024}
	model := blockdev.New(t.TempDir())
	flags := config.DefaultRuntimeFlags()

	a1, err := buildArgv(vm, model, &flags, "/tmp/qmp.sock", "/tmp/serial0.log", false, false)
	require.NoError(t, err)
	a2, err := buildArgv(vm, model, &flags, "/tmp/qmp.sock", "/tmp/serial0.log", false, false)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
}

func TestBuildArgvUnknownArch(t *testing.T) {
	vm := &config.VmConfig{Arch: "sparc64", CPUs: 1, RAMMiB: 512}
	model := blockdev.New(t.TempDir())
	flags := config.DefaultRuntimeFlags()
	_, err := buildArgv(vm, model, &flags, "/tmp/qmp.sock", "/tmp/serial0.log", false, false)
	assert.Error(t, err)
}
