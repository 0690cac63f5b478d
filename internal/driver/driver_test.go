package driver

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/os-autoinst/backend-qemu/internal/blockdev"
	"github.com/os-autoinst/backend-qemu/internal/config"
	"github.com/os-autoinst/backend-qemu/internal/qmp"
)

func newDriverForTest(t *testing.T) *Driver {
	vm := &config.VmConfig{Arch: "x86_64", CPUs: 1, RAMMiB: 512}
	model := blockdev.New(t.TempDir())
	flags := config.DefaultRuntimeFlags()
	dir := t.TempDir()
	paths := Paths{
		BaseDir:     dir,
		SnapshotDir: dir + "/vm-snapshots",
		PIDFile:     dir + "/qemu.pid",
		RunFile:     dir + "/backend.run",
		ModelFile:   dir + "/model.json",
		QMPSocket:   dir + "/qmp.sock",
		SerialLog:   dir + "/serial0.log",
	}
	return New(vm, model, &flags, paths, nil)
}

func TestPowerWithoutQemuReturnsDisconnected(t *testing.T) {
	d := newDriverForTest(t)
	res := d.Power(context.Background(), "acpi")
	assert.False(t, res.OK)
	assert.Equal(t, "Disconnected", res.Error)
}

// nopQMP stands in for a live QMP connection and accepts every command.
type nopQMP struct{}

func (nopQMP) Execute(context.Context, string, map[string]interface{}, qmp.Opts) (map[string]interface{}, error) {
	return map[string]interface{}{"return": map[string]interface{}{}}, nil
}

func (nopQMP) Shutdown() {}

func TestPowerUnknownAction(t *testing.T) {
	d := newDriverForTest(t)
	d.qc = nopQMP{}
	res := d.Power(context.Background(), "hibernate")
	require.Equal(t, "ConfigError", res.Error)
}

func TestIsShutdownWithoutQemu(t *testing.T) {
	d := newDriverForTest(t)
	res := d.IsShutdown(context.Background())
	assert.True(t, res.OK)
	assert.Equal(t, true, res.Data)
}

func TestExtractAssetsRequiresExactlyOneMatch(t *testing.T) {
	d := newDriverForTest(t)
	res := d.ExtractAssets(context.Background(), "hd0", "", t.TempDir(), "")
	assert.False(t, res.OK)
	assert.Equal(t, "IOError", res.Error)
}

func TestCPUStatWithoutQemuReturnsDisconnected(t *testing.T) {
	d := newDriverForTest(t)
	res := d.CPUStat()
	assert.False(t, res.OK)
	assert.Equal(t, "Disconnected", res.Error)
}

func TestReadProcStatParsesOwnProcess(t *testing.T) {
	utime, stime, err := readProcStat(os.Getpid())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, utime, uint64(0))
	assert.GreaterOrEqual(t, stime, uint64(0))
}

func TestReadProcStatUnknownPID(t *testing.T) {
	_, _, err := readProcStat(1 << 30)
	assert.Error(t, err)
}
