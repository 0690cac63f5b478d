package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnWritesPIDFileAndTracksExit(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "qemu.pid")
	s := New(pidFile)

	h, err := s.Spawn([]string{"/bin/sh", "-c", "echo hello; sleep 0.2"}, os.Environ())
	require.NoError(t, err)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n")

	assert.True(t, s.IsRunning())

	select {
	case status := <-h.ExitCh:
		assert.Equal(t, 0, status.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("expected child to exit")
	}
}

func TestStopGracefulThenForced(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "qemu.pid")
	s := New(pidFile)

	_, err := s.Spawn([]string{"/bin/sh", "-c", "trap '' TERM; sleep 30"}, os.Environ())
	require.NoError(t, err)

	err = s.Stop(200 * time.Millisecond)
	assert.NoError(t, err)

	_, statErr := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStopWhenNoChild(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "qemu.pid"))
	assert.NoError(t, s.Stop(time.Second))
}
