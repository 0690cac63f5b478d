package bridge

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := newFrameWriter(&buf)
	require.NoError(t, w.Write(Request{Cmd: "start_vm", Token: 1}))
	require.NoError(t, w.Write(Request{Cmd: "stop_vm", Token: 2}))

	r := newFrameReader(&buf)
	var req Request
	ok, err := r.Read(&req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "start_vm", req.Cmd)
	assert.EqualValues(t, 1, req.Token)

	ok, err = r.Read(&req)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "stop_vm", req.Cmd)
}

func TestFrameReadEOF(t *testing.T) {
	r := newFrameReader(bytes.NewReader(nil))
	var req Request
	ok, err := r.Read(&req)
	assert.False(t, ok)
	assert.NoError(t, err)
}
