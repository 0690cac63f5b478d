package qmp

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer scripts a QMP server: it sends the greeting immediately upon
// accept, then for every line it reads it writes back whatever the test
// handler returns. This mirrors the teacher's qmp_test.go fake-monitor
// pattern.
type fakeServer struct {
	t        *testing.T
	listener *net.UnixListener
	handler  func(req map[string]interface{}) []map[string]interface{}
	conn     net.Conn
}

func newFakeServer(t *testing.T, handler func(map[string]interface{}) []map[string]interface{}) (*fakeServer, string) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "qmp.sock")
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: sockPath, Net: "unix"})
	require.NoError(t, err)

	fs := &fakeServer{t: t, listener: l, handler: handler}
	go fs.serve()
	return fs, sockPath
}

func (fs *fakeServer) serve() {
	conn, err := fs.listener.Accept()
	if err != nil {
		return
	}
	fs.conn = conn
	defer conn.Close()

	greeting := map[string]interface{}{
		"QMP": map[string]interface{}{
			"version": map[string]interface{}{
				"qemu": map[string]interface{}{"major": 5, "minor": 2, "micro": 0},
			},
			"capabilities": []interface{}{},
		},
	}
	writeLine(conn, greeting)

	dec := json.NewDecoder(conn)
	for {
		var req map[string]interface{}
		if err := dec.Decode(&req); err != nil {
			return
		}
		for _, resp := range fs.handler(req) {
			writeLine(conn, resp)
		}
	}
}

func writeLine(conn net.Conn, v interface{}) {
	b, _ := json.Marshal(v)
	b = append(b, '\n')
	conn.Write(b)
}

func (fs *fakeServer) Close() {
	fs.listener.Close()
	if fs.conn != nil {
		fs.conn.Close()
	}
}

func TestStartHandshake(t *testing.T) {
	fs, sock := newFakeServer(t, func(req map[string]interface{}) []map[string]interface{} {
		return []map[string]interface{}{{"return": map[string]interface{}{}}}
	})
	defer fs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tr, ver, err := Start(ctx, sock, Config{}, nil)
	require.NoError(t, err)
	defer tr.Shutdown()

	assert.Equal(t, 5, ver.Major)
	assert.Equal(t, 2, ver.Minor)

	require.NoError(t, tr.ExecuteQMPCapabilities(ctx))
}

func TestExecuteFIFOResponseMatching(t *testing.T) {
	fs, sock := newFakeServer(t, func(req map[string]interface{}) []map[string]interface{} {
		name, _ := req["execute"].(string)
		return []map[string]interface{}{{"return": map[string]interface{}{"echo": name}}}
	})
	defer fs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tr, _, err := Start(ctx, sock, Config{}, nil)
	require.NoError(t, err)
	defer tr.Shutdown()

	resp, err := tr.Execute(ctx, "query-status", nil, Opts{Fatal: true})
	require.NoError(t, err)
	ret := resp["return"].(map[string]interface{})
	assert.Equal(t, "query-status", ret["echo"])
}

func TestQmpErrorNonFatalReturnsForRetry(t *testing.T) {
	fs, sock := newFakeServer(t, func(req map[string]interface{}) []map[string]interface{} {
		return []map[string]interface{}{{"error": map[string]interface{}{"class": "GenericError", "desc": "nope"}}}
	})
	defer fs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tr, _, err := Start(ctx, sock, Config{}, nil)
	require.NoError(t, err)
	defer tr.Shutdown()

	resp, err := tr.Execute(ctx, "blockdev-snapshot-sync", nil, Opts{Fatal: false})
	require.NoError(t, err)
	_, hasErr := resp["error"]
	assert.True(t, hasErr)
}

func TestDisconnectFailsOutstanding(t *testing.T) {
	fs, sock := newFakeServer(t, func(req map[string]interface{}) []map[string]interface{} {
		return nil // never respond, then we close below
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tr, _, err := Start(ctx, sock, Config{}, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Execute(ctx, "query-status", nil, Opts{Fatal: true})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	fs.Close()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected outstanding command to fail on disconnect")
	}
}
