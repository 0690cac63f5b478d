package console

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPumpConsoleBridgesGuestToStream(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "console-0.in")
	outPath := filepath.Join(dir, "console-0.out")
	require.NoError(t, unix.Mkfifo(inPath, 0o600))
	require.NoError(t, unix.Mkfifo(outPath, 0o600))

	serverConn, clientConn := net.Pipe()
	log := logrus.NewEntry(logrus.StandardLogger())

	mux, err := NewMux(serverConn, log)
	require.NoError(t, err)
	defer mux.Close()

	clientSession, err := yamux.Client(clientConn, yamux.DefaultConfig())
	require.NoError(t, err)
	defer clientSession.Close()

	// A fifo's O_WRONLY open blocks until a reader opens the other end; drain
	// the in-pipe in the background so PumpConsole's open completes.
	go func() {
		in, err := os.OpenFile(inPath, os.O_RDONLY, 0)
		if err != nil {
			return
		}
		defer in.Close()
		buf := make([]byte, 64)
		for {
			if _, err := in.Read(buf); err != nil {
				return
			}
		}
	}()

	attached := make(chan error, 1)
	go func() { attached <- mux.PumpConsole("virtcon0", inPath, outPath) }()

	// PumpConsole's open of outPath (O_RDONLY) blocks until a writer opens
	// the other end, so this must run concurrently with attach, not after.
	writerOpened := make(chan *os.File, 1)
	go func() {
		out, err := os.OpenFile(outPath, os.O_WRONLY, 0)
		if err != nil {
			return
		}
		writerOpened <- out
	}()

	streamCh := make(chan net.Conn, 1)
	go func() {
		stream, err := clientSession.Open()
		require.NoError(t, err)
		streamCh <- stream
	}()

	require.NoError(t, <-attached)
	stream := <-streamCh
	defer stream.Close()

	out := <-writerOpened
	defer out.Close()
	out.Write([]byte("hello from guest"))

	buf := make([]byte, 64)
	stream.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := stream.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello from guest", string(buf[:n]))
}
