// Package console multiplexes a VM's virtio-console fifos onto a single
// yamux session, so the parent can reach any number of guest consoles
// without the backend opening one OS pipe pair per console.
package console

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/hashicorp/yamux"
	"github.com/sirupsen/logrus"
)

// Mux owns one yamux session multiplexed over a single net.Conn; each
// virtio-console gets its own bidirectional yamux stream, opened in the
// order consoles were registered.
type Mux struct {
	session *yamux.Session
	log     *logrus.Entry
}

// NewMux wraps conn in a yamux server session. The parent dials in as the
// yamux client and opens one stream per console it wants to attach to.
func NewMux(conn net.Conn, log *logrus.Entry) (*Mux, error) {
	session, err := yamux.Server(conn, yamux.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("console: start yamux session: %w", err)
	}
	return &Mux{session: session, log: log}, nil
}

// PumpConsole accepts the next yamux stream and bridges it to the
// named-pipe pair QEMU created for one virtio-console chardev (path.in,
// path.out), copying in both directions until either side closes.
func (m *Mux) PumpConsole(id, inPath, outPath string) error {
	stream, err := m.session.Accept()
	if err != nil {
		return fmt.Errorf("console: accept stream for %s: %w", id, err)
	}

	in, err := os.OpenFile(inPath, os.O_WRONLY, 0)
	if err != nil {
		stream.Close()
		return fmt.Errorf("console: open %s: %w", inPath, err)
	}
	out, err := os.OpenFile(outPath, os.O_RDONLY, 0)
	if err != nil {
		stream.Close()
		in.Close()
		return fmt.Errorf("console: open %s: %w", outPath, err)
	}

	go func() {
		defer in.Close()
		defer stream.Close()
		if _, err := io.Copy(in, stream); err != nil {
			m.log.WithError(err).WithField("console", id).Debug("console: stream->guest copy ended")
		}
	}()
	go func() {
		defer out.Close()
		if _, err := io.Copy(stream, out); err != nil {
			m.log.WithError(err).WithField("console", id).Debug("console: guest->stream copy ended")
		}
	}()

	return nil
}

// Close tears down the yamux session, closing every open stream.
func (m *Mux) Close() error {
	return m.session.Close()
}
