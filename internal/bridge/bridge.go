package bridge

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Bridge is the parent-side proxy: it owns the backend child process and
// the two anonymous pipes connecting to it, assigns monotonic tokens to
// outbound requests, and matches responses back to callers (queueing
// others' responses rather than discarding them, since the child always
// answers in request order for a single caller but the bridge itself may
// have concurrent callers from signal-driven teardown).
type Bridge struct {
	cmd     *exec.Cmd
	reqW    *frameWriter
	respR   *frameReader
	log     *logrus.Entry

	mu      sync.Mutex
	token   int64
	waiters map[int64]chan Response

	readerDone chan struct{}
	testFailed bool
}

// Spawn forks childArgv with two anonymous pipes (request: parent->child,
// response: child->parent) passed as the child's fd 3 and fd 4, and starts
// the background reader that demultiplexes responses to waiters.
func Spawn(childArgv []string, log *logrus.Entry) (*Bridge, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("bridge: create request pipe: %w", err)
	}
	respR, respW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("bridge: create response pipe: %w", err)
	}

	cmd := exec.Command(childArgv[0], childArgv[1:]...)
	cmd.ExtraFiles = []*os.File{reqR, respW}
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("bridge: spawn backend child: %w", err)
	}
	reqR.Close()
	respW.Close()

	b := newBridge(reqW, respR, log)
	b.cmd = cmd
	return b, nil
}

// newBridge wires a Bridge directly to a pair of streams, bypassing
// process spawn. Spawn uses it for the real anonymous-pipe fds; tests use
// it to exercise token matching without forking a child.
func newBridge(reqW io.Writer, respR io.Reader, log *logrus.Entry) *Bridge {
	b := &Bridge{
		reqW:       newFrameWriter(reqW),
		respR:      newFrameReader(respR),
		log:        log,
		waiters:    make(map[int64]chan Response),
		readerDone: make(chan struct{}),
	}
	go b.readLoop()
	return b
}

func (b *Bridge) readLoop() {
	defer close(b.readerDone)
	for {
		var resp Response
		ok, err := b.respR.Read(&resp)
		if !ok {
			if err != nil {
				b.log.WithError(err).Warn("bridge: response pipe closed with error")
			}
			return
		}
		b.mu.Lock()
		ch, found := b.waiters[resp.Token]
		if found {
			delete(b.waiters, resp.Token)
		}
		b.mu.Unlock()
		if found {
			ch <- resp
		}
		// A response for a token nobody is waiting on (e.g. an async
		// notification the child emitted) is logged and dropped, not
		// discarded silently.
		if !found {
			b.log.WithField("token", resp.Token).Debug("bridge: response for unknown token")
		}
	}
}

// Send issues one request and blocks until its matching response arrives.
func (b *Bridge) Send(cmd string, args interface{}) (json.RawMessage, error) {
	b.mu.Lock()
	b.token++
	token := b.token
	ch := make(chan Response, 1)
	b.waiters[token] = ch
	b.mu.Unlock()

	var rawArgs json.RawMessage
	if args != nil {
		encoded, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("bridge: marshal arguments: %w", err)
		}
		rawArgs = encoded
	}

	if err := b.reqW.Write(Request{Cmd: cmd, Arguments: rawArgs, Token: token}); err != nil {
		b.mu.Lock()
		delete(b.waiters, token)
		b.mu.Unlock()
		return nil, fmt.Errorf("bridge: write request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp.Rsp, nil
	case <-b.readerDone:
		return nil, fmt.Errorf("bridge: backend child disconnected before responding to %q", cmd)
	}
}

// Stop sends stop_vm, drains, closes the pipes, then stops the child with a
// bounded-attempt kill sequence (graceful -> force).
func (b *Bridge) Stop(gracefulTimeout time.Duration) error {
	b.Send("stop_vm", nil)

	if c, ok := b.reqW.w.(io.Closer); ok {
		c.Close()
	}

	if b.cmd == nil {
		return nil
	}

	// Give the child the same graceful/forced escalation window the
	// process supervisor uses for QEMU itself.
	done := make(chan error, 1)
	go func() { done <- b.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(gracefulTimeout):
		b.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(gracefulTimeout):
			b.cmd.Process.Kill()
			<-done
		}
	}
	return nil
}

// Wait blocks until the backend child exits, returning its exit error (nil
// on a clean exit). Used by the parent's main loop to know when the test
// run is over absent a signal-driven teardown.
func (b *Bridge) Wait() error {
	if b.cmd == nil {
		<-b.readerDone
		return nil
	}
	return b.cmd.Wait()
}

// InstallSignalHandling arranges for INT/TERM/HUP/ALRM in the parent to
// invoke stop_vm, mark the current test failed, and exit non-zero. The
// signal handler itself does nothing signal-unsafe — it writes to a channel
// consumed by this goroutine, which does the actual teardown.
func (b *Bridge) InstallSignalHandling(onFailure func()) {
	sigc := make(chan os.Signal, 8)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGALRM)

	go func() {
		sig := <-sigc
		b.log.WithField("signal", sig.String()).Warn("bridge: signal received, stopping vm")
		b.testFailed = true
		b.Stop(30 * time.Second)
		if onFailure != nil {
			onFailure()
		}
		os.Exit(1)
	}()
}

// TestFailed reports whether a signal-driven teardown occurred.
func (b *Bridge) TestFailed() bool { return b.testFailed }
