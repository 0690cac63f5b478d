// Package qmp implements the QEMU Machine Protocol transport: a
// newline-delimited JSON request/response channel over a Unix stream
// socket, with asynchronous event demultiplexing and optional SCM_RIGHTS
// fd-passing.
package qmp

import (
	"bufio"
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Log is the logging interface the transport reports through; it matches
// the teacher govmm library's QMPLog shape so adapters (see
// internal/logging) can be shared verbatim.
type Log interface {
	V(level int32) bool
	Infof(format string, v ...interface{})
	Warningf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
}

type nullLogger struct{}

func (nullLogger) V(int32) bool                       { return false }
func (nullLogger) Infof(string, ...interface{})       {}
func (nullLogger) Warningf(string, ...interface{})    {}
func (nullLogger) Errorf(string, ...interface{})      {}

// Event is an asynchronous QMP event, e.g. SHUTDOWN or DEVICE_DELETED.
type Event struct {
	Name      string
	Data      map[string]interface{}
	Timestamp time.Time
}

// EventFilter decides whether an Event satisfies a command that is waiting
// on it (e.g. a powerdown request waiting for a SHUTDOWN event).
type EventFilter func(ev *Event) bool

// Error is the structured error QEMU returns in a response's "error" field.
type Error struct {
	Class string
	Desc  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("QMP error (%s): %s", e.Class, e.Desc)
}

// ErrDisconnected is returned (wrapped) when the socket closes unexpectedly.
type ErrDisconnected struct{ Cause error }

func (e *ErrDisconnected) Error() string { return fmt.Sprintf("qmp: disconnected: %v", e.Cause) }

// ErrProtocol is returned when a line cannot be parsed as QMP JSON.
type ErrProtocol struct{ Line string }

func (e *ErrProtocol) Error() string { return fmt.Sprintf("qmp: malformed response: %q", e.Line) }

// Config configures a Transport.
type Config struct {
	EventCh chan<- Event
	Logger  Log
}

type result struct {
	response map[string]interface{}
	err      error
}

type command struct {
	ctx      context.Context
	res      chan result
	name     string
	args     map[string]interface{}
	filter   EventFilter
	sendFD   *sendFD
	received bool
}

type sendFD struct {
	fd   int
	name string
}

// Version is the QMP greeting's negotiated capability set.
type Version struct {
	Major, Minor, Micro int
	Capabilities        []string
}

// Transport owns one QMP connection's single-threaded event loop.
type Transport struct {
	cmdCh          chan *command
	conn           *net.UnixConn
	cfg            Config
	connectedCh    chan *Version
	disconnectedCh chan<- struct{}
	closeOnce      sync.Once
}

// Start dials the QEMU monitor socket, waits for and parses the greeting,
// and launches the background event loop. It does not send
// qmp_capabilities; call ExecuteQMPCapabilities once connected.
func Start(ctx context.Context, socketPath string, cfg Config, disconnectedCh chan<- struct{}) (*Transport, *Version, error) {
	if cfg.Logger == nil {
		cfg.Logger = nullLogger{}
	}

	raw, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("qmp: dial %s: %w", socketPath, err)
	}
	conn := raw.(*net.UnixConn)

	t := &Transport{
		cmdCh:          make(chan *command),
		conn:           conn,
		cfg:            cfg,
		connectedCh:    make(chan *Version),
		disconnectedCh: disconnectedCh,
	}

	fromVMCh := make(chan []byte, 64)
	go t.readLoop(fromVMCh)
	go t.mainLoop(fromVMCh)

	select {
	case ver := <-t.connectedCh:
		if ver == nil {
			return nil, nil, &ErrDisconnected{}
		}
		return t, ver, nil
	case <-ctx.Done():
		t.conn.Close()
		return nil, nil, ctx.Err()
	}
}

func (t *Transport) readLoop(out chan<- []byte) {
	scanner := bufio.NewScanner(t.conn)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		out <- line
	}
	close(out)
}

func (t *Transport) mainLoop(fromVMCh <-chan []byte) {
	cmdQueue := list.New()
	var greeted bool

	finish := func(reason error) {
		for e := cmdQueue.Front(); e != nil; e = e.Next() {
			c := e.Value.(*command)
			c.res <- result{err: &ErrDisconnected{Cause: reason}}
		}
		cmdQueue.Init()
		if t.disconnectedCh != nil {
			close(t.disconnectedCh)
		}
	}

	for {
		select {
		case line, ok := <-fromVMCh:
			if !ok {
				if !greeted {
					close(t.connectedCh)
				}
				finish(nil)
				return
			}

			var raw map[string]interface{}
			if err := json.Unmarshal(line, &raw); err != nil {
				t.cfg.Logger.Errorf("qmp: %v", &ErrProtocol{Line: string(line)})
				continue
			}

			if !greeted {
				ver, err := parseGreeting(raw)
				if err != nil {
					t.cfg.Logger.Errorf("qmp: bad greeting: %v", err)
					t.connectedCh <- nil
					continue
				}
				greeted = true
				t.connectedCh <- ver
				continue
			}

			if ev, ok := raw["event"]; ok {
				name, _ := ev.(string)
				e := Event{Name: name, Timestamp: time.Now()}
				if data, ok := raw["data"].(map[string]interface{}); ok {
					e.Data = data
				}
				if t.cfg.EventCh != nil {
					select {
					case t.cfg.EventCh <- e:
					default:
					}
				}
				// An outstanding command may be waiting on this event
				// (e.g. a powerdown request waiting on SHUTDOWN).
				for el := cmdQueue.Front(); el != nil; el = el.Next() {
					c := el.Value.(*command)
					if c.filter != nil && !c.received && c.filter(&e) {
						c.res <- result{response: map[string]interface{}{"return": struct{}{}}}
						c.received = true
						cmdQueue.Remove(el)
						break
					}
				}
				continue
			}

			// response: matched FIFO to the oldest outstanding request
			// that is not itself waiting on an event filter.
			front := cmdQueue.Front()
			if front == nil {
				t.cfg.Logger.Warningf("qmp: unexpected response with no outstanding command: %s", line)
				continue
			}
			c := front.Value.(*command)
			cmdQueue.Remove(front)

			if errObj, ok := raw["error"].(map[string]interface{}); ok {
				cls, _ := errObj["class"].(string)
				desc, _ := errObj["desc"].(string)
				c.res <- result{err: &Error{Class: cls, Desc: desc}}
				continue
			}
			c.res <- result{response: raw}

		case c := <-t.cmdCh:
			if c == nil {
				t.conn.Close()
				finish(nil)
				return
			}
			if err := t.writeCommand(c); err != nil {
				c.res <- result{err: err}
				continue
			}
			if c.filter == nil {
				cmdQueue.PushBack(c)
			} else {
				// Commands that complete on an event (not a response) are
				// still queued so finish can fail them, but they
				// are matched by the event branch above, not FIFO response
				// matching.
				cmdQueue.PushBack(c)
			}
		}
	}
}

func (t *Transport) writeCommand(c *command) error {
	req := map[string]interface{}{"execute": c.name}
	if c.args != nil {
		req["arguments"] = c.args
	}
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("qmp: marshal command: %w", err)
	}
	line = append(line, '\n')

	if c.sendFD != nil {
		rights := unix.UnixRights(c.sendFD.fd)
		n, oobn, err := t.conn.WriteMsgUnix(line, rights, nil)
		if err != nil || n != len(line) || oobn != len(rights) {
			return fmt.Errorf("qmp: sendmsg with fd: %w", err)
		}
		return nil
	}

	_, err = t.conn.Write(line)
	return err
}

func parseGreeting(raw map[string]interface{}) (*Version, error) {
	qmp, ok := raw["QMP"].(map[string]interface{})
	if !ok {
		return nil, &ErrProtocol{Line: fmt.Sprintf("%v", raw)}
	}
	ver := &Version{}
	if v, ok := qmp["version"].(map[string]interface{}); ok {
		if q, ok := v["qemu"].(map[string]interface{}); ok {
			ver.Major = intOf(q["major"])
			ver.Minor = intOf(q["minor"])
			ver.Micro = intOf(q["micro"])
		}
	}
	if caps, ok := qmp["capabilities"].([]interface{}); ok {
		for _, c := range caps {
			if s, ok := c.(string); ok {
				ver.Capabilities = append(ver.Capabilities, s)
			}
		}
	}
	return ver, nil
}

func intOf(v interface{}) int {
	f, _ := v.(float64)
	return int(f)
}

// Shutdown closes the transport and fails any outstanding commands with
// ErrDisconnected.
func (t *Transport) Shutdown() {
	t.closeOnce.Do(func() {
		close(t.cmdCh)
	})
}

// Opts configures a single Execute call.
type Opts struct {
	Fatal  bool
	SendFD *int // if non-nil, the fd to pass via SCM_RIGHTS
	Filter EventFilter
}

// Execute issues one QMP command and waits for its matching response (or,
// if Opts.Filter is set, for a matching event). The caller's fd, if any, is
// closed exactly once after the send attempt.
func (t *Transport) Execute(ctx context.Context, name string, args map[string]interface{}, opts Opts) (map[string]interface{}, error) {
	c := &command{ctx: ctx, res: make(chan result, 1), name: name, args: args, filter: opts.Filter}
	if opts.SendFD != nil {
		c.sendFD = &sendFD{fd: *opts.SendFD}
	}

	if opts.SendFD != nil {
		defer unix.Close(*opts.SendFD)
	}

	select {
	case t.cmdCh <- c:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-c.res:
		if r.err != nil {
			if opts.Fatal {
				return nil, r.err
			}
			if qerr, ok := r.err.(*Error); ok {
				return map[string]interface{}{"error": map[string]interface{}{"class": qerr.Class, "desc": qerr.Desc}}, nil
			}
			return nil, r.err
		}
		return r.response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExecuteQMPCapabilities performs the mandatory handshake command.
func (t *Transport) ExecuteQMPCapabilities(ctx context.Context) error {
	_, err := t.Execute(ctx, "qmp_capabilities", nil, Opts{Fatal: true})
	return err
}
