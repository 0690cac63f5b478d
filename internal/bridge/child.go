package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/os-autoinst/backend-qemu/internal/supervisor"
)

// Dispatcher maps a command name to a handler that unmarshals its own
// arguments and returns a JSON-serializable result.
type Dispatcher func(cmd string, args json.RawMessage) (interface{}, error)

// ChildServer is the backend-child half of the bridge: it owns fd 3
// (requests, parent->child) and fd 4 (responses, child->parent), and runs
// the single-threaded dispatch loop.
type ChildServer struct {
	reqR  *frameReader
	respW *frameWriter
	log   *logrus.Entry
}

// NewChildServer wires a ChildServer to the well-known pipe fds the parent
// passed via ExtraFiles.
func NewChildServer(log *logrus.Entry) *ChildServer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	reqFile := os.NewFile(3, "bridge-request")
	respFile := os.NewFile(4, "bridge-response")
	return &ChildServer{
		reqR:  newFrameReader(reqFile),
		respW: newFrameWriter(respFile),
		log:   log,
	}
}

// InstallNullSignalDisposition ignores INT/TERM in the backend child;
// teardown is driven by the parent closing the request pipe, not by the
// child handling its own signals. This keeps the event loop's shutdown
// path free of signal-unsafe code.
func (c *ChildServer) InstallNullSignalDisposition() {
	signal.Ignore(syscall.SIGINT, syscall.SIGTERM)
}

// Serve runs the dispatch loop until the request pipe closes (the parent
// exited or closed its write end), reaping orphaned children on a fixed
// tick alongside request handling.
func (c *ChildServer) Serve(dispatch Dispatcher) {
	orphanTick := time.NewTicker(time.Second)
	defer orphanTick.Stop()

	reqCh := make(chan Request)
	errCh := make(chan error, 1)
	go func() {
		for {
			var req Request
			ok, err := c.reqR.Read(&req)
			if !ok {
				errCh <- err
				return
			}
			reqCh <- req
		}
	}()

	for {
		select {
		case req := <-reqCh:
			result, err := dispatch(req.Cmd, req.Arguments)
			c.writeResponse(req.Token, result, err)
		case err := <-errCh:
			if err != nil {
				c.log.WithError(err).Warn("bridge: request pipe closed with error")
			}
			return
		case <-orphanTick.C:
			for _, pid := range supervisor.CollectOrphans() {
				c.log.WithField("pid", pid).Info("bridge: collected orphaned child")
			}
		}
	}
}

func (c *ChildServer) writeResponse(token int64, result interface{}, err error) {
	var raw json.RawMessage
	if err != nil {
		encoded, _ := json.Marshal(map[string]string{"error": "Error", "message": err.Error()})
		raw = encoded
	} else {
		encoded, merr := json.Marshal(result)
		if merr != nil {
			encoded, _ = json.Marshal(map[string]string{"error": "Error", "message": fmt.Sprintf("marshal response: %v", merr)})
		}
		raw = encoded
	}
	if werr := c.respW.Write(Response{Rsp: raw, Token: token}); werr != nil {
		c.log.WithError(werr).Error("bridge: failed to write response")
	}
}
