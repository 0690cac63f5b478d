// Package bridge implements the parent/child command channel: the parent
// owns the backend child process and marshals commands across a duplex
// newline-delimited JSON pipe, matching responses back to callers by token.
package bridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Request is a frame sent parent -> child: {"cmd":"<name>","arguments":{…},"token":N}.
type Request struct {
	Cmd       string          `json:"cmd"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Token     int64           `json:"token"`
}

// Response is a frame sent child -> parent: {"rsp":{…},"token":N}.
type Response struct {
	Rsp   json.RawMessage `json:"rsp"`
	Token int64           `json:"token"`
}

// frameWriter serializes one JSON value per line; both directions of the
// duplex pipe use the same newline-delimited encoding the QMP transport
// uses on the wire to QEMU.
type frameWriter struct {
	w io.Writer
}

func newFrameWriter(w io.Writer) *frameWriter { return &frameWriter{w: w} }

func (fw *frameWriter) Write(v interface{}) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bridge: marshal frame: %w", err)
	}
	line = append(line, '\n')
	_, err = fw.w.Write(line)
	return err
}

// frameReader reads one JSON value per line.
type frameReader struct {
	scanner *bufio.Scanner
}

func newFrameReader(r io.Reader) *frameReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &frameReader{scanner: s}
}

func (fr *frameReader) Read(v interface{}) (bool, error) {
	if !fr.scanner.Scan() {
		return false, fr.scanner.Err()
	}
	if err := json.Unmarshal(fr.scanner.Bytes(), v); err != nil {
		return true, fmt.Errorf("bridge: malformed frame: %w", err)
	}
	return true, nil
}
