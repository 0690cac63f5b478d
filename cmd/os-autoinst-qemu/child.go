package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/os-autoinst/backend-qemu/internal/blockdev"
	"github.com/os-autoinst/backend-qemu/internal/bridge"
	"github.com/os-autoinst/backend-qemu/internal/config"
	"github.com/os-autoinst/backend-qemu/internal/driver"
)

// runBackendChild serves commands arriving on fd 3/4 until the parent
// closes the request pipe, i.e. until the process that exec'd us exits or
// is done with this VM.
func runBackendChild(baseDir string, flags config.RuntimeFlags, log *logrus.Entry) {
	srv := bridge.NewChildServer(log)
	srv.InstallNullSignalDisposition()

	sess := &session{baseDir: baseDir, flags: flags, log: log}
	srv.Serve(sess.dispatch)
}

// session holds the one Driver this backend child process ever constructs,
// built lazily from the "configure" command the parent sends before any
// other command — VmConfig and the initial block-device layout arrive over
// the control pipe, never from a local file read by the core itself.
type session struct {
	baseDir string
	flags   config.RuntimeFlags
	log     *logrus.Entry

	mu sync.Mutex
	d  *driver.Driver
}

type vmConfigFile struct {
	VM     config.VmConfig `json:"vm"`
	Drives []driveSpec     `json:"drives"`
}

type driveSpec struct {
	ControllerID    string          `json:"controller_id"`
	ControllerModel string          `json:"controller_model"`
	ID              string          `json:"id"`
	Media           blockdev.Media  `json:"media"`
	SourceFile      string          `json:"source_file"`
	Format          blockdev.Format `json:"format"`
	SizeBytes       int64           `json:"size_bytes"`
}

func (s *session) dispatch(cmd string, args json.RawMessage) (interface{}, error) {
	if cmd == "configure" {
		return s.configure(args)
	}

	s.mu.Lock()
	d := s.d
	s.mu.Unlock()
	if d == nil {
		return nil, fmt.Errorf("os-autoinst-qemu: %q received before configure", cmd)
	}
	return d.Dispatch(context.Background(), cmd, args)
}

func (s *session) configure(args json.RawMessage) (interface{}, error) {
	var a vmConfigFile
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("os-autoinst-qemu: malformed configure arguments: %w", err)
		}
	}

	model := blockdev.New(s.baseDir)
	seenControllers := make(map[string]bool)
	for _, spec := range a.Drives {
		if !seenControllers[spec.ControllerID] {
			if _, err := model.AddController(spec.ControllerID, spec.ControllerModel); err != nil {
				return nil, fmt.Errorf("os-autoinst-qemu: configure: %w", err)
			}
			seenControllers[spec.ControllerID] = true
		}
		if _, err := model.AddDrive(spec.ID, spec.Media, spec.SourceFile, spec.Format, spec.SizeBytes); err != nil {
			return nil, fmt.Errorf("os-autoinst-qemu: configure: %w", err)
		}
		if _, err := model.Attach(spec.ID, spec.ControllerID); err != nil {
			return nil, fmt.Errorf("os-autoinst-qemu: configure: %w", err)
		}
	}

	paths := driver.Paths{
		BaseDir:       s.baseDir,
		SnapshotDir:   s.baseDir + "/vm-snapshots",
		PIDFile:       s.baseDir + "/qemu.pid",
		RunFile:       s.baseDir + "/backend.run",
		ModelFile:     s.baseDir + "/model.json",
		QMPSocket:     s.baseDir + "/qmp.sock",
		SerialLog:     s.baseDir + "/serial0.log",
		ConsoleSocket: s.baseDir + "/console.sock",
	}

	s.mu.Lock()
	s.d = driver.New(&a.VM, model, &s.flags, paths, s.log)
	s.mu.Unlock()

	return driver.Result{OK: true}, nil
}
