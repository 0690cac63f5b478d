// Package snapshot orchestrates save_snapshot/load_snapshot via QMP live
// migration: balloon inflate/deflate, blockdev-snapshot-sync, the
// migrate/migrate-incoming status-wait loops, and the NVMe compatibility
// gate.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/os-autoinst/backend-qemu/internal/apierr"
	"github.com/os-autoinst/backend-qemu/internal/blockdev"
	"github.com/os-autoinst/backend-qemu/internal/qmp"
)

// QMPClient is the subset of *qmp.Transport the engine needs; it is an
// interface so tests can substitute a script without a real socket.
type QMPClient interface {
	Execute(ctx context.Context, name string, args map[string]interface{}, opts qmp.Opts) (map[string]interface{}, error)
}

// Restarter performs the process-lifecycle half of load_snapshot: tearing
// down the current QEMU process and re-launching it with a truncated
// overlay chain. It is implemented by internal/driver.
type Restarter interface {
	// StopQemuOnly tears down the QEMU process without releasing network
	// or tap allocations.
	StopQemuOnly() error
	// RelaunchPaused re-execs QEMU from the (now truncated) Block Device
	// Model with -S, reconnects QMP, performs the capabilities handshake,
	// and returns the new transport.
	RelaunchPaused(ctx context.Context) (QMPClient, error)
}

// Options configures one Engine.
type Options struct {
	SnapshotDir             string // vm-snapshots/
	MigrationTimeout        time.Duration
	IncomingMigrationWindow time.Duration
	BalloonSettleIterations int
	CompressLevel           int
	CompressThreads         int
	MaxBandwidth            int
	BalloonTargetMiB        int // inflate target before save
	FullRAMMiB              int // deflate target after save/load (the VM's configured RAM)
	Log                     *logrus.Entry
}

// Engine drives save/load for one VM instance.
type Engine struct {
	model *blockdev.Model
	opts  Options
}

// New creates an Engine bound to model.
func New(model *blockdev.Model, opts Options) *Engine {
	if opts.MigrationTimeout == 0 {
		opts.MigrationTimeout = 240 * time.Second
	}
	if opts.IncomingMigrationWindow == 0 {
		opts.IncomingMigrationWindow = 300 * time.Second
	}
	if opts.BalloonSettleIterations == 0 {
		opts.BalloonSettleIterations = 5
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{model: model, opts: opts}
}

// CanHandleSnapshots is the compatibility gate: snapshots are unsupported
// when any drive uses the nvme model.
func (e *Engine) CanHandleSnapshots() bool {
	return !e.model.HasNVMeDrive()
}

// Save performs the full save_snapshot(name) sequence.
func (e *Engine) Save(ctx context.Context, qc QMPClient, name string) error {
	if !e.CanHandleSnapshots() {
		return &apierr.Unsupported{Reason: "snapshots are unsupported with an nvme drive attached"}
	}

	status, err := e.queryStatus(ctx, qc)
	if err != nil {
		return err
	}
	wasRunning := status == "running"

	if wasRunning {
		e.settleBalloon(ctx, qc)
		if _, err := qc.Execute(ctx, "stop", nil, qmp.Opts{Fatal: true}); err != nil {
			return err
		}
	}

	seq := e.model.NextSequence()
	for _, d := range e.model.Drives() {
		ov, err := e.model.AddOverlay(d.ID, seq)
		if err != nil {
			return &apierr.IOError{Op: "add_overlay", Cause: err}
		}
		if err := e.snapshotSyncWithRetry(ctx, qc, ov, d.ID); err != nil {
			return err
		}
	}

	ramFile := filepath.Join(e.opts.SnapshotDir, name)
	if _, err := e.model.RecordSnapshot(name, seq, ramFile); err != nil {
		return err
	}

	if _, err := qc.Execute(ctx, "migrate-set-capabilities", map[string]interface{}{
		"capabilities": []map[string]interface{}{
			{"capability": "compress", "state": true},
			{"capability": "events", "state": true},
		},
	}, qmp.Opts{Fatal: true}); err != nil {
		return err
	}
	if _, err := qc.Execute(ctx, "migrate-set-parameters", map[string]interface{}{
		"compress-level":   e.opts.CompressLevel,
		"compress-threads": e.opts.CompressThreads,
		"max-bandwidth":    e.opts.MaxBandwidth,
	}, qmp.Opts{Fatal: true}); err != nil {
		return err
	}

	if err := os.MkdirAll(e.opts.SnapshotDir, 0o755); err != nil {
		return &apierr.IOError{Op: "mkdir vm-snapshots", Cause: err}
	}
	f, err := os.Create(ramFile)
	if err != nil {
		return &apierr.IOError{Op: "create " + ramFile, Cause: err}
	}
	// QEMU is handed a duplicate of the file's descriptor via SCM_RIGHTS;
	// qmp.Transport.Execute closes that duplicate exactly once, while the
	// *os.File closes only its own descriptor.
	fd, err := syscall.Dup(int(f.Fd()))
	f.Close()
	if err != nil {
		return &apierr.IOError{Op: "dup " + ramFile, Cause: err}
	}
	if _, err := qc.Execute(ctx, "getfd", map[string]interface{}{"fdname": name}, qmp.Opts{Fatal: true, SendFD: &fd}); err != nil {
		return err
	}

	if _, err := qc.Execute(ctx, "migrate", map[string]interface{}{"uri": "fd:" + name}, qmp.Opts{Fatal: true}); err != nil {
		return err
	}

	if err := e.waitMigrationComplete(ctx, qc); err != nil {
		return err
	}

	if err := e.waitWhileStatusIn(ctx, qc, map[string]bool{"paused": true, "finish-migrate": true}, 10*time.Second); err != nil {
		e.opts.Log.WithError(err).Warn("save_snapshot: post-migrate status wait timed out")
	}

	if wasRunning {
		if _, err := qc.Execute(ctx, "cont", nil, qmp.Opts{Fatal: true}); err != nil {
			return err
		}
		e.deflateBalloon(ctx, qc)
	}

	return nil
}

// Load performs the full load_snapshot(name) sequence.
func (e *Engine) Load(ctx context.Context, qc QMPClient, r Restarter, name string) (QMPClient, error) {
	if !e.CanHandleSnapshots() {
		return nil, &apierr.Unsupported{Reason: "snapshots are unsupported with an nvme drive attached"}
	}

	status, err := e.queryStatus(ctx, qc)
	if err == nil && status == "running" {
		if _, err := qc.Execute(ctx, "stop", nil, qmp.Opts{Fatal: true}); err != nil {
			return nil, err
		}
	}

	if err := r.StopQemuOnly(); err != nil {
		return nil, err
	}

	removed, err := e.model.RevertTo(name)
	if err != nil {
		return nil, err
	}
	for _, f := range removed {
		os.Remove(f)
	}

	var snap *blockdev.Snapshot
	for _, s := range e.model.Snapshots() {
		if s.Name == name {
			snap = s
		}
	}
	if snap == nil {
		return nil, fmt.Errorf("snapshot: %q vanished after revert", name)
	}

	newQC, err := r.RelaunchPaused(ctx)
	if err != nil {
		return nil, &apierr.Spawn{Cause: err}
	}

	if _, err := newQC.Execute(ctx, "migrate-set-capabilities", map[string]interface{}{
		"capabilities": []map[string]interface{}{
			{"capability": "compress", "state": true},
			{"capability": "events", "state": true},
		},
	}, qmp.Opts{Fatal: true}); err != nil {
		return nil, err
	}

	// exec:cat is used rather than fd-passing for incoming migration: QEMU
	// has historically been unreliable accepting fd: URIs on the incoming
	// side, so this preserves the exec:cat workaround exactly.
	uri := fmt.Sprintf("exec:cat %s", snap.RAMFile)
	if _, err := newQC.Execute(ctx, "migrate-incoming", map[string]interface{}{"uri": uri}, qmp.Opts{Fatal: true}); err != nil {
		return nil, err
	}

	if err := e.waitWhileStatusMatching(ctx, newQC, "migrate", e.opts.IncomingMigrationWindow); err != nil {
		return nil, err
	}

	if _, err := newQC.Execute(ctx, "cont", nil, qmp.Opts{Fatal: true}); err != nil {
		return nil, err
	}
	e.deflateBalloon(ctx, newQC)

	return newQC, nil
}

func (e *Engine) snapshotSyncWithRetry(ctx context.Context, qc QMPClient, ov *blockdev.Overlay, driveID string) error {
	resp, err := qc.Execute(ctx, "blockdev-snapshot-sync", map[string]interface{}{
		"node-name": ov.BackingRef,
		"snapshot-file": ov.File,
		"snapshot-node-name": ov.NodeName,
		"format": string(ov.Driver),
	}, qmp.Opts{Fatal: false})
	if err != nil {
		return err
	}
	if _, hasErr := resp["error"]; !hasErr {
		return nil
	}

	// Some built-in devices (e.g. pflash) autogenerate node names; retry
	// with "device" naming the backing node instead of "node-name".
	resp, err = qc.Execute(ctx, "blockdev-snapshot-sync", map[string]interface{}{
		"device": ov.BackingRef,
		"snapshot-file": ov.File,
		"snapshot-node-name": ov.NodeName,
		"format": string(ov.Driver),
	}, qmp.Opts{Fatal: true})
	if err != nil {
		return err
	}
	if _, hasErr := resp["error"]; hasErr {
		errObj, _ := resp["error"].(map[string]interface{})
		cls, _ := errObj["class"].(string)
		desc, _ := errObj["desc"].(string)
		return &qmp.Error{Class: cls, Desc: desc}
	}
	return nil
}

func (e *Engine) queryStatus(ctx context.Context, qc QMPClient) (string, error) {
	resp, err := qc.Execute(ctx, "query-status", nil, qmp.Opts{Fatal: true})
	if err != nil {
		return "", err
	}
	ret, _ := resp["return"].(map[string]interface{})
	status, _ := ret["status"].(string)
	return status, nil
}

func (e *Engine) waitMigrationComplete(ctx context.Context, qc QMPClient) error {
	deadline := time.Now().Add(e.opts.MigrationTimeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		resp, err := qc.Execute(ctx, "query-migrate", nil, qmp.Opts{Fatal: true})
		if err != nil {
			return err
		}
		ret, _ := resp["return"].(map[string]interface{})
		status, _ := ret["status"].(string)

		if ram, ok := ret["ram"].(map[string]interface{}); ok {
			e.opts.Log.WithFields(logrus.Fields{
				"ram.total":     ram["total"],
				"ram.remaining": ram["remaining"],
			}).Debug("migrate progress")
		}

		switch status {
		case "completed":
			return nil
		case "failed":
			qc.Execute(ctx, "migrate_cancel", nil, qmp.Opts{})
			return &apierr.Timeout{Operation: "migrate (failed)"}
		}

		if time.Now().After(deadline) {
			qc.Execute(ctx, "migrate_cancel", nil, qmp.Opts{})
			return &apierr.Timeout{Operation: "migrate"}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) waitWhileStatusIn(ctx context.Context, qc QMPClient, statuses map[string]bool, window time.Duration) error {
	deadline := time.Now().Add(window)
	for {
		status, err := e.queryStatus(ctx, qc)
		if err != nil {
			return err
		}
		if !statuses[status] {
			return nil
		}
		if time.Now().After(deadline) {
			return &apierr.Timeout{Operation: "post-migrate status wait"}
		}
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) waitWhileStatusMatching(ctx context.Context, qc QMPClient, substr string, window time.Duration) error {
	deadline := time.Now().Add(window)
	for {
		status, err := e.queryStatus(ctx, qc)
		if err != nil {
			return err
		}
		if !containsFold(status, substr) {
			return nil
		}
		if time.Now().After(deadline) {
			return &apierr.Timeout{Operation: "incoming migration"}
		}
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func containsFold(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFold(s[i:i+len(substr)], substr) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func (e *Engine) settleBalloon(ctx context.Context, qc QMPClient) {
	if e.opts.BalloonTargetMiB <= 0 {
		return
	}
	target := int64(e.opts.BalloonTargetMiB) << 20
	qc.Execute(ctx, "balloon", map[string]interface{}{"value": target}, qmp.Opts{})

	var last int64 = -1
	for i := 0; i < e.opts.BalloonSettleIterations; i++ {
		resp, err := qc.Execute(ctx, "query-balloon", nil, qmp.Opts{})
		if err == nil {
			if ret, ok := resp["return"].(map[string]interface{}); ok {
				if actual, ok := ret["actual"].(float64); ok {
					if int64(actual) == last {
						return
					}
					last = int64(actual)
				}
			}
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) deflateBalloon(ctx context.Context, qc QMPClient) {
	if e.opts.FullRAMMiB <= 0 {
		return
	}
	target := int64(e.opts.FullRAMMiB) << 20
	qc.Execute(ctx, "balloon", map[string]interface{}{"value": target}, qmp.Opts{})
}
