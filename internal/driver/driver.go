// Package driver implements the backend driver: the command dispatcher
// exposed to the parent/child bridge, translating high-level commands to
// QMP flows over the process supervisor, block device model and snapshot
// engine.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/os-autoinst/backend-qemu/internal/apierr"
	"github.com/os-autoinst/backend-qemu/internal/blockdev"
	"github.com/os-autoinst/backend-qemu/internal/config"
	"github.com/os-autoinst/backend-qemu/internal/console"
	"github.com/os-autoinst/backend-qemu/internal/qmp"
	"github.com/os-autoinst/backend-qemu/internal/snapshot"
	"github.com/os-autoinst/backend-qemu/internal/supervisor"
)

// Result is the {ok} / {error, message} envelope every command returns.
type Result struct {
	OK      bool        `json:"ok,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func ok(data interface{}) Result     { return Result{OK: true, Data: data} }
func fail(err error) Result          { return Result{Error: classify(err), Message: err.Error()} }
func failMsg(cls, msg string) Result { return Result{Error: cls, Message: msg} }

func classify(err error) string {
	switch err.(type) {
	case *apierr.Spawn:
		return "Spawn"
	case *apierr.Timeout:
		return "Timeout"
	case *apierr.Unsupported:
		return "Unsupported"
	case *apierr.IOError:
		return "IOError"
	case *config.ConfigError:
		return "ConfigError"
	case *qmp.Error:
		return "QmpError"
	case *qmp.ErrDisconnected:
		return "Disconnected"
	case *supervisor.ErrStillRunning:
		return "StillRunning"
	default:
		return "Error"
	}
}

// qmpClient is the subset of *qmp.Transport the Driver depends on directly;
// its Execute method has the same signature as snapshot.QMPClient's, so a
// Driver's connection can be handed to the Snapshot Engine without a type
// assertion at every call site.
type qmpClient interface {
	Execute(ctx context.Context, name string, args map[string]interface{}, opts qmp.Opts) (map[string]interface{}, error)
	Shutdown()
}

// Paths bundles the on-disk layout the driver persists state under.
type Paths struct {
	BaseDir       string // overlay files live here
	SnapshotDir   string // vm-snapshots/
	PIDFile       string // qemu.pid
	RunFile       string // backend.run
	ModelFile     string // serialized block device model, alongside PIDFile
	QMPSocket     string
	SerialLog     string
	ConsoleSocket string // unix socket the parent dials to multiplex virtio-consoles
}

// Driver wires together the process supervisor, QMP transport, block
// device model and snapshot engine behind the backend command surface.
type Driver struct {
	vm    *config.VmConfig
	flags *config.RuntimeFlags
	model *blockdev.Model
	paths Paths
	log   *logrus.Entry

	sup *supervisor.Supervisor
	qc  qmpClient
	eng *snapshot.Engine

	qemuBinary   string
	delayedStart bool
	frozen       bool

	consoleLn  net.Listener
	consoleMux *console.Mux
}

// New constructs a Driver for one VM instance; it does not spawn anything.
func New(vm *config.VmConfig, model *blockdev.Model, flags *config.RuntimeFlags, paths Paths, log *logrus.Entry) *Driver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	d := &Driver{vm: vm, flags: flags, model: model, paths: paths, log: log, sup: supervisor.New(paths.PIDFile)}
	d.eng = snapshot.New(model, snapshot.Options{
		SnapshotDir:             paths.SnapshotDir,
		MigrationTimeout:        time.Duration(flags.MigrationTimeoutSec) * time.Second,
		BalloonSettleIterations: flags.BalloonSettleIterations,
		CompressLevel:           flags.CompressLevel,
		CompressThreads:         flags.CompressThreads,
		MaxBandwidth:            flags.MaxBandwidth,
		FullRAMMiB:              vm.RAMMiB,
		Log:                     log.WithField("subsystem", "snapshot"),
	})
	return d
}

// StartVM implements the start_vm command.
func (d *Driver) StartVM(ctx context.Context, resumeSnapshot string) Result {
	if err := d.vm.Validate(); err != nil {
		return fail(err)
	}

	binary, err := d.resolveQemuBinary()
	if err != nil {
		return fail(&apierr.Spawn{Cause: err})
	}
	d.qemuBinary = binary

	snapshotsSupported := d.eng.CanHandleSnapshots()
	argv, err := buildArgv(d.vm, d.model, d.flags, d.paths.QMPSocket, d.paths.SerialLog, snapshotsSupported, d.delayedStart)
	if err != nil {
		return fail(&config.ConfigError{Reason: err.Error()})
	}
	argv = append([]string{binary}, argv...)

	if _, err := d.sup.Spawn(argv, os.Environ()); err != nil {
		return fail(&apierr.Spawn{Cause: err})
	}

	if err := waitForSocket(d.paths.QMPSocket, 10*time.Second); err != nil {
		d.sup.Stop(time.Duration(d.flags.GracefulShutdownTimeoutSec) * time.Second)
		return fail(&apierr.Spawn{Cause: err})
	}

	qc, err := d.connectQMP(ctx)
	if err != nil {
		return fail(err)
	}
	d.qc = qc

	if err := d.writeRunFile(); err != nil {
		return fail(&apierr.IOError{Op: "write backend.run", Cause: err})
	}

	if d.vm.VirtioConsoles > 0 && d.paths.ConsoleSocket != "" {
		if err := d.startConsoleMux(); err != nil {
			d.log.WithError(err).Warn("start_vm: console multiplexer failed to start")
		}
	}

	if !d.delayedStart {
		if _, err := d.qc.Execute(ctx, "cont", nil, qmp.Opts{Fatal: true}); err != nil {
			return fail(err)
		}
	}

	return ok(nil)
}

func (d *Driver) connectQMP(ctx context.Context) (*qmp.Transport, error) {
	disconnectCh := make(chan struct{})
	qc, _, err := qmp.Start(ctx, d.paths.QMPSocket, qmp.Config{Logger: &qmpLogAdapter{d.log.WithField("subsystem", "qmp")}}, disconnectCh)
	if err != nil {
		return nil, &apierr.Spawn{Cause: err}
	}
	if err := qc.ExecuteQMPCapabilities(ctx); err != nil {
		return nil, err
	}
	return qc, nil
}

// StopVM implements the stop_vm command: quit gracefully over QMP if the
// socket is alive, otherwise terminate the process directly, then persist
// the Block Device Model and remove backend.run.
func (d *Driver) StopVM(ctx context.Context) Result {
	if d.qc != nil {
		d.qc.Execute(ctx, "quit", nil, qmp.Opts{})
		d.qc.Shutdown()
		d.qc = nil
	}
	d.stopConsoleMux()

	if err := d.sup.Stop(time.Duration(d.flags.GracefulShutdownTimeoutSec) * time.Second); err != nil {
		return fail(err)
	}

	if err := d.persistModel(); err != nil {
		d.log.WithError(err).Warn("stop_vm: failed to persist block device model")
	}
	os.Remove(d.paths.RunFile)

	return ok(nil)
}

// StopQemuOnly implements snapshot.Restarter: it tears down the QEMU
// process but leaves backend.run and network/tap state untouched, used by
// load_snapshot's re-exec.
func (d *Driver) StopQemuOnly() error {
	if d.qc != nil {
		d.qc.Execute(context.Background(), "quit", nil, qmp.Opts{})
		d.qc.Shutdown()
		d.qc = nil
	}
	return d.sup.Stop(time.Duration(d.flags.GracefulShutdownTimeoutSec) * time.Second)
}

// RelaunchPaused implements snapshot.Restarter: re-exec QEMU from the
// (now-truncated) Block Device Model with -S and reconnect QMP.
func (d *Driver) RelaunchPaused(ctx context.Context) (snapshot.QMPClient, error) {
	argv, err := buildArgv(d.vm, d.model, d.flags, d.paths.QMPSocket, d.paths.SerialLog, d.eng.CanHandleSnapshots(), true)
	if err != nil {
		return nil, err
	}
	argv = append([]string{d.qemuBinary}, argv...)

	if _, err := d.sup.Spawn(argv, os.Environ()); err != nil {
		return nil, err
	}
	if err := waitForSocket(d.paths.QMPSocket, 10*time.Second); err != nil {
		return nil, err
	}

	qc, err := d.connectQMP(ctx)
	if err != nil {
		return nil, err
	}
	d.qc = qc
	return qc, nil
}

// Power implements the power{action} command.
func (d *Driver) Power(ctx context.Context, action string) Result {
	if d.qc == nil {
		return failMsg("Disconnected", "qemu is not running")
	}
	var cmd string
	switch action {
	case "acpi":
		cmd = "system_powerdown"
	case "reset":
		cmd = "system_reset"
	case "off":
		cmd = "quit"
	default:
		return failMsg("ConfigError", fmt.Sprintf("unknown power action %q", action))
	}
	if _, err := d.qc.Execute(ctx, cmd, nil, qmp.Opts{Fatal: true}); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// EjectCD implements eject_cd.
func (d *Driver) EjectCD(ctx context.Context) Result {
	if d.qc == nil {
		return failMsg("Disconnected", "qemu is not running")
	}
	if _, err := d.qc.Execute(ctx, "eject", map[string]interface{}{"device": "cd0"}, qmp.Opts{Fatal: true}); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// SaveSnapshot implements save_snapshot{name}.
func (d *Driver) SaveSnapshot(ctx context.Context, name string) Result {
	if d.qc == nil {
		return failMsg("Disconnected", "qemu is not running")
	}
	if err := d.eng.Save(ctx, d.qc, name); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// LoadSnapshot implements load_snapshot{name}.
func (d *Driver) LoadSnapshot(ctx context.Context, name string) Result {
	if d.qc == nil {
		return failMsg("Disconnected", "qemu is not running")
	}
	newQC, err := d.eng.Load(ctx, d.qc, d, name)
	if err != nil {
		return fail(err)
	}
	if qc, ok := newQC.(*qmp.Transport); ok {
		d.qc = qc
	}
	return ok(nil)
}

// ExtractAssets implements extract_assets{selector, name, dir, format}, where
// selector must equal the id of exactly one drive (e.g. "hd0"); hdd_num and
// pflash_vars arguments are not read. If no snapshot state has ever been loaded, the drive's current live node
// (its base image, when no overlay has been created yet) is copied as-is;
// otherwise the live node already reflects the last loaded snapshot. Copy
// happens over QMP drive-backup while QEMU is running, or via qemu-img
// convert directly against the on-disk node file otherwise.
func (d *Driver) ExtractAssets(ctx context.Context, selector, name, destDir, format string) Result {
	var matches []*blockdev.Drive
	for _, drv := range d.model.Drives() {
		if drv.ID == selector {
			matches = append(matches, drv)
		}
	}
	if len(matches) != 1 {
		return failMsg("IOError", fmt.Sprintf("extract_assets: expected exactly one drive matching %q, found %d", selector, len(matches)))
	}

	if format == "" {
		format = "qcow2"
	}
	filename := name
	if filename == "" {
		filename = selector
	}
	dest := filepath.Join(destDir, fmt.Sprintf("%s.%s", filename, format))

	node, err := d.model.LiveNode(matches[0].ID)
	if err != nil {
		return fail(&apierr.IOError{Op: "extract_assets", Cause: err})
	}
	d.log.WithFields(logrus.Fields{"node": node, "dest": dest}).Info("extract_assets")

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fail(&apierr.IOError{Op: "extract_assets: mkdir", Cause: err})
	}

	if d.qc != nil {
		if err := d.extractViaDriveBackup(ctx, node, dest, format); err != nil {
			return fail(err)
		}
		return ok(map[string]string{"path": dest})
	}

	src, err := d.model.NodePath(node)
	if err != nil {
		return fail(&apierr.IOError{Op: "extract_assets", Cause: err})
	}
	if err := d.extractViaQemuImg(ctx, src, dest, format); err != nil {
		return fail(err)
	}
	return ok(map[string]string{"path": dest})
}

// extractViaDriveBackup copies node out as a standalone image while QEMU is
// running, polling query-block-jobs until the backup job completes.
func (d *Driver) extractViaDriveBackup(ctx context.Context, node, dest, format string) error {
	if _, err := d.qc.Execute(ctx, "drive-backup", map[string]interface{}{
		"device": node,
		"target": dest,
		"format": format,
		"sync":   "full",
		"mode":   "absolute-paths",
	}, qmp.Opts{Fatal: true}); err != nil {
		return err
	}

	deadline := time.Now().Add(2 * time.Minute)
	for {
		resp, err := d.qc.Execute(ctx, "query-block-jobs", nil, qmp.Opts{Fatal: true})
		if err != nil {
			return err
		}
		jobs, _ := resp["return"].([]interface{})
		running := false
		for _, j := range jobs {
			job, _ := j.(map[string]interface{})
			if job["device"] == node {
				running = true
			}
		}
		if !running {
			return nil
		}
		if time.Now().After(deadline) {
			return &apierr.Timeout{Operation: "extract_assets: drive-backup"}
		}
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// extractViaQemuImg copies a node's backing file out via qemu-img convert
// when no QEMU process is running to issue drive-backup against.
func (d *Driver) extractViaQemuImg(ctx context.Context, src, dest, format string) error {
	binary, err := d.resolveQemuImg()
	if err != nil {
		return &apierr.Spawn{Cause: err}
	}
	cmd := exec.CommandContext(ctx, binary, "convert", "-O", format, src, dest)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &apierr.IOError{Op: "extract_assets: qemu-img convert", Cause: fmt.Errorf("%w: %s", err, out)}
	}
	return nil
}

// StartAudioCapture implements start_audiocapture{filename}.
func (d *Driver) StartAudioCapture(ctx context.Context, filename string) Result {
	if d.qc == nil {
		return failMsg("Disconnected", "qemu is not running")
	}
	cmd := fmt.Sprintf("wavcapture %s", filename)
	if _, err := d.qc.Execute(ctx, "human-monitor-command", map[string]interface{}{"command-line": cmd}, qmp.Opts{Fatal: true}); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// StopAudioCapture implements stop_audiocapture.
func (d *Driver) StopAudioCapture(ctx context.Context) Result {
	if d.qc == nil {
		return failMsg("Disconnected", "qemu is not running")
	}
	if _, err := d.qc.Execute(ctx, "human-monitor-command", map[string]interface{}{"command-line": "stopcapture"}, qmp.Opts{Fatal: true}); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// CPUStat implements cpu_stat: utime+stime for the QEMU PID, read from
// /proc, matching the teacher's process.go PID-probing convention.
func (d *Driver) CPUStat() Result {
	if d.sup == nil || !d.sup.IsRunning() {
		return failMsg("Disconnected", "qemu is not running")
	}
	utime, stime, err := readProcStat(d.sup.PID())
	if err != nil {
		return fail(&apierr.IOError{Op: "cpu_stat", Cause: err})
	}
	return ok(map[string]uint64{"utime": utime, "stime": stime})
}

// readProcStat returns the utime/stime clock-tick fields (14 and 15, 1-indexed)
// of /proc/<pid>/stat. The comm field (2nd, parenthesized) may itself contain
// spaces or parentheses, so field counting starts after the last ')' rather
// than splitting the whole line on spaces.
func readProcStat(pid int) (utime, stime uint64, err error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, err
	}
	line := string(raw)
	close := strings.LastIndexByte(line, ')')
	if close < 0 || close+2 > len(line) {
		return 0, 0, fmt.Errorf("cpu_stat: malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(line[close+2:])
	// fields[0] is state (field 3); utime is field 14, stime field 15, i.e.
	// indices 11 and 12 in this post-comm slice.
	if len(fields) < 13 {
		return 0, 0, fmt.Errorf("cpu_stat: /proc/%d/stat has too few fields", pid)
	}
	utime, err = strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("cpu_stat: parsing utime: %w", err)
	}
	stime, err = strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("cpu_stat: parsing stime: %w", err)
	}
	return utime, stime, nil
}

// IsShutdown implements is_shutdown.
func (d *Driver) IsShutdown(ctx context.Context) Result {
	if d.qc == nil {
		return ok(true)
	}
	resp, err := d.qc.Execute(ctx, "query-status", nil, qmp.Opts{Fatal: true})
	if err != nil {
		return fail(err)
	}
	ret, _ := resp["return"].(map[string]interface{})
	status, _ := ret["status"].(string)
	return ok(status == "shutdown")
}

// FreezeVM implements freeze_vm: stop the VM and raise the poll interval.
func (d *Driver) FreezeVM(ctx context.Context) Result {
	if d.qc == nil {
		return failMsg("Disconnected", "qemu is not running")
	}
	if _, err := d.qc.Execute(ctx, "stop", nil, qmp.Opts{Fatal: true}); err != nil {
		return fail(err)
	}
	d.frozen = true
	d.flags.UpdateRequestInterval(1000)
	return ok(nil)
}

// ContVM implements cont_vm.
func (d *Driver) ContVM(ctx context.Context) Result {
	if d.qc == nil {
		return failMsg("Disconnected", "qemu is not running")
	}
	if _, err := d.qc.Execute(ctx, "cont", nil, qmp.Opts{Fatal: true}); err != nil {
		return fail(err)
	}
	d.frozen = false
	d.flags.UpdateRequestInterval(500)
	return ok(nil)
}

// MouseHide implements mouse_hide{border_offset}: reposition the emulated
// absolute pointer off the edge of the framebuffer.
func (d *Driver) MouseHide(ctx context.Context, borderOffset int) Result {
	if d.qc == nil {
		return failMsg("Disconnected", "qemu is not running")
	}
	x := 32767 - borderOffset
	y := 32767 - borderOffset
	if _, err := d.qc.Execute(ctx, "input-send-event", map[string]interface{}{
		"events": []map[string]interface{}{
			{"type": "abs", "data": map[string]interface{}{"axis": "x", "value": x}},
			{"type": "abs", "data": map[string]interface{}{"axis": "y", "value": y}},
		},
	}, qmp.Opts{Fatal: true}); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// startConsoleMux listens on the driver's console socket and, once the
// parent dials in, multiplexes every configured virtio-console's fifo pair
// onto that one connection via yamux.
func (d *Driver) startConsoleMux() error {
	os.Remove(d.paths.ConsoleSocket)
	ln, err := net.Listen("unix", d.paths.ConsoleSocket)
	if err != nil {
		return fmt.Errorf("console mux: listen: %w", err)
	}
	d.consoleLn = ln

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		mux, err := console.NewMux(conn, d.log.WithField("subsystem", "console"))
		if err != nil {
			d.log.WithError(err).Error("console mux: failed to start yamux session")
			return
		}
		d.consoleMux = mux
		for i := 0; i < d.vm.VirtioConsoles; i++ {
			id := fmt.Sprintf("virtcon%d", i)
			base := filepath.Join(d.model.BaseDir, fmt.Sprintf("console-%d", i))
			if err := mux.PumpConsole(id, base+".in", base+".out"); err != nil {
				d.log.WithError(err).WithField("console", id).Warn("console mux: failed to attach")
			}
		}
	}()
	return nil
}

func (d *Driver) stopConsoleMux() {
	if d.consoleMux != nil {
		d.consoleMux.Close()
		d.consoleMux = nil
	}
	if d.consoleLn != nil {
		d.consoleLn.Close()
		d.consoleLn = nil
	}
}

func (d *Driver) resolveQemuBinary() (string, error) {
	for _, candidate := range d.flags.QemuBinaryCandidates {
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no qemu binary found among candidates %v", d.flags.QemuBinaryCandidates)
}

func (d *Driver) resolveQemuImg() (string, error) {
	for _, candidate := range d.flags.QemuImgCandidates {
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no qemu-img binary found among candidates %v", d.flags.QemuImgCandidates)
}

func (d *Driver) writeRunFile() error {
	data, _ := json.Marshal(map[string]string{"backend": "qemu"})
	return os.WriteFile(d.paths.RunFile, data, 0o644)
}

func (d *Driver) persistModel() error {
	data, err := json.Marshal(d.model.ToMap())
	if err != nil {
		return err
	}
	return os.WriteFile(d.paths.ModelFile, data, 0o644)
}

// qmpLogAdapter bridges a logrus.Entry to qmp.Log.
type qmpLogAdapter struct{ entry *logrus.Entry }

func (a *qmpLogAdapter) V(int32) bool                             { return a.entry.Logger.IsLevelEnabled(logrus.DebugLevel) }
func (a *qmpLogAdapter) Infof(format string, v ...interface{})    { a.entry.Infof(format, v...) }
func (a *qmpLogAdapter) Warningf(format string, v ...interface{}) { a.entry.Warningf(format, v...) }
func (a *qmpLogAdapter) Errorf(format string, v ...interface{})   { a.entry.Errorf(format, v...) }
