// Package config defines the immutable per-VM configuration and the small
// set of operator-level knobs loaded from the driver's own TOML file.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// FirmwareMode selects how the VM locates its firmware.
type FirmwareMode string

const (
	FirmwareBIOS       FirmwareMode = "bios"
	FirmwareUEFISplit  FirmwareMode = "uefi-split"
	FirmwareUEFISingle FirmwareMode = "uefi-single"
)

// NicType selects a NIC backend.
type NicType string

const (
	NicUser NicType = "user"
	NicTap  NicType = "tap"
	NicVDE  NicType = "vde"
)

// Nic describes one network interface.
type Nic struct {
	Type NicType `json:"type"`
	MAC  string  `json:"mac"` // synthesized from the worker id when empty
	// Script is the external tap-setup script; only meaningful for NicTap.
	Script string `json:"script,omitempty"`
	// Sock is the VDE switch management socket; only meaningful for NicVDE.
	Sock string `json:"sock,omitempty"`
}

// TPMDescriptor describes an optional TPM device. A nil *TPMDescriptor means
// no TPM is attached.
type TPMDescriptor struct {
	Version string `json:"version"` // "1.2" or "2.0"
	Socket  string `json:"socket"`
}

// AudioDescriptor describes the audio backend, if any.
type AudioDescriptor struct {
	Driver string `json:"driver"` // e.g. "none", "spice", "pa"
}

// VmConfig is frozen at start_vm; every field is set once during
// construction and never mutated afterward.
type VmConfig struct {
	Arch           string           `json:"arch"`
	CPUs           int              `json:"cpus"`
	RAMMiB         int              `json:"ram_mib"`
	MachineType    string           `json:"machine_type"`
	Firmware       FirmwareMode     `json:"firmware"`
	BootOrder      string           `json:"boot_order"`
	Nics           []Nic            `json:"nics"`
	SerialCount    int              `json:"serial_count"`
	VirtioConsoles int              `json:"virtio_consoles"`
	TPM            *TPMDescriptor   `json:"tpm,omitempty"`
	Audio          *AudioDescriptor `json:"audio,omitempty"`
	WorkerID       int              `json:"worker_id"`
}

// Validate checks the handful of invariants that must hold before a VM is
// ever spawned. It returns a ConfigError on violation.
func (c *VmConfig) Validate() error {
	if c.Arch == "" {
		return &ConfigError{Reason: "architecture tag is required"}
	}
	if c.CPUs <= 0 {
		return &ConfigError{Reason: "cpu count must be positive"}
	}
	if c.RAMMiB <= 0 {
		return &ConfigError{Reason: "ram size must be positive"}
	}
	switch c.Firmware {
	case FirmwareBIOS, FirmwareUEFISplit, FirmwareUEFISingle, "":
	default:
		return &ConfigError{Reason: fmt.Sprintf("unknown firmware mode %q", c.Firmware)}
	}
	for _, n := range c.Nics {
		switch n.Type {
		case NicUser, NicTap, NicVDE:
		default:
			return &ConfigError{Reason: fmt.Sprintf("unknown nic type %q", n.Type)}
		}
	}
	return nil
}

// ConfigError reports an invalid VmConfig. It is fatal before spawn.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Reason)
}

// RuntimeFlags carries the operator-level knobs that are not part of any
// single VM's configuration: where to find the qemu binary, default
// timeouts, and logging/compression defaults. It is loaded once at process
// start from a TOML file and is never mutated except via the dedicated
// setters below.
type RuntimeFlags struct {
	QemuBinaryCandidates []string `toml:"qemu_binary_candidates"`
	QemuImgCandidates    []string `toml:"qemu_img_candidates"`
	OVMFCodeCandidates   []string `toml:"ovmf_code_candidates"`

	GracefulShutdownTimeoutSec int `toml:"graceful_shutdown_timeout_sec"`
	MigrationTimeoutSec        int `toml:"migration_timeout_sec"`
	BalloonSettleIterations    int `toml:"balloon_settle_iterations"`

	CompressLevel   int  `toml:"compress_level"`
	CompressThreads int  `toml:"compress_threads"`
	MaxBandwidth    int  `toml:"max_bandwidth"`
	LogSyslog       bool `toml:"log_syslog"`

	requestIntervalMs int
}

// DefaultRuntimeFlags returns the flags the driver uses when no TOML file is
// supplied.
func DefaultRuntimeFlags() RuntimeFlags {
	return RuntimeFlags{
		QemuBinaryCandidates: []string{
			"/usr/bin/qemu-system-x86_64",
			"/usr/bin/qemu-kvm",
		},
		QemuImgCandidates: []string{
			"/usr/bin/qemu-img",
		},
		OVMFCodeCandidates: []string{
			"/usr/share/qemu/ovmf-x86_64-code.bin",
			"/usr/share/OVMF/OVMF_CODE.fd",
		},
		GracefulShutdownTimeoutSec: 30,
		MigrationTimeoutSec:        240,
		BalloonSettleIterations:    5,
		CompressLevel:              1,
		CompressThreads:            2,
		MaxBandwidth:               0,
		requestIntervalMs:          500,
	}
}

// LoadRuntimeFlags reads operator knobs from a TOML file, falling back to
// defaults for any field the file leaves unset.
func LoadRuntimeFlags(path string) (RuntimeFlags, error) {
	flags := DefaultRuntimeFlags()
	if path == "" {
		return flags, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return flags, nil
	}
	if _, err := toml.DecodeFile(path, &flags); err != nil {
		return flags, fmt.Errorf("runtime flags: %w", err)
	}
	return flags, nil
}

// RequestIntervalMs returns the current VNC/status poll interval.
func (r *RuntimeFlags) RequestIntervalMs() int {
	if r.requestIntervalMs == 0 {
		return 500
	}
	return r.requestIntervalMs
}

// UpdateRequestInterval is the one sanctioned runtime mutation: while the VM
// is frozen the poll interval is explicitly raised.
func (r *RuntimeFlags) UpdateRequestInterval(ms int) {
	r.requestIntervalMs = ms
}
