package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/os-autoinst/backend-qemu/internal/bridge"
	"github.com/os-autoinst/backend-qemu/internal/config"
)

// runParent spawns a backend child running this same binary, hands it the
// VM configuration over the control pipe, starts the VM, and blocks until
// the child exits or a signal requests teardown.
func runParent(baseDir, vmConfigPath string, flags config.RuntimeFlags, log *logrus.Entry) {
	if vmConfigPath == "" {
		log.Error("os-autoinst-qemu: -vm-config is required in parent mode")
		os.Exit(1)
	}
	raw, err := os.ReadFile(vmConfigPath)
	if err != nil {
		log.WithError(err).Error("failed to read vm-config")
		os.Exit(1)
	}
	var vmCfg vmConfigFile
	if err := json.Unmarshal(raw, &vmCfg); err != nil {
		log.WithError(err).Error("failed to parse vm-config")
		os.Exit(1)
	}

	childArgv := []string{os.Args[0], "-backend-child", "-base-dir", baseDir}
	b, err := bridge.Spawn(childArgv, log)
	if err != nil {
		log.WithError(err).Error("failed to spawn backend child")
		os.Exit(1)
	}

	gracefulTimeout := time.Duration(flags.GracefulShutdownTimeoutSec) * time.Second
	b.InstallSignalHandling(func() {
		log.Warn("os-autoinst-qemu: teardown complete after signal")
	})

	if _, err := b.Send("configure", vmCfg); err != nil {
		log.WithError(err).Error("configure failed")
		b.Stop(gracefulTimeout)
		os.Exit(1)
	}

	if _, err := b.Send("start_vm", map[string]string{}); err != nil {
		log.WithError(err).Error("start_vm failed")
		b.Stop(gracefulTimeout)
		os.Exit(1)
	}

	if err := b.Wait(); err != nil {
		log.WithError(err).Warn("backend child exited with error")
		os.Exit(1)
	}

	if b.TestFailed() {
		fmt.Fprintln(os.Stderr, "os-autoinst-qemu: test marked failed")
		os.Exit(1)
	}
	os.Exit(0)
}
