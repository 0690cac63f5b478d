// Command os-autoinst-qemu is the QEMU backend's entrypoint. By default it
// runs as the parent: it spawns itself as a backend child over a duplex
// pipe, configures it from a local VM-config file, and blocks until the
// child exits or a signal requests teardown. With -backend-child it plays
// the other half: it dispatches commands arriving on fd 3/4 to the driver.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/os-autoinst/backend-qemu/internal/config"
	"github.com/os-autoinst/backend-qemu/internal/logging"
)

func main() {
	logLevel := flag.String("log-level", "warning", "logrus level (debug, info, warning, error)")
	logSyslog := flag.Bool("log-syslog", false, "also mirror logs to syslog")
	configPath := flag.String("config", "", "path to the operator TOML config file")
	baseDir := flag.String("base-dir", ".", "directory for overlays, the PID file, and backend.run")
	vmConfigPath := flag.String("vm-config", "", "path to a JSON VM configuration (parent mode only)")
	backendChild := flag.Bool("backend-child", false, "internal: run as the backend child on fd 3/4")
	flag.Parse()

	logger, err := logging.Setup(*logLevel, *logSyslog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "os-autoinst-qemu: logging setup: %v\n", err)
		os.Exit(1)
	}
	log := logrus.NewEntry(logger)

	flags, err := config.LoadRuntimeFlags(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to load runtime config")
		os.Exit(1)
	}

	if *backendChild {
		runBackendChild(*baseDir, flags, log)
		return
	}
	runParent(*baseDir, *vmConfigPath, flags, log)
}
