// Package logging sets up the driver's structured logging and adapts it to
// the QMPLog interface consumed by internal/qmp.
package logging

import (
	"github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"
	"log/syslog"
)

// Setup configures the package-wide logrus logger and optionally attaches a
// syslog hook, mirroring the teacher shim's initLogger.
func Setup(level string, toSyslog bool) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.Formatter = &logrus.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000000000Z07:00",
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.WarnLevel
	}
	logger.SetLevel(lvl)

	if toSyslog {
		hook, err := lSyslog.NewSyslogHook("", "", syslog.LOG_INFO, "os-autoinst-qemu")
		if err != nil {
			return logger, err
		}
		logger.AddHook(hook)
	}

	return logger, nil
}

// QMPAdapter bridges a logrus.Entry to internal/qmp's QMPLog interface.
type QMPAdapter struct {
	Entry *logrus.Entry
}

func (a *QMPAdapter) V(level int32) bool {
	return a.Entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}

func (a *QMPAdapter) Infof(format string, v ...interface{}) {
	a.Entry.Infof(format, v...)
}

func (a *QMPAdapter) Warningf(format string, v ...interface{}) {
	a.Entry.Warningf(format, v...)
}

func (a *QMPAdapter) Errorf(format string, v ...interface{}) {
	a.Entry.Errorf(format, v...)
}
