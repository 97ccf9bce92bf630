// Package xlog is a small logging backend wrapper, built the way the
// teacher codebase's `core/log` package is used elsewhere in the corpus:
// call sites hold a `*Backend` and call `backend.GetLogger(name)` to get a
// named `*logging.Logger` (see `client/cborplugin/incoming_conn.go`'s
// `c.log = logBackend.GetLogger("incoming conn")`). Built directly on
// `gopkg.in/op/go-logging.v1`, the logging library the teacher's go.mod
// declares.
package xlog

import (
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

// Backend hands out named loggers from op-logging's process-wide backend,
// which New configures.
type Backend struct {
	name string
}

// New creates a Backend that writes leveled, named log lines to stderr.
// level is one of "DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"; an
// unrecognized or empty level defaults to "NOTICE".
func New(appName, level string) *Backend {
	stderrBackend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(stderrBackend, logging.MustStringFormatter(
		"%{time:2006-01-02T15:04:05.000Z07:00} %{level:.4s} %{module}: %{message}",
	))
	leveled := logging.AddModuleLevel(formatted)
	lvl, err := logging.LogLevel(level)
	if err != nil {
		lvl = logging.NOTICE
	}
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)
	return &Backend{name: appName}
}

// GetLogger returns a logger named "<appName>/<name>".
func (b *Backend) GetLogger(name string) *logging.Logger {
	if b == nil {
		return logging.MustGetLogger("qnet")
	}
	return logging.MustGetLogger(b.name + "/" + name)
}

// NopBackend returns a Backend whose loggers are configured at CRITICAL,
// effectively silent; useful as a safe default when the caller passes no
// logging configuration.
func NopBackend() *Backend {
	b := New("qnet", "CRITICAL")
	return b
}
