package netmux

import (
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

var logFormat = logging.MustStringFormatter(
	`%{time:2006-01-02 15:04:05.000} %{level:.4s} [%{module}] %{message}`,
)

// Logger wraps go-logging's per-module logger, giving every package
// component (Service, Connection, ConnectionPool) its own named logger
// while sharing one backend/format.
type Logger struct {
	*logging.Logger
}

// NewLogger returns a Logger named module, backed by a leveled, formatted
// stderr backend. Call SetLevel on the returned logger's module name via
// logging.SetLevel to change verbosity at runtime.
func NewLogger(module string) *Logger {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, logFormat)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(logging.INFO, module)
	logging.SetBackend(leveled)
	return &Logger{Logger: logging.MustGetLogger(module)}
}
