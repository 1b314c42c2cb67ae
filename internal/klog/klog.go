// Package klog wires up the process-wide logger: a colorized stderr
// backend at a configurable level plus an optional syslog backend, with
// the resulting logger handed to callers rather than used through
// package-level globals, so tests can run against a logger that
// discards everything.
package klog

import (
	"fmt"
	"log/syslog"
	"os"

	logging "github.com/op/go-logging"
)

// Config controls how the logger is constructed.
type Config struct {
	// Module names the log-tag each entry carries.
	Module string
	// Level is the minimum severity emitted; one of the logging.Level
	// constants' names (e.g. "DEBUG", "INFO", "WARNING", "ERROR").
	Level string
	// Syslog enables an additional backend writing to the local syslog
	// daemon under the same module name.
	Syslog bool
}

var consoleFormat = logging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{level:.4s} %{shortfunc}%{color:reset} %{message}`,
)

// New builds a *logging.Logger per cfg. An unrecognized Level falls back
// to INFO rather than failing startup.
func New(cfg Config) (*logging.Logger, error) {
	logger := logging.MustGetLogger(cfg.Module)

	level, err := logging.LogLevel(cfg.Level)
	if err != nil {
		level = logging.INFO
	}

	consoleBackend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(consoleBackend, consoleFormat)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(level, cfg.Module)

	backends := []logging.Backend{leveled}

	if cfg.Syslog {
		syslogBackend, err := logging.NewSyslogBackendPriority(cfg.Module, syslog.LOG_NOTICE)
		if err != nil {
			return nil, fmt.Errorf("klog: syslog backend: %w", err)
		}
		syslogLeveled := logging.AddModuleLevel(syslogBackend)
		syslogLeveled.SetLevel(level, cfg.Module)
		backends = append(backends, syslogLeveled)
	}

	logging.SetBackend(backends...)
	return logger, nil
}

// Discard returns a logger backed by a single no-op backend, for use in
// tests that want real call sites but no console noise.
func Discard(module string) *logging.Logger {
	logger := logging.MustGetLogger(module)
	backend := logging.NewLogBackend(discardWriter{}, "", 0)
	leveled := logging.AddModuleLevel(backend)
	leveled.SetLevel(logging.CRITICAL, module)
	logging.SetBackend(leveled)
	return logger
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
