// Package logging provides the package-level loggers used across corectl:
// one logger per subsystem rather than one per call site, with structured
// fields carrying the identifiers a reader needs (transfer_id, cgroup
// path, syscall name).
package logging

import "github.com/sirupsen/logrus"

var base = logrus.New()

// Sandbox is the logger for the sandbox-constructor half.
var Sandbox = base.WithField("component", "sandbox")

// Transfer is the logger for the distributed-transfer half.
var Transfer = base.WithField("component", "transfer")

// SetLevel adjusts verbosity for both halves. corectl's CLI does not call
// it; its only logging flag is -log-json, which goes to SetJSON.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// SetJSON switches to structured JSON output, useful when corectl runs under
// a supervisor that scrapes logs rather than a terminal.
func SetJSON(enabled bool) {
	if enabled {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{})
	}
}
