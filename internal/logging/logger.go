// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// package logging holds the process-wide structured logger used by keysync.
package logging // import "github.com/toeirei/keysync/internal/logging"

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	clog "github.com/charmbracelet/log"
)

// L is the package-level logger. Components that want structured fields
// should derive a child logger with With.
var L = clog.NewWithOptions(os.Stderr, clog.Options{ReportTimestamp: true, TimeFormat: time.RFC3339})

// Configure replaces L with a logger writing to w at the given level and
// format ("text", "json" or "logfmt").
func Configure(w io.Writer, level, format string) error {
	lvl, err := clog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	var f clog.Formatter
	switch strings.ToLower(format) {
	case "", "text":
		f = clog.TextFormatter
	case "json":
		f = clog.JSONFormatter
	case "logfmt":
		f = clog.LogfmtFormatter
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	l := clog.NewWithOptions(w, clog.Options{ReportTimestamp: true, TimeFormat: time.RFC3339, Formatter: f})
	l.SetLevel(lvl)
	L = l
	return nil
}

// SetLevel parses level (debug, info, warn or error) and applies it to L.
func SetLevel(level string) error {
	lvl, err := clog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	L.SetLevel(lvl)
	return nil
}

// SetDebug toggles debug output on L.
func SetDebug(enabled bool) {
	if enabled {
		L.SetLevel(clog.DebugLevel)
		return
	}
	L.SetLevel(clog.InfoLevel)
}

// With returns a child logger carrying the given key/value pairs.
func With(keyvals ...interface{}) *clog.Logger {
	return L.With(keyvals...)
}

// Debugf logs a debug-level formatted message.
func Debugf(format string, v ...interface{}) {
	L.Debug(fmt.Sprintf(format, v...))
}

// Infof logs an info-level formatted message.
func Infof(format string, v ...interface{}) {
	L.Info(fmt.Sprintf(format, v...))
}

// Warnf logs a warning-level formatted message.
func Warnf(format string, v ...interface{}) {
	L.Warn(fmt.Sprintf(format, v...))
}

// Errorf logs an error-level formatted message.
func Errorf(format string, v ...interface{}) {
	L.Error(fmt.Sprintf(format, v...))
}
