// Package logging provides the small colored-logging helpers shared by
// the tunnel and relay host binaries.
package logging

import (
	"log"
	"strings"

	"github.com/fatih/color"
)

var (
	errorColor = color.New(color.FgRed, color.Bold)
	warnColor  = color.New(color.FgYellow)
	okColor    = color.New(color.FgGreen)
)

// Logger is a thin wrapper around the standard logger that gates verbose
// output behind a flag.
type Logger struct {
	Verbose bool
}

// New returns a Logger with verbose logging set according to v.
func New(v bool) *Logger {
	return &Logger{Verbose: v}
}

// Verbosef logs fmt-style output only when verbose logging is enabled.
func (l *Logger) Verbosef(format string, args ...interface{}) {
	if l.Verbose {
		log.Printf(format, args...)
	}
}

// Errorf logs an error in bold red, unconditionally.
func (l *Logger) Errorf(format string, args ...interface{}) {
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	errorColor.Printf(format, args...)
}

// Warnf logs a warning in yellow, unconditionally.
func (l *Logger) Warnf(format string, args ...interface{}) {
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	warnColor.Printf(format, args...)
}

// Okf logs a success/status message in green, unconditionally.
func (l *Logger) Okf(format string, args ...interface{}) {
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	okColor.Printf(format, args...)
}
