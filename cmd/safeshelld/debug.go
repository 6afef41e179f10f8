package main

import (
	"fmt"
	"io"
)

// DebugLogger provides structured debug output for daemon startup and
// lifecycle events. Disabled by default (output nil); all methods are
// no-ops when disabled.
type DebugLogger struct {
	output io.Writer
}

// NewDebugLogger creates a debug logger writing to output. Pass nil to get
// a disabled logger.
func NewDebugLogger(output io.Writer) *DebugLogger {
	return &DebugLogger{output: output}
}

// Enabled reports whether debug logging is active.
func (d *DebugLogger) Enabled() bool {
	return d != nil && d.output != nil
}

// Section outputs a section header.
func (d *DebugLogger) Section(name string) {
	if !d.Enabled() {
		return
	}

	_, _ = fmt.Fprintf(d.output, "\n=== %s ===\n", name)
}

// Logf outputs a formatted debug message.
func (d *DebugLogger) Logf(format string, args ...any) {
	if !d.Enabled() {
		return
	}

	_, _ = fmt.Fprintf(d.output, format+"\n", args...)
}

// Bulletf outputs an indented bullet point item.
func (d *DebugLogger) Bulletf(format string, args ...any) {
	if !d.Enabled() {
		return
	}

	_, _ = fmt.Fprintf(d.output, "  • "+format+"\n", args...)
}

// ConfigValue reports a resolved configuration value and its source.
func (d *DebugLogger) ConfigValue(name, value, source string) {
	if !d.Enabled() {
		return
	}

	_, _ = fmt.Fprintf(d.output, "  %s: %s (from %s)\n", name, value, source)
}
