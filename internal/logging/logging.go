// Package logging builds the loggers shared by pgsync components.
//
// Every component gets its own *log.Logger with a bracketed prefix
// ("[sync] ", "[loader] ") writing to one sink: stderr, plus a size-rotated
// file when a log file is configured.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config configures the log sink.
type Config struct {
	// File is the rotated log file. Empty logs to Stderr only.
	File string

	// MaxSizeMB is the size at which File is rotated.
	MaxSizeMB int

	// MaxBackups is how many rotated files are kept.
	MaxBackups int

	// MaxAgeDays is how long rotated files are kept.
	MaxAgeDays int

	// Stderr receives every line (default: os.Stderr).
	Stderr io.Writer
}

// Logs owns the sink and hands out prefixed loggers.
type Logs struct {
	out  io.Writer
	file *lumberjack.Logger
}

// New opens the sink described by config.
func New(config Config) *Logs {
	stderr := config.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	l := &Logs{out: stderr}
	if config.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   filepath.Clean(config.File),
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
		}
		l.out = io.MultiWriter(stderr, l.file)
	}
	return l
}

// Logger returns a logger for component, prefixed "[component] ".
func (l *Logs) Logger(component string) *log.Logger {
	return log.New(l.out, "["+strings.TrimSpace(component)+"] ", log.LstdFlags)
}

// Writer returns the sink.
func (l *Logs) Writer() io.Writer {
	return l.out
}

// Close closes the log file, if any.
func (l *Logs) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
