package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

var levels = map[string]log.Level{
	"debug":   log.DebugLevel,
	"info":    log.InfoLevel,
	"warn":    log.WarnLevel,
	"warning": log.WarnLevel,
	"error":   log.ErrorLevel,
}

// ParseLevel converts a level name, defaulting to info
func ParseLevel(level string) log.Level {
	if l, ok := levels[strings.ToLower(level)]; ok {
		return l
	}
	return log.InfoLevel
}

// NewLogger creates the root logger. Components derive theirs with
// WithPrefix. A nil w writes to stderr.
func NewLogger(level string, w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	return log.NewWithOptions(w, log.Options{
		Level:           ParseLevel(level),
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
	})
}
