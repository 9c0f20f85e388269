// Package monitoring holds the process-wide diagnostic logger shared by the
// pipelines, the job manager and the HTTP server.
package monitoring

import (
	"log"
	"strings"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// logWriter forwards each line written by a *log.Logger to Logf.
type logWriter struct {
	prefix string
	lines  atomic.Int64
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		w.lines.Add(1)
		Logf("%s%s", w.prefix, line)
	}
	return len(p), nil
}

// NewStdLogger returns a *log.Logger whose output goes through Logf with the
// given prefix. It is meant for libraries that only accept a *log.Logger,
// such as http.Server.ErrorLog. Logf is looked up on every write so a later
// SetLogger still applies.
func NewStdLogger(prefix string) *log.Logger {
	return log.New(&logWriter{prefix: prefix}, "", 0)
}
