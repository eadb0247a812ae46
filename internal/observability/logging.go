// Package observability wraps the standard library logger with the handful
// of leveled helpers the engine's goroutines need, so tests can inject a
// buffering logger instead of writing to stderr.
package observability

import (
	"fmt"
	"io"
	"log"
	"os"
)

type Logger struct {
	l       *log.Logger
	verbose bool
}

func New(out io.Writer, prefix string) *Logger {
	if out == nil {
		out = os.Stderr
	}
	return &Logger{l: log.New(out, prefix, log.LstdFlags)}
}

// Default logs to stderr with no prefix, matching the teacher's bare
// log.Printf calls at goroutine boundaries.
func Default() *Logger { return New(os.Stderr, "") }

// SetVerbose controls whether Infof actually writes. Warnf and Errorf
// always write regardless of verbosity.
func (lg *Logger) SetVerbose(v bool) {
	lg.verbose = v
}

func (lg *Logger) Infof(format string, args ...any) {
	if !lg.verbose {
		return
	}
	lg.l.Output(2, "INFO  "+fmt.Sprintf(format, args...))
}

func (lg *Logger) Warnf(format string, args ...any) {
	lg.l.Output(2, "WARN  "+fmt.Sprintf(format, args...))
}

func (lg *Logger) Errorf(format string, args ...any) {
	lg.l.Output(2, "ERROR "+fmt.Sprintf(format, args...))
}
