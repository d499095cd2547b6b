// Package logger provides common logging types.
package logger

import (
	"io"
	"log"
	"os"
)

// Logger defines a logging interface.
type Logger interface {
	Printf(format string, v ...any)
	Println(v ...any)
	Fatalf(format string, v ...any)
}

// Null is a discarding logger.
var Null = log.New(io.Discard, "", 0) // dev/null

// New returns a stderr logger with the given prefix, or the discarding
// logger if debug is disabled.
func New(prefix string, debug bool) Logger {
	if !debug {
		return Null
	}
	return log.New(os.Stderr, prefix+" ", log.LstdFlags|log.Lmsgprefix)
}
