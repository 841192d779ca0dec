// Package logger wraps the standard log package with the leveled helpers
// the teacher's handlers call inline (log.Printf("...")), plus a dedicated
// Security channel for the unauthorized/malformed-secret events spec.md §7
// requires to be logged separately with the client IP.
package logger

import (
	"log"
	"os"
)

// Logger is a thin leveled wrapper over *log.Logger.
type Logger struct {
	out *log.Logger
}

// New creates a Logger writing to stderr, matching the teacher's use of
// the default log package (no structured logging library in its go.mod).
func New() *Logger {
	return &Logger{out: log.New(os.Stderr, "", log.LstdFlags)}
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.out.Printf("INFO  "+format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.out.Printf("WARN  "+format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.out.Printf("ERROR "+format, args...)
}

// Security logs a security-sensitive negative (unknown key, wrong secret
// format) at a dedicated channel, tagged with the client IP per spec.md §7.
func (l *Logger) Security(clientIP string, format string, args ...interface{}) {
	msg := "SECURITY client=" + clientIP + " " + format
	l.out.Printf(msg, args...)
}
