// Package gwlog is a thin wrapper over the standard log.Logger
// (SPEC_FULL.md §4.10), kept in the teacher's plain logging idiom
// (cmd/flowersec-tunnel/main.go: "logger := log.New(stderr, "", log.LstdFlags)"
// then logger.Printf(...)) rather than adopting a third-party structured
// logging library the teacher never imports. Call sites pass key=value
// pairs, formatted onto a single line behind a literal level prefix.
package gwlog

import (
	"fmt"
	"io"
	"log"
	"strings"
)

// Logger formats leveled, key=value lines through an embedded
// *log.Logger.
type Logger struct {
	std *log.Logger
}

// New builds a Logger writing to w with the teacher's standard flags.
func New(w io.Writer) *Logger {
	return &Logger{std: log.New(w, "", log.LstdFlags)}
}

// Field is one key=value pair.
type Field struct {
	Key   string
	Value any
}

// F builds a Field; short name so call sites stay terse.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

func (l *Logger) line(level, msg string, fields []Field) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		writeValue(&b, f.Value)
	}
	l.std.Print(b.String())
}

func writeValue(b *strings.Builder, v any) {
	s, ok := v.(string)
	if !ok {
		b.WriteString(toString(v))
		return
	}
	if strings.ContainsAny(s, " \t\"") {
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(s, `"`, `\"`))
		b.WriteByte('"')
		return
	}
	b.WriteString(s)
}

func toString(v any) string {
	switch t := v.(type) {
	case error:
		return t.Error()
	case fmtStringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

type fmtStringer interface{ String() string }

// Info logs an INFO-level line.
func (l *Logger) Info(msg string, fields ...Field) { l.line("INFO", msg, fields) }

// Warn logs a WARN-level line.
func (l *Logger) Warn(msg string, fields ...Field) { l.line("WARN", msg, fields) }

// Error logs an ERROR-level line.
func (l *Logger) Error(msg string, fields ...Field) { l.line("ERROR", msg, fields) }

// Std exposes the underlying *log.Logger for callers (e.g. net/http's
// Server.ErrorLog) that need a plain *log.Logger value.
func (l *Logger) Std() *log.Logger { return l.std }
