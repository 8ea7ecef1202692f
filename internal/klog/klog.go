// Package klog is the kernel's structured internal event log: admission
// rejections, deadline misses, link-error counters, fatal halts. It is
// deliberately distinct from printk (spec.md §1 names printk/console glue
// as an out-of-scope external collaborator) — printk is the raw
// character-at-a-time console a board boots with, klog is what a ground
// test harness or simulator listens to.
//
// Components depend on the Logger interface, not on logiface/stumpy
// directly, so a real boot can plug in its own backend (e.g. routing
// through printk) without this package caring.
package klog

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Field is one structured key/value attached to a log line.
type Field struct {
	Key   string
	Value any
}

// F is a convenience constructor for Field.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Logger is the structured logging surface every subsystem accepts.
// Levels follow the syslog ordering logiface uses (Emerg is the most
// severe), matching spec.md §7's error taxonomy: Err for resource
// exhaustion and contract violations, Crit for hardware faults and
// real-time violations, Emerg for what kpanic reports just before halting.
type Logger interface {
	Err(msg string, fields ...Field)
	Warning(msg string, fields ...Field)
	Notice(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Crit(msg string, fields ...Field)
	Emerg(msg string, fields ...Field)
}

type stumpyLogger struct {
	l *logiface.Logger[*stumpy.Event]
}

// New builds the default structured logger, writing newline-delimited
// JSON to w.
func New(w io.Writer) Logger {
	l := stumpy.L.New(
		stumpy.L.WithStumpy(),
		stumpy.L.WithWriter(w),
	)
	return &stumpyLogger{l: l}
}

// Default is the package-level logger used where no Logger is threaded
// through explicitly (tests, package-level examples); it writes to
// os.Stderr.
var Default Logger = New(os.Stderr)

func apply(b *logiface.Builder[*stumpy.Event], fields []Field) *logiface.Builder[*stumpy.Event] {
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			b = b.Str(f.Key, v)
		case error:
			b = b.Err(v)
		case int:
			b = b.Int(f.Key, v)
		case int64:
			b = b.Int64(f.Key, v)
		case uint32:
			b = b.Uint64(f.Key, uint64(v))
		case uint64:
			b = b.Uint64(f.Key, v)
		case bool:
			b = b.Bool(f.Key, v)
		default:
			b = b.Any(f.Key, v)
		}
	}
	return b
}

func (s *stumpyLogger) Err(msg string, fields ...Field)     { apply(s.l.Err(), fields).Log(msg) }
func (s *stumpyLogger) Warning(msg string, fields ...Field) { apply(s.l.Warning(), fields).Log(msg) }
func (s *stumpyLogger) Notice(msg string, fields ...Field)  { apply(s.l.Notice(), fields).Log(msg) }
func (s *stumpyLogger) Info(msg string, fields ...Field)    { apply(s.l.Info(), fields).Log(msg) }
func (s *stumpyLogger) Debug(msg string, fields ...Field)   { apply(s.l.Debug(), fields).Log(msg) }
func (s *stumpyLogger) Crit(msg string, fields ...Field)    { apply(s.l.Crit(), fields).Log(msg) }
func (s *stumpyLogger) Emerg(msg string, fields ...Field)   { apply(s.l.Emerg(), fields).Log(msg) }

// Discard is a Logger that drops everything; handy for tests that don't
// want to assert on log output.
var Discard Logger = discard{}

type discard struct{}

func (discard) Err(string, ...Field)     {}
func (discard) Warning(string, ...Field) {}
func (discard) Notice(string, ...Field)  {}
func (discard) Info(string, ...Field)    {}
func (discard) Debug(string, ...Field)   {}
func (discard) Crit(string, ...Field)    {}
func (discard) Emerg(string, ...Field)   {}
