// Package kpanic is the core's one hard-stop path (spec.md §7: "anything
// violating a core invariant is fatal via an explicit bug trap"). It
// mirrors the teacher's halt idiom (print the reason, then spin forever)
// but in a host-testable shape: log structuredly, then panic, so a test
// can recover() and assert on the reason instead of hanging the process.
package kpanic

import (
	"fmt"

	"github.com/flightsw/leoncore/internal/klog"
)

// Reason is the payload of a kernel panic: enough to reconstruct the
// SRMMU fault dump or scheduler invariant violation spec.md calls for.
type Reason struct {
	What   string
	Fields []klog.Field
}

func (r Reason) Error() string {
	return r.What
}

// Fatal logs reason at Emerg through l and then panics with a Reason,
// matching spec.md §7's "Hardware fault ... panic with fault status and
// faulting address" and "anything violating a core invariant is fatal".
func Fatal(l klog.Logger, what string, fields ...klog.Field) {
	if l == nil {
		l = klog.Discard
	}
	l.Emerg(what, fields...)
	panic(Reason{What: what, Fields: fields})
}

// Fatalf is Fatal with a formatted message and no structured fields.
func Fatalf(l klog.Logger, format string, args ...any) {
	Fatal(l, fmt.Sprintf(format, args...))
}
