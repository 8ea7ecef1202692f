package klog

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.Err("pool exhausted", F("order", 4), F("pool", "boot-ram"))
	out := buf.String()
	if !strings.Contains(out, `"pool exhausted"`) {
		t.Fatalf("expected message in output, got %q", out)
	}
	if !strings.Contains(out, `"order"`) || !strings.Contains(out, `"boot-ram"`) {
		t.Fatalf("expected fields in output, got %q", out)
	}
}

func TestDiscardDoesNotPanic(t *testing.T) {
	Discard.Emerg("should not write anywhere", F("x", 1))
}
