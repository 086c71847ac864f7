package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerDropsBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Debugf("connection %d picked up", 1)
	l.Infof("connection %d picked up", 1)
	if buf.Len() != 0 {
		t.Fatalf("expected debug/info to be dropped, got %q", buf.String())
	}

	l.Warnf("connection %d stalled", 1)
	if !strings.Contains(buf.String(), "WARN") || !strings.Contains(buf.String(), "stalled") {
		t.Fatalf("expected a WARN line, got %q", buf.String())
	}
}

func TestLoggerErrorfAlwaysPasses(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelError)

	l.Errorf("teardown code %d", 7)
	if !strings.Contains(buf.String(), "ERROR") {
		t.Fatalf("expected an ERROR line, got %q", buf.String())
	}
}
