package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelError, "ERROR"},
		{LevelWarn, "WARN"},
		{LevelInfo, "INFO"},
		{LevelDebug, "DEBUG"},
		{Level(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, LevelWarn)

	l.Debugf("debug message")
	l.Infof("info message")
	if buf.Len() != 0 {
		t.Fatalf("debug/info leaked through WARN level: %q", buf.String())
	}

	l.Warnf("warn %s", "message")
	l.Errorf("error message")
	out := buf.String()
	if !strings.Contains(out, "WARN warn message") {
		t.Errorf("missing warn output: %q", out)
	}
	if !strings.Contains(out, "ERROR error message") {
		t.Errorf("missing error output: %q", out)
	}
}

func TestDebugLevelLogsEverything(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, LevelDebug)
	l.Debugf(NSCommit + "resync at boundary")
	if !strings.Contains(buf.String(), "DEBUG [commit] resync at boundary") {
		t.Errorf("unexpected output: %q", buf.String())
	}
}

func TestIsNil(t *testing.T) {
	if !IsNil(nil) {
		t.Error("IsNil(nil) = false")
	}
	var typed *DefaultLogger
	if !IsNil(typed) {
		t.Error("IsNil(typed-nil) = false")
	}
	if IsNil(Discard) {
		t.Error("IsNil(Discard) = true")
	}
}

func TestOrDefault(t *testing.T) {
	if OrDefault(nil) == nil {
		t.Fatal("OrDefault(nil) returned nil")
	}
	if got := OrDefault(Discard); got != Discard {
		t.Error("OrDefault replaced a valid logger")
	}
}

func TestDiscardDoesNotPanic(t *testing.T) {
	Discard.Errorf("e")
	Discard.Warnf("w")
	Discard.Infof("i")
	Discard.Debugf("d")
}
