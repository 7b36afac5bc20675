package core

import (
	"bytes"
	"strings"
	"testing"
)

func TestNoopLoggerDiscards(_ *testing.T) {
	logger := noopLogger{}
	logger.Debug("debug", "key", "value")
	logger.Info("info", "key", "value")
	logger.Warn("warn", "key", "value")
	logger.Error("error", "key", "value")
}

func TestNewLoggerHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "entity", "Balance")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info message should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"entity":"Balance"`) {
		t.Fatalf("expected json output, got %s", out)
	}

	buf.Reset()
	NewLogger(LogConfig{Level: "debug"}, &buf).Debug("text line")
	if !strings.Contains(buf.String(), "msg=\"text line\"") {
		t.Fatalf("expected text output, got %s", buf.String())
	}
}
