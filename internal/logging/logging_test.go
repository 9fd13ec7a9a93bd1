package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerWithWriter_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "text", &buf)

	logger.Info("peer registered", KeyPeerID, "127.0.0.1:4000")

	output := buf.String()
	if !strings.Contains(output, "peer registered") {
		t.Errorf("expected message in output, got: %s", output)
	}
	if !strings.Contains(output, "peer_id=127.0.0.1:4000") {
		t.Errorf("expected peer_id attribute in output, got: %s", output)
	}
}

func TestNewLoggerWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "JSON", &buf)

	logger.Info("datagram relayed", KeyBytes, 42)

	output := buf.String()
	if !strings.Contains(output, `"msg":"datagram relayed"`) {
		t.Errorf("expected JSON msg field, got: %s", output)
	}
	if !strings.Contains(output, `"bytes":42`) {
		t.Errorf("expected JSON bytes field, got: %s", output)
	}
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	tests := []struct {
		name        string
		configLevel string
		logLevel    slog.Level
		wantOutput  bool
	}{
		{"debug at debug", "debug", slog.LevelDebug, true},
		{"debug at info", "info", slog.LevelDebug, false},
		{"info at info", "info", slog.LevelInfo, true},
		{"info at warn", "warn", slog.LevelInfo, false},
		{"error at warn", "warn", slog.LevelError, true},
		{"warn at error", "error", slog.LevelWarn, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(tc.configLevel, "text", &buf)

			logger.Log(context.Background(), tc.logLevel, "x")

			if got := buf.Len() > 0; got != tc.wantOutput {
				t.Errorf("output = %v, want %v", got, tc.wantOutput)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tc := range tests {
		if got := ParseLevel(tc.input); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	if logger == nil {
		t.Fatal("NopLogger returned nil")
	}
	// Must not panic.
	logger.Error("discarded", KeyError, "boom")
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewLoggerWithWriter("info", "json", &buf), "relay")

	logger.Info("started")

	if !strings.Contains(buf.String(), `"component":"relay"`) {
		t.Errorf("expected component attribute, got: %s", buf.String())
	}

	// A nil logger must not panic.
	Component(nil, "relay").Info("discarded")
}

func TestNew_AddSourceAtDebug(t *testing.T) {
	var buf bytes.Buffer
	New(Options{Level: "debug", Format: "json", Writer: &buf}).Debug("here")

	if !strings.Contains(buf.String(), `"source"`) {
		t.Errorf("debug output should carry the source location, got: %s", buf.String())
	}

	buf.Reset()
	New(Options{Level: "info", Format: "json", Writer: &buf}).Info("here")
	if strings.Contains(buf.String(), `"source"`) {
		t.Errorf("info output should not carry the source location, got: %s", buf.String())
	}
}
