package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		"info":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_EnvLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_FORMAT", "json")

	logger := New("modbusctl", "test")
	if logger.GetLevel() != zerolog.WarnLevel {
		t.Errorf("expected warn level, got %v", logger.GetLevel())
	}
}

func TestNewWithConfig_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	config := DefaultLogConfig()
	config.Output = path
	config.Level = "debug"

	logger := NewWithConfig("modbusctl", "1.2.3", config)
	clientLogger := WithClientContext(logger, "line-1", "10.0.0.1:502")
	clientLogger.Debug().Msg("connected")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", data, err)
	}
	for key, want := range map[string]string{
		"service":   "modbusctl",
		"version":   "1.2.3",
		"client_id": "line-1",
		"address":   "10.0.0.1:502",
		"message":   "connected",
		"level":     "debug",
	} {
		if entry[key] != want {
			t.Errorf("field %s: expected %q, got %v", key, want, entry[key])
		}
	}
}

func TestError_LogsStack(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	Error(logger, errors.WithStack(errors.New("connection refused")), "connect failed")

	out := buf.String()
	if !strings.Contains(out, `"stack"`) {
		t.Errorf("expected stack field in %s", out)
	}
	if !strings.Contains(out, "connection refused") {
		t.Errorf("expected error message in %s", out)
	}
}
