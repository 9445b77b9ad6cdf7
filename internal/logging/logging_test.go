package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"trace":   zerolog.TraceLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if FromContext(ctx).GetLevel() != zerolog.Disabled {
		t.Error("empty context did not yield a disabled logger")
	}

	var buf bytes.Buffer
	ctx = WithLogger(ctx, zerolog.New(&buf))
	ctx = WithRequestID(ctx, "req-1")
	logger := FromContext(ctx)
	logger.Info().Str("request_id", RequestID(ctx)).Msg("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if line["request_id"] != "req-1" || line["message"] != "hello" {
		t.Errorf("line = %v", line)
	}
}

func TestLogBrokerCallLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := WithBroker(zerolog.New(&buf).Level(zerolog.InfoLevel), "alice", "fyers")

	LogBrokerCall(logger, "fyers", "positions", 20*time.Millisecond, nil)
	if buf.Len() != 0 {
		t.Errorf("successful call logged at info: %s", buf.String())
	}

	LogBrokerCall(logger, "fyers", "positions", 20*time.Millisecond, errors.New("timeout"))
	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if line["level"] != "warn" || line["user"] != "alice" || line["op"] != "positions" || line["error"] != "timeout" {
		t.Errorf("line = %v", line)
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "gateway.log")
	logger := NewLoggerWithConfig(LogConfig{Level: "info", File: true, FilePath: path, MaxSize: 1})
	compLogger := Component(logger, "test")
	compLogger.Info().Msg("written")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte(`"component":"test"`)) {
		t.Errorf("log file = %s", data)
	}
}
