package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/c0deZ3R0/facility-sync/errors"
)

func TestLogger(t *testing.T) {
	configs := []Config{
		{Level: "debug", Format: "text", Environment: EnvDevelopment, AddSource: true},
		{Level: "info", Format: "json", Environment: EnvProduction, AddSource: false},
	}

	for _, config := range configs {
		t.Run("Environment_"+config.Environment, func(t *testing.T) {
			var buf bytes.Buffer
			config.Writer = &buf
			logger := NewLogger(config)

			logger.Info("Info message", slog.Int("count", 42))
			testErr := errors.NewCacheError(errors.OpCacheWrite, "task:1", fmt.Errorf("disk full"))
			logger.Error("Operation failed", "error", SyncErrorValuer{SyncError: testErr})

			out := buf.String()
			if !strings.Contains(out, "Info message") || !strings.Contains(out, "CACHE_FAILURE") {
				t.Fatalf("missing records in output: %s", out)
			}
		})
	}
}

func TestWithEntity(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "info", Format: "json", Writer: &buf})
	logger.WithComponent(Component("store")).WithEntity("task", "7").Info("committed")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["entity_type"] != "task" || rec["entity_id"] != "7" || rec["component"] != "store" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestSyncErrorValuer(t *testing.T) {
	syncErr := &errors.SyncError{
		Op:        errors.OpSend,
		Component: "channel",
		Code:      errors.ErrCodeConnectionFailure,
		Err:       fmt.Errorf("underlying error"),
		Retryable: true,
		Metadata:  map[string]interface{}{"attempt": 3},
	}

	logValue := SyncErrorValuer{SyncError: syncErr}.LogValue()
	if logValue.Kind() != slog.KindGroup {
		t.Errorf("Expected group value, got %v", logValue.Kind())
	}
}

func TestGetConfigFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LOG_FORMAT", "")
	t.Setenv("LOG_ADD_SOURCE", "")

	cfg := GetConfigFromEnv()
	if cfg.Level != "debug" {
		t.Fatalf("Level = %q", cfg.Level)
	}
	if cfg.Format != "json" || cfg.AddSource {
		t.Fatalf("production defaults not applied: %+v", cfg)
	}
}
