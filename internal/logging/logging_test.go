package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_DefaultLevel(t *testing.T) {
	logger := New("", "text")
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug disabled at default level")
	}
	if !logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info enabled at default level")
	}
}

func TestNew_Levels(t *testing.T) {
	if !New("DEBUG", "text").Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug level to be enabled")
	}
	if New("error", "text").Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
	if New("warn", "json").Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at warn level")
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("escrow held", "escrow_id", "e1", "net", "900.00")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "escrow held" || rec["escrow_id"] != "e1" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "text")
	logger.Info("config loaded",
		"passphrase", "jt7NOE43FZPn",
		"merchant_key", "46f0cd694581a",
		"SERVICE_KEY", "svc-secret",
		"merchant_id", "10000100",
	)

	out := buf.String()
	for _, secret := range []string{"jt7NOE43FZPn", "46f0cd694581a", "svc-secret"} {
		if strings.Contains(out, secret) {
			t.Errorf("secret %q leaked into log: %s", secret, out)
		}
	}
	if !strings.Contains(out, "merchant_id=10000100") {
		t.Errorf("non-secret field missing: %s", out)
	}
	if !strings.Contains(out, Redacted) {
		t.Errorf("expected redaction marker: %s", out)
	}
}

func TestWithRequestID_And_RequestID(t *testing.T) {
	ctx := context.Background()

	if id := RequestID(ctx); id != "" {
		t.Errorf("Expected empty request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-123")
	if id := RequestID(ctx); id != "req-123" {
		t.Errorf("Expected req-123, got %q", id)
	}
}

func TestWithLogger_And_FromContext(t *testing.T) {
	ctx := context.Background()

	if FromContext(ctx) != slog.Default() {
		t.Error("Expected default logger")
	}

	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)
	if FromContext(ctx) != custom {
		t.Error("Expected custom logger from context")
	}
}

func TestL_WithRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithRequestID(context.Background(), "req-456")
	ctx = WithLogger(ctx, NewWithWriter(&buf, "info", "text"))

	L(ctx).Info("hello")
	if !strings.Contains(buf.String(), "request_id=req-456") {
		t.Errorf("expected request id in output: %s", buf.String())
	}
}

func TestL_WithoutRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "text"))

	L(ctx).Info("hello")
	if strings.Contains(buf.String(), "request_id") {
		t.Errorf("unexpected request id in output: %s", buf.String())
	}
}

func TestOrDefault(t *testing.T) {
	var fallbackBuf, ctxBuf bytes.Buffer
	fallback := NewWithWriter(&fallbackBuf, "info", "json")
	attached := NewWithWriter(&ctxBuf, "info", "json")

	OrDefault(context.Background(), fallback).Info("no logger in context")
	if fallbackBuf.Len() == 0 {
		t.Error("Expected fallback logger to be used")
	}

	ctx := WithRequestID(WithLogger(context.Background(), attached), "req-9")
	OrDefault(ctx, fallback).Info("attached")
	if !strings.Contains(ctxBuf.String(), `"request_id":"req-9"`) {
		t.Errorf("Expected request id on attached logger, got %s", ctxBuf.String())
	}
}
