package security

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newCapturingAuditor(enabled bool) (*Auditor, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewAuditor(logger, enabled), &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestAuditor_HashesUserID(t *testing.T) {
	a, buf := newCapturingAuditor(true)

	a.LogTokenRefreshed(context.Background(), "user-secret-id", 2)

	if strings.Contains(buf.String(), "user-secret-id") {
		t.Error("raw user id written to audit log")
	}
	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1", len(lines))
	}
	if lines[0]["event_type"] != EventTokenRefreshed {
		t.Errorf("event_type = %v, want %s", lines[0]["event_type"], EventTokenRefreshed)
	}
	if hash, _ := lines[0]["user_id_hash"].(string); len(hash) != 16 {
		t.Errorf("user_id_hash = %q, want 16 hex chars", hash)
	}
}

func TestAuditor_SeverityLevels(t *testing.T) {
	a, buf := newCapturingAuditor(true)
	ctx := WithRequestID(context.Background(), "req-1")

	a.LogUserMismatch(ctx, "session-user", "state-user", "203.0.113.9")
	a.LogRateLimitExceeded(ctx, "203.0.113.9", "", 30*time.Second)

	lines := decodeLines(t, buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	if lines[0]["level"] != "WARN" || lines[0]["severity"] != string(SeverityCritical) {
		t.Errorf("user mismatch logged at %v/%v, want WARN/critical", lines[0]["level"], lines[0]["severity"])
	}
	if lines[0]["request_id"] != "req-1" {
		t.Errorf("request_id = %v, want req-1", lines[0]["request_id"])
	}
	if strings.Contains(buf.String(), "state-user\"") {
		t.Error("state user id logged unhashed")
	}

	if lines[1]["level"] != "INFO" || lines[1]["severity"] != string(SeverityMedium) {
		t.Errorf("rate limit logged at %v/%v, want INFO/medium", lines[1]["level"], lines[1]["severity"])
	}
}

func TestAuditor_Disabled(t *testing.T) {
	a, buf := newCapturingAuditor(false)
	a.LogInvalidState(context.Background(), "u", "ip", "signature")
	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote %q", buf.String())
	}

	var nilAuditor *Auditor
	nilAuditor.LogTokenRevoked(context.Background(), "u", true)
}
