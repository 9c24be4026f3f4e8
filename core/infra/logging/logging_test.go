package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	origOut := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(origOut)
		log.SetFlags(origFlags)
	})
	return &buf
}

func resetFormat() {
	logFormatOnce = sync.Once{}
	logAsJSON = false
}

func TestInfoTextFormat(t *testing.T) {
	resetFormat()
	t.Setenv(envLogFormat, "")
	buf := captureLog(t)

	Info("installer", "installed", "id", "com.test.app")
	got := strings.TrimSpace(buf.String())
	if got != "[INSTALLER] installed id=com.test.app" {
		t.Fatalf("unexpected log output: %s", got)
	}
}

func TestWarnTextFormat(t *testing.T) {
	resetFormat()
	t.Setenv(envLogFormat, "text")
	buf := captureLog(t)

	Warn("repository", "sweep failed")
	if got := strings.TrimSpace(buf.String()); got != "[REPOSITORY] WARN sweep failed" {
		t.Fatalf("unexpected log output: %s", got)
	}
}

func TestErrorJSONFormat(t *testing.T) {
	resetFormat()
	t.Setenv(envLogFormat, "json")
	buf := captureLog(t)

	Error("gateway", "boom", "code", 500, "error", errors.New("disk full"), "msg", "shadow")
	line := strings.TrimSpace(buf.String())
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("expected json output, got: %s", line)
	}
	if payload["level"] != "ERROR" || payload["component"] != "gateway" || payload["msg"] != "boom" {
		t.Fatalf("unexpected json payload: %#v", payload)
	}
	if payload["error"] != "disk full" || payload["code"] != float64(500) || payload["field_msg"] != "shadow" {
		t.Fatalf("unexpected json fields: %#v", payload)
	}
}

func TestFormatFields(t *testing.T) {
	out := formatFields("a", 1, "b")
	if !strings.Contains(out, "a=1") || !strings.Contains(out, "b=(missing)") {
		t.Fatalf("unexpected fields: %s", out)
	}
	if out := formatFields(); out != "" {
		t.Fatalf("expected empty output")
	}
}

func TestToString(t *testing.T) {
	if got := toString(" value\n"); got != " value\n" {
		t.Fatalf("unexpected string: %s", got)
	}
	if got := toString("multi\nline"); got != "multi\nline" {
		t.Fatalf("strings pass through unchanged: %s", got)
	}
	if got := toString(123); got != "123" {
		t.Fatalf("unexpected non-string conversion: %s", got)
	}
}
