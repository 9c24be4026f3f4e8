package buildinfo

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func stamp(t *testing.T, version, commit, date string) {
	t.Helper()
	prev := [3]string{Version, Commit, Date}
	t.Cleanup(func() { Version, Commit, Date = prev[0], prev[1], prev[2] })
	Version, Commit, Date = version, commit, date
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	out, flags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(out)
		log.SetFlags(flags)
	})
	return &buf
}

func TestInfoUsesStampedValues(t *testing.T) {
	stamp(t, "0.4.0", "f00dcafe", "2026-05-01T10:00:00Z")
	if got, want := Info(), "version=0.4.0 commit=f00dcafe date=2026-05-01T10:00:00Z"; got != want {
		t.Fatalf("Info() = %q, want %q", got, want)
	}
}

func TestLogNamesService(t *testing.T) {
	stamp(t, "0.4.0", "f00dcafe", "2026-05-01")
	for _, service := range []string{"mpkd", "mpkctl"} {
		buf := captureLog(t)
		Log(service)
		got := strings.TrimSpace(buf.String())
		want := "[" + strings.ToUpper(service) + "] starting version=0.4.0 commit=f00dcafe date=2026-05-01"
		if got != want {
			t.Fatalf("Log(%q) wrote %q, want %q", service, got, want)
		}
	}
}

func TestUnstampedDateFallsBack(t *testing.T) {
	stamp(t, "dev", "unknown", "unknown")
	got := resolvedDate()
	if got == "" {
		t.Fatalf("expected a date placeholder or vcs time")
	}
	if !strings.HasSuffix(Info(), "date="+got) {
		t.Fatalf("expected Info to carry resolved date %q, got %q", got, Info())
	}
}
