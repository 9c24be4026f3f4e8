package mpkerr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
)

func TestErrorMatchesKind(t *testing.T) {
	err := New(ErrNotInstalled, "uninstall", "com.none.none", nil)
	if !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("expected not installed kind")
	}
	if errors.Is(err, ErrConflict) {
		t.Fatalf("unexpected conflict kind")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if !errors.Is(wrapped, ErrNotInstalled) {
		t.Fatalf("expected kind through wrapping")
	}
	var typed *Error
	if !errors.As(wrapped, &typed) || typed.Subject != "com.none.none" {
		t.Fatalf("expected typed error, got %#v", typed)
	}
}

func TestErrorMessage(t *testing.T) {
	err := Errorf(ErrPathTraversal, "extract", "../../evil.txt", "entry escapes target")
	msg := err.Error()
	for _, part := range []string{"extract", "path traversal", "../../evil.txt", "entry escapes target"} {
		if !strings.Contains(msg, part) {
			t.Fatalf("expected %q in %q", part, msg)
		}
	}
}

func TestUnwrapCause(t *testing.T) {
	err := New(ErrIO, "stage", "/tmp/x", fs.ErrPermission)
	if !errors.Is(err, fs.ErrPermission) {
		t.Fatalf("expected cause to unwrap")
	}
}

func TestCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{New(ErrInvalidArchive, "open", "a.mpk", nil), "invalid_archive"},
		{New(ErrManifestValidation, "parse", "", nil), "manifest_validation"},
		{New(ErrIntegrity, "verify", "", nil), "integrity"},
		{fmt.Errorf("x: %w", context.Canceled), "canceled"},
		{errors.New("boom"), "internal"},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.want {
			t.Fatalf("Code(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(New(ErrIO, "", "", nil)) || !Retryable(New(ErrConflict, "", "", nil)) {
		t.Fatalf("expected io and conflict to be retryable")
	}
	if Retryable(New(ErrIntegrity, "", "", nil)) {
		t.Fatalf("integrity must not be retryable")
	}
}

func TestIOKeepsClassifiedErrors(t *testing.T) {
	if IO("op", "x", nil) != nil {
		t.Fatalf("expected nil passthrough")
	}
	inner := New(ErrPathTraversal, "extract", "x", nil)
	if got := IO("op", "x", inner); got != inner {
		t.Fatalf("expected classified error untouched")
	}
	if got := IO("op", "x", context.Canceled); got != context.Canceled {
		t.Fatalf("expected context error untouched")
	}
	if !errors.Is(IO("op", "x", fs.ErrNotExist), ErrIO) {
		t.Fatalf("expected io classification")
	}
}
