// Package mpkerr defines the error taxonomy shared by the MPK packages.
package mpkerr

import (
	"context"
	"errors"
	"strings"
)

// Kinds. Match with errors.Is.
var (
	ErrInvalidArchive     = errors.New("invalid archive")
	ErrManifestValidation = errors.New("manifest validation failed")
	ErrPathTraversal      = errors.New("path traversal")
	ErrIO                 = errors.New("io failure")
	ErrIntegrity          = errors.New("integrity check failed")
	ErrConflict           = errors.New("operation in progress")
	ErrNotInstalled       = errors.New("package not installed")
	ErrInvalidVersion     = errors.New("invalid version")
)

var codes = map[error]string{
	ErrInvalidArchive:     "invalid_archive",
	ErrManifestValidation: "manifest_validation",
	ErrPathTraversal:      "path_traversal",
	ErrIO:                 "io",
	ErrIntegrity:          "integrity",
	ErrConflict:           "conflict",
	ErrNotInstalled:       "not_installed",
	ErrInvalidVersion:     "invalid_version",
}

// Error carries a kind, the failing operation and the subject it failed on
// (package id, archive path or entry name).
type Error struct {
	Kind    error
	Op      string
	Subject string
	Err     error
}

// New builds an *Error. A nil cause is allowed.
func New(kind error, op, subject string, err error) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// Errorf builds an *Error whose cause is a plain message.
func Errorf(kind error, op, subject, msg string) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: errors.New(msg)}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Subject != "" {
		b.WriteString(" (")
		b.WriteString(e.Subject)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is the kind of e.
func (e *Error) Is(target error) bool {
	return e != nil && e.Kind != nil && target == e.Kind
}

// KindOf returns the taxonomy kind of err, or nil when err is not classified.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for kind := range codes {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Code returns a stable label for err, suitable for metrics and API payloads.
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	if kind := KindOf(err); kind != nil {
		return codes[kind]
	}
	return "internal"
}

// Retryable reports whether repeating the whole operation may succeed.
func Retryable(err error) bool {
	return errors.Is(err, ErrIO) || errors.Is(err, ErrConflict)
}

// IO wraps a filesystem failure.
func IO(op, subject string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return New(ErrIO, op, subject, err)
}
