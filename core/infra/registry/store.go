// Package registry records metadata for installed packages so listings do
// not have to re-read every manifest from disk.
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when no record exists for an id.
var ErrNotFound = errors.New("package not registered")

// InstalledPackage is the registry record for one installed package.
type InstalledPackage struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	VersionCode int64     `json:"version_code,omitempty"`
	CodeType    string    `json:"code_type"`
	EntryPoint  string    `json:"entry_point"`
	Permissions []string  `json:"permissions,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	InstallTime time.Time `json:"install_time"`
	UpdateTime  time.Time `json:"update_time"`
	InstallDir  string    `json:"install_dir"`
	Digest      string    `json:"digest,omitempty"`
}

// Store persists installed package records.
type Store interface {
	Put(ctx context.Context, pkg InstalledPackage) error
	Get(ctx context.Context, id string) (InstalledPackage, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]InstalledPackage, error)
	Close() error
}

func normalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("package id required")
	}
	return id, nil
}

func sortByID(pkgs []InstalledPackage) {
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].ID < pkgs[j].ID })
}
