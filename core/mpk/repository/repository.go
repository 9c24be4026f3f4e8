// Package repository owns the on-disk layout of staged and installed
// packages.
package repository

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/cordum/mpk/core/infra/logging"
	"github.com/cordum/mpk/core/mpk/mpkerr"
)

const (
	asideMarker  = ".old-"
	tmpMarker    = ".tmp-"
	deleteMarker = ".del-"
)

// Repository manages a staging root and an install root.
type Repository struct {
	stagingRoot string
	installRoot string
}

// New creates both roots when missing.
func New(stagingRoot, installRoot string) (*Repository, error) {
	if strings.TrimSpace(stagingRoot) == "" || strings.TrimSpace(installRoot) == "" {
		return nil, fmt.Errorf("staging and install roots required")
	}
	staging, err := filepath.Abs(stagingRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve staging root: %w", err)
	}
	install, err := filepath.Abs(installRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve install root: %w", err)
	}
	if staging == install {
		return nil, fmt.Errorf("staging and install roots must differ")
	}
	for _, dir := range []string{staging, install} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, mpkerr.IO("init repository", dir, err)
		}
	}
	return &Repository{stagingRoot: staging, installRoot: install}, nil
}

// StagingRoot returns the absolute staging root.
func (r *Repository) StagingRoot() string { return r.stagingRoot }

// InstallRoot returns the absolute install root.
func (r *Repository) InstallRoot() string { return r.installRoot }

// Stage creates a fresh, uniquely named staging directory.
func (r *Repository) Stage() (string, error) {
	dir := filepath.Join(r.stagingRoot, uuid.NewString())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", mpkerr.IO("stage", dir, err)
	}
	return dir, nil
}

// ReleaseStaging deletes a staging directory. Directories that no longer
// exist are ignored; paths outside the staging root are refused.
func (r *Repository) ReleaseStaging(dir string) error {
	if dir == "" {
		return nil
	}
	if !r.isStagingDir(dir) {
		return fmt.Errorf("release staging: %s is not a staging directory", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return mpkerr.IO("release staging", dir, err)
	}
	return nil
}

func (r *Repository) isStagingDir(dir string) bool {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	return filepath.Dir(abs) == r.stagingRoot
}

// InstalledDir returns the install directory for id without checking it.
func (r *Repository) InstalledDir(id string) string {
	return filepath.Join(r.installRoot, id)
}

// IsInstalled reports whether an install directory exists for id.
func (r *Repository) IsInstalled(id string) bool {
	if !validID(id) {
		return false
	}
	info, err := os.Stat(r.InstalledDir(id))
	return err == nil && info.IsDir()
}

// PlaceInstalled moves a fully staged package into the install root under
// id. An existing install is swapped out with renames and only deleted once
// the new content is in place; on failure it is restored. The staging
// directory is consumed.
func (r *Repository) PlaceInstalled(id, stagingDir string) (string, error) {
	if !validID(id) {
		return "", mpkerr.Errorf(mpkerr.ErrManifestValidation, "place installed", id, "invalid package id")
	}
	if !r.isStagingDir(stagingDir) {
		return "", fmt.Errorf("place installed: %s is not a staging directory", stagingDir)
	}
	target := r.InstalledDir(id)
	token := uuid.NewString()

	aside := ""
	if _, err := os.Lstat(target); err == nil {
		aside = filepath.Join(r.installRoot, "."+id+asideMarker+token)
		if err := os.Rename(target, aside); err != nil {
			return "", mpkerr.IO("place installed", id, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", mpkerr.IO("place installed", id, err)
	}

	tmp := filepath.Join(r.installRoot, "."+id+tmpMarker+token)
	if err := moveDir(stagingDir, target, tmp); err != nil {
		if aside != "" {
			if restoreErr := os.Rename(aside, target); restoreErr != nil {
				logging.Error("repository", "restore previous install failed", "id", id, "error", restoreErr)
			}
		}
		return "", mpkerr.IO("place installed", id, err)
	}
	if aside != "" {
		if err := os.RemoveAll(aside); err != nil {
			logging.Error("repository", "remove previous install failed", "id", id, "path", aside, "error", err)
		}
	}
	return target, nil
}

// moveDir renames src to dst. Across filesystems the tree is copied to tmp
// next to dst and renamed from there, so dst never holds a partial copy.
func moveDir(src, dst, tmp string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}
	if err := copyTree(src, tmp); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}
	return os.RemoveAll(src)
}

// RemoveInstalled deletes the install directory for id and reports whether
// one existed.
func (r *Repository) RemoveInstalled(id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	target := r.InstalledDir(id)
	if _, err := os.Lstat(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, mpkerr.IO("remove installed", id, err)
	}
	// Rename first so a partially deleted tree never looks installed.
	doomed := filepath.Join(r.installRoot, "."+id+deleteMarker+uuid.NewString())
	if err := os.Rename(target, doomed); err != nil {
		return false, mpkerr.IO("remove installed", id, err)
	}
	if err := os.RemoveAll(doomed); err != nil {
		return true, mpkerr.IO("remove installed", id, err)
	}
	return true, nil
}

// ListInstalled returns the ids with an install directory, sorted.
func (r *Repository) ListInstalled() ([]string, error) {
	entries, err := os.ReadDir(r.installRoot)
	if err != nil {
		return nil, mpkerr.IO("list installed", r.installRoot, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && validID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Sweep removes staging directories and swap leftovers from interrupted
// operations. Call it before serving requests.
func (r *Repository) Sweep() error {
	var errs []error
	staged, err := os.ReadDir(r.stagingRoot)
	if err != nil {
		return mpkerr.IO("sweep", r.stagingRoot, err)
	}
	for _, e := range staged {
		if err := os.RemoveAll(filepath.Join(r.stagingRoot, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	installed, err := os.ReadDir(r.installRoot)
	if err != nil {
		return mpkerr.IO("sweep", r.installRoot, err)
	}
	for _, e := range installed {
		name := e.Name()
		if !strings.HasPrefix(name, ".") {
			continue
		}
		if i := strings.LastIndex(name, asideMarker); i > 0 {
			id := name[1:i]
			if validID(id) && !r.IsInstalled(id) {
				// Crashed between the two renames of a replace.
				if err := os.Rename(filepath.Join(r.installRoot, name), r.InstalledDir(id)); err == nil {
					logging.Info("repository", "restored interrupted install", "id", id)
					continue
				}
			}
		}
		if strings.Contains(name, asideMarker) || strings.Contains(name, tmpMarker) || strings.Contains(name, deleteMarker) {
			if err := os.RemoveAll(filepath.Join(r.installRoot, name)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return mpkerr.IO("sweep", r.installRoot, errors.Join(errs...))
	}
	return nil
}

// SizeOf returns the total size of regular files under dir.
func SizeOf(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, mpkerr.IO("size", dir, err)
	}
	return total, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			return copyFile(p, target)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// CopyDir copies the regular files and directories of src into dst.
func CopyDir(src, dst string) error {
	if err := copyTree(src, dst); err != nil {
		return mpkerr.IO("copy", src, err)
	}
	return nil
}

func validID(id string) bool {
	if id == "" || strings.HasPrefix(id, ".") || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return false
	}
	return id == filepath.Base(id)
}
