package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/cordum/mpk/core/infra/bus"
	"github.com/cordum/mpk/core/infra/locks"
	"github.com/cordum/mpk/core/infra/logging"
	"github.com/cordum/mpk/core/infra/registry"
	"github.com/cordum/mpk/core/mpk/archive"
	"github.com/cordum/mpk/core/mpk/manifest"
	"github.com/cordum/mpk/core/mpk/mpkerr"
	"github.com/cordum/mpk/core/mpk/repository"
	"github.com/cordum/mpk/core/mpk/signer"
)

// PackageInfo is what ParsePackage reports about an archive. Files lists
// the package content and leaves out manifest.json and signature.sig.
type PackageInfo struct {
	Manifest  *manifest.Manifest `json:"manifest"`
	Files     []string           `json:"files"`
	Signature string             `json:"signature,omitempty"`
	Digest    string             `json:"digest"`
	Verified  bool               `json:"verified"`
}

// CreatePackage builds an archive at outputFile from sourceDir and m and
// returns outputFile.
func (s *Service) CreatePackage(ctx context.Context, sourceDir string, m *manifest.Manifest, outputFile string) *Future[string] {
	pkgID := ""
	if m != nil {
		pkgID = m.ID
	}
	return submit(s, ctx, KindCreate, pkgID, func(ctx context.Context, r *run) (string, error) {
		r.to(StateRunning)
		if err := m.Validate(); err != nil {
			return "", err
		}
		info, err := os.Stat(sourceDir)
		if err != nil || !info.IsDir() {
			return "", mpkerr.Errorf(mpkerr.ErrIO, "create", sourceDir, "source is not a directory")
		}
		staging, err := s.repo.Stage()
		if err != nil {
			return "", err
		}
		defer s.releaseStaging(staging)

		if err := repository.CopyDir(sourceDir, staging); err != nil {
			return "", err
		}
		if err := entryOnDisk(staging, m); err != nil {
			return "", err
		}
		data, err := m.Marshal()
		if err != nil {
			return "", mpkerr.New(mpkerr.ErrManifestValidation, "create", m.ID, err)
		}
		if err := os.WriteFile(filepath.Join(staging, manifest.FileName), data, 0o644); err != nil {
			return "", mpkerr.IO("write manifest", m.ID, err)
		}
		digest, err := signer.Sign(staging)
		if err != nil {
			return "", err
		}
		if err := archive.CreateFile(ctx, outputFile, staging); err != nil {
			return "", err
		}
		s.ops.transition(r.id, StateSucceeded, nil)
		logging.Info("installer", "package created", "package", m.ID, "output", outputFile, "digest", digest)
		return outputFile, nil
	})
}

// ParsePackage extracts the archive into staging, validates its manifest
// and lists its files without installing anything.
func (s *Service) ParsePackage(ctx context.Context, archivePath string) *Future[*PackageInfo] {
	return submit(s, ctx, KindParse, "", func(ctx context.Context, r *run) (*PackageInfo, error) {
		r.to(StateRunning)
		staging, err := s.repo.Stage()
		if err != nil {
			return nil, err
		}
		defer s.releaseStaging(staging)

		if _, err := archive.Extract(ctx, archivePath, staging, s.opts.Limits); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(staging, manifest.FileName))
		if errors.Is(err, os.ErrNotExist) {
			return nil, mpkerr.Errorf(mpkerr.ErrInvalidArchive, "read manifest", archivePath, "archive has no manifest.json")
		}
		if err != nil {
			return nil, mpkerr.IO("read manifest", archivePath, err)
		}
		m, err := manifest.Parse(data)
		if err != nil {
			return nil, err
		}
		r.setPackage(m.ID)
		all, err := archive.ListFiles(staging)
		if err != nil {
			return nil, err
		}
		info := &PackageInfo{Manifest: m, Files: contentFiles(all)}
		if info.Signature, _, err = signer.ReadSignature(staging); err != nil {
			return nil, err
		}
		if info.Digest, err = signer.ComputeDigest(staging); err != nil {
			return nil, err
		}
		info.Verified = info.Signature != "" && signer.Equal(info.Signature, info.Digest)
		s.ops.transition(r.id, StateSucceeded, nil)
		return info, nil
	})
}

func contentFiles(all []string) []string {
	out := make([]string, 0, len(all))
	for _, f := range all {
		if f == manifest.FileName || f == signer.FileName {
			continue
		}
		out = append(out, f)
	}
	return out
}

// UninstallPackage removes an installed package. A package that is not
// installed fails with mpkerr.ErrNotInstalled.
func (s *Service) UninstallPackage(ctx context.Context, id string) *Future[struct{}] {
	return submit(s, ctx, KindUninstall, id, func(ctx context.Context, r *run) (struct{}, error) {
		r.to(StateRunning)
		release, err := s.lock(ctx, id, r.id, locks.ModeExclusive)
		if err != nil {
			return struct{}{}, err
		}
		defer release()

		removed, err := s.repo.RemoveInstalled(id)
		if err != nil {
			return struct{}{}, err
		}
		if !removed {
			return struct{}{}, mpkerr.Errorf(mpkerr.ErrNotInstalled, "uninstall", id, "no install directory")
		}
		if s.registry != nil {
			if err := s.registry.Delete(context.WithoutCancel(ctx), id); err != nil {
				logging.Error("installer", "registry delete failed", "package", id, "error", err)
			}
		}
		if op, ok := s.ops.transition(r.id, StateSucceeded, nil); ok {
			s.publish(op, bus.EventUninstalled, "")
		}
		s.refreshInstalledGauge()
		logging.Info("installer", "package uninstalled", "package", id)
		return struct{}{}, nil
	})
}

// VerifyPackage recomputes the digest of an installed package and checks it
// against its signature.sig.
func (s *Service) VerifyPackage(ctx context.Context, id string) *Future[string] {
	return submit(s, ctx, KindVerify, id, func(ctx context.Context, r *run) (string, error) {
		r.to(StateRunning)
		release, err := s.lock(ctx, id, r.id, locks.ModeShared)
		if err != nil {
			return "", err
		}
		defer release()
		if !s.repo.IsInstalled(id) {
			return "", mpkerr.Errorf(mpkerr.ErrNotInstalled, "verify", id, "no install directory")
		}
		digest, err := signer.Verify(s.repo.InstalledDir(id))
		if err != nil {
			return "", err
		}
		s.ops.transition(r.id, StateSucceeded, nil)
		return digest, nil
	})
}

// Create is the blocking form of CreatePackage.
func (s *Service) Create(ctx context.Context, sourceDir string, m *manifest.Manifest, outputFile string) (string, error) {
	return s.CreatePackage(ctx, sourceDir, m, outputFile).Wait(ctx)
}

// Parse is the blocking form of ParsePackage.
func (s *Service) Parse(ctx context.Context, archivePath string) (*PackageInfo, error) {
	return s.ParsePackage(ctx, archivePath).Wait(ctx)
}

// Uninstall is the blocking form of UninstallPackage.
func (s *Service) Uninstall(ctx context.Context, id string) error {
	_, err := s.UninstallPackage(ctx, id).Wait(ctx)
	return err
}

// Verify is the blocking form of VerifyPackage.
func (s *Service) Verify(ctx context.Context, id string) (string, error) {
	return s.VerifyPackage(ctx, id).Wait(ctx)
}

// ListInstalled describes every installed package, sorted by id. Registry
// records are used when they match the install directory; otherwise the
// manifest on disk is read.
func (s *Service) ListInstalled(ctx context.Context) ([]registry.InstalledPackage, error) {
	ids, err := s.repo.ListInstalled()
	if err != nil {
		return nil, err
	}
	out := make([]registry.InstalledPackage, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pkg, err := s.describe(ctx, id)
		if err != nil {
			logging.Warn("installer", "skipping unreadable package", "package", id, "error", err)
			continue
		}
		out = append(out, *pkg)
	}
	s.metrics.SetInstalledPackages(len(ids))
	return out, nil
}

// GetInstalled describes one installed package.
func (s *Service) GetInstalled(ctx context.Context, id string) (*registry.InstalledPackage, error) {
	if !s.repo.IsInstalled(id) {
		return nil, mpkerr.Errorf(mpkerr.ErrNotInstalled, "get", id, "no install directory")
	}
	return s.describe(ctx, id)
}

func (s *Service) describe(ctx context.Context, id string) (*registry.InstalledPackage, error) {
	dir := s.repo.InstalledDir(id)
	if s.registry != nil {
		pkg, err := s.registry.Get(ctx, id)
		switch {
		case err == nil && pkg.InstallDir == dir:
			return &pkg, nil
		case err != nil && !errors.Is(err, registry.ErrNotFound):
			logging.Warn("installer", "registry get failed", "package", id, "error", err)
		}
	}
	data, err := os.ReadFile(filepath.Join(dir, manifest.FileName))
	if err != nil {
		return nil, mpkerr.IO("read manifest", id, err)
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return nil, err
	}
	if m.ID != id {
		return nil, mpkerr.Errorf(mpkerr.ErrManifestValidation, "describe", id, fmt.Sprintf("manifest id %q does not match directory", m.ID))
	}
	size, err := repository.SizeOf(dir)
	if err != nil {
		return nil, err
	}
	digest, _, err := signer.ReadSignature(dir)
	if err != nil {
		return nil, err
	}
	pkg := recordFor(m, dir, digest, size)
	if info, err := os.Stat(dir); err == nil {
		pkg.InstallTime = info.ModTime().UTC()
		pkg.UpdateTime = pkg.InstallTime
	}
	pkg.Permissions = slices.Clone(m.Permissions)
	return pkg, nil
}
