package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cordum/mpk/core/infra/bus"
	"github.com/cordum/mpk/core/infra/locks"
	"github.com/cordum/mpk/core/infra/logging"
	"github.com/cordum/mpk/core/infra/registry"
	"github.com/cordum/mpk/core/mpk/archive"
	"github.com/cordum/mpk/core/mpk/manifest"
	"github.com/cordum/mpk/core/mpk/mpkerr"
	"github.com/cordum/mpk/core/mpk/repository"
	"github.com/cordum/mpk/core/mpk/signer"
	"github.com/cordum/mpk/core/mpk/version"
)

// UpdateResult reports the outcome of UpdatePackage. Updated is false when
// the installed version was already current; Package then describes the
// existing install.
type UpdateResult struct {
	Package *registry.InstalledPackage `json:"package"`
	Updated bool                       `json:"updated"`
}

// InstallPackage installs (or reinstalls) the archive at archivePath.
func (s *Service) InstallPackage(ctx context.Context, archivePath string) *Future[*registry.InstalledPackage] {
	return submit(s, ctx, KindInstall, "", func(ctx context.Context, r *run) (*registry.InstalledPackage, error) {
		res, err := s.install(ctx, r, archivePath, false)
		if err != nil {
			return nil, err
		}
		return res.Package, nil
	})
}

// UpdatePackage installs the archive only when its version is newer than
// the installed one. A package that is not installed yet is installed.
func (s *Service) UpdatePackage(ctx context.Context, archivePath string) *Future[UpdateResult] {
	return submit(s, ctx, KindUpdate, "", func(ctx context.Context, r *run) (UpdateResult, error) {
		return s.install(ctx, r, archivePath, true)
	})
}

// Install is the blocking form of InstallPackage.
func (s *Service) Install(ctx context.Context, archivePath string) (*registry.InstalledPackage, error) {
	return s.InstallPackage(ctx, archivePath).Wait(ctx)
}

// Update is the blocking form of UpdatePackage.
func (s *Service) Update(ctx context.Context, archivePath string) (UpdateResult, error) {
	return s.UpdatePackage(ctx, archivePath).Wait(ctx)
}

func (s *Service) install(ctx context.Context, r *run, archivePath string, onlyIfNewer bool) (UpdateResult, error) {
	r.to(StateParsing)
	reader, err := archive.Open(archivePath, s.opts.Limits)
	if err != nil {
		return UpdateResult{}, err
	}
	defer reader.Close()
	m, err := readManifest(reader)
	if err != nil {
		return UpdateResult{}, err
	}
	r.setPackage(m.ID)

	r.to(StateValidating)
	if err := reader.Check(); err != nil {
		return UpdateResult{}, err
	}
	if err := s.validate(m, reader.Has); err != nil {
		return UpdateResult{}, err
	}
	release, err := s.lock(ctx, m.ID, r.id, locks.ModeExclusive)
	if err != nil {
		return UpdateResult{}, err
	}
	defer release()

	previous, hadPrevious := s.previous(ctx, m.ID)
	if onlyIfNewer && hadPrevious && previous.Version == "" {
		// The installed manifest is unreadable; any valid candidate replaces it.
		if _, err := version.Parse(m.Version); err != nil {
			return UpdateResult{}, err
		}
		logging.Warn("installer", "replacing install with unknown version", "package", m.ID, "candidate", m.Version)
	} else if onlyIfNewer && hadPrevious {
		newer, err := version.IsNewer(m.Version, previous.Version)
		if err != nil {
			return UpdateResult{}, err
		}
		if !newer {
			r.to(StateSkipped)
			logging.Info("installer", "update skipped", "package", m.ID, "installed", previous.Version, "candidate", m.Version)
			return UpdateResult{Package: previous, Updated: false}, nil
		}
	}

	r.to(StateExtracting)
	staging, err := s.repo.Stage()
	if err != nil {
		return UpdateResult{}, err
	}
	defer s.releaseStaging(staging)

	if _, err := reader.Extract(ctx, staging); err != nil {
		return UpdateResult{}, err
	}
	if err := entryOnDisk(staging, m); err != nil {
		return UpdateResult{}, err
	}
	digest, err := s.checkSignature(staging)
	if err != nil {
		return UpdateResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return UpdateResult{}, err
	}
	extracted, err := repository.SizeOf(staging)
	if err != nil {
		return UpdateResult{}, err
	}
	installDir, err := s.repo.PlaceInstalled(m.ID, staging)
	if err != nil {
		return UpdateResult{}, err
	}
	s.metrics.AddExtractedBytes(extracted)

	now := s.now()
	pkg := recordFor(m, installDir, digest, extracted)
	pkg.InstallTime = now
	pkg.UpdateTime = now
	if hadPrevious && !previous.InstallTime.IsZero() {
		pkg.InstallTime = previous.InstallTime
	}
	s.register(ctx, pkg)

	if op, ok := s.ops.transition(r.id, StateRegistered, nil); ok {
		s.publish(op, bus.EventStateChanged, m.Version)
		eventType := bus.EventInstalled
		if hadPrevious {
			eventType = bus.EventUpdated
		}
		s.publish(op, eventType, m.Version)
	}
	s.refreshInstalledGauge()
	logging.Info("installer", "package installed", "package", m.ID, "version", m.Version, "dir", installDir, "bytes", pkg.SizeBytes)
	return UpdateResult{Package: pkg, Updated: true}, nil
}

func readManifest(reader *archive.Reader) (*manifest.Manifest, error) {
	if !reader.Has(manifest.FileName) {
		return nil, mpkerr.Errorf(mpkerr.ErrInvalidArchive, "read manifest", manifest.FileName, "archive has no manifest.json")
	}
	data, err := reader.ReadFile(manifest.FileName)
	if err != nil {
		return nil, err
	}
	return manifest.Parse(data)
}

// validate runs the checks that need the archive file list and the host
// configuration.
func (s *Service) validate(m *manifest.Manifest, has func(string) bool) error {
	if !has(m.EntryPath()) {
		return mpkerr.Errorf(mpkerr.ErrManifestValidation, "validate", m.ID,
			fmt.Sprintf("entry_point %q not found in archive", m.EntryPoint))
	}
	if m.Icon != "" && !has(m.Icon) {
		logging.Warn("installer", "icon missing from archive", "package", m.ID, "icon", m.Icon)
	}
	if err := manifest.CheckPermissions(m, s.opts.AllowedPermissions); err != nil {
		return err
	}
	return s.checkPlatform(m)
}

func (s *Service) checkPlatform(m *manifest.Manifest) error {
	if m.Platform != "" && s.opts.Platform != "" && !strings.EqualFold(m.Platform, s.opts.Platform) {
		return mpkerr.Errorf(mpkerr.ErrManifestValidation, "validate", m.ID,
			fmt.Sprintf("package targets platform %q, host is %q", m.Platform, s.opts.Platform))
	}
	if m.MinPlatformVersion == "" || s.opts.PlatformVersion == "" {
		return nil
	}
	cmp, err := version.Compare(s.opts.PlatformVersion, m.MinPlatformVersion)
	if err != nil {
		return err
	}
	if cmp < 0 {
		return mpkerr.Errorf(mpkerr.ErrManifestValidation, "validate", m.ID,
			fmt.Sprintf("requires platform version %s, host is %s", m.MinPlatformVersion, s.opts.PlatformVersion))
	}
	return nil
}

func entryOnDisk(root string, m *manifest.Manifest) error {
	info, err := os.Stat(filepath.Join(root, filepath.FromSlash(m.EntryPath())))
	if err == nil && info.Mode().IsRegular() {
		return nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return mpkerr.IO("stat entry point", m.EntryPoint, err)
	}
	return mpkerr.Errorf(mpkerr.ErrManifestValidation, "validate", m.ID,
		fmt.Sprintf("entry_point %q is not a regular file", m.EntryPoint))
}

// checkSignature verifies signature.sig when present and returns the
// digest of the tree either way.
func (s *Service) checkSignature(root string) (string, error) {
	_, present, err := signer.ReadSignature(root)
	if err != nil {
		return "", err
	}
	if present || s.opts.RequireSignature {
		return signer.Verify(root)
	}
	return signer.ComputeDigest(root)
}

// previous returns what is currently installed under id, if anything.
func (s *Service) previous(ctx context.Context, id string) (*registry.InstalledPackage, bool) {
	if !s.repo.IsInstalled(id) {
		return nil, false
	}
	pkg, err := s.describe(ctx, id)
	if err != nil {
		logging.Warn("installer", "unreadable existing install", "package", id, "error", err)
		return &registry.InstalledPackage{ID: id}, true
	}
	return pkg, true
}

func (s *Service) register(ctx context.Context, pkg *registry.InstalledPackage) {
	if s.registry == nil {
		return
	}
	// The install directory is authoritative; a stale registry entry is
	// repaired by the next list or install.
	if err := s.registry.Put(context.WithoutCancel(ctx), *pkg); err != nil {
		logging.Error("installer", "registry put failed", "package", pkg.ID, "error", err)
	}
}

func recordFor(m *manifest.Manifest, dir, digest string, size int64) *registry.InstalledPackage {
	return &registry.InstalledPackage{
		ID:          m.ID,
		Name:        m.Name,
		Version:     m.Version,
		VersionCode: int64(m.VersionCode),
		CodeType:    string(m.CodeType),
		EntryPoint:  m.EntryPoint,
		Permissions: m.Permissions,
		SizeBytes:   size,
		InstallDir:  dir,
		Digest:      digest,
	}
}
