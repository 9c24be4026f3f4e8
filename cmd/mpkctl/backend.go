package main

import (
	"context"
	"errors"

	"github.com/cordum/mpk/core/infra/registry"
	"github.com/cordum/mpk/core/mpk/host"
	sdk "github.com/cordum/mpk/sdk/client"
)

var errAsyncLocal = errors.New("--async requires --gateway")

// backend is the set of package operations available both locally and
// through mpkd.
type backend interface {
	Install(ctx context.Context, path string, update, async bool) (*installOutcome, error)
	Parse(ctx context.Context, path string) (any, error)
	Uninstall(ctx context.Context, id string) error
	List(ctx context.Context) ([]registry.InstalledPackage, error)
	Info(ctx context.Context, id string) (*registry.InstalledPackage, error)
	Verify(ctx context.Context, id string) (string, error)
	Close(ctx context.Context) error
}

type installOutcome struct {
	OperationID string                     `json:"operation_id,omitempty"`
	Package     *registry.InstalledPackage `json:"package,omitempty"`
	Updated     bool                       `json:"updated"`
}

type localBackend struct {
	host *host.Host
}

func (b *localBackend) Install(ctx context.Context, path string, update, async bool) (*installOutcome, error) {
	if async {
		return nil, errAsyncLocal
	}
	svc := b.host.Service
	if update {
		f := svc.UpdatePackage(ctx, path)
		res, err := f.Wait(ctx)
		if err != nil {
			return nil, err
		}
		return &installOutcome{OperationID: f.OperationID(), Package: res.Package, Updated: res.Updated}, nil
	}
	f := svc.InstallPackage(ctx, path)
	pkg, err := f.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return &installOutcome{OperationID: f.OperationID(), Package: pkg, Updated: true}, nil
}

func (b *localBackend) Parse(ctx context.Context, path string) (any, error) {
	return b.host.Service.Parse(ctx, path)
}

func (b *localBackend) Uninstall(ctx context.Context, id string) error {
	return b.host.Service.Uninstall(ctx, id)
}

func (b *localBackend) List(ctx context.Context) ([]registry.InstalledPackage, error) {
	return b.host.Service.ListInstalled(ctx)
}

func (b *localBackend) Info(ctx context.Context, id string) (*registry.InstalledPackage, error) {
	return b.host.Service.GetInstalled(ctx, id)
}

func (b *localBackend) Verify(ctx context.Context, id string) (string, error) {
	return b.host.Service.Verify(ctx, id)
}

func (b *localBackend) Close(ctx context.Context) error {
	return b.host.Close(ctx)
}

type remoteBackend struct {
	client *sdk.Client
}

func (b *remoteBackend) Install(ctx context.Context, path string, update, async bool) (*installOutcome, error) {
	res, err := b.client.InstallFile(ctx, path, sdk.InstallOptions{Update: update, Async: async})
	if err != nil {
		return nil, err
	}
	out := &installOutcome{OperationID: res.OperationID, Updated: res.Updated}
	if res.Package != nil {
		rec := toRecord(*res.Package)
		out.Package = &rec
	}
	return out, nil
}

func (b *remoteBackend) Parse(ctx context.Context, path string) (any, error) {
	return b.client.ParseFile(ctx, path)
}

func (b *remoteBackend) Uninstall(ctx context.Context, id string) error {
	return b.client.Uninstall(ctx, id)
}

func (b *remoteBackend) List(ctx context.Context) ([]registry.InstalledPackage, error) {
	pkgs, err := b.client.ListPackages(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]registry.InstalledPackage, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, toRecord(p))
	}
	return out, nil
}

func (b *remoteBackend) Info(ctx context.Context, id string) (*registry.InstalledPackage, error) {
	p, err := b.client.GetPackage(ctx, id)
	if err != nil {
		return nil, err
	}
	rec := toRecord(*p)
	return &rec, nil
}

func (b *remoteBackend) Verify(ctx context.Context, id string) (string, error) {
	return b.client.Verify(ctx, id)
}

func (b *remoteBackend) Close(context.Context) error { return nil }

func toRecord(p sdk.Package) registry.InstalledPackage {
	return registry.InstalledPackage{
		ID:          p.ID,
		Name:        p.Name,
		Version:     p.Version,
		VersionCode: p.VersionCode,
		CodeType:    p.CodeType,
		EntryPoint:  p.EntryPoint,
		Permissions: p.Permissions,
		SizeBytes:   p.SizeBytes,
		InstallTime: p.InstallTime,
		UpdateTime:  p.UpdateTime,
		InstallDir:  p.InstallDir,
		Digest:      p.Digest,
	}
}
