package installer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/cordum/mpk/core/infra/history"
	"github.com/cordum/mpk/core/mpk/mpkerr"
)

func TestHistoryOutlivesTracker(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := history.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("history store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	fx := newFixture(t, Options{}, WithHistory(store))
	ctx := context.Background()
	archivePath := writeZip(t, filepath.Join(fx.dir, "app.mpk"),
		zipEntry{"manifest.json", testManifest},
		zipEntry{"main.js", "x"},
	)
	ok := fx.svc.InstallPackage(ctx, archivePath)
	if _, err := ok.Wait(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	failed := fx.svc.UninstallPackage(ctx, "com.test.missing")
	if _, err := failed.Wait(ctx); !errors.Is(err, mpkerr.ErrNotInstalled) {
		t.Fatalf("expected not installed, got %v", err)
	}

	entry, err := store.Get(ctx, ok.OperationID())
	if err != nil {
		t.Fatalf("history get: %v", err)
	}
	if entry.State != string(StateRegistered) || entry.PackageID != "com.test.app" || entry.Kind != string(KindInstall) {
		t.Fatalf("unexpected history entry %#v", entry)
	}

	// A fresh service sharing the store answers for operations it never ran.
	other := newFixture(t, Options{}, WithHistory(store))
	op, found := other.svc.Operation(failed.OperationID())
	if !found {
		t.Fatalf("expected operation from history")
	}
	if op.State != StateFailed || op.Code != "not_installed" || op.Kind != KindUninstall || op.FinishedAt.IsZero() {
		t.Fatalf("unexpected operation %#v", op)
	}
	if _, found := other.svc.Operation("unknown"); found {
		t.Fatalf("expected unknown operation to be missing")
	}
}

func TestHistoryIgnoredWhenUnset(t *testing.T) {
	fx := newFixture(t, Options{})
	if _, found := fx.svc.Operation("unknown"); found {
		t.Fatalf("expected unknown operation to be missing")
	}
}
