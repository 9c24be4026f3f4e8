package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/klauspost/compress/zip"

	"github.com/cordum/mpk/core/infra/config"
	"github.com/cordum/mpk/core/infra/locks"
	"github.com/cordum/mpk/core/infra/registry"
)

func writeArchive(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	zw := zip.NewWriter(f)
	for name, body := range map[string]string{
		"manifest.json": `{"id":"com.test.app","name":"Test App","version":"1.0.0","code_type":"javascript","entry_point":"main.js"}`,
		"main.js":       "console.log('hi')",
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		_, _ = w.Write([]byte(body))
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestOpenLocal(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default(dir)
	// Leftover staging dirs from an interrupted run are swept on open.
	leftover := filepath.Join(cfg.StagingRoot, "stale")
	if err := os.MkdirAll(leftover, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	h, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := h.Locks.(*locks.LocalStore); !ok {
		t.Fatalf("expected local lock store, got %T", h.Locks)
	}
	if _, ok := h.Registry.(*registry.FileStore); !ok {
		t.Fatalf("expected file registry, got %T", h.Registry)
	}
	if h.History != nil {
		t.Fatalf("expected no history store without redis")
	}
	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Fatalf("expected staging leftovers removed, got %v", err)
	}

	archivePath := filepath.Join(dir, "app.mpk")
	writeArchive(t, archivePath)
	ctx := context.Background()
	pkg, err := h.Service.Install(ctx, archivePath)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if pkg.InstallDir != filepath.Join(h.Service.Repository().InstallRoot(), "com.test.app") {
		t.Fatalf("unexpected install dir %s", pkg.InstallDir)
	}
	if err := h.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The registry survives a restart.
	again, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = again.Close(ctx) }()
	rec, err := again.Registry.Get(ctx, "com.test.app")
	if err != nil || rec.Version != "1.0.0" {
		t.Fatalf("expected persisted record, got %#v err=%v", rec, err)
	}
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default(t.TempDir())
	cfg.RedisURL = "redis://" + mr.Addr()

	h, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	defer func() { _ = h.Close(ctx) }()
	if _, ok := h.Locks.(*locks.RedisStore); !ok {
		t.Fatalf("expected redis lock store, got %T", h.Locks)
	}
	if _, ok := h.Registry.(*registry.RedisStore); !ok {
		t.Fatalf("expected redis registry, got %T", h.Registry)
	}
	if h.History == nil {
		t.Fatalf("expected redis history store")
	}
	pkgs, err := h.Service.ListInstalled(ctx)
	if err != nil || len(pkgs) != 0 {
		t.Fatalf("expected empty listing, got %#v err=%v", pkgs, err)
	}
}

func TestOpenErrors(t *testing.T) {
	if _, err := Open(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
	cfg := config.Default(t.TempDir())
	cfg.RedisURL = "not a url://"
	if _, err := Open(cfg); err == nil {
		t.Fatalf("expected error for bad redis url")
	}
}
