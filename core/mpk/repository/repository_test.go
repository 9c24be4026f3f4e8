package repository

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/cordum/mpk/core/mpk/mpkerr"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	base := t.TempDir()
	repo, err := New(filepath.Join(base, "mpk_temp"), filepath.Join(base, "mpk_installed"))
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}
	return repo
}

func stageWith(t *testing.T, repo *Repository, files map[string]string) string {
	t.Helper()
	dir, err := repo.Stage()
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return dir
}

func TestNewRejectsSameRoots(t *testing.T) {
	dir := t.TempDir()
	if _, err := New(dir, dir); err == nil {
		t.Fatalf("expected error for identical roots")
	}
	if _, err := New("", dir); err == nil {
		t.Fatalf("expected error for empty root")
	}
}

func TestStageAndRelease(t *testing.T) {
	repo := newTestRepo(t)
	a, err := repo.Stage()
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	b, err := repo.Stage()
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if a == b {
		t.Fatalf("expected unique staging dirs")
	}
	if filepath.Dir(a) != repo.StagingRoot() {
		t.Fatalf("staging dir outside root: %s", a)
	}
	if err := repo.ReleaseStaging(a); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(a); !os.IsNotExist(err) {
		t.Fatalf("expected staging dir removed")
	}
	if err := repo.ReleaseStaging(a); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
	if err := repo.ReleaseStaging(repo.InstallRoot()); err == nil {
		t.Fatalf("expected refusal outside staging root")
	}
}

func TestPlaceInstalledFreshAndReplace(t *testing.T) {
	repo := newTestRepo(t)
	first := stageWith(t, repo, map[string]string{"manifest.json": "v1", "code/old.js": "old"})
	dir, err := repo.PlaceInstalled("com.test.app", first)
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if dir != repo.InstalledDir("com.test.app") || !repo.IsInstalled("com.test.app") {
		t.Fatalf("unexpected install dir %s", dir)
	}
	if _, err := os.Stat(first); !os.IsNotExist(err) {
		t.Fatalf("staging dir should be consumed")
	}

	second := stageWith(t, repo, map[string]string{"manifest.json": "v2", "code/new.js": "new"})
	if _, err := repo.PlaceInstalled("com.test.app", second); err != nil {
		t.Fatalf("replace: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil || string(data) != "v2" {
		t.Fatalf("expected replaced manifest, got %q %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "code", "old.js")); !os.IsNotExist(err) {
		t.Fatalf("old files must not survive a replace")
	}
	entries, err := os.ReadDir(repo.InstallRoot())
	if err != nil {
		t.Fatalf("read install root: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the install dir, got %d entries", len(entries))
	}
}

func TestPlaceInstalledRestoresOnFailure(t *testing.T) {
	repo := newTestRepo(t)
	first := stageWith(t, repo, map[string]string{"manifest.json": "v1"})
	if _, err := repo.PlaceInstalled("com.test.app", first); err != nil {
		t.Fatalf("place: %v", err)
	}
	// A staging dir that vanished makes the swap fail after the old install
	// was moved aside.
	missing := filepath.Join(repo.StagingRoot(), "gone")
	if _, err := repo.PlaceInstalled("com.test.app", missing); !errors.Is(err, mpkerr.ErrIO) {
		t.Fatalf("expected io error, got %v", err)
	}
	data, err := os.ReadFile(filepath.Join(repo.InstalledDir("com.test.app"), "manifest.json"))
	if err != nil || string(data) != "v1" {
		t.Fatalf("expected previous install restored, got %q %v", data, err)
	}
}

func TestPlaceInstalledRejectsBadInput(t *testing.T) {
	repo := newTestRepo(t)
	dir := stageWith(t, repo, nil)
	if _, err := repo.PlaceInstalled("../evil", dir); !errors.Is(err, mpkerr.ErrManifestValidation) {
		t.Fatalf("expected invalid id error, got %v", err)
	}
	if _, err := repo.PlaceInstalled("com.test.app", t.TempDir()); err == nil {
		t.Fatalf("expected refusal for dir outside staging root")
	}
}

func TestRemoveInstalled(t *testing.T) {
	repo := newTestRepo(t)
	existed, err := repo.RemoveInstalled("com.none.none")
	if err != nil || existed {
		t.Fatalf("expected absent package, existed=%v err=%v", existed, err)
	}
	dir := stageWith(t, repo, map[string]string{"a.txt": "a"})
	if _, err := repo.PlaceInstalled("com.test.app", dir); err != nil {
		t.Fatalf("place: %v", err)
	}
	existed, err = repo.RemoveInstalled("com.test.app")
	if err != nil || !existed {
		t.Fatalf("expected removal, existed=%v err=%v", existed, err)
	}
	if repo.IsInstalled("com.test.app") {
		t.Fatalf("expected package removed")
	}
	entries, _ := os.ReadDir(repo.InstallRoot())
	if len(entries) != 0 {
		t.Fatalf("expected empty install root")
	}
}

func TestListInstalledAndSizeOf(t *testing.T) {
	repo := newTestRepo(t)
	for _, id := range []string{"com.b.app", "com.a.app"} {
		dir := stageWith(t, repo, map[string]string{"a.txt": "12345", "d/b.txt": "123"})
		if _, err := repo.PlaceInstalled(id, dir); err != nil {
			t.Fatalf("place: %v", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(repo.InstallRoot(), ".com.c.app.tmp-x"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	ids, err := repo.ListInstalled()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"com.a.app", "com.b.app"}) {
		t.Fatalf("unexpected ids: %v", ids)
	}
	size, err := SizeOf(repo.InstalledDir("com.a.app"))
	if err != nil || size != 8 {
		t.Fatalf("expected size 8, got %d %v", size, err)
	}
}

func TestSweep(t *testing.T) {
	repo := newTestRepo(t)
	leftover := stageWith(t, repo, map[string]string{"x": "x"})
	aside := filepath.Join(repo.InstallRoot(), ".com.test.app.old-123")
	if err := os.MkdirAll(aside, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(aside, "manifest.json"), []byte("v1"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	doomed := filepath.Join(repo.InstallRoot(), ".com.gone.app.del-456")
	if err := os.MkdirAll(doomed, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := repo.Sweep(); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Fatalf("expected staging leftovers removed")
	}
	if !repo.IsInstalled("com.test.app") {
		t.Fatalf("expected interrupted replace restored")
	}
	if _, err := os.Stat(doomed); !os.IsNotExist(err) {
		t.Fatalf("expected interrupted uninstall finished")
	}
	if repo.IsInstalled("com.gone.app") {
		t.Fatalf("uninstalled package must not come back")
	}
}

func TestCopyDir(t *testing.T) {
	repo := newTestRepo(t)
	src := stageWith(t, repo, map[string]string{"a/b.txt": "b"})
	dst := filepath.Join(t.TempDir(), "copy")
	if err := CopyDir(src, dst); err != nil {
		t.Fatalf("copy: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dst, "a", "b.txt"))
	if err != nil || string(data) != "b" {
		t.Fatalf("unexpected copy result %q %v", data, err)
	}
}
