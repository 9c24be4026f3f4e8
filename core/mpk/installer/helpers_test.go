package installer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/cordum/mpk/core/infra/bus"
	"github.com/cordum/mpk/core/infra/registry"
	"github.com/cordum/mpk/core/mpk/repository"
)

type fixture struct {
	svc      *Service
	repo     *repository.Repository
	registry *registry.FileStore
	events   *eventLog
	clock    *fakeClock
	dir      string
}

func newFixture(t *testing.T, opts Options, extra ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := repository.New(filepath.Join(dir, "staging"), filepath.Join(dir, "packages"))
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	reg, err := registry.NewFileStore(filepath.Join(dir, "registry.json"))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	events := &eventLog{}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	options := append([]Option{WithRegistry(reg), WithPublisher(events), WithClock(clock.Now)}, extra...)
	svc, err := New(repo, opts, options...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return &fixture{svc: svc, repo: repo, registry: reg, events: events, clock: clock, dir: dir}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []bus.Event
}

func (l *eventLog) PublishEvent(_ context.Context, ev bus.Event) error {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) types(opID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.events {
		if ev.OperationID == opID {
			out = append(out, ev.Type+":"+ev.State)
		}
	}
	return out
}

type zipEntry struct {
	name string
	body string
}

// writeZip builds an archive entry by entry, so tests can craft contents the
// archive package would refuse to produce.
func writeZip(t *testing.T, path string, entries ...zipEntry) string {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatalf("zip entry %s: %v", e.name, err)
		}
		if _, err := w.Write([]byte(e.body)); err != nil {
			t.Fatalf("zip write %s: %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("file close: %v", err)
	}
	return path
}

const testManifest = `{"id":"com.test.app","name":"Test App","version":"1.0.0","code_type":"javascript","entry_point":"main.js"}`

func manifestJSON(version string) string {
	return `{"id":"com.test.app","name":"Test App","version":"` + version + `","code_type":"javascript","entry_point":"main.js"}`
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read %s: %v", p, err)
	}
	return string(data)
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir %s: %v", dir, err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected %s to be empty, found %d entries", dir, len(entries))
	}
}
