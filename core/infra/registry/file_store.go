package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const fileVersion = 1

type fileDocument struct {
	Version  int                         `json:"version"`
	Packages map[string]InstalledPackage `json:"packages"`
}

// FileStore keeps the registry in a single JSON document. Every mutation
// rewrites the document through a temp file and rename.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore opens (or lazily creates) the registry document at path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("registry path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	s := &FileStore{path: path}
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the document location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Put(ctx context.Context, pkg InstalledPackage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := normalizeID(pkg.ID)
	if err != nil {
		return err
	}
	pkg.ID = id
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.Packages[id] = pkg
	return s.save(doc)
}

func (s *FileStore) Get(ctx context.Context, id string) (InstalledPackage, error) {
	if err := ctx.Err(); err != nil {
		return InstalledPackage{}, err
	}
	id, err := normalizeID(id)
	if err != nil {
		return InstalledPackage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return InstalledPackage{}, err
	}
	pkg, ok := doc.Packages[id]
	if !ok {
		return InstalledPackage{}, ErrNotFound
	}
	return pkg, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := normalizeID(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := doc.Packages[id]; !ok {
		return nil
	}
	delete(doc.Packages, id)
	return s.save(doc)
}

func (s *FileStore) List(ctx context.Context) ([]InstalledPackage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]InstalledPackage, 0, len(doc.Packages))
	for _, pkg := range doc.Packages {
		out = append(out, pkg)
	}
	sortByID(out)
	return out, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) load() (fileDocument, error) {
	doc := fileDocument{Version: fileVersion, Packages: map[string]InstalledPackage{}}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("read registry: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("decode registry %s: %w", s.path, err)
	}
	if doc.Packages == nil {
		doc.Packages = map[string]InstalledPackage{}
	}
	return doc, nil
}

func (s *FileStore) save(doc fileDocument) error {
	doc.Version = fileVersion
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	return writeFileAtomic(s.path, append(data, '\n'), 0o640)
}

func writeFileAtomic(path string, content []byte, mode os.FileMode) error {
	parent := filepath.Dir(path)
	tmp, err := os.CreateTemp(parent, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	cleanup = false
	return nil
}
