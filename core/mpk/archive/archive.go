// Package archive reads and writes MPK zip bundles.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/cordum/mpk/core/mpk/mpkerr"
)

const (
	defaultMaxFiles      = 4096
	defaultMaxFileBytes  = 64 << 20
	defaultMaxTotalBytes = 512 << 20
	maxManifestBytes     = 1 << 20
)

// fixedModTime keeps archives of identical trees byte-identical.
var fixedModTime = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// Limits caps what an archive may expand to.
type Limits struct {
	MaxFiles      int
	MaxFileBytes  int64
	MaxTotalBytes int64
}

// DefaultLimits returns the built-in extraction caps.
func DefaultLimits() Limits {
	return Limits{
		MaxFiles:      defaultMaxFiles,
		MaxFileBytes:  defaultMaxFileBytes,
		MaxTotalBytes: defaultMaxTotalBytes,
	}
}

func (l Limits) normalized() Limits {
	def := DefaultLimits()
	if l.MaxFiles <= 0 {
		l.MaxFiles = def.MaxFiles
	}
	if l.MaxFileBytes <= 0 {
		l.MaxFileBytes = def.MaxFileBytes
	}
	if l.MaxTotalBytes <= 0 {
		l.MaxTotalBytes = def.MaxTotalBytes
	}
	return l
}

// Reader is an open MPK archive.
type Reader struct {
	path   string
	zr     *zip.ReadCloser
	limits Limits
	byName map[string]*zip.File
}

// Open opens the archive at p. Non-zip input fails with ErrInvalidArchive.
func Open(p string, limits Limits) (*Reader, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, mpkerr.New(mpkerr.ErrIO, "open archive", p, err)
		}
		return nil, mpkerr.New(mpkerr.ErrInvalidArchive, "open archive", p, err)
	}
	r := &Reader{path: p, zr: zr, limits: limits.normalized(), byName: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		name := entryName(f.Name)
		if name != "" && !f.FileInfo().IsDir() {
			r.byName[name] = f
		}
	}
	return r, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	if r == nil || r.zr == nil {
		return nil
	}
	return r.zr.Close()
}

// Files lists regular file entries, slash separated and sorted.
func (r *Reader) Files() []string {
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Has reports whether the archive contains a regular file named name.
func (r *Reader) Has(name string) bool {
	_, ok := r.byName[entryName(name)]
	return ok
}

// ReadFile returns the contents of a small entry such as manifest.json.
func (r *Reader) ReadFile(name string) ([]byte, error) {
	f, ok := r.byName[entryName(name)]
	if !ok {
		return nil, mpkerr.Errorf(mpkerr.ErrInvalidArchive, "read entry", name, "entry not found")
	}
	rc, err := f.Open()
	if err != nil {
		return nil, mpkerr.New(mpkerr.ErrInvalidArchive, "read entry", name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxManifestBytes+1))
	if err != nil {
		return nil, mpkerr.New(mpkerr.ErrInvalidArchive, "read entry", name, err)
	}
	if len(data) > maxManifestBytes {
		return nil, mpkerr.Errorf(mpkerr.ErrInvalidArchive, "read entry", name, "entry too large")
	}
	return data, nil
}

// Check validates every entry name and the configured caps without writing
// anything.
func (r *Reader) Check() error {
	var total int64
	count := 0
	for _, f := range r.zr.File {
		if _, err := SafeJoin(".", f.Name); err != nil {
			return err
		}
		mode := f.Mode()
		if mode&fs.ModeSymlink != 0 {
			return mpkerr.Errorf(mpkerr.ErrPathTraversal, "check archive", f.Name, "symlink entries are not allowed")
		}
		if f.FileInfo().IsDir() {
			continue
		}
		if mode.Type() != 0 {
			return mpkerr.Errorf(mpkerr.ErrInvalidArchive, "check archive", f.Name, "unsupported entry type")
		}
		count++
		if count > r.limits.MaxFiles {
			return mpkerr.Errorf(mpkerr.ErrInvalidArchive, "check archive", r.path, "too many entries")
		}
		size := int64(f.UncompressedSize64)
		if size < 0 || size > r.limits.MaxFileBytes {
			return mpkerr.Errorf(mpkerr.ErrInvalidArchive, "check archive", f.Name, "entry too large")
		}
		total += size
		if total > r.limits.MaxTotalBytes {
			return mpkerr.Errorf(mpkerr.ErrInvalidArchive, "check archive", r.path, "archive too large")
		}
	}
	return nil
}

// Extract writes all entries under targetDir and returns the extracted file
// list. The whole archive is checked first, so a traversal entry fails the
// call before any byte is written. ctx is checked between entries.
func (r *Reader) Extract(ctx context.Context, targetDir string) ([]string, error) {
	if err := r.Check(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, mpkerr.IO("extract", targetDir, err)
	}
	var total int64
	files := make([]string, 0, len(r.byName))
	for _, f := range r.zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		target, err := SafeJoin(targetDir, f.Name)
		if err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, mpkerr.IO("extract", f.Name, err)
			}
			continue
		}
		n, err := r.extractFile(f, target, r.limits.MaxTotalBytes-total)
		if err != nil {
			return nil, err
		}
		total += n
		files = append(files, entryName(f.Name))
	}
	sort.Strings(files)
	return files, nil
}

func (r *Reader) extractFile(f *zip.File, target string, remaining int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, mpkerr.IO("extract", f.Name, err)
	}
	rc, err := f.Open()
	if err != nil {
		return 0, mpkerr.New(mpkerr.ErrInvalidArchive, "extract", f.Name, err)
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, mpkerr.IO("extract", f.Name, err)
	}
	limit := min(r.limits.MaxFileBytes, remaining)
	n, copyErr := io.Copy(out, io.LimitReader(rc, limit+1))
	closeErr := out.Close()
	if copyErr != nil {
		if errors.Is(copyErr, zip.ErrChecksum) || errors.Is(copyErr, zip.ErrFormat) || errors.Is(copyErr, io.ErrUnexpectedEOF) {
			return 0, mpkerr.New(mpkerr.ErrInvalidArchive, "extract", f.Name, copyErr)
		}
		return 0, mpkerr.IO("extract", f.Name, copyErr)
	}
	if n > limit {
		return 0, mpkerr.Errorf(mpkerr.ErrInvalidArchive, "extract", f.Name, "entry exceeds size limit")
	}
	if closeErr != nil {
		return 0, mpkerr.IO("extract", f.Name, closeErr)
	}
	return n, nil
}

// Extract opens archivePath and extracts it into targetDir.
func Extract(ctx context.Context, archivePath, targetDir string, limits Limits) ([]string, error) {
	r, err := Open(archivePath, limits)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Extract(ctx, targetDir)
}

// SafeJoin resolves an archive entry name under base, rejecting names that
// are absolute or climb out of base.
func SafeJoin(base, name string) (string, error) {
	raw := strings.ReplaceAll(name, `\`, "/")
	clean := path.Clean(strings.TrimSpace(raw))
	if clean == "." || clean == "" {
		return "", mpkerr.Errorf(mpkerr.ErrInvalidArchive, "resolve entry", name, "empty entry name")
	}
	if strings.HasPrefix(clean, "/") || filepath.IsAbs(raw) || filepath.VolumeName(raw) != "" || (len(clean) >= 2 && clean[1] == ':') {
		return "", mpkerr.Errorf(mpkerr.ErrPathTraversal, "resolve entry", name, "absolute entry path")
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", mpkerr.Errorf(mpkerr.ErrPathTraversal, "resolve entry", name, "entry escapes target directory")
	}
	target := filepath.Join(base, filepath.FromSlash(clean))
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", mpkerr.Errorf(mpkerr.ErrPathTraversal, "resolve entry", name, "entry escapes target directory")
	}
	return target, nil
}

func entryName(name string) string {
	clean := path.Clean(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if clean == "." {
		return ""
	}
	return strings.TrimPrefix(clean, "./")
}

// Create zips every regular file under dir into w. Entries use slash
// separated relative names in sorted order with a fixed timestamp.
func Create(ctx context.Context, w io.Writer, dir string) error {
	files, err := ListFiles(dir)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(w)
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			return err
		}
		if err := addFile(zw, dir, rel); err != nil {
			_ = zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return mpkerr.IO("create archive", dir, err)
	}
	return nil
}

func addFile(zw *zip.Writer, dir, rel string) error {
	src := filepath.Join(dir, filepath.FromSlash(rel))
	info, err := os.Stat(src)
	if err != nil {
		return mpkerr.IO("create archive", rel, err)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return mpkerr.IO("create archive", rel, err)
	}
	hdr.Name = rel
	hdr.Method = zip.Deflate
	hdr.Modified = fixedModTime
	hdr.SetMode(0o644)
	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return mpkerr.IO("create archive", rel, err)
	}
	in, err := os.Open(src)
	if err != nil {
		return mpkerr.IO("create archive", rel, err)
	}
	defer in.Close()
	if _, err := io.Copy(dst, in); err != nil {
		return mpkerr.IO("create archive", rel, err)
	}
	return nil
}

// CreateFile writes the archive of dir to outputPath. The file appears only
// once complete.
func CreateFile(ctx context.Context, outputPath, dir string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return mpkerr.IO("create archive", outputPath, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), "."+filepath.Base(outputPath)+".tmp-*")
	if err != nil {
		return mpkerr.IO("create archive", outputPath, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if err := Create(ctx, tmp, dir); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return mpkerr.IO("create archive", outputPath, err)
	}
	if err := tmp.Close(); err != nil {
		return mpkerr.IO("create archive", outputPath, err)
	}
	if err := os.Rename(tmpName, outputPath); err != nil {
		return mpkerr.IO("create archive", outputPath, fmt.Errorf("rename: %w", err))
	}
	committed = true
	return nil
}
