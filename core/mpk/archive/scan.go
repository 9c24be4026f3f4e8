package archive

import (
	"io/fs"
	"iter"
	"path/filepath"
	"sort"

	"github.com/cordum/mpk/core/mpk/mpkerr"
)

// ScanFiles yields the regular files under root as slash separated paths
// relative to root. The walk runs lazily on each iteration, so the sequence
// can be ranged over more than once. Symlinks are skipped.
func ScanFiles(root string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stopped := false
		err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			if !yield(filepath.ToSlash(rel), nil) {
				stopped = true
				return fs.SkipAll
			}
			return nil
		})
		if err != nil && !stopped {
			yield("", mpkerr.IO("scan files", root, err))
		}
	}
}

// ListFiles collects ScanFiles into a sorted slice.
func ListFiles(root string) ([]string, error) {
	var out []string
	for rel, err := range ScanFiles(root) {
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	sort.Strings(out)
	return out, nil
}
