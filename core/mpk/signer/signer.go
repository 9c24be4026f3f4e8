// Package signer computes and checks the SHA-256 content digest stored in
// signature.sig.
package signer

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/cordum/mpk/core/mpk/archive"
	"github.com/cordum/mpk/core/mpk/mpkerr"
)

// FileName is the signature location at the package root.
const FileName = "signature.sig"

// ErrMissingSignature is returned by Verify when no signature.sig exists.
// It matches mpkerr.ErrIntegrity.
var ErrMissingSignature = mpkerr.Errorf(mpkerr.ErrIntegrity, "verify", FileName, "signature file missing")

// ComputeDigest hashes every file under root except those whose slash
// separated path relative to root is in exclude (the root signature.sig
// when exclude is empty). Nested files named signature.sig are hashed like
// any other file. Files are visited in sorted relative path order; each
// contributes its slash separated path followed by its content to a single
// SHA-256.
func ComputeDigest(root string, exclude ...string) (string, error) {
	if len(exclude) == 0 {
		exclude = []string{FileName}
	}
	var files []string
	for rel, err := range archive.ScanFiles(root) {
		if err != nil {
			return "", err
		}
		if slices.Contains(exclude, rel) {
			continue
		}
		files = append(files, rel)
	}
	sort.Strings(files)

	h := sha256.New()
	for _, rel := range files {
		_, _ = io.WriteString(h, rel)
		if err := hashFile(h, filepath.Join(root, filepath.FromSlash(rel))); err != nil {
			return "", mpkerr.IO("compute digest", rel, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(w io.Writer, p string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// Sign computes the digest of root and writes it to root/signature.sig.
func Sign(root string) (string, error) {
	digest, err := ComputeDigest(root)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(root, FileName), []byte(digest), 0o644); err != nil {
		return "", mpkerr.IO("write signature", root, err)
	}
	return digest, nil
}

// ReadSignature returns the stored digest and whether the file exists.
func ReadSignature(root string) (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(root, FileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, mpkerr.IO("read signature", root, err)
	}
	return strings.ToLower(strings.TrimSpace(string(data))), true, nil
}

// Verify recomputes the digest of root and compares it with signature.sig.
// It returns the digest on success.
func Verify(root string) (string, error) {
	stored, ok, err := ReadSignature(root)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrMissingSignature
	}
	actual, err := ComputeDigest(root)
	if err != nil {
		return "", err
	}
	if !Equal(stored, actual) {
		return "", mpkerr.Errorf(mpkerr.ErrIntegrity, "verify", root, "digest mismatch")
	}
	return actual, nil
}

// Equal compares two hex digests in constant time.
func Equal(a, b string) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
