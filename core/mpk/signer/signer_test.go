package signer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cordum/mpk/core/mpk/mpkerr"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func TestComputeDigestMatchesDefinition(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"manifest.json": "{}",
		"code/main.js":  "x",
		"signature.sig": "ignored",
	})
	got, err := ComputeDigest(root)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	h := sha256.New()
	h.Write([]byte("code/main.js"))
	h.Write([]byte("x"))
	h.Write([]byte("manifest.json"))
	h.Write([]byte("{}"))
	if want := hex.EncodeToString(h.Sum(nil)); got != want {
		t.Fatalf("digest = %s, want %s", got, want)
	}
}

func TestComputeDigestDeterministic(t *testing.T) {
	files := map[string]string{"z.txt": "z", "a/b.txt": "b", "m.txt": "m"}
	first := t.TempDir()
	writeFiles(t, first, files)
	second := t.TempDir()
	// Different creation order.
	for _, name := range []string{"m.txt", "z.txt", "a/b.txt"} {
		writeFiles(t, second, map[string]string{name: files[name]})
	}
	a, err := ComputeDigest(first)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	b, err := ComputeDigest(second)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if a != b {
		t.Fatalf("expected identical digests, got %s and %s", a, b)
	}
}

func TestComputeDigestSensitive(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"code/main.js": "hello", "manifest.json": "{}"})
	before, err := ComputeDigest(root)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	writeFiles(t, root, map[string]string{"code/main.js": "hellp"})
	after, err := ComputeDigest(root)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if before == after {
		t.Fatalf("expected digest to change after byte flip")
	}
	if err := os.Rename(filepath.Join(root, "code", "main.js"), filepath.Join(root, "code", "main2.js")); err != nil {
		t.Fatalf("rename: %v", err)
	}
	renamed, err := ComputeDigest(root)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if renamed == after {
		t.Fatalf("expected digest to cover file paths")
	}
}

func TestSignAndVerify(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"manifest.json": "{}", "code/main.py": "print(1)"})
	digest, err := Sign(root)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	stored, ok, err := ReadSignature(root)
	if err != nil || !ok || stored != digest {
		t.Fatalf("unexpected stored signature %q ok=%v err=%v", stored, ok, err)
	}
	got, err := Verify(root)
	if err != nil || got != digest {
		t.Fatalf("verify: %s %v", got, err)
	}

	writeFiles(t, root, map[string]string{"code/main.py": "print(2)"})
	if _, err := Verify(root); !errors.Is(err, mpkerr.ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestVerifyMissingSignature(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"manifest.json": "{}"})
	_, err := Verify(root)
	if !errors.Is(err, ErrMissingSignature) || !errors.Is(err, mpkerr.ErrIntegrity) {
		t.Fatalf("expected missing signature integrity error, got %v", err)
	}
}

func TestEqual(t *testing.T) {
	if !Equal("abc", "abc") || Equal("abc", "abd") || Equal("abc", "ab") {
		t.Fatalf("unexpected Equal results")
	}
}

func TestNestedSignatureFileIsCovered(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"manifest.json":      "{}",
		"code/main.js":       "x",
		"code/signature.sig": "bundled",
	})
	if _, err := Sign(root); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := Verify(root); err != nil {
		t.Fatalf("verify: %v", err)
	}

	writeFiles(t, root, map[string]string{"code/signature.sig": "MALICIOUS payload"})
	if _, err := Verify(root); !errors.Is(err, mpkerr.ErrIntegrity) {
		t.Fatalf("expected integrity error for tampered nested signature.sig, got %v", err)
	}
}

func TestComputeDigestExcludeIsRootRelative(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"manifest.json": "{}", "a/skip.txt": "1"})
	base, err := ComputeDigest(root, "a/skip.txt")
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	writeFiles(t, root, map[string]string{"a/skip.txt": "2", "b/skip.txt": "3"})
	withNested, err := ComputeDigest(root, "a/skip.txt")
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if base == withNested {
		t.Fatalf("expected b/skip.txt to be hashed")
	}
	if err := os.Remove(filepath.Join(root, "b", "skip.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	again, err := ComputeDigest(root, "a/skip.txt")
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if again != base {
		t.Fatalf("expected excluded a/skip.txt to be ignored, got %s want %s", again, base)
	}
}
