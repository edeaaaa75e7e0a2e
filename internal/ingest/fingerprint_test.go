package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, body []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestFingerprintFile(t *testing.T) {
	dir := t.TempDir()
	body := []byte("quarterly policy rider\n")
	path := filepath.Join(dir, "doc.pdf")
	writeFile(t, path, body)

	got, err := FingerprintFile(path)
	if err != nil {
		t.Fatalf("FingerprintFile: %v", err)
	}
	sum := sha256.Sum256(body)
	if want := hex.EncodeToString(sum[:]); got != want {
		t.Errorf("fingerprint = %s, want %s", got, want)
	}

	copyPath := filepath.Join(dir, "copy.pdf")
	writeFile(t, copyPath, body)
	copyFP, err := FingerprintFile(copyPath)
	if err != nil {
		t.Fatalf("FingerprintFile(copy): %v", err)
	}
	if copyFP != got {
		t.Errorf("identical content fingerprints differ: %s vs %s", copyFP, got)
	}

	otherPath := filepath.Join(dir, "other.pdf")
	writeFile(t, otherPath, []byte("a different document"))
	otherFP, err := FingerprintFile(otherPath)
	if err != nil {
		t.Fatalf("FingerprintFile(other): %v", err)
	}
	if otherFP == got {
		t.Error("distinct content produced equal fingerprints")
	}
}

func TestFingerprintFileMissing(t *testing.T) {
	_, err := FingerprintFile(filepath.Join(t.TempDir(), "gone.pdf"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v, want fs.ErrNotExist", err)
	}
}

func TestEventForPath(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "policy", "pdf", "a.pdf")
	writeFile(t, path, []byte("contents"))

	ev, err := EventForPath(root, path)
	if err != nil {
		t.Fatalf("EventForPath: %v", err)
	}
	if ev.SourceKey != "policy/pdf/a.pdf" {
		t.Errorf("SourceKey = %q, want policy/pdf/a.pdf", ev.SourceKey)
	}
	if len(ev.Fingerprint) != 64 {
		t.Errorf("Fingerprint = %q, want 64 hex chars", ev.Fingerprint)
	}
	if ev.ArrivedAt.IsZero() {
		t.Error("ArrivedAt is zero")
	}
}

func TestEventForPathMissingFile(t *testing.T) {
	root := t.TempDir()
	_, err := EventForPath(root, filepath.Join(root, "policy", "pdf", "gone.pdf"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v, want fs.ErrNotExist", err)
	}
}
