package provision

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureDirSetsSetgidBit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ws1")
	if err := ensureDir(dir, os.Getuid(), os.Getgid()); err != nil {
		t.Fatalf("ensureDir: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode()&os.ModeSetgid == 0 {
		t.Fatalf("expected setgid bit set, got mode %v", info.Mode())
	}
}

func TestWriteMetadataIfAbsentIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workspace.json")
	meta := workspaceMetadata{WorkspaceID: "ws1", UID: 2000, GID: 2000}

	if err := writeMetadataIfAbsent(path, meta, os.Getuid(), os.Getgid()); err != nil {
		t.Fatalf("writeMetadataIfAbsent: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	meta.UID = 9999 // a second call must not overwrite
	if err := writeMetadataIfAbsent(path, meta, os.Getuid(), os.Getgid()); err != nil {
		t.Fatalf("writeMetadataIfAbsent (second): %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile (second): %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("expected metadata file to be left untouched on reconverge")
	}
}

func TestEnsureSecretGeneratesOnceThenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workspace.secret")

	secret1, generated1, err := ensureSecret(path, os.Getuid(), "")
	if err != nil {
		t.Fatalf("ensureSecret: %v", err)
	}
	if !generated1 || secret1 == "" {
		t.Fatalf("expected a freshly generated secret on first call")
	}

	secret2, generated2, err := ensureSecret(path, os.Getuid(), "")
	if err != nil {
		t.Fatalf("ensureSecret (second): %v", err)
	}
	if generated2 {
		t.Fatal("expected second call to report generated=false")
	}
	if secret1 != secret2 {
		t.Fatal("expected the same secret to persist across calls")
	}
}
