package fsutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestListRaw(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"b.DNG", "a.dng", "notes.txt", "sub/c.tif", ".hidden/d.dng"} {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	files, err := ListRaw(root)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{filepath.Join(root, "a.dng"), filepath.Join(root, "b.DNG"), filepath.Join(root, "sub/c.tif")}
	if len(files) != len(want) {
		t.Fatalf("expected %v, got %v", want, files)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, files)
		}
	}
}

func TestSiblingPath(t *testing.T) {
	if got := SiblingPath("/in/IMG_1.dng", "", "-repaired", ".dng"); got != "/in/IMG_1-repaired.dng" {
		t.Fatalf("unexpected path %s", got)
	}
	if got := SiblingPath("/in/IMG_1.dng", "/out", "", ".tif"); got != "/out/IMG_1.tif" {
		t.Fatalf("unexpected path %s", got)
	}
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.bin")
	if err := WriteAtomic(path, func(w io.Writer) error {
		_, err := w.Write([]byte("payload"))
		return err
	}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "payload" {
		t.Fatalf("unexpected contents %q %v", data, err)
	}

	boom := errors.New("boom")
	if err := WriteAtomic(path, func(w io.Writer) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "payload" {
		t.Fatalf("failed write replaced the file: %q", data)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("expected temp file cleaned up, found %d entries", len(entries))
	}
}

func TestAvailableMemory(t *testing.T) {
	n, err := AvailableMemory()
	if err != nil {
		t.Skipf("no memory information: %v", err)
	}
	if n <= 0 {
		t.Fatalf("expected positive memory, got %d", n)
	}
}
