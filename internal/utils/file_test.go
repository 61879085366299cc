package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestListFilesWithExt(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.yaml"), 1)
	touch(t, filepath.Join(dir, "b.YML"), 1)
	touch(t, filepath.Join(dir, "c.json"), 1)
	touch(t, filepath.Join(dir, "nested", "d.yaml"), 1)

	files, err := ListFilesWithExt(dir, "yaml", "yml")
	if err != nil {
		t.Fatalf("ListFilesWithExt failed: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("Expected 2 top-level manifests, got %v", files)
	}

	files, err = ListFilesWithExt(filepath.Join(dir, "missing"), "yaml")
	if err != nil || files != nil {
		t.Errorf("Expected no files and no error for a missing dir, got %v %v", files, err)
	}
}

func TestListImageFiles(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "one.jpg"), 1)
	touch(t, filepath.Join(dir, "sub", "two.webp"), 1)
	touch(t, filepath.Join(dir, "notes.txt"), 1)

	files, err := ListImageFiles(dir)
	if err != nil {
		t.Fatalf("ListImageFiles failed: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("Expected 2 images, got %v", files)
	}
	if !DirExists(dir) || DirExists(files[0]) {
		t.Error("DirExists misreported")
	}
}

func TestFileSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.gguf")
	touch(t, path, 2048)

	size, err := FileSize(path)
	if err != nil || size != 2048 {
		t.Errorf("Expected 2048, got %d %v", size, err)
	}
	if _, err := FileSize(dir); err == nil {
		t.Error("Expected a directory to be rejected")
	}
}

func TestOverlayFilename(t *testing.T) {
	got := OverlayFilename("/photos/cat.jpeg", "out", "")
	if got != filepath.Join("out", "cat_overlay.png") {
		t.Errorf("Unexpected overlay path %s", got)
	}
}

func TestFormatFileSize(t *testing.T) {
	tests := map[int64]string{
		512:           "512 B",
		2048:          "2.0 KB",
		4_700_000_000: "4.4 GB",
	}
	for in, want := range tests {
		if got := FormatFileSize(in); got != want {
			t.Errorf("FormatFileSize(%d) = %s, want %s", in, got, want)
		}
	}
}
