package workspace

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, root, relPath string, content []byte) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func newTestCapturer(t *testing.T, root string) *Capturer {
	t.Helper()
	capturer, err := NewCapturer(CapturerConfig{Root: root})
	if err != nil {
		t.Fatalf("unexpected capturer error: %v", err)
	}
	return capturer
}

func TestCaptureReadsTextFilesWithRelativeSlashPaths(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", []byte("package main\n"))
	writeFile(t, root, "docs/readme.md", []byte("# readme\n"))

	files, err := newTestCapturer(t, root).Capture()
	if err != nil {
		t.Fatalf("unexpected capture error: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d: %#v", len(files), files)
	}
	if files["main.go"] != "package main\n" {
		t.Fatalf("unexpected content for main.go: %q", files["main.go"])
	}
	if files["docs/readme.md"] != "# readme\n" {
		t.Fatalf("expected forward-slash nested path, got %#v", files)
	}
}

func TestCaptureSkipsBinaryFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "text.txt", []byte("hello\n"))
	writeFile(t, root, "blob.bin", []byte{0x00, 0x01, 0x02, 0xff})

	files, err := newTestCapturer(t, root).Capture()
	if err != nil {
		t.Fatalf("unexpected capture error: %v", err)
	}
	if _, ok := files["blob.bin"]; ok {
		t.Fatalf("expected binary file to be skipped, got %#v", files)
	}
	if _, ok := files["text.txt"]; !ok {
		t.Fatalf("expected text file to be captured")
	}
}

func TestCaptureSkipsIgnoredDirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "kept.txt", []byte("kept\n"))
	writeFile(t, root, ".git/config", []byte("[core]\n"))
	writeFile(t, root, "node_modules/pkg/index.js", []byte("module.exports = {}\n"))

	files, err := newTestCapturer(t, root).Capture()
	if err != nil {
		t.Fatalf("unexpected capture error: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected only kept.txt, got %#v", files)
	}
}

func TestCaptureSkipsOversizeFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "small.txt", []byte("ok\n"))
	writeFile(t, root, "large.txt", bytes.Repeat([]byte("a"), 64))

	capturer, err := NewCapturer(CapturerConfig{Root: root, MaxFileBytes: 16})
	if err != nil {
		t.Fatalf("unexpected capturer error: %v", err)
	}
	files, err := capturer.Capture()
	if err != nil {
		t.Fatalf("unexpected capture error: %v", err)
	}
	if _, ok := files["large.txt"]; ok {
		t.Fatalf("expected oversize file to be skipped, got %#v", files)
	}
	if _, ok := files["small.txt"]; !ok {
		t.Fatalf("expected small file to be captured")
	}
}

func TestNewCapturerRejectsMissingRoot(t *testing.T) {
	if _, err := NewCapturer(CapturerConfig{Root: ""}); err == nil {
		t.Fatalf("expected error for empty root")
	}
	if _, err := NewCapturer(CapturerConfig{Root: filepath.Join(t.TempDir(), "absent")}); err == nil {
		t.Fatalf("expected error for nonexistent root")
	}
}
