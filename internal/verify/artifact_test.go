package verify

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/kuitang/themecheck/internal/errs"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestWriteArtifact_CreatesDirAndOverwrites(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "dir", ArtifactName(1, "dark"))

	first, err := writeArtifact(path, 1, "dark", encodePNG(t, 10, 20))
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	if first.Width != 10 || first.Height != 20 || first.Name() != "01_dark_mode.png" {
		t.Fatalf("unexpected artifact %+v", first)
	}

	second, err := writeArtifact(path, 1, "dark", encodePNG(t, 30, 40))
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(data) != second.Bytes {
		t.Fatalf("file should hold the second screenshot: size=%d want=%d", len(data), second.Bytes)
	}
	if first.SHA256 == second.SHA256 {
		t.Fatal("digests should differ for different images")
	}
}

func TestWriteArtifact_RejectsEmptyAndNonPNG(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	for name, data := range map[string][]byte{
		"empty":   nil,
		"not-png": []byte("<html></html>"),
	} {
		path := filepath.Join(dir, name+".png")
		if _, err := writeArtifact(path, 1, "dark", data); errs.CodeOf(err) != errs.Internal {
			t.Fatalf("%s: expected internal error, got %v", name, err)
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("%s: nothing should be written, stat err=%v", name, err)
		}
	}
}
