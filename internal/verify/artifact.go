package verify

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image/png"
	"os"
	"path/filepath"

	"github.com/kuitang/themecheck/internal/errs"
)

// Artifact is one screenshot written by a run.
type Artifact struct {
	Ordinal int    `json:"ordinal"`
	Label   string `json:"label"`
	Path    string `json:"path"`
	Bytes   int    `json:"bytes"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	SHA256  string `json:"sha256"`
}

// Name returns the artifact's base file name.
func (a Artifact) Name() string {
	return filepath.Base(a.Path)
}

// writeArtifact persists a PNG screenshot, replacing any previous file at path.
func writeArtifact(path string, ordinal int, label string, data []byte) (Artifact, error) {
	if len(data) == 0 {
		return Artifact{}, errs.New(errs.Internal, fmt.Sprintf("screenshot %s is empty", filepath.Base(path)))
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Artifact{}, errs.Wrap(errs.Internal, "screenshot is not a PNG", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Artifact{}, errs.Wrap(errs.Internal, "create output dir", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return Artifact{}, errs.Wrap(errs.Internal, "write "+path, err)
	}
	sum := sha256.Sum256(data)
	return Artifact{
		Ordinal: ordinal,
		Label:   label,
		Path:    path,
		Bytes:   len(data),
		Width:   cfg.Width,
		Height:  cfg.Height,
		SHA256:  hex.EncodeToString(sum[:]),
	}, nil
}
