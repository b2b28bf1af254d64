package s3client

import (
	"context"
	"errors"
	"testing"

	"github.com/kuitang/themecheck/internal/errs"
)

func TestClient_PutGetList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := TestClient(t, "artifacts")

	for _, key := range []string{"runs/b/02_light_mode.png", "runs/b/01_dark_mode.png", "other/x"} {
		if err := c.PutObject(ctx, key, []byte("data:"+key), "image/png"); err != nil {
			t.Fatalf("PutObject(%s): %v", key, err)
		}
	}

	got, err := c.GetObject(ctx, "runs/b/01_dark_mode.png")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if string(got) != "data:runs/b/01_dark_mode.png" {
		t.Fatalf("content mismatch: %q", got)
	}

	keys, err := c.ListKeys(ctx, "runs/b/")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "runs/b/01_dark_mode.png" || keys[1] != "runs/b/02_light_mode.png" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestClient_PutOverwrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := TestClient(t, "artifacts")

	if err := c.PutObject(ctx, "k", []byte("first"), "text/plain"); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if err := c.PutObject(ctx, "k", []byte("second"), "text/plain"); err != nil {
		t.Fatalf("second put: %v", err)
	}
	got, err := c.GetObject(ctx, "k")
	if err != nil || string(got) != "second" {
		t.Fatalf("expected overwritten content, got %q err=%v", got, err)
	}
}

func TestClient_GetMissing(t *testing.T) {
	t.Parallel()
	c := TestClient(t, "artifacts")

	_, err := c.GetObject(context.Background(), "missing.png")
	if !errors.Is(err, ErrObjectNotFound) || errs.CodeOf(err) != errs.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClient_ObjectURL(t *testing.T) {
	t.Parallel()
	withPublic := NewFromS3Client(nil, "bucket", "https://cdn.example.com/bucket/")
	if got := withPublic.ObjectURL("/runs/a/01_dark_mode.png"); got != "https://cdn.example.com/bucket/runs/a/01_dark_mode.png" {
		t.Fatalf("public URL mismatch: %s", got)
	}
	bare := NewFromS3Client(nil, "bucket", "")
	if got := bare.ObjectURL("runs/a/report.html"); got != "s3://bucket/runs/a/report.html" {
		t.Fatalf("s3 URL mismatch: %s", got)
	}
	if bare.BucketName() != "bucket" {
		t.Fatalf("bucket mismatch: %s", bare.BucketName())
	}
}
