// Package publish uploads a run's screenshots, reports and a JSON manifest to object storage
// under <prefix>/<run_id>/.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/kuitang/themecheck/internal/errs"
	"github.com/kuitang/themecheck/internal/obs"
	"github.com/kuitang/themecheck/internal/verify"
)

// ManifestName is the object name of the run manifest.
const ManifestName = "result.json"

// Store is the object storage the publisher writes to. *s3client.Client implements it.
type Store interface {
	PutObject(ctx context.Context, key string, content []byte, contentType string) error
	ObjectURL(key string) string
}

// Upload is one published object.
type Upload struct {
	Name        string `json:"name"`
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Bytes       int    `json:"bytes"`
}

// Manifest describes everything published for a run. It is itself uploaded as result.json.
type Manifest struct {
	RunID       string         `json:"run_id"`
	Passed      bool           `json:"passed"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	PublishedAt time.Time      `json:"published_at"`
	Result      *verify.Result `json:"result"`
	Uploads     []Upload       `json:"uploads"`
}

// Publisher uploads run outputs.
type Publisher struct {
	store  Store
	prefix string
	now    func() time.Time
}

// New creates a Publisher writing under prefix (e.g. "runs").
func New(store Store, prefix string) *Publisher {
	return &Publisher{store: store, prefix: strings.Trim(prefix, "/"), now: time.Now}
}

// Key returns the object key for name within the run's folder.
func (p *Publisher) Key(runID, name string) string {
	if p.prefix == "" {
		return path.Join(runID, name)
	}
	return path.Join(p.prefix, runID, name)
}

// Publish uploads the run's artifacts, then each extra file (e.g. reports), then the manifest.
// The first failed upload aborts; objects already written stay in place.
func (p *Publisher) Publish(ctx context.Context, res *verify.Result, runErr error, extra ...string) (*Manifest, error) {
	if res == nil || res.RunID == "" {
		return nil, errs.New(errs.InvalidArgument, "publish needs a result with a run ID")
	}
	log := obs.From(ctx).With("pkg", "publish")
	m := &Manifest{
		RunID:       res.RunID,
		Passed:      res.Passed && runErr == nil,
		PublishedAt: p.now().UTC(),
		Result:      res,
	}
	if runErr != nil {
		m.Error = runErr.Error()
		m.ErrorCode = string(errs.CodeOf(runErr))
	}

	files := make([]string, 0, len(res.Artifacts)+len(extra))
	for _, a := range res.Artifacts {
		files = append(files, a.Path)
	}
	files = append(files, extra...)

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return m, errs.Wrap(errs.Internal, "read "+f, err)
		}
		up, err := p.put(ctx, res.RunID, filepath.Base(f), data)
		if err != nil {
			return m, err
		}
		m.Uploads = append(m.Uploads, up)
		log.Info("object_published", "key", up.Key, "bytes", up.Bytes)
	}

	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return m, errs.Wrap(errs.Internal, "encode manifest", err)
	}
	up, err := p.put(ctx, res.RunID, ManifestName, body)
	if err != nil {
		return m, err
	}
	m.Uploads = append(m.Uploads, up)
	log.Info("run_published", "run_id", res.RunID, "objects", len(m.Uploads), "manifest", up.URL)
	return m, nil
}

func (p *Publisher) put(ctx context.Context, runID, name string, data []byte) (Upload, error) {
	key := p.Key(runID, name)
	ct := ContentType(name)
	if err := p.store.PutObject(ctx, key, data, ct); err != nil {
		return Upload{}, fmt.Errorf("publish %s: %w", name, err)
	}
	return Upload{Name: name, Key: key, URL: p.store.ObjectURL(key), ContentType: ct, Bytes: len(data)}, nil
}

// ContentType maps the file extensions a run produces to MIME types.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".html":
		return "text/html; charset=utf-8"
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
