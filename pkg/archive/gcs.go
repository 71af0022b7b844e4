//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/marektomas-cz/script-executor/pkg/config"
)

// GCS keeps blobs in a Cloud Storage bucket. Compiled only with -tags gcp
// so default builds stay free of the GCP dependency tree.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS authenticates via Application Default Credentials.
func NewGCS(ctx context.Context, cfg config.ArchiveConfig) (*GCS, error) {
	if cfg.GCSBucket == "" {
		return nil, fmt.Errorf("archive: gcs backend requires a bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: create gcs client: %w", err)
	}
	return &GCS{client: client, bucket: cfg.GCSBucket}, nil
}

func (g *GCS) object(digest string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(digest + ".blob")
}

func (g *GCS) Store(ctx context.Context, data []byte) (string, error) {
	addr := Address(data)
	digest, _ := parseAddr(addr)

	obj := g.object(digest)
	if _, err := obj.Attrs(ctx); err == nil {
		return addr, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive: gcs commit: %w", err)
	}
	return addr, nil
}

func (g *GCS) Get(ctx context.Context, addr string) ([]byte, error) {
	digest, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	r, err := g.object(digest).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: gcs open: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (g *GCS) Exists(ctx context.Context, addr string) (bool, error) {
	digest, err := parseAddr(addr)
	if err != nil {
		return false, err
	}
	_, err = g.object(digest).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("archive: gcs stat: %w", err)
	}
	return true, nil
}

func (g *GCS) Delete(ctx context.Context, addr string) error {
	digest, err := parseAddr(addr)
	if err != nil {
		return err
	}
	if err := g.object(digest).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("archive: gcs delete: %w", err)
	}
	return nil
}
