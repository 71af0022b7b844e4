// Package archive is content-addressed blob storage for oversized
// execution outputs. Addresses are "sha256:<hex>"; writing the same bytes
// twice yields the same address and is a no-op.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("archive: blob not found")

// Archive stores and retrieves immutable blobs by content address.
type Archive interface {
	Store(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, addr string) ([]byte, error)
	Exists(ctx context.Context, addr string) (bool, error)
	Delete(ctx context.Context, addr string) error
}

// Address returns the content address of data without storing it.
func Address(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// parseAddr validates an address and returns the bare hex digest.
func parseAddr(addr string) (string, error) {
	raw, ok := strings.CutPrefix(addr, "sha256:")
	if !ok {
		return "", fmt.Errorf("archive: bad address %q", addr)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("archive: bad address %q: %w", addr, err)
	}
	return raw, nil
}

// FS stores blobs as files under one directory. Writes go through a temp
// file plus rename so readers never observe a partial blob.
type FS struct {
	dir string
	mu  sync.RWMutex
}

// NewFS creates the directory if needed.
func NewFS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create dir: %w", err)
	}
	return &FS{dir: dir}, nil
}

func (f *FS) path(digest string) string {
	return filepath.Join(f.dir, digest+".blob")
}

func (f *FS) Store(_ context.Context, data []byte) (string, error) {
	addr := Address(data)
	digest, _ := parseAddr(addr)

	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(digest)
	if _, err := os.Stat(path); err == nil {
		return addr, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("archive: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("archive: commit blob: %w", err)
	}
	return addr, nil
}

func (f *FS) Get(_ context.Context, addr string) ([]byte, error) {
	digest, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	file, err := os.Open(f.path(digest))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: open blob: %w", err)
	}
	defer file.Close()
	return io.ReadAll(file)
}

func (f *FS) Exists(_ context.Context, addr string) (bool, error) {
	digest, err := parseAddr(addr)
	if err != nil {
		return false, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if _, err := os.Stat(f.path(digest)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("archive: stat blob: %w", err)
	}
	return true, nil
}

func (f *FS) Delete(_ context.Context, addr string) error {
	digest, err := parseAddr(addr)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(digest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: delete blob: %w", err)
	}
	return nil
}
