// Package objectstore is the durable storage target for generated videos.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrNotOwned   = errors.New("objectstore: locator is not owned by this store")
	ErrInvalidKey = errors.New("objectstore: invalid object key")
)

// FS stores objects under a local directory and hands out locators below
// PublicURL. The API server exposes Root at that URL.
type FS struct {
	root      string
	publicURL string
}

// NewFS creates root if needed.
func NewFS(root, publicURL string) (*FS, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("objectstore: root directory is required")
	}
	publicURL = strings.TrimRight(strings.TrimSpace(publicURL), "/")
	if publicURL == "" {
		return nil, fmt.Errorf("objectstore: public url is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create root: %w", err)
	}
	return &FS{root: root, publicURL: publicURL}, nil
}

func (s *FS) Root() string {
	return s.root
}

// URL returns the public locator for key.
func (s *FS) URL(key string) string {
	return s.publicURL + "/" + key
}

// Owns reports whether locator points into this store.
func (s *FS) Owns(locator string) bool {
	return strings.HasPrefix(strings.TrimSpace(locator), s.publicURL+"/")
}

// Put writes r to key and returns the object's locator. The object becomes
// visible only once fully written.
func (s *FS) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	target, err := s.path(key)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("objectstore: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*.tmp")
	if err != nil {
		return "", fmt.Errorf("objectstore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(err error) (string, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", err
	}

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		return fail(fmt.Errorf("objectstore: write %s: %w", key, err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("objectstore: sync %s: %w", key, err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("objectstore: close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("objectstore: rename %s: %w", key, err)
	}
	return s.URL(key), nil
}

// Remove deletes the object behind locator. Missing objects are not an error.
func (s *FS) Remove(_ context.Context, locator string) error {
	if !s.Owns(locator) {
		return ErrNotOwned
	}
	target, err := s.path(strings.TrimPrefix(strings.TrimSpace(locator), s.publicURL+"/"))
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("objectstore: remove: %w", err)
	}
	return nil
}

func (s *FS) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key || key == ".." || strings.HasPrefix(key, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
