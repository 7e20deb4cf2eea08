package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"mscolab/api/internal/apperr"
)

// FS stores blobs below a root directory.
type FS struct {
	root string
}

func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("blob: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &FS{root: abs}, nil
}

func (f *FS) Root() string {
	return f.root
}

func (f *FS) safePath(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	abs := filepath.Join(f.root, filepath.FromSlash(cleaned))
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) {
		return "", apperr.Invalid("storage key escapes root: %s", key)
	}
	return abs, nil
}

// Put writes to a temp file in the target directory, fsyncs it and renames it
// into place.
func (f *FS) Put(_ context.Context, key string, r io.Reader, size int64, _ string) error {
	abs, err := f.safePath(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("blob: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".mscolab-tmp-*")
	if err != nil {
		return fmt.Errorf("blob: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	n, err := io.Copy(tmp, r)
	if err != nil {
		cleanup()
		return fmt.Errorf("blob: write temp: %w", err)
	}
	if size >= 0 && n != size {
		cleanup()
		return apperr.Invalid("expected %d bytes, got %d", size, n)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("blob: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("blob: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("blob: rename: %w", err)
	}
	return nil
}

func (f *FS) Open(_ context.Context, key string) (io.ReadCloser, error) {
	abs, err := f.safePath(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(abs)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperr.NotFound("file %s not found", key)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: open: %w", err)
	}
	info, err := file.Stat()
	if err != nil || info.IsDir() {
		_ = file.Close()
		return nil, apperr.NotFound("file %s not found", key)
	}
	return file, nil
}

func (f *FS) Delete(_ context.Context, key string) error {
	abs, err := f.safePath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blob: delete: %w", err)
	}
	return nil
}

func (f *FS) DeletePrefix(_ context.Context, prefix string) error {
	abs, err := f.safePath(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("blob: delete prefix: %w", err)
	}
	return nil
}
