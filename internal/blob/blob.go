// Package blob stores attachment and profile image bytes under slash
// separated keys such as "uploads/12/20260101T101010-ab12cd.png".
package blob

import (
	"context"
	"io"
	"path"
	"strings"

	"mscolab/api/internal/apperr"
)

type Store interface {
	// Put stores size bytes from r under key. Readers never observe a
	// partially written object.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// CleanKey rejects absolute keys and keys that leave the store root.
func CleanKey(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", apperr.Invalid("empty storage key")
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.Contains(key, "\\") {
		return "", apperr.Invalid("invalid storage key %q", key)
	}
	return cleaned, nil
}
