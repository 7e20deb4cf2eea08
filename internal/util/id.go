package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random 32 character hex identifier, prefixed with
// prefix and an underscore when prefix is set.
func NewID(prefix string) string {
	id := ShortToken(0)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// ShortToken returns n lowercase hex characters taken from a random UUID.
func ShortToken(n int) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n <= 0 || n > len(raw) {
		return raw
	}
	return raw[:n]
}
