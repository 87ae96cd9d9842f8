// Package backend provides blob storage for photo bytes.
package backend

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
)

var (
	// ErrNotFound is returned when a key does not exist in the backend.
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned for keys that are empty or escape the
	// backend namespace.
	ErrInvalidKey = errors.New("invalid key")
)

// WriteOptions describes how a blob is stored.
type WriteOptions struct {
	// ContentType is declared on the stored object.
	ContentType string

	// Size is the payload length; zero or negative means unknown.
	Size int64

	// Public makes the blob readable by anyone holding its address.
	Public bool

	// Metadata is attached to the object as user metadata where supported.
	Metadata map[string]string
}

// Backend defines the interface for blob stores.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key.
	// If the key already exists, it is overwritten.
	Write(ctx context.Context, key string, r io.Reader, opts WriteOptions) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	// The prefix uses "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)

	// URL returns the durable retrieval address for key.
	URL(key string) string
}

// SizeAwareBackend extends Backend with size information.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}

// escapeKey percent-encodes each segment of key for use in a URL path.
func escapeKey(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// As walks the Unwrap chain of decorated backends and returns the first one
// of type T.
func As[T any](b Backend) (T, bool) {
	for b != nil {
		if t, ok := b.(T); ok {
			return t, true
		}
		u, ok := b.(interface{ Unwrap() Backend })
		if !ok {
			break
		}
		b = u.Unwrap()
	}
	var zero T
	return zero, false
}
