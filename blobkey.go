// Package selectify holds the value types shared by the gallery service:
// blob storage keys, content checksums and the error taxonomy.
package selectify

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
)

// PhotoKeyPrefix is the top-level prefix for every photo blob.
const PhotoKeyPrefix = "photos"

// defaultFileName replaces original names that sanitize to nothing.
const defaultFileName = "photo"

// BlobKey identifies a photo blob. The token makes the key globally unique;
// the name keeps the uploader's original file name readable in the store.
type BlobKey struct {
	Token string
	Name  string
}

// NewBlobKey creates a key with a fresh random token for the given original
// file name.
func NewBlobKey(originalName string) BlobKey {
	return BlobKey{Token: uuid.NewString(), Name: SanitizeFileName(originalName)}
}

// String returns the backend storage key.
// Format: photos/{token}/{name}
//
// The name is a base name, so "/" can never appear in it and the delimiter
// cannot collide with characters in file names.
func (k BlobKey) String() string {
	return PhotoKeyPrefix + "/" + k.Token + "/" + k.Name
}

// EscapedPath returns the storage key with each segment path-escaped, for
// building retrieval addresses.
func (k BlobKey) EscapedPath() string {
	return PhotoKeyPrefix + "/" + url.PathEscape(k.Token) + "/" + url.PathEscape(k.Name)
}

// ParseBlobKey parses a backend storage key produced by BlobKey.String.
func ParseBlobKey(key string) (BlobKey, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != PhotoKeyPrefix {
		return BlobKey{}, fmt.Errorf("invalid blob key format: %s", key)
	}
	if parts[1] == "" || parts[2] == "" {
		return BlobKey{}, fmt.Errorf("invalid blob key format: %s", key)
	}
	return BlobKey{Token: parts[1], Name: parts[2]}, nil
}

// KeyFromAddress derives the storage key from a retrieval address returned by
// a blob backend. Any scheme, host or path prefix in front of the photo key
// is ignored.
func KeyFromAddress(address string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("parsing blob address: %w", err)
	}

	p := u.Path
	idx := strings.LastIndex("/"+p, "/"+PhotoKeyPrefix+"/")
	if idx < 0 {
		return "", fmt.Errorf("no photo key in blob address: %s", address)
	}
	key := p[idx:]

	if _, err := ParseBlobKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// SanitizeFileName reduces an uploaded file name to a base name that is safe
// to use as the last segment of a storage key.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return defaultFileName
	}
	return name
}
