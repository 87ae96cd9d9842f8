package selectify

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// checksumPrefix identifies the algorithm in the canonical checksum form.
const checksumPrefix = "blake3:"

// Hash represents a BLAKE3 256-bit digest.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Checksum returns the canonical "blake3:hex" form stored alongside photos.
func (h Hash) Checksum() string {
	return checksumPrefix + h.String()
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// ParseChecksum parses a checksum in "blake3:hex" form. The algorithm prefix
// is case-insensitive; a bare hex digest is accepted as BLAKE3.
func ParseChecksum(s string) (Hash, error) {
	if s == "" {
		return Hash{}, fmt.Errorf("empty checksum")
	}
	if alg, hexStr, ok := strings.Cut(s, ":"); ok {
		if !strings.EqualFold(alg+":", checksumPrefix) {
			return Hash{}, fmt.Errorf("unsupported checksum algorithm %q", alg)
		}
		s = hexStr
	}
	h, err := ParseHash(strings.ToLower(s))
	if err != nil {
		return Hash{}, fmt.Errorf("invalid checksum %q: %w", s, err)
	}
	return h, nil
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashReader computes the BLAKE3 hash of content from the reader.
// It returns the hash and the number of bytes read.
func HashReader(r io.Reader) (Hash, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Hash{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var hash Hash
	h.Sum(hash[:0])
	return hash, n, nil
}
