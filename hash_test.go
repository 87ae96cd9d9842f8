package selectify

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 hash of empty string
	h := HashBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, h.String())
}

func TestHashShortString(t *testing.T) {
	h := HashBytes([]byte("hello"))
	short := h.ShortString()
	require.Len(t, short, 16)
	require.True(t, strings.HasPrefix(h.String(), short))
}

func TestHashIsZero(t *testing.T) {
	var zero Hash
	require.True(t, zero.IsZero())

	h := HashBytes([]byte("photo"))
	require.False(t, h.IsZero())
}

func TestHashMarshalUnmarshal(t *testing.T) {
	original := HashBytes([]byte("jpeg bytes"))

	text, err := original.MarshalText()
	require.NoError(t, err)

	var parsed Hash
	require.NoError(t, parsed.UnmarshalText(text))
	require.Equal(t, original, parsed)
}

func TestParseHashInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "abc123"},
		{"too long", strings.Repeat("a", 128)},
		{"invalid hex", strings.Repeat("zz", 32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHash(tt.input)
			require.Error(t, err)
		})
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	h := HashBytes([]byte("a.jpg contents"))
	sum := h.Checksum()
	require.True(t, strings.HasPrefix(sum, "blake3:"))

	tests := []struct {
		name  string
		input string
	}{
		{"canonical", sum},
		{"uppercase algorithm", "BLAKE3:" + h.String()},
		{"bare hex", h.String()},
		{"uppercase hex", "blake3:" + strings.ToUpper(h.String())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ParseChecksum(tt.input)
			require.NoError(t, err)
			require.Equal(t, h, parsed)
		})
	}
}

func TestParseChecksumInvalid(t *testing.T) {
	_, err := ParseChecksum("")
	require.Error(t, err)

	_, err = ParseChecksum("sha256:" + HashBytes(nil).String())
	require.ErrorContains(t, err, "unsupported checksum algorithm")

	_, err = ParseChecksum("blake3:nothex")
	require.Error(t, err)
}

func TestHashReader(t *testing.T) {
	data := []byte("streamed photo content")

	h, n, err := HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
	require.Equal(t, HashBytes(data), h)
}
