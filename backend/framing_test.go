package backend

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	storedAt := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	header := newBlobHeader(WriteOptions{
		ContentType: "image/jpeg",
		Size:        13,
		Public:      true,
		Metadata:    map[string]string{"checksum": "blake3:deadbeef"},
	}, storedAt)

	var buf bytes.Buffer
	n, err := writeFrame(&buf, header, strings.NewReader("hello, world!"))
	require.NoError(t, err)
	require.Equal(t, int64(13), n)

	got, offset, err := readFrame(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, header, got)
	require.Equal(t, "blake3:deadbeef", got.Checksum)
	require.Equal(t, int64(buf.Len()-13), offset)
	require.Equal(t, "hello, world!", string(buf.Bytes()[offset:]))
}

func TestNewBlobHeaderCopiesMetadata(t *testing.T) {
	meta := map[string]string{"checksum": "blake3:01"}
	h := newBlobHeader(WriteOptions{Metadata: meta}, time.Now())
	meta["checksum"] = "changed"
	require.Equal(t, "blake3:01", h.Metadata["checksum"])
	require.Equal(t, "blake3:01", h.Checksum)
	require.Zero(t, h.Size)
	require.False(t, h.Public)
}

func TestReadFrameUnframed(t *testing.T) {
	for _, body := range []string{"", "abc", "raw jpeg bytes", "SLB"} {
		h, offset, err := readFrame(strings.NewReader(body))
		require.NoError(t, err, body)
		require.Nil(t, h, body)
		require.Zero(t, offset, body)
	}
}

func TestReadFrameRejectsBadHeaders(t *testing.T) {
	frame := func(length uint64, hdr string) []byte {
		b := append([]byte{}, frameMagic...)
		b = binary.AppendUvarint(b, length)
		return append(b, hdr...)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{name: "missing length", data: frameMagic},
		{name: "oversized header", data: frame(maxHeaderSize+1, "{}")},
		{name: "truncated header", data: frame(10, "{}")},
		{name: "invalid json", data: frame(3, "{x}")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := readFrame(bytes.NewReader(tt.data))
			require.ErrorIs(t, err, ErrInvalidFrame)
		})
	}
}

func TestEncodeFrameRejectsLargeHeader(t *testing.T) {
	h := &BlobHeader{Metadata: map[string]string{"note": strings.Repeat("x", maxHeaderSize)}}
	_, err := encodeFrame(h)
	require.ErrorIs(t, err, ErrInvalidFrame)

	_, err = writeFrame(io.Discard, h, strings.NewReader("body"))
	require.ErrorIs(t, err, ErrInvalidFrame)
}
