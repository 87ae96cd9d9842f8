package backend

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"time"
)

// A filesystem blob is stored as
//
//	"SLB1" | uvarint header length | header JSON | body
//
// Files that do not start with the magic are read as raw content.

var frameMagic = []byte("SLB1")

// ErrInvalidFrame is returned when a file carries the frame magic but the
// header that follows cannot be read.
var ErrInvalidFrame = errors.New("invalid blob frame")

// maxHeaderSize bounds the JSON header.
const maxHeaderSize = 64 << 10

// BlobHeader carries the write options of a blob stored by Filesystem, which
// has no native object metadata.
type BlobHeader struct {
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size,omitempty"`
	StoredAt    time.Time         `json:"stored_at"`
	Checksum    string            `json:"checksum,omitempty"`
	Public      bool              `json:"public"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func newBlobHeader(opts WriteOptions, storedAt time.Time) *BlobHeader {
	h := &BlobHeader{
		ContentType: opts.ContentType,
		StoredAt:    storedAt.UTC(),
		Checksum:    opts.Metadata["checksum"],
		Public:      opts.Public,
	}
	if opts.Size > 0 {
		h.Size = opts.Size
	}
	if len(opts.Metadata) > 0 {
		h.Metadata = maps.Clone(opts.Metadata)
	}
	return h
}

// encodeFrame returns the bytes written ahead of the body.
func encodeFrame(h *BlobHeader) ([]byte, error) {
	hdr, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding blob header: %w", err)
	}
	if len(hdr) > maxHeaderSize {
		return nil, fmt.Errorf("%w: header is %d bytes", ErrInvalidFrame, len(hdr))
	}

	buf := make([]byte, 0, len(frameMagic)+binary.MaxVarintLen64+len(hdr))
	buf = append(buf, frameMagic...)
	buf = binary.AppendUvarint(buf, uint64(len(hdr)))
	return append(buf, hdr...), nil
}

// writeFrame writes the header frame followed by body and returns the number
// of body bytes written.
func writeFrame(w io.Writer, h *BlobHeader, body io.Reader) (int64, error) {
	prefix, err := encodeFrame(h)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(prefix); err != nil {
		return 0, fmt.Errorf("writing blob header: %w", err)
	}
	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("writing body: %w", err)
	}
	return n, nil
}

// readFrame parses the frame at the start of r. It returns the header and the
// offset at which the body starts; unframed input yields a nil header and
// offset zero.
func readFrame(r io.Reader) (*BlobHeader, int64, error) {
	br := bufio.NewReaderSize(r, 512)

	magic, err := br.Peek(len(frameMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, 0, fmt.Errorf("reading blob frame: %w", err)
	}
	if !bytes.Equal(magic, frameMagic) {
		return nil, 0, nil
	}
	_, _ = br.Discard(len(frameMagic))

	n, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: header length: %v", ErrInvalidFrame, err)
	}
	if n > maxHeaderSize {
		return nil, 0, fmt.Errorf("%w: header is %d bytes", ErrInvalidFrame, n)
	}

	hdr := make([]byte, n)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, 0, fmt.Errorf("%w: header: %v", ErrInvalidFrame, err)
	}

	var h BlobHeader
	if err := json.Unmarshal(hdr, &h); err != nil {
		return nil, 0, fmt.Errorf("%w: header: %v", ErrInvalidFrame, err)
	}

	offset := int64(len(frameMagic)) + int64(uvarintLen(n)) + int64(n)
	return &h, offset, nil
}

func uvarintLen(v uint64) int {
	return len(binary.AppendUvarint(nil, v))
}
