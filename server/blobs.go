package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/wolfeidau/selectify"
	"github.com/wolfeidau/selectify/backend"
	"github.com/wolfeidau/selectify/telemetry"
)

// handleBlob serves photo bytes stored by the filesystem backend. Object
// store backends hand out their own addresses, so the route is 404 for them.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	const op = "server.blob"
	telemetry.SetArea(r, "blobs")
	telemetry.SetEndpoint(r, "blob")

	notFound := selectify.Errorf(selectify.CodeNotFound, op, "photo not found")

	fs, ok := backend.As[*backend.Filesystem](s.blobs)
	if !ok {
		s.writeError(w, r, notFound)
		return
	}

	key := r.PathValue("key")
	if _, err := selectify.ParseBlobKey(key); err != nil {
		s.writeError(w, r, notFound)
		return
	}

	rc, header, err := fs.Open(r.Context(), key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) || errors.Is(err, backend.ErrInvalidKey) {
			s.writeError(w, r, notFound)
			return
		}
		s.writeError(w, r, selectify.Wrap(err, selectify.CodeStoreUnavailable, op, "reading photo failed"))
		return
	}
	defer func() { _ = rc.Close() }()

	contentType := "application/octet-stream"
	if header != nil {
		if !header.Public {
			s.writeError(w, r, notFound)
			return
		}
		if header.ContentType != "" {
			contentType = header.ContentType
		}
		if header.Checksum != "" {
			w.Header().Set("ETag", `"`+header.Checksum+`"`)
		}
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Error("failed to stream photo", "key", key, "error", err)
	}
}
