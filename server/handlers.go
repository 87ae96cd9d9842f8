package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/wolfeidau/selectify"
	"github.com/wolfeidau/selectify/gallery"
	"github.com/wolfeidau/selectify/telemetry"
)

// multipartMemory is how much of an upload is held in memory before parts
// spill to temporary files.
const multipartMemory = 32 << 20

type uploadResponse struct {
	Message   string              `json:"message"`
	PhotoData []gallery.PhotoView `json:"photoData"`
	Link      string              `json:"link"`
}

// galleryView is the payload of the owner and public gallery views.
type galleryView struct {
	Name      string              `json:"name"`
	UniqueID  string              `json:"uniqueId"`
	Photos    []gallery.PhotoView `json:"photos"`
	CreatedAt time.Time           `json:"createdAt"`
}

func newGalleryView(link *gallery.PhotoLinkRecord) galleryView {
	photos := link.Photos
	if photos == nil {
		photos = []gallery.PhotoView{}
	}
	return galleryView{
		Name:      link.GroupName,
		UniqueID:  link.UniqueID,
		Photos:    photos,
		CreatedAt: link.CreatedAt,
	}
}

type selectRequest struct {
	IsSelected *bool `json:"isSelected"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// handleUpload accepts a multipart batch of photos: "photos" file parts, an
// "originalFileNames" JSON array naming them in order, and the group "name".
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	const op = "server.upload"
	telemetry.SetArea(r, "api")
	telemetry.SetEndpoint(r, "upload")

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		msg := "invalid multipart upload"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "upload is too large"
		}
		s.writeError(w, r, &selectify.Error{Code: selectify.CodeValidation, Op: op, Msg: msg, Err: err})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	name := r.FormValue("name")
	if strings.TrimSpace(name) == "" {
		s.writeError(w, r, selectify.Errorf(selectify.CodeValidation, op, "name is required"))
		return
	}

	parts := r.MultipartForm.File["photos"]

	var names []string
	if raw := r.FormValue("originalFileNames"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &names); err != nil {
			s.writeError(w, r, &selectify.Error{Code: selectify.CodeValidation, Op: op, Msg: "original file names are missing or incorrect", Err: err})
			return
		}
	}
	if len(names) != len(parts) {
		s.writeError(w, r, selectify.Errorf(selectify.CodeValidation, op, "original file names are missing or incorrect"))
		return
	}

	files := make([]gallery.File, len(parts))
	for i, part := range parts {
		data, err := readPart(part)
		if err != nil {
			s.writeError(w, r, &selectify.Error{Code: selectify.CodeValidation, Op: op, Msg: "reading uploaded photo failed", Err: err})
			return
		}
		files[i] = gallery.File{
			Name:        names[i],
			Data:        data,
			ContentType: part.Header.Get("Content-Type"),
		}
	}

	res, err := s.registry.Upload(r.Context(), userIDFrom(r.Context()), name, files)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		Message:   "Photos uploaded successfully",
		PhotoData: res.Photos,
		Link:      res.Link.Path(),
	})
}

func readPart(part *multipart.FileHeader) ([]byte, error) {
	f, err := part.Open()
	if err != nil {
		return nil, fmt.Errorf("opening part %s: %w", part.Filename, err)
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

// handleOwnerView returns a gallery without counting a visit.
func (s *Server) handleOwnerView(w http.ResponseWriter, r *http.Request) {
	telemetry.SetArea(r, "gallery")
	telemetry.SetEndpoint(r, "owner_view")

	link, err := s.registry.GetByLinkID(r.Context(), r.PathValue("uniqueId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newGalleryView(link))
}

// handlePublicView returns a gallery through the visit gate.
func (s *Server) handlePublicView(w http.ResponseWriter, r *http.Request) {
	telemetry.SetArea(r, "gallery")
	telemetry.SetEndpoint(r, "public_view")

	link, err := s.gate.CheckAndRecordVisit(r.Context(), r.PathValue("uniqueId"))
	switch {
	case err == nil:
		telemetry.SetDecision(r, telemetry.DecisionAllowed)
	case errors.Is(err, selectify.ErrForbidden):
		telemetry.SetDecision(r, telemetry.DecisionForbidden)
	case errors.Is(err, selectify.ErrNotFound):
		telemetry.SetDecision(r, telemetry.DecisionNotFound)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newGalleryView(link))
}

// handleSelect sets the selection flag of one photo in a gallery.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	const op = "server.select"
	telemetry.SetArea(r, "gallery")
	telemetry.SetEndpoint(r, "select")

	var req selectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		s.writeError(w, r, &selectify.Error{Code: selectify.CodeValidation, Op: op, Msg: "invalid request body", Err: err})
		return
	}
	if req.IsSelected == nil {
		s.writeError(w, r, selectify.Errorf(selectify.CodeValidation, op, "isSelected is required"))
		return
	}

	err := s.registry.SetSelection(r.Context(),
		r.PathValue("uniqueId"),
		r.PathValue("id"),
		r.PathValue("originalFileName"),
		*req.IsSelected,
	)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Photo selection updated successfully"})
}

// handleList returns every live gallery.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	telemetry.SetArea(r, "gallery")
	telemetry.SetEndpoint(r, "list")

	links, err := s.registry.ListLinks(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}
