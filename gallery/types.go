// Package gallery owns the photo and gallery-link records: uploading batches
// of photos under a shared link, reading and selecting them, and gating
// public views by visit count.
package gallery

import "time"

// Collection names in the metadata store.
const (
	PhotoCollection = "photo"
	LinkCollection  = "photoLink"
)

// Defaults shared by the registry, gate and sweeper.
const (
	DefaultRetention      = 48 * time.Hour
	DefaultVisitThreshold = 2
	DefaultConcurrency    = 4
	DefaultContentType    = "image/jpeg"
)

// PhotoRecord is the standalone record created for every uploaded photo.
type PhotoRecord struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	BlobKey          string    `json:"blobKey,omitempty"`
	BlobRef          string    `json:"photoUrl"`
	Checksum         string    `json:"checksum,omitempty"`
	ContentType      string    `json:"contentType,omitempty"`
	Size             int64     `json:"size,omitempty"`
	OriginalFileName string    `json:"originalFileName"`
	GroupName        string    `json:"name"`
	IsSelected       bool      `json:"isSelected"`
	CreatedAt        time.Time `json:"createdAt"`
}

// PhotoView is the copy of a photo embedded in a gallery link.
type PhotoView struct {
	ID               string `json:"uniquePhotoId"`
	BlobRef          string `json:"photoUrl"`
	OriginalFileName string `json:"originalFileName"`
	IsSelected       bool   `json:"isSelected"`
}

// PhotoLinkRecord is a gallery: the public id under which a batch of photos
// is shared.
type PhotoLinkRecord struct {
	UniqueID   string      `json:"uniqueId"`
	GroupName  string      `json:"name"`
	UserID     string      `json:"userId,omitempty"`
	VisitCount int         `json:"visitCount"`
	Photos     []PhotoView `json:"photos"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// Path returns the owner-facing path of the gallery.
func (l *PhotoLinkRecord) Path() string {
	return "/gallery/" + l.UniqueID
}

// File is one uploaded photo.
type File struct {
	// Name is the original file name supplied by the uploader.
	Name string
	Data []byte
	// ContentType is optional; it is detected from Data when empty.
	ContentType string
}

// UploadResult is returned by a successful upload.
type UploadResult struct {
	Link   *PhotoLinkRecord
	Photos []PhotoView
}
