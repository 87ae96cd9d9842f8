package gallery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/selectify"
	"github.com/wolfeidau/selectify/backend"
	"github.com/wolfeidau/selectify/imaging"
	"github.com/wolfeidau/selectify/store/metadb"
	"github.com/wolfeidau/selectify/telemetry"
)

// rollbackTimeout bounds cleanup after a failed upload. Cleanup runs on a
// context detached from the request so a disconnecting client cannot stop it.
const rollbackTimeout = 30 * time.Second

var errEntryNotFound = errors.New("no photo matches entry id and file name")

// Registry manages photo and gallery-link records and the blobs they refer to.
type Registry struct {
	db          metadb.MetaDB
	photos      *metadb.Collection
	links       *metadb.Collection
	blobs       backend.Backend
	resizer     imaging.Resizer
	retention   time.Duration
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithNow sets the clock. Defaults to the metadata store clock.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithRetention sets how long photos, links and blobs are kept.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) {
		r.retention = d
	}
}

// WithConcurrency bounds the number of files of one upload processed at once.
func WithConcurrency(n int) Option {
	return func(r *Registry) {
		r.concurrency = n
	}
}

// WithResizer re-encodes every uploaded photo before it is stored.
func WithResizer(resizer imaging.Resizer) Option {
	return func(r *Registry) {
		r.resizer = resizer
	}
}

// NewRegistry creates a registry storing records in db and photo bytes in blobs.
func NewRegistry(db metadb.MetaDB, blobs backend.Backend, opts ...Option) *Registry {
	r := &Registry{
		db:          db,
		blobs:       blobs,
		retention:   DefaultRetention,
		concurrency: DefaultConcurrency,
		now:         db.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.concurrency <= 0 {
		r.concurrency = DefaultConcurrency
	}
	r.photos = metadb.NewCollection(db, PhotoCollection, r.retention)
	r.links = metadb.NewCollection(db, LinkCollection, r.retention)
	return r
}

// Retention returns the retention window.
func (r *Registry) Retention() time.Duration {
	return r.retention
}

// preparedFile is an uploaded file ready to be stored.
type preparedFile struct {
	name        string
	data        []byte
	contentType string
}

// pendingPhoto tracks how far one file got so a failed upload can be undone.
type pendingPhoto struct {
	key     string
	ledger  bool
	blob    bool
	photoID string
}

// Upload stores a batch of photos and creates the gallery link that shares
// them. Either every photo and the link are stored, or the batch is rolled
// back and a *selectify.PartialUploadError (or a validation error) is
// returned.
func (r *Registry) Upload(ctx context.Context, userID, groupName string, files []File) (*UploadResult, error) {
	const op = "gallery.Upload"

	groupName = strings.TrimSpace(groupName)
	if groupName == "" {
		return nil, selectify.Errorf(selectify.CodeValidation, op, "name is required")
	}
	if len(files) == 0 {
		return nil, selectify.Errorf(selectify.CodeValidation, op, "at least one photo is required")
	}
	for i, f := range files {
		if strings.TrimSpace(f.Name) == "" {
			return nil, selectify.Errorf(selectify.CodeValidation, op, "original file name missing for photo %d", i+1)
		}
		if len(f.Data) == 0 {
			return nil, selectify.Errorf(selectify.CodeValidation, op, "photo %q is empty", f.Name)
		}
	}

	prepared, err := r.prepare(ctx, files)
	if err != nil {
		telemetry.RecordUpload(ctx, "rejected", len(files))
		return nil, err
	}

	now := r.now()
	pending := make([]pendingPhoto, len(files))
	views := make([]PhotoView, len(files))
	failures := make([]error, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := range prepared {
		g.Go(func() error {
			view, err := r.storePhoto(gctx, userID, groupName, prepared[i], now, &pending[i])
			if err != nil {
				failures[i] = err
				return err
			}
			views[i] = view
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		uerr := r.uploadError(ctx, prepared, failures)
		r.rollback(ctx, pending)
		telemetry.RecordUpload(ctx, "rolled_back", len(files))
		r.logger.Error("upload rolled back", "group", groupName, "files", len(files), "error", uerr)
		return nil, uerr
	}

	link := &PhotoLinkRecord{
		UniqueID:   uuid.NewString(),
		GroupName:  groupName,
		UserID:     userID,
		VisitCount: 0,
		Photos:     views,
		CreatedAt:  now,
	}
	if err := r.links.CreateJSON(ctx, link.UniqueID, link); err != nil {
		r.rollback(ctx, pending)
		telemetry.RecordUpload(ctx, "rolled_back", len(files))
		r.logger.Error("upload rolled back, link not created", "group", groupName, "error", err)
		return nil, selectify.Wrap(err, selectify.CodeStoreUnavailable, op, "storing gallery link failed")
	}

	telemetry.RecordUpload(ctx, "success", len(files))
	r.logger.Info("photos uploaded", "link_id", link.UniqueID, "group", groupName, "files", len(files))

	return &UploadResult{
		Link:   link,
		Photos: slices.Clone(views),
	}, nil
}

// prepare resizes every file. Nothing is written, so a failure here needs no
// rollback.
func (r *Registry) prepare(ctx context.Context, files []File) ([]preparedFile, error) {
	const op = "gallery.Upload"

	prepared := make([]preparedFile, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, f := range files {
		g.Go(func() error {
			data, contentType := f.Data, f.ContentType
			if r.resizer != nil {
				out, ct, err := r.resizer.Resize(gctx, data)
				if errors.Is(err, imaging.ErrUnsupportedImage) {
					return &selectify.Error{Code: selectify.CodeValidation, Op: op, Msg: fmt.Sprintf("photo %q is not a supported image", f.Name), Err: err}
				}
				if err != nil {
					return selectify.Wrap(err, selectify.CodeInternal, op, "processing photo failed")
				}
				data, contentType = out, ct
			}
			prepared[i] = preparedFile{
				name:        f.Name,
				data:        data,
				contentType: detectContentType(contentType, data),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return prepared, nil
}

// storePhoto writes the ledger entry, the blob and the photo record for one
// file, in that order. The ledger entry comes first so that every blob in the
// store is known to the sweeper.
func (r *Registry) storePhoto(ctx context.Context, userID, groupName string, f preparedFile, now time.Time, p *pendingPhoto) (PhotoView, error) {
	if err := ctx.Err(); err != nil {
		return PhotoView{}, err
	}

	key := selectify.NewBlobKey(f.name).String()
	address := r.blobs.URL(key)
	checksum := selectify.HashBytes(f.data).Checksum()
	p.key = key

	err := r.db.PutLedgerEntry(ctx, &metadb.LedgerEntry{
		Key:       key,
		Address:   address,
		CreatedAt: now,
		ExpiresAt: now.Add(r.retention),
	})
	if err != nil {
		return PhotoView{}, fmt.Errorf("recording blob %s: %w", key, err)
	}
	p.ledger = true

	p.blob = true
	err = r.blobs.Write(ctx, key, bytes.NewReader(f.data), backend.WriteOptions{
		ContentType: f.contentType,
		Size:        int64(len(f.data)),
		Public:      true,
		Metadata:    map[string]string{"checksum": checksum},
	})
	if err != nil {
		return PhotoView{}, fmt.Errorf("writing blob %s: %w", key, err)
	}

	rec := &PhotoRecord{
		ID:               uuid.NewString(),
		UserID:           userID,
		BlobKey:          key,
		BlobRef:          address,
		Checksum:         checksum,
		ContentType:      f.contentType,
		Size:             int64(len(f.data)),
		OriginalFileName: f.name,
		GroupName:        groupName,
		CreatedAt:        now,
	}
	if err := r.photos.CreateJSON(ctx, rec.ID, rec); err != nil {
		return PhotoView{}, fmt.Errorf("storing photo record: %w", err)
	}
	p.photoID = rec.ID

	telemetry.RecordPhotoSize(ctx, f.contentType, rec.Size)

	return PhotoView{
		ID:               rec.ID,
		BlobRef:          address,
		OriginalFileName: f.name,
		IsSelected:       false,
	}, nil
}

// uploadError builds the error for a failed batch. Files that only failed
// because a sibling failure cancelled them are not listed unless the request
// itself was cancelled.
func (r *Registry) uploadError(ctx context.Context, files []preparedFile, failures []error) error {
	perr := &selectify.PartialUploadError{Total: len(files)}
	for i, err := range failures {
		if err == nil {
			continue
		}
		if ctx.Err() == nil && errors.Is(err, context.Canceled) {
			continue
		}
		perr.Failed = append(perr.Failed, selectify.FileFailure{FileName: files[i].name, Err: err})
	}
	return perr
}

// rollback undoes the stored parts of a failed upload. Blobs that cannot be
// deleted keep their ledger entry, made due now, so the next sweep retries.
func (r *Registry) rollback(ctx context.Context, pending []pendingPhoto) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	now := r.now()
	for _, p := range pending {
		if p.photoID != "" {
			if err := r.photos.Delete(ctx, p.photoID); err != nil {
				r.logger.Warn("rollback: deleting photo record failed", "photo_id", p.photoID, "error", err)
			}
		}
		if !p.ledger {
			continue
		}
		if p.blob {
			if delErr := r.blobs.Delete(ctx, p.key); delErr != nil {
				r.logger.Warn("rollback: deleting blob failed, left for sweeper", "key", p.key, "error", delErr)
				if err := r.db.RecordLedgerFailure(ctx, p.key, delErr); err != nil {
					r.logger.Error("rollback: recording ledger failure failed", "key", p.key, "error", err)
				}
				if err := r.db.RescheduleLedgerEntry(ctx, p.key, now); err != nil {
					r.logger.Error("rollback: rescheduling ledger entry failed", "key", p.key, "error", err)
				}
				continue
			}
		}
		if err := r.db.DeleteLedgerEntry(ctx, p.key); err != nil {
			r.logger.Warn("rollback: deleting ledger entry failed", "key", p.key, "error", err)
		}
	}
}

// GetByLinkID returns the gallery link with the given public id.
func (r *Registry) GetByLinkID(ctx context.Context, id string) (*PhotoLinkRecord, error) {
	const op = "gallery.GetByLinkID"

	var link PhotoLinkRecord
	if err := r.links.GetJSON(ctx, id, &link); err != nil {
		return nil, linkError(err, op)
	}
	return &link, nil
}

// SetSelection sets isSelected on the photo of link id that matches both
// entryID and originalFileName. Setting the current value succeeds without a
// write.
func (r *Registry) SetSelection(ctx context.Context, id, entryID, originalFileName string, selected bool) error {
	const op = "gallery.SetSelection"

	err := metadb.UpdateJSON(ctx, r.links, id, func(link *PhotoLinkRecord) error {
		for i := range link.Photos {
			p := &link.Photos[i]
			if p.ID != entryID || p.OriginalFileName != originalFileName {
				continue
			}
			if p.IsSelected == selected {
				return metadb.ErrSkipUpdate
			}
			p.IsSelected = selected
			return nil
		}
		return errEntryNotFound
	})
	if errors.Is(err, errEntryNotFound) {
		return &selectify.Error{Code: selectify.CodeNotFound, Op: op, Msg: "photo not found", Err: err}
	}
	if err != nil {
		return linkError(err, op)
	}

	r.logger.Debug("selection updated", "link_id", id, "photo_id", entryID, "selected", selected)
	return nil
}

// ListLinks returns every live gallery link ordered by creation time.
func (r *Registry) ListLinks(ctx context.Context) ([]PhotoLinkRecord, error) {
	links, err := metadb.ListJSON[PhotoLinkRecord](ctx, r.links, nil)
	if err != nil {
		return nil, selectify.Wrap(err, selectify.CodeStoreUnavailable, "gallery.ListLinks", "listing galleries failed")
	}
	slices.SortStableFunc(links, func(a, b PhotoLinkRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if links == nil {
		links = []PhotoLinkRecord{}
	}
	return links, nil
}

// PhotosCreatedBefore returns the live photo records created before cutoff.
func (r *Registry) PhotosCreatedBefore(ctx context.Context, cutoff time.Time) ([]PhotoRecord, error) {
	photos, err := metadb.ListJSON(ctx, r.photos, func(p *PhotoRecord) bool {
		return p.CreatedAt.Before(cutoff)
	})
	if err != nil {
		return nil, selectify.Wrap(err, selectify.CodeStoreUnavailable, "gallery.PhotosCreatedBefore", "scanning photos failed")
	}
	return photos, nil
}

// DeletePhoto removes a photo record.
func (r *Registry) DeletePhoto(ctx context.Context, id string) error {
	if err := r.photos.Delete(ctx, id); err != nil {
		return selectify.Wrap(err, selectify.CodeStoreUnavailable, "gallery.DeletePhoto", "deleting photo failed")
	}
	return nil
}

func linkError(err error, op string) error {
	if errors.Is(err, metadb.ErrNotFound) {
		return &selectify.Error{Code: selectify.CodeNotFound, Op: op, Msg: "link not found", Err: err}
	}
	return selectify.Wrap(err, selectify.CodeStoreUnavailable, op, "reading gallery failed")
}

// detectContentType returns declared when it is an image type, otherwise the
// sniffed type of data, falling back to DefaultContentType.
func detectContentType(declared string, data []byte) string {
	if strings.HasPrefix(declared, "image/") {
		return declared
	}
	if sniffed := http.DetectContentType(data); strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	return DefaultContentType
}
