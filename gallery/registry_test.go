package gallery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/selectify"
	"github.com/wolfeidau/selectify/backend"
	"github.com/wolfeidau/selectify/imaging"
	"github.com/wolfeidau/selectify/store/metadb"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// faultyBackend fails writes or deletes for selected file names.
type faultyBackend struct {
	backend.Backend
	failWrite  map[string]error
	failDelete map[string]error
}

func (f *faultyBackend) Write(ctx context.Context, key string, r io.Reader, opts backend.WriteOptions) error {
	if err := f.failWrite[path.Base(key)]; err != nil {
		return err
	}
	return f.Backend.Write(ctx, key, r, opts)
}

func (f *faultyBackend) Delete(ctx context.Context, key string) error {
	if err := f.failDelete[path.Base(key)]; err != nil {
		return err
	}
	return f.Backend.Delete(ctx, key)
}

type testEnv struct {
	clock *testClock
	db    *metadb.BoltDB
	fs    *backend.Filesystem
	blobs *faultyBackend
	reg   *Registry
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	clock := &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}

	db := metadb.NewBoltDB(metadb.WithNoSync(true), metadb.WithNow(clock.Now))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "meta.db")))
	t.Cleanup(func() { _ = db.Close() })

	fs, err := backend.NewFilesystem(t.TempDir(), "http://localhost:8080")
	require.NoError(t, err)

	blobs := &faultyBackend{Backend: fs, failWrite: map[string]error{}, failDelete: map[string]error{}}

	return &testEnv{
		clock: clock,
		db:    db,
		fs:    fs,
		blobs: blobs,
		reg:   NewRegistry(db, blobs, opts...),
	}
}

func tripFiles() []File {
	return []File{
		{Name: "a.jpg", Data: []byte("photo-a")},
		{Name: "b.jpg", Data: []byte("photo-b")},
		{Name: "c.jpg", Data: []byte("photo-c")},
	}
}

func (e *testEnv) storedKeys(t *testing.T) []string {
	t.Helper()
	keys, err := e.fs.List(context.Background(), selectify.PhotoKeyPrefix)
	require.NoError(t, err)
	return keys
}

func TestUpload(t *testing.T) {
	ctx := context.Background()

	t.Run("stores every photo and creates the link", func(t *testing.T) {
		env := newTestEnv(t)
		now := env.clock.Now()

		res, err := env.reg.Upload(ctx, "user-1", "Trip", tripFiles())
		require.NoError(t, err)

		link := res.Link
		require.NotEmpty(t, link.UniqueID)
		assert.Equal(t, "Trip", link.GroupName)
		assert.Equal(t, "user-1", link.UserID)
		assert.Equal(t, 0, link.VisitCount)
		assert.True(t, link.CreatedAt.Equal(now))
		assert.Equal(t, "/gallery/"+link.UniqueID, link.Path())
		require.Len(t, link.Photos, 3)
		assert.Equal(t, link.Photos, res.Photos)

		for i, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
			view := link.Photos[i]
			assert.Equal(t, name, view.OriginalFileName)
			assert.False(t, view.IsSelected)
			assert.NotEmpty(t, view.ID)

			key, err := selectify.KeyFromAddress(view.BlobRef)
			require.NoError(t, err)
			assert.Equal(t, name, path.Base(key))

			rc, header, err := env.fs.Open(ctx, key)
			require.NoError(t, err)
			data, err := io.ReadAll(rc)
			_ = rc.Close()
			require.NoError(t, err)
			assert.Equal(t, []byte("photo-"+name[:1]), data)
			assert.Equal(t, DefaultContentType, header.ContentType)
			assert.True(t, header.Public)
			assert.Equal(t, selectify.HashBytes(data).Checksum(), header.Checksum)

			entry, err := env.db.GetLedgerEntry(ctx, key)
			require.NoError(t, err)
			assert.True(t, entry.ExpiresAt.Equal(now.Add(DefaultRetention)))
			assert.Equal(t, view.BlobRef, entry.Address)
		}

		photos, err := env.reg.PhotosCreatedBefore(ctx, now.Add(time.Second))
		require.NoError(t, err)
		require.Len(t, photos, 3)
		for _, p := range photos {
			assert.Equal(t, "user-1", p.UserID)
			assert.Equal(t, "Trip", p.GroupName)
			assert.NotEmpty(t, p.BlobKey)
			assert.Equal(t, env.fs.URL(p.BlobKey), p.BlobRef)
		}
	})

	t.Run("keys are unique for repeated file names", func(t *testing.T) {
		env := newTestEnv(t)

		res, err := env.reg.Upload(ctx, "user-1", "Dupes", []File{
			{Name: "same.jpg", Data: []byte("1")},
			{Name: "same.jpg", Data: []byte("2")},
		})
		require.NoError(t, err)
		assert.NotEqual(t, res.Photos[0].BlobRef, res.Photos[1].BlobRef)
		assert.Len(t, env.storedKeys(t), 2)
	})

	t.Run("validation", func(t *testing.T) {
		env := newTestEnv(t)

		cases := map[string]struct {
			group string
			files []File
		}{
			"missing name":      {group: "  ", files: tripFiles()},
			"no files":          {group: "Trip"},
			"missing file name": {group: "Trip", files: []File{{Name: "", Data: []byte("x")}}},
			"empty file":        {group: "Trip", files: []File{{Name: "a.jpg"}}},
		}
		for name, tc := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := env.reg.Upload(ctx, "user-1", tc.group, tc.files)
				require.ErrorIs(t, err, selectify.ErrValidation)
				assert.Equal(t, selectify.CodeValidation, selectify.CodeOf(err))
			})
		}
		assert.Empty(t, env.storedKeys(t))
	})

	t.Run("resizes before storing", func(t *testing.T) {
		env := newTestEnv(t, WithResizer(resizerFunc(func(_ context.Context, data []byte) ([]byte, string, error) {
			return append([]byte("small-"), data...), "image/jpeg", nil
		})))

		res, err := env.reg.Upload(ctx, "user-1", "Trip", tripFiles()[:1])
		require.NoError(t, err)

		key, err := selectify.KeyFromAddress(res.Photos[0].BlobRef)
		require.NoError(t, err)
		rc, err := env.fs.Read(ctx, key)
		require.NoError(t, err)
		defer func() { _ = rc.Close() }()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, []byte("small-photo-a"), data)
	})

	t.Run("undecodable images are a validation error", func(t *testing.T) {
		env := newTestEnv(t, WithResizer(imaging.NewJPEGResizer()))

		_, err := env.reg.Upload(ctx, "user-1", "Trip", tripFiles())
		require.ErrorIs(t, err, selectify.ErrValidation)
		assert.Empty(t, env.storedKeys(t))
	})
}

type resizerFunc func(ctx context.Context, data []byte) ([]byte, string, error)

func (f resizerFunc) Resize(ctx context.Context, data []byte) ([]byte, string, error) {
	return f(ctx, data)
}

func TestUploadRollback(t *testing.T) {
	ctx := context.Background()
	errUnavailable := errors.New("store unavailable")

	t.Run("a failed file rolls back the whole batch", func(t *testing.T) {
		env := newTestEnv(t)
		env.blobs.failWrite["b.jpg"] = errUnavailable

		_, err := env.reg.Upload(ctx, "user-1", "Trip", tripFiles())
		require.Error(t, err)
		require.ErrorIs(t, err, selectify.ErrPartialUpload)
		require.ErrorIs(t, err, errUnavailable)
		assert.Equal(t, selectify.CodePartialUpload, selectify.CodeOf(err))

		var perr *selectify.PartialUploadError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, 3, perr.Total)
		require.Len(t, perr.Failed, 1)
		assert.Equal(t, "b.jpg", perr.Failed[0].FileName)

		assert.Empty(t, env.storedKeys(t))

		photos, err := env.db.ListRecords(ctx, PhotoCollection)
		require.NoError(t, err)
		assert.Empty(t, photos)

		links, err := env.reg.ListLinks(ctx)
		require.NoError(t, err)
		assert.Empty(t, links)

		stats, err := env.db.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.LedgerCount)
	})

	t.Run("undeletable blobs stay in the ledger and are due now", func(t *testing.T) {
		env := newTestEnv(t, WithConcurrency(1))
		env.blobs.failWrite["b.jpg"] = errUnavailable
		env.blobs.failDelete["a.jpg"] = errUnavailable
		now := env.clock.Now()

		_, err := env.reg.Upload(ctx, "user-1", "Trip", tripFiles()[:2])
		require.ErrorIs(t, err, selectify.ErrPartialUpload)

		keys := env.storedKeys(t)
		require.Len(t, keys, 1)
		assert.Equal(t, "a.jpg", path.Base(keys[0]))

		due, err := env.db.GetDueLedgerEntries(ctx, now, 0)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, keys[0], due[0].Key)
		assert.Equal(t, 1, due[0].Attempts)
		assert.Equal(t, errUnavailable.Error(), due[0].LastError)

		photos, err := env.db.ListRecords(ctx, PhotoCollection)
		require.NoError(t, err)
		assert.Empty(t, photos)
	})

	t.Run("cancelled requests still roll back", func(t *testing.T) {
		env := newTestEnv(t, WithConcurrency(1))
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := env.reg.Upload(cctx, "user-1", "Trip", tripFiles())
		require.ErrorIs(t, err, selectify.ErrPartialUpload)
		assert.Empty(t, env.storedKeys(t))

		stats, err := env.db.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.LedgerCount)
	})
}

func TestGetByLinkID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	res, err := env.reg.Upload(ctx, "user-1", "Trip", tripFiles())
	require.NoError(t, err)

	t.Run("round-trips the uploaded link", func(t *testing.T) {
		got, err := env.reg.GetByLinkID(ctx, res.Link.UniqueID)
		require.NoError(t, err)
		assert.Equal(t, res.Link.UniqueID, got.UniqueID)
		assert.Equal(t, res.Link.GroupName, got.GroupName)
		assert.Equal(t, res.Link.Photos, got.Photos)
		assert.True(t, res.Link.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("unknown id is not found", func(t *testing.T) {
		_, err := env.reg.GetByLinkID(ctx, "nope")
		require.ErrorIs(t, err, selectify.ErrNotFound)
	})

	t.Run("expires with the retention window", func(t *testing.T) {
		env.clock.Advance(DefaultRetention)
		defer env.clock.Advance(-DefaultRetention)

		_, err := env.reg.GetByLinkID(ctx, res.Link.UniqueID)
		require.ErrorIs(t, err, selectify.ErrNotFound)
	})
}

func TestSetSelection(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	res, err := env.reg.Upload(ctx, "user-1", "Trip", tripFiles())
	require.NoError(t, err)
	id := res.Link.UniqueID
	b := res.Photos[1]

	t.Run("changes only the matched photo", func(t *testing.T) {
		require.NoError(t, env.reg.SetSelection(ctx, id, b.ID, b.OriginalFileName, true))

		got, err := env.reg.GetByLinkID(ctx, id)
		require.NoError(t, err)
		assert.False(t, got.Photos[0].IsSelected)
		assert.True(t, got.Photos[1].IsSelected)
		assert.False(t, got.Photos[2].IsSelected)
	})

	t.Run("setting the same value is idempotent", func(t *testing.T) {
		require.NoError(t, env.reg.SetSelection(ctx, id, b.ID, b.OriginalFileName, true))
		require.NoError(t, env.reg.SetSelection(ctx, id, b.ID, b.OriginalFileName, true))

		got, err := env.reg.GetByLinkID(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.Photos[1].IsSelected)
	})

	t.Run("can be cleared", func(t *testing.T) {
		require.NoError(t, env.reg.SetSelection(ctx, id, b.ID, b.OriginalFileName, false))

		got, err := env.reg.GetByLinkID(ctx, id)
		require.NoError(t, err)
		assert.False(t, got.Photos[1].IsSelected)
	})

	t.Run("all three keys must match", func(t *testing.T) {
		a := res.Photos[0]

		err := env.reg.SetSelection(ctx, id, a.ID, b.OriginalFileName, true)
		require.ErrorIs(t, err, selectify.ErrNotFound)

		err = env.reg.SetSelection(ctx, "other-link", b.ID, b.OriginalFileName, true)
		require.ErrorIs(t, err, selectify.ErrNotFound)

		err = env.reg.SetSelection(ctx, id, "other-photo", b.OriginalFileName, true)
		require.ErrorIs(t, err, selectify.ErrNotFound)

		got, err := env.reg.GetByLinkID(ctx, id)
		require.NoError(t, err)
		for _, p := range got.Photos {
			assert.False(t, p.IsSelected)
		}
	})
}

func TestListLinks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	links, err := env.reg.ListLinks(ctx)
	require.NoError(t, err)
	assert.NotNil(t, links)
	assert.Empty(t, links)

	var ids []string
	for i := range 3 {
		res, err := env.reg.Upload(ctx, "user-1", fmt.Sprintf("Group %d", i), tripFiles()[:1])
		require.NoError(t, err)
		ids = append(ids, res.Link.UniqueID)
		env.clock.Advance(time.Minute)
	}

	links, err = env.reg.ListLinks(ctx)
	require.NoError(t, err)
	require.Len(t, links, 3)
	for i, link := range links {
		assert.Equal(t, ids[i], link.UniqueID)
	}
}

func TestPhotosCreatedBefore(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	start := env.clock.Now()

	_, err := env.reg.Upload(ctx, "user-1", "Old", tripFiles()[:2])
	require.NoError(t, err)
	env.clock.Advance(time.Hour)
	_, err = env.reg.Upload(ctx, "user-1", "New", tripFiles()[:1])
	require.NoError(t, err)

	old, err := env.reg.PhotosCreatedBefore(ctx, start.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, old, 2)
	for _, p := range old {
		assert.Equal(t, "Old", p.GroupName)
	}

	require.NoError(t, env.reg.DeletePhoto(ctx, old[0].ID))
	old, err = env.reg.PhotosCreatedBefore(ctx, start.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Len(t, old, 1)
}

func TestDetectContentType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000000000000")

	assert.Equal(t, "image/webp", detectContentType("image/webp", []byte("x")))
	assert.Equal(t, "image/png", detectContentType("", png))
	assert.Equal(t, "image/png", detectContentType("application/octet-stream", png))
	assert.Equal(t, DefaultContentType, detectContentType("", []byte("plain text")))
}
