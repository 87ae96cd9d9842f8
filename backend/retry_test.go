package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// flakyBackend fails the first failures calls of each operation.
type flakyBackend struct {
	Backend
	failures int32
	calls    atomic.Int32
	err      error
}

func (f *flakyBackend) fail() error {
	if f.calls.Add(1) <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyBackend) Write(ctx context.Context, key string, r io.Reader, opts WriteOptions) error {
	if err := f.fail(); err != nil {
		// Drain part of the payload so a retry must rewind.
		_, _ = io.CopyN(io.Discard, r, 2)
		return err
	}
	return f.Backend.Write(ctx, key, r, opts)
}

func (f *flakyBackend) Delete(ctx context.Context, key string) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Backend.Delete(ctx, key)
}

func newRetrying(b Backend, tries uint) *RetryingBackend {
	return NewRetryingBackend(b, RetryConfig{
		MaxTries:        tries,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		OpTimeout:       time.Second,
	})
}

func TestRetryingBackend_WriteRecovers(t *testing.T) {
	fs := newTestFilesystem(t)
	flaky := &flakyBackend{Backend: fs, failures: 2, err: errors.New("connection reset")}
	rb := newRetrying(flaky, 3)
	ctx := context.Background()

	// strings.Reader is seekable; the buffered path is covered below.
	require.NoError(t, rb.Write(ctx, "photos/t/a.jpg", strings.NewReader("payload"), WriteOptions{}))
	require.EqualValues(t, 3, flaky.calls.Load())

	rc, err := fs.Read(ctx, "photos/t/a.jpg")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))
}

func TestRetryingBackend_WriteBuffersNonSeekable(t *testing.T) {
	fs := newTestFilesystem(t)
	flaky := &flakyBackend{Backend: fs, failures: 1, err: errors.New("timeout")}
	rb := newRetrying(flaky, 3)
	ctx := context.Background()

	r := io.MultiReader(bytes.NewReader([]byte("pay")), bytes.NewReader([]byte("load")))
	require.NoError(t, rb.Write(ctx, "photos/t/b.jpg", r, WriteOptions{}))

	size, err := fs.Size(ctx, "photos/t/b.jpg")
	require.NoError(t, err)
	require.EqualValues(t, len("payload"), size)
}

func TestRetryingBackend_GivesUpAfterMaxTries(t *testing.T) {
	cause := errors.New("service unavailable")
	flaky := &flakyBackend{Backend: newTestFilesystem(t), failures: 10, err: cause}
	rb := newRetrying(flaky, 3)

	err := rb.Delete(context.Background(), "photos/t/a.jpg")
	require.ErrorIs(t, err, cause)
	require.EqualValues(t, 3, flaky.calls.Load())
}

func TestRetryingBackend_NotFoundIsPermanent(t *testing.T) {
	rb := newRetrying(newTestFilesystem(t), 5)

	_, err := rb.Read(context.Background(), "photos/missing/a.jpg")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = rb.Size(context.Background(), "photos/missing/a.jpg")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRetryingBackend_CanceledContextStops(t *testing.T) {
	flaky := &flakyBackend{Backend: newTestFilesystem(t), failures: 10, err: errors.New("boom")}
	rb := newRetrying(flaky, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rb.Delete(ctx, "photos/t/a.jpg")
	require.Error(t, err)
	require.LessOrEqual(t, flaky.calls.Load(), int32(1))
}

func TestRetryingBackend_Delegates(t *testing.T) {
	fs := newTestFilesystem(t)
	rb := newRetrying(fs, 2)
	ctx := context.Background()

	require.NoError(t, rb.Write(ctx, "photos/t/c.jpg", strings.NewReader("c"), WriteOptions{}))

	exists, err := rb.Exists(ctx, "photos/t/c.jpg")
	require.NoError(t, err)
	require.True(t, exists)

	keys, err := rb.List(ctx, "photos")
	require.NoError(t, err)
	require.Equal(t, []string{"photos/t/c.jpg"}, keys)

	require.Equal(t, fs.URL("photos/t/c.jpg"), rb.URL("photos/t/c.jpg"))
	require.Same(t, fs, rb.Unwrap())
}
