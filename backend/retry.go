package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig tunes RetryingBackend.
type RetryConfig struct {
	// MaxTries bounds attempts per operation (default 3).
	MaxTries uint

	// InitialInterval is the first backoff delay (default 100ms).
	InitialInterval time.Duration

	// MaxInterval caps the backoff delay (default 2s).
	MaxInterval time.Duration

	// OpTimeout bounds a single attempt (default 30s). Read is exempt since
	// its body outlives the call.
	OpTimeout time.Duration

	Logger *slog.Logger
}

func (c *RetryConfig) setDefaults() {
	if c.MaxTries == 0 {
		c.MaxTries = 3
	}
	if c.InitialInterval == 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 2 * time.Second
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RetryingBackend retries transient failures of the wrapped backend with
// exponential backoff. Missing keys, invalid keys and caller cancellation
// are returned immediately.
type RetryingBackend struct {
	backend Backend
	cfg     RetryConfig
	logger  *slog.Logger
}

// NewRetryingBackend wraps b.
func NewRetryingBackend(b Backend, cfg RetryConfig) *RetryingBackend {
	cfg.setDefaults()
	return &RetryingBackend{
		backend: b,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "backend_retry"),
	}
}

func (rb *RetryingBackend) retryOptions(op, key string) []backoff.RetryOption {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = rb.cfg.InitialInterval
	bo.MaxInterval = rb.cfg.MaxInterval
	return []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(rb.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			rb.logger.Warn("blob store operation failed, retrying",
				"op", op,
				"key", key,
				"error", err,
				"retry_in", next,
			)
		}),
	}
}

// classify marks errors that must not be retried.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidKey) {
		return backoff.Permanent(err)
	}
	return err
}

func (rb *RetryingBackend) attempt(ctx context.Context, fn func(context.Context) error) error {
	actx, cancel := context.WithTimeout(ctx, rb.cfg.OpTimeout)
	defer cancel()
	return classify(ctx, fn(actx))
}

// Write retries the upload. Non-seekable readers are buffered once so each
// attempt sends the full payload.
func (rb *RetryingBackend) Write(ctx context.Context, key string, r io.Reader, opts WriteOptions) error {
	rs, ok := r.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("buffering payload: %w", err)
		}
		rs = bytes.NewReader(data)
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("rewinding payload: %w", err))
		}
		return struct{}{}, rb.attempt(ctx, func(actx context.Context) error {
			return rb.backend.Write(actx, key, rs, opts)
		})
	}, rb.retryOptions("write", key)...)
	return err
}

func (rb *RetryingBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	return backoff.Retry(ctx, func() (io.ReadCloser, error) {
		rc, err := rb.backend.Read(ctx, key)
		return rc, classify(ctx, err)
	}, rb.retryOptions("read", key)...)
}

func (rb *RetryingBackend) Delete(ctx context.Context, key string) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, rb.attempt(ctx, func(actx context.Context) error {
			return rb.backend.Delete(actx, key)
		})
	}, rb.retryOptions("delete", key)...)
	return err
}

func (rb *RetryingBackend) Exists(ctx context.Context, key string) (bool, error) {
	return backoff.Retry(ctx, func() (bool, error) {
		var exists bool
		err := rb.attempt(ctx, func(actx context.Context) error {
			var err error
			exists, err = rb.backend.Exists(actx, key)
			return err
		})
		return exists, err
	}, rb.retryOptions("exists", key)...)
}

func (rb *RetryingBackend) List(ctx context.Context, prefix string) ([]string, error) {
	return backoff.Retry(ctx, func() ([]string, error) {
		var keys []string
		err := rb.attempt(ctx, func(actx context.Context) error {
			var err error
			keys, err = rb.backend.List(actx, prefix)
			return err
		})
		return keys, err
	}, rb.retryOptions("list", prefix)...)
}

// Size delegates to the underlying backend if it implements SizeAwareBackend.
func (rb *RetryingBackend) Size(ctx context.Context, key string) (int64, error) {
	sb, ok := rb.backend.(SizeAwareBackend)
	if !ok {
		return 0, ErrNotFound
	}
	return backoff.Retry(ctx, func() (int64, error) {
		var size int64
		err := rb.attempt(ctx, func(actx context.Context) error {
			var err error
			size, err = sb.Size(actx, key)
			return err
		})
		return size, err
	}, rb.retryOptions("size", key)...)
}

func (rb *RetryingBackend) URL(key string) string {
	return rb.backend.URL(key)
}

// Unwrap returns the underlying backend.
func (rb *RetryingBackend) Unwrap() Backend {
	return rb.backend
}

var (
	_ Backend          = (*RetryingBackend)(nil)
	_ SizeAwareBackend = (*RetryingBackend)(nil)
)
