package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Filesystem implements Backend using the local filesystem.
// Writes are atomic using a temp file and rename pattern. Each file starts
// with a BlobHeader frame holding the write options; files without a frame
// are read as raw content.
type Filesystem struct {
	root    string
	baseURL string
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist. Blob addresses are
// built as {baseURL}/blobs/{key}.
func NewFilesystem(root, baseURL string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

// Write stores data at the given key using atomic write.
func (fs *Filesystem) Write(ctx context.Context, key string, r io.Reader, opts WriteOptions) error {
	path, err := fs.keyToPath(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	n, err := writeFrame(tmp, newBlobHeader(opts, time.Now()), &ctxReader{ctx: ctx, r: r})
	if err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	if opts.Size > 0 && n != opts.Size {
		return fmt.Errorf("writing %s: wrote %d bytes, expected %d", key, n, opts.Size)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// Read retrieves data at the given key.
func (fs *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, _, err := fs.Open(ctx, key)
	return rc, err
}

// Open retrieves data at the given key along with its stored header. The
// header is nil for files written without a frame.
func (fs *Filesystem) Open(_ context.Context, key string) (io.ReadCloser, *BlobHeader, error) {
	path, err := fs.keyToPath(key)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("opening file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, nil, ErrNotFound
	}
	header, err := readHeader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return f, header, nil
}

// readHeader consumes the frame at the start of f, leaving f positioned at
// the body. Unframed files are left at offset zero.
func readHeader(f *os.File) (*BlobHeader, error) {
	header, offset, err := readFrame(f)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to body: %w", err)
	}
	return header, nil
}

// Delete removes data at the given key. Directories left empty under the
// root are pruned.
func (fs *Filesystem) Delete(ctx context.Context, key string) error {
	path, err := fs.keyToPath(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	fs.pruneEmptyDirs(filepath.Dir(path))
	return nil
}

// Exists checks if a key exists.
func (fs *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	path, err := fs.keyToPath(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// List returns all keys with the given prefix.
func (fs *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir := fs.root
	if prefix != "" {
		var err error
		if dir, err = fs.keyToPath(prefix); err != nil {
			return nil, err
		}
	}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}

	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(fs.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

// Size returns the size of the body stored at the given key.
func (fs *Filesystem) Size(ctx context.Context, key string) (int64, error) {
	rc, _, err := fs.Open(ctx, key)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	f := rc.(*os.File)
	offset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, fmt.Errorf("seeking file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat file: %w", err)
	}
	return info.Size() - offset, nil
}

// URL returns {baseURL}/blobs/{key}.
func (fs *Filesystem) URL(key string) string {
	return fs.baseURL + "/blobs/" + escapeKey(key)
}

// keyToPath converts a key to a filesystem path, rejecting keys that would
// resolve outside the root.
func (fs *Filesystem) keyToPath(key string) (string, error) {
	rel := filepath.FromSlash(key)
	if key == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(fs.root, rel), nil
}

func (fs *Filesystem) pruneEmptyDirs(dir string) {
	for dir != fs.root && strings.HasPrefix(dir, fs.root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// Compile-time interface checks
var (
	_ Backend          = (*Filesystem)(nil)
	_ SizeAwareBackend = (*Filesystem)(nil)
)
