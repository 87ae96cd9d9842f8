package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/wolfeidau/selectify/telemetry"
)

// S3Config configures the S3-compatible backend.
type S3Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	UseSSL          bool

	// PublicBaseURL, when set, replaces {scheme}://{endpoint}/{bucket} as
	// the prefix of blob addresses (for example a CDN in front of the bucket).
	PublicBaseURL string

	// CreateBucket creates the bucket on startup if it is missing.
	CreateBucket bool

	// Transport is the base HTTP transport. Requests are always wrapped with
	// telemetry.InstrumentedTransport.
	Transport http.RoundTripper
}

// Validate checks required fields.
func (c S3Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("s3: endpoint is required")
	}
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	return nil
}

// S3 implements Backend on any S3-compatible object store.
type S3 struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

// NewS3 creates an S3 backend. It only talks to the store when
// cfg.CreateBucket is set.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupAuto,
		Transport:    telemetry.NewInstrumentedTransport(cfg.Transport, "s3"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}

	baseURL := strings.TrimRight(cfg.PublicBaseURL, "/")
	if baseURL == "" {
		ep := client.EndpointURL()
		baseURL = fmt.Sprintf("%s://%s/%s", ep.Scheme, ep.Host, cfg.Bucket)
	}

	s := &S3{client: client, bucket: cfg.Bucket, baseURL: baseURL}

	if cfg.CreateBucket {
		if err := s.ensureBucket(ctx, cfg.Region); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *S3) ensureBucket(ctx context.Context, region string) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", s.bucket, err)
	}
	if ok {
		return nil
	}
	err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region})
	if err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return fmt.Errorf("creating bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Write uploads r under key.
func (s *S3) Write(ctx context.Context, key string, r io.Reader, opts WriteOptions) error {
	if key == "" {
		return ErrInvalidKey
	}
	size := opts.Size
	if size <= 0 {
		size = -1
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, putOptions(opts))
	if err != nil {
		return fmt.Errorf("putting object %s: %w", key, err)
	}
	return nil
}

// putOptions maps WriteOptions to minio options. Public blobs carry the
// canned public-read ACL header.
func putOptions(opts WriteOptions) minio.PutObjectOptions {
	md := make(map[string]string, len(opts.Metadata)+1)
	maps.Copy(md, opts.Metadata)
	if opts.Public {
		md["x-amz-acl"] = "public-read"
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: md,
	}
}

// Read opens key for reading.
func (s *S3) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapError("getting", key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, s.mapError("getting", key, err)
	}
	return obj, nil
}

// Delete removes key. Missing keys are not an error.
func (s *S3) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("removing object %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key exists.
func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", key, err)
	}
	return true, nil
}

// Size returns the stored size of key.
func (s *S3) Size(ctx context.Context, key string) (int64, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, s.mapError("stat", key, err)
	}
	return info.Size, nil
}

// List returns every key under prefix.
func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing objects under %q: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// URL returns the public address of key.
func (s *S3) URL(key string) string {
	return s.baseURL + "/" + escapeKey(key)
}

func (s *S3) mapError(op, key string, err error) error {
	if isNoSuchKey(err) {
		return ErrNotFound
	}
	return fmt.Errorf("%s object %s: %w", op, key, err)
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || (resp.StatusCode == http.StatusNotFound && resp.Code != "NoSuchBucket")
}

var (
	_ Backend          = (*S3)(nil)
	_ SizeAwareBackend = (*S3)(nil)
)
