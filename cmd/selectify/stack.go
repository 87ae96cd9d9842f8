package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/selectify/backend"
	"github.com/wolfeidau/selectify/credentials"
	"github.com/wolfeidau/selectify/credentials/opprovider"
	"github.com/wolfeidau/selectify/gallery"
	"github.com/wolfeidau/selectify/imaging"
	"github.com/wolfeidau/selectify/store/metadb"
)

// StorageFlags select and configure the blob store.
type StorageFlags struct {
	Backend     string `help:"Blob store backend (filesystem, s3)." default:"filesystem" enum:"filesystem,s3" env:"SELECTIFY_BACKEND"`
	StoragePath string `help:"Filesystem backend root directory." default:"./data/blobs" env:"SELECTIFY_STORAGE_PATH" type:"path"`
	PublicURL   string `help:"Server URL that filesystem photo addresses are built from." default:"http://localhost:8080" env:"SELECTIFY_PUBLIC_URL"`

	S3Endpoint     string `help:"S3 endpoint (host:port)." env:"SELECTIFY_S3_ENDPOINT"`
	S3Bucket       string `help:"S3 bucket." env:"SELECTIFY_S3_BUCKET"`
	S3Region       string `help:"S3 region." env:"SELECTIFY_S3_REGION"`
	S3UseSSL       bool   `help:"Use TLS to reach the S3 endpoint." default:"true" negatable:"" env:"SELECTIFY_S3_USE_SSL"`
	S3CreateBucket bool   `help:"Create the S3 bucket if it is missing." env:"SELECTIFY_S3_CREATE_BUCKET"`
	S3PublicURL    string `help:"Base URL for S3 photo addresses, e.g. a CDN in front of the bucket." env:"SELECTIFY_S3_PUBLIC_URL"`

	Credentials string `help:"Credentials template file (JSON rendered with env, file, json and op functions)." required:"" env:"SELECTIFY_CREDENTIALS" type:"existingfile"`
	OPAccount   string `help:"1Password account used by op references in the credentials template." env:"SELECTIFY_OP_ACCOUNT"`

	Retention time.Duration `help:"How long photos and links live." default:"48h" env:"SELECTIFY_RETENTION"`
}

// stack holds the components shared by the serve and sweep commands.
type stack struct {
	creds    *credentials.Credentials
	db       *metadb.BoltDB
	blobs    backend.Backend
	registry *gallery.Registry
}

func (s *stack) Close() error {
	return s.db.Close()
}

func openStack(ctx context.Context, g *Globals, f *StorageFlags, logger *slog.Logger, registryOpts ...gallery.Option) (*stack, error) {
	resolver := credentials.NewResolver(
		credentials.WithLogger(logger),
		opprovider.WithOnePassword(opprovider.WithAccount(f.OPAccount)),
	)
	creds, err := resolver.ResolveFile(ctx, f.Credentials)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}
	if err := creds.Validate(f.Backend == "s3"); err != nil {
		return nil, err
	}

	blobs, err := newBlobStore(ctx, f, creds, logger)
	if err != nil {
		return nil, err
	}

	db := metadb.NewBoltDB(metadb.WithLogger(logger))
	if err := db.Open(g.DBPath); err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}

	opts := append([]gallery.Option{
		gallery.WithLogger(logger),
		gallery.WithRetention(f.Retention),
	}, registryOpts...)

	return &stack{
		creds:    creds,
		db:       db,
		blobs:    blobs,
		registry: gallery.NewRegistry(db, blobs, opts...),
	}, nil
}

func newBlobStore(ctx context.Context, f *StorageFlags, creds *credentials.Credentials, logger *slog.Logger) (backend.Backend, error) {
	var (
		base backend.Backend
		err  error
	)
	switch f.Backend {
	case "filesystem":
		base, err = backend.NewFilesystem(f.StoragePath, f.PublicURL)
	case "s3":
		cfg := backend.S3Config{
			Endpoint:        f.S3Endpoint,
			Bucket:          f.S3Bucket,
			Region:          f.S3Region,
			AccessKeyID:     creds.S3.AccessKeyID,
			SecretAccessKey: creds.S3.SecretAccessKey,
			SessionToken:    creds.S3.SessionToken,
			UseSSL:          f.S3UseSSL,
			CreateBucket:    f.S3CreateBucket,
			PublicBaseURL:   f.S3PublicURL,
		}
		if err = cfg.Validate(); err != nil {
			return nil, err
		}
		base, err = backend.NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown backend: %s", f.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s backend: %w", f.Backend, err)
	}

	logger.Info("blob store ready", "backend", f.Backend)

	return backend.NewRetryingBackend(
		backend.NewInstrumentedBackend(base, f.Backend),
		backend.RetryConfig{Logger: logger},
	), nil
}

func newResizer(quality int, maxDimension uint, logger *slog.Logger) imaging.Resizer {
	return imaging.NewJPEGResizer(
		imaging.WithQuality(quality),
		imaging.WithMaxDimension(maxDimension),
		imaging.WithLogger(logger),
	)
}
