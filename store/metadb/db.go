package metadb

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record or ledger entry does not exist
	// or has expired.
	ErrNotFound = errors.New("metadb: not found")

	// ErrExists is returned by CreateRecord when a live record already
	// holds the id.
	ErrExists = errors.New("metadb: already exists")

	// ErrSkipUpdate may be returned from an update function to leave the
	// record untouched. The update then reports success.
	ErrSkipUpdate = errors.New("metadb: skip update")

	// ErrStopScan may be returned from a scan function to end the scan early.
	ErrStopScan = errors.New("metadb: stop scan")
)

// UpdateFunc receives the current payload of a record and returns its
// replacement.
type UpdateFunc func(data []byte) ([]byte, error)

// MetaDB provides record and blob-ledger storage.
type MetaDB interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Records. Reads treat a record past its expiry as absent.
	GetRecord(ctx context.Context, collection, id string) (*Record, error)
	CreateRecord(ctx context.Context, collection, id string, data []byte, ttl time.Duration) error
	PutRecord(ctx context.Context, collection, id string, data []byte, ttl time.Duration) error
	UpdateRecord(ctx context.Context, collection, id string, fn UpdateFunc) error
	DeleteRecord(ctx context.Context, collection, id string) error
	ListRecords(ctx context.Context, collection string) ([]*Record, error)
	ScanRecords(ctx context.Context, collection string, fn func(*Record) error) error

	// Expiry
	GetExpiredRecords(ctx context.Context, before time.Time, limit int) ([]ExpiryEntry, error)
	DeleteExpiredRecords(ctx context.Context, entries []ExpiryEntry) (int, error)

	// Blob ledger
	PutLedgerEntry(ctx context.Context, entry *LedgerEntry) error
	GetLedgerEntry(ctx context.Context, key string) (*LedgerEntry, error)
	DeleteLedgerEntry(ctx context.Context, key string) error
	RescheduleLedgerEntry(ctx context.Context, key string, expiresAt time.Time) error
	RecordLedgerFailure(ctx context.Context, key string, cause error) error
	GetDueLedgerEntries(ctx context.Context, now time.Time, limit int) ([]*LedgerEntry, error)
	LedgerContains(ctx context.Context, keys []string) (map[string]bool, error)

	// Now returns the store clock.
	Now() time.Time
}

// New creates a new MetaDB backed by bbolt.
func New(opts ...BoltDBOption) MetaDB {
	return NewBoltDB(opts...)
}
