package metadb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements MetaDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	codec  *Codec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating record codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	err := b.db.Close()
	b.db = nil
	return err
}

// DB returns the underlying bbolt database.
func (b *BoltDB) DB() *bbolt.DB {
	return b.db
}

// Now returns the store clock.
func (b *BoltDB) Now() time.Time {
	return b.now()
}

// =============================================================================
// Records
// =============================================================================

func (b *BoltDB) encodeRecord(data []byte, createdAt, expiresAt time.Time) ([]byte, error) {
	payload, encoding, digest, err := b.codec.Encode(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&storedRecord{
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		Encoding:  encoding,
		Size:      len(data),
		Digest:    digest,
		Payload:   payload,
	})
}

func (b *BoltDB) decodeRecord(compoundKey, val []byte) (*Record, error) {
	var sr storedRecord
	if err := json.Unmarshal(val, &sr); err != nil {
		return nil, fmt.Errorf("unmarshaling record: %w", err)
	}
	data, err := b.codec.Decode(sr.Payload, sr.Encoding, sr.Digest, sr.Size)
	if err != nil {
		return nil, err
	}
	collection, id := parseRecordKey(compoundKey)
	return &Record{
		Collection: collection,
		ID:         id,
		Data:       data,
		CreatedAt:  sr.CreatedAt,
		ExpiresAt:  sr.ExpiresAt,
	}, nil
}

// getLiveRecord reads a record inside tx, treating expired records as absent.
func (b *BoltDB) getLiveRecord(tx *bbolt.Tx, compoundKey []byte) (*Record, error) {
	val := tx.Bucket(bucketRecords).Get(compoundKey)
	if val == nil {
		return nil, ErrNotFound
	}
	rec, err := b.decodeRecord(compoundKey, val)
	if err != nil {
		return nil, err
	}
	if rec.Expired(b.now()) {
		return nil, ErrNotFound
	}
	return rec, nil
}

// GetRecord retrieves a live record.
func (b *BoltDB) GetRecord(_ context.Context, collection, id string) (*Record, error) {
	var rec *Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = b.getLiveRecord(tx, makeRecordKey(collection, id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// CreateRecord stores a new record. It fails with ErrExists if a live record
// already holds the id; an expired one is replaced.
func (b *BoltDB) CreateRecord(_ context.Context, collection, id string, data []byte, ttl time.Duration) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		compoundKey := makeRecordKey(collection, id)
		if _, err := b.getLiveRecord(tx, compoundKey); err == nil {
			return ErrExists
		} else if !errors.Is(err, ErrNotFound) {
			b.logger.Warn("replacing unreadable record", "collection", collection, "id", id, "error", err)
		}
		return b.putRecordInTx(tx, compoundKey, data, ttl)
	})
}

// PutRecord stores a record, replacing any existing one. The record's
// creation time and expiry restart from now.
func (b *BoltDB) PutRecord(_ context.Context, collection, id string, data []byte, ttl time.Duration) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.putRecordInTx(tx, makeRecordKey(collection, id), data, ttl)
	})
}

func (b *BoltDB) putRecordInTx(tx *bbolt.Tx, compoundKey, data []byte, ttl time.Duration) error {
	now := b.now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	val, err := b.encodeRecord(data, now, expiresAt)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	if err := tx.Bucket(bucketRecords).Put(compoundKey, val); err != nil {
		return fmt.Errorf("putting record: %w", err)
	}

	var indexAt *time.Time
	if !expiresAt.IsZero() {
		indexAt = &expiresAt
	}
	return b.updateRecordExpiryIndex(tx, compoundKey, indexAt)
}

// UpdateRecord performs read-modify-write in a single Bolt transaction.
// bbolt serialises writers, so concurrent updates of the same record never
// interleave. The record keeps its creation time and expiry. fn may return
// ErrSkipUpdate (or nil data) to leave the record as it is.
func (b *BoltDB) UpdateRecord(_ context.Context, collection, id string, fn UpdateFunc) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		compoundKey := makeRecordKey(collection, id)
		rec, err := b.getLiveRecord(tx, compoundKey)
		if err != nil {
			return err
		}

		data, err := fn(rec.Data)
		if errors.Is(err, ErrSkipUpdate) {
			return nil
		}
		if err != nil {
			return err
		}
		if data == nil {
			return nil
		}

		val, err := b.encodeRecord(data, rec.CreatedAt, rec.ExpiresAt)
		if err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
		return tx.Bucket(bucketRecords).Put(compoundKey, val)
	})
}

// DeleteRecord removes a record. Deleting a missing record is not an error.
func (b *BoltDB) DeleteRecord(_ context.Context, collection, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		compoundKey := makeRecordKey(collection, id)
		if err := b.updateRecordExpiryIndex(tx, compoundKey, nil); err != nil {
			return err
		}
		return tx.Bucket(bucketRecords).Delete(compoundKey)
	})
}

// ScanRecords calls fn for every live record in collection, in id order.
// fn runs inside a read transaction and must not call back into the store.
// Returning ErrStopScan ends the scan without error.
func (b *BoltDB) ScanRecords(ctx context.Context, collection string, fn func(*Record) error) error {
	prefix := makeRecordKey(collection, "")
	now := b.now()

	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketRecords).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := b.decodeRecord(k, v)
			if err != nil {
				b.logger.Warn("skipping unreadable record", "key", string(k), "error", err)
				continue
			}
			if rec.Expired(now) {
				continue
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrStopScan) {
		return nil
	}
	return err
}

// ListRecords returns every live record in collection.
func (b *BoltDB) ListRecords(ctx context.Context, collection string) ([]*Record, error) {
	var records []*Record
	err := b.ScanRecords(ctx, collection, func(rec *Record) error {
		records = append(records, rec)
		return nil
	})
	return records, err
}

// updateRecordExpiryIndex updates the expiry forward+reverse indexes.
// If expiresAt is nil, only deletes existing index entries.
func (b *BoltDB) updateRecordExpiryIndex(tx *bbolt.Tx, compoundKey []byte, expiresAt *time.Time) error {
	expiryBucket := tx.Bucket(bucketRecordsByExpiry)
	reverseIndexBucket := tx.Bucket(bucketRecordExpiryByKey)

	// Delete the old forward entry via the reverse index, then the reverse entry.
	if tsBytes := reverseIndexBucket.Get(compoundKey); tsBytes != nil {
		oldExpiresAt := decodeTimestamp(tsBytes)
		if err := expiryBucket.Delete(makeExpiryKey(oldExpiresAt, compoundKey)); err != nil {
			return fmt.Errorf("deleting old expiry index: %w", err)
		}
		if err := reverseIndexBucket.Delete(compoundKey); err != nil {
			return fmt.Errorf("deleting reverse index: %w", err)
		}
	}

	if expiresAt != nil {
		if err := expiryBucket.Put(makeExpiryKey(*expiresAt, compoundKey), compoundKey); err != nil {
			return fmt.Errorf("putting expiry index: %w", err)
		}
		if err := reverseIndexBucket.Put(compoundKey, encodeTimestamp(*expiresAt)); err != nil {
			return fmt.Errorf("putting expiry reverse index: %w", err)
		}
	}

	return nil
}

// GetExpiredRecords returns up to limit records whose expiry is at or
// before the given time, oldest first.
func (b *BoltDB) GetExpiredRecords(_ context.Context, before time.Time, limit int) ([]ExpiryEntry, error) {
	var entries []ExpiryEntry
	beforeTs := encodeTimestamp(before)

	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketRecordsByExpiry).Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			// Keys are sorted by timestamp, so stop when we pass the cutoff
			if bytes.Compare(k[:timestampPrefixLength], beforeTs) > 0 {
				break
			}
			if limit > 0 && len(entries) >= limit {
				break
			}

			expiresAt, compoundKey := parseExpiryKey(k)
			collection, id := parseRecordKey(compoundKey)
			entries = append(entries, ExpiryEntry{
				Collection: collection,
				ID:         id,
				ExpiresAt:  expiresAt,
			})
		}
		return nil
	})
	return entries, err
}

// DeleteExpiredRecords removes the given records if they are still expired.
// Records replaced since the entries were read are kept. Returns the number
// of records deleted.
func (b *BoltDB) DeleteExpiredRecords(_ context.Context, entries []ExpiryEntry) (int, error) {
	deleted := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		now := b.now()

		for _, entry := range entries {
			compoundKey := makeRecordKey(entry.Collection, entry.ID)
			val := records.Get(compoundKey)
			if val != nil {
				rec, err := b.decodeRecord(compoundKey, val)
				if err == nil && !rec.Expired(now) {
					continue
				}
			}

			if err := b.updateRecordExpiryIndex(tx, compoundKey, nil); err != nil {
				return err
			}
			if val == nil {
				continue
			}
			if err := records.Delete(compoundKey); err != nil {
				return fmt.Errorf("deleting record: %w", err)
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// =============================================================================
// Blob ledger
// =============================================================================

func getLedgerInTx(tx *bbolt.Tx, key string) (*LedgerEntry, error) {
	val := tx.Bucket(bucketLedger).Get([]byte(key))
	if val == nil {
		return nil, ErrNotFound
	}
	var entry LedgerEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, fmt.Errorf("unmarshaling ledger entry: %w", err)
	}
	return &entry, nil
}

func putLedgerInTx(tx *bbolt.Tx, entry *LedgerEntry) error {
	ledger := tx.Bucket(bucketLedger)
	index := tx.Bucket(bucketLedgerByExpiry)
	key := []byte(entry.Key)

	if old, err := getLedgerInTx(tx, entry.Key); err == nil {
		if err := index.Delete(makeExpiryKey(old.ExpiresAt, key)); err != nil {
			return fmt.Errorf("deleting ledger index: %w", err)
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling ledger entry: %w", err)
	}
	if err := ledger.Put(key, data); err != nil {
		return fmt.Errorf("putting ledger entry: %w", err)
	}
	if err := index.Put(makeExpiryKey(entry.ExpiresAt, key), key); err != nil {
		return fmt.Errorf("putting ledger index: %w", err)
	}
	return nil
}

// PutLedgerEntry stores or replaces a ledger entry.
func (b *BoltDB) PutLedgerEntry(_ context.Context, entry *LedgerEntry) error {
	if entry == nil || entry.Key == "" {
		return errors.New("metadb: ledger entry requires a key")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = b.now()
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putLedgerInTx(tx, entry)
	})
}

// GetLedgerEntry returns the ledger entry for a blob key.
func (b *BoltDB) GetLedgerEntry(_ context.Context, key string) (*LedgerEntry, error) {
	var entry *LedgerEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		entry, err = getLedgerInTx(tx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// DeleteLedgerEntry removes a ledger entry. Missing entries are not an error.
func (b *BoltDB) DeleteLedgerEntry(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		old, err := getLedgerInTx(tx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err == nil {
			if err := tx.Bucket(bucketLedgerByExpiry).Delete(makeExpiryKey(old.ExpiresAt, []byte(key))); err != nil {
				return fmt.Errorf("deleting ledger index: %w", err)
			}
		}
		return tx.Bucket(bucketLedger).Delete([]byte(key))
	})
}

// RescheduleLedgerEntry moves the due time of a ledger entry.
func (b *BoltDB) RescheduleLedgerEntry(_ context.Context, key string, expiresAt time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		entry, err := getLedgerInTx(tx, key)
		if err != nil {
			return err
		}
		entry.ExpiresAt = expiresAt
		return putLedgerInTx(tx, entry)
	})
}

const (
	ledgerRetryBase = time.Minute
	ledgerRetryMax  = 12 * time.Hour
)

// ledgerRetryDelay returns how long a ledger entry waits after its nth failed
// deletion, doubling from ledgerRetryBase up to ledgerRetryMax.
func ledgerRetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := ledgerRetryBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= ledgerRetryMax {
			return ledgerRetryMax
		}
	}
	return delay
}

// RecordLedgerFailure notes a failed deletion attempt on a ledger entry and
// moves its due time back by ledgerRetryDelay, so failing entries fall behind
// the rest of the due index.
func (b *BoltDB) RecordLedgerFailure(_ context.Context, key string, cause error) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		entry, err := getLedgerInTx(tx, key)
		if err != nil {
			return err
		}
		entry.Attempts++
		if cause != nil {
			entry.LastError = cause.Error()
		}

		from := b.now()
		if entry.ExpiresAt.After(from) {
			from = entry.ExpiresAt
		}
		entry.ExpiresAt = from.Add(ledgerRetryDelay(entry.Attempts))
		return putLedgerInTx(tx, entry)
	})
}

// GetDueLedgerEntries returns up to limit ledger entries due at or before now,
// oldest first.
func (b *BoltDB) GetDueLedgerEntries(_ context.Context, now time.Time, limit int) ([]*LedgerEntry, error) {
	var entries []*LedgerEntry
	nowTs := encodeTimestamp(now)

	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketLedgerByExpiry).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if bytes.Compare(k[:timestampPrefixLength], nowTs) > 0 {
				break
			}
			if limit > 0 && len(entries) >= limit {
				break
			}
			entry, err := getLedgerInTx(tx, string(v))
			if err != nil {
				b.logger.Warn("dangling ledger index entry", "key", string(v), "error", err)
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// LedgerContains reports which of keys have a ledger entry.
func (b *BoltDB) LedgerContains(_ context.Context, keys []string) (map[string]bool, error) {
	found := make(map[string]bool, len(keys))
	err := b.db.View(func(tx *bbolt.Tx) error {
		ledger := tx.Bucket(bucketLedger)
		for _, key := range keys {
			found[key] = ledger.Get([]byte(key)) != nil
		}
		return nil
	})
	return found, err
}

// Compile-time interface check
var _ MetaDB = (*BoltDB)(nil)
