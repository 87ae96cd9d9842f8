package metadb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.etcd.io/bbolt"
)

// DBStats contains statistics about the metadata database.
type DBStats struct {
	RecordCount        int64            `json:"record_count"`
	ExpiredCount       int64            `json:"expired_count"`
	CompressedCount    int64            `json:"compressed_count"`
	TotalPayloadSize   int64            `json:"total_payload_size"`
	ExpiryIndexedCount int64            `json:"expiry_indexed_count"`
	ByCollection       map[string]int64 `json:"by_collection"`
	OldestCreatedAt    time.Time        `json:"oldest_created_at,omitzero"`
	NewestCreatedAt    time.Time        `json:"newest_created_at,omitzero"`
	LedgerCount        int64            `json:"ledger_count"`
	LedgerDueCount     int64            `json:"ledger_due_count"`
	LedgerFailingCount int64            `json:"ledger_failing_count"`
	DBFileSize         int64            `json:"db_file_size"`
}

// Stats returns statistics about the database.
func (b *BoltDB) Stats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{
		ByCollection: make(map[string]int64),
	}

	now := b.now()

	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketRecords).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			stats.RecordCount++

			collection, _ := parseRecordKey(k)
			stats.ByCollection[collection]++

			var sr storedRecord
			if err := json.Unmarshal(v, &sr); err != nil {
				continue
			}

			stats.TotalPayloadSize += int64(sr.Size)
			if sr.Encoding == EncodingZstd {
				stats.CompressedCount++
			}
			if !sr.ExpiresAt.IsZero() && !now.Before(sr.ExpiresAt) {
				stats.ExpiredCount++
			}
			if stats.OldestCreatedAt.IsZero() || sr.CreatedAt.Before(stats.OldestCreatedAt) {
				stats.OldestCreatedAt = sr.CreatedAt
			}
			if sr.CreatedAt.After(stats.NewestCreatedAt) {
				stats.NewestCreatedAt = sr.CreatedAt
			}
		}

		stats.ExpiryIndexedCount = int64(tx.Bucket(bucketRecordExpiryByKey).Stats().KeyN)

		return tx.Bucket(bucketLedger).ForEach(func(_, v []byte) error {
			stats.LedgerCount++
			var entry LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			if !now.Before(entry.ExpiresAt) {
				stats.LedgerDueCount++
			}
			if entry.Attempts > 0 {
				stats.LedgerFailingCount++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if b.db != nil {
		if fi, err := os.Stat(b.db.Path()); err == nil {
			stats.DBFileSize = fi.Size()
		}
	}

	return stats, nil
}

// RecordInspectResult contains detailed information about a single record.
type RecordInspectResult struct {
	Collection       string    `json:"collection"`
	ID               string    `json:"id"`
	Exists           bool      `json:"exists"`
	Encoding         Encoding  `json:"encoding,omitempty"`
	PayloadSize      int       `json:"payload_size,omitempty"`
	StoredSize       int       `json:"stored_size,omitempty"`
	CompressionRatio float64   `json:"compression_ratio,omitempty"`
	Digest           string    `json:"digest,omitempty"`
	CreatedAt        time.Time `json:"created_at,omitzero"`
	ExpiresAt        time.Time `json:"expires_at,omitzero"`
	IsExpired        bool      `json:"is_expired"`
	Indexed          bool      `json:"indexed"`
}

// InspectRecord returns storage details of a record, including expired ones.
func (b *BoltDB) InspectRecord(_ context.Context, collection, id string) (*RecordInspectResult, error) {
	result := &RecordInspectResult{
		Collection: collection,
		ID:         id,
	}

	err := b.db.View(func(tx *bbolt.Tx) error {
		compoundKey := makeRecordKey(collection, id)
		val := tx.Bucket(bucketRecords).Get(compoundKey)
		if val == nil {
			return nil
		}

		var sr storedRecord
		if err := json.Unmarshal(val, &sr); err != nil {
			return fmt.Errorf("unmarshaling record: %w", err)
		}

		result.Exists = true
		result.Encoding = sr.Encoding
		result.PayloadSize = sr.Size
		result.StoredSize = len(sr.Payload)
		result.Digest = sr.Digest
		result.CreatedAt = sr.CreatedAt
		result.ExpiresAt = sr.ExpiresAt
		result.IsExpired = !sr.ExpiresAt.IsZero() && !b.now().Before(sr.ExpiresAt)
		result.Indexed = tx.Bucket(bucketRecordExpiryByKey).Get(compoundKey) != nil

		if sr.Size > 0 && len(sr.Payload) > 0 {
			result.CompressionRatio = float64(sr.Size) / float64(len(sr.Payload))
		}
		return nil
	})

	return result, err
}

// IndexDiscrepancy describes a record whose expiry index disagrees with the
// record itself.
type IndexDiscrepancy struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Stored     time.Time `json:"stored,omitzero"`
	Indexed    time.Time `json:"indexed,omitzero"`
}

// VerifyIndexes compares every record's expiry with the expiry indexes.
// Returns discrepancies without modifying the database.
func (b *BoltDB) VerifyIndexes(ctx context.Context) ([]IndexDiscrepancy, error) {
	var discrepancies []IndexDiscrepancy

	err := b.db.View(func(tx *bbolt.Tx) error {
		reverse := tx.Bucket(bucketRecordExpiryByKey)
		forward := tx.Bucket(bucketRecordsByExpiry)

		err := tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var sr storedRecord
			if err := json.Unmarshal(v, &sr); err != nil {
				return nil
			}

			var indexed time.Time
			if ts := reverse.Get(k); ts != nil {
				indexed = decodeTimestamp(ts)
				if forward.Get(makeExpiryKey(indexed, k)) == nil {
					indexed = time.Time{}
				}
			}
			if !indexed.Equal(sr.ExpiresAt) {
				collection, id := parseRecordKey(k)
				discrepancies = append(discrepancies, IndexDiscrepancy{
					Collection: collection,
					ID:         id,
					Stored:     sr.ExpiresAt,
					Indexed:    indexed,
				})
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Index entries pointing at records that no longer exist.
		records := tx.Bucket(bucketRecords)
		return reverse.ForEach(func(k, ts []byte) error {
			if records.Get(k) == nil {
				collection, id := parseRecordKey(k)
				discrepancies = append(discrepancies, IndexDiscrepancy{
					Collection: collection,
					ID:         id,
					Indexed:    decodeTimestamp(ts),
				})
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return discrepancies, nil
}

// RebuildIndexes recreates the record expiry indexes from the records.
// Returns the number of records indexed.
func (b *BoltDB) RebuildIndexes(ctx context.Context) (int, error) {
	indexed := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRecordsByExpiry, bucketRecordExpiryByKey} {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("deleting bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}

		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var sr storedRecord
			if err := json.Unmarshal(v, &sr); err != nil {
				return nil
			}
			if sr.ExpiresAt.IsZero() {
				return nil
			}
			key := bytes.Clone(k)
			if err := b.updateRecordExpiryIndex(tx, key, &sr.ExpiresAt); err != nil {
				return err
			}
			indexed++
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	b.logger.Info("rebuilt expiry indexes", "indexed", indexed)
	return indexed, nil
}

// CompactDB triggers a database compaction by copying to a new file.
// This reclaims space from deleted entries.
func (b *BoltDB) CompactDB(_ context.Context, destPath string) error {
	destDB, err := bbolt.Open(destPath, 0o600, &bbolt.Options{
		NoSync: b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening destination database: %w", err)
	}
	defer destDB.Close()

	return b.db.View(func(srcTx *bbolt.Tx) error {
		return destDB.Update(func(destTx *bbolt.Tx) error {
			return srcTx.ForEach(func(name []byte, srcBucket *bbolt.Bucket) error {
				destBucket, err := destTx.CreateBucketIfNotExists(name)
				if err != nil {
					return fmt.Errorf("creating bucket %s: %w", name, err)
				}

				return srcBucket.ForEach(func(k, v []byte) error {
					return destBucket.Put(k, v)
				})
			})
		})
	})
}

// ExportRecordsToJSON writes every live record of a collection to a JSON
// file for debugging. Payloads are embedded as raw JSON.
func (b *BoltDB) ExportRecordsToJSON(ctx context.Context, collection, path string) error {
	type exportEntry struct {
		ID        string          `json:"id"`
		CreatedAt time.Time       `json:"created_at"`
		ExpiresAt time.Time       `json:"expires_at,omitzero"`
		Data      json.RawMessage `json:"data"`
	}

	var entries []exportEntry
	err := b.ScanRecords(ctx, collection, func(rec *Record) error {
		data := json.RawMessage(rec.Data)
		if !json.Valid(rec.Data) {
			data, _ = json.Marshal(rec.Data)
		}
		entries = append(entries, exportEntry{
			ID:        rec.ID,
			CreatedAt: rec.CreatedAt,
			ExpiresAt: rec.ExpiresAt,
			Data:      data,
		})
		return nil
	})
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(entries)
}
