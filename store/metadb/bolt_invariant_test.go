package metadb

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

// Helper functions for inspecting bucket contents

// countBucketEntries counts the number of entries in a bucket.
func countBucketEntries(tx *bbolt.Tx, bucket []byte) int {
	b := tx.Bucket(bucket)
	if b == nil {
		return 0
	}
	count := 0
	_ = b.ForEach(func(_, _ []byte) error {
		count++
		return nil
	})
	return count
}

// getBucketEntriesForKey returns all keys in a bucket that contain the given substring.
func getBucketEntriesForKey(tx *bbolt.Tx, bucket []byte, keySubstring []byte) [][]byte {
	b := tx.Bucket(bucket)
	if b == nil {
		return nil
	}
	var keys [][]byte
	_ = b.ForEach(func(k, _ []byte) error {
		if bytes.Contains(k, keySubstring) {
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			keys = append(keys, keyCopy)
		}
		return nil
	})
	return keys
}

// getBucketEntriesForValue returns all keys in a bucket whose values contain the given substring.
func getBucketEntriesForValue(tx *bbolt.Tx, bucket []byte, valueSubstring []byte) [][]byte {
	b := tx.Bucket(bucket)
	if b == nil {
		return nil
	}
	var keys [][]byte
	_ = b.ForEach(func(k, v []byte) error {
		if bytes.Contains(v, valueSubstring) {
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			keys = append(keys, keyCopy)
		}
		return nil
	})
	return keys
}

func TestRecordExpiryIndex_SingleEntryAfterRepeatedPuts(t *testing.T) {
	ctx := context.Background()
	baseTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	currentTime := baseTime
	db := newTestBoltDB(t, WithNow(func() time.Time { return currentTime }))

	compoundKey := makeRecordKey("photoLink", "link-1")

	// Put the same record 10 times with different TTLs
	for i := 0; i < 10; i++ {
		ttl := time.Duration(i+1) * time.Hour
		data := []byte(fmt.Sprintf(`{"visitCount":%d}`, i))
		require.NoError(t, db.PutRecord(ctx, "photoLink", "link-1", data, ttl))
		// Advance time slightly to ensure different expiry timestamps
		currentTime = currentTime.Add(time.Minute)
	}

	err := db.db.View(func(tx *bbolt.Tx) error {
		expiryEntries := getBucketEntriesForValue(tx, bucketRecordsByExpiry, compoundKey)
		assert.Len(t, expiryEntries, 1, "should have exactly one entry in records_by_expiry for this key")

		reverseEntries := getBucketEntriesForKey(tx, bucketRecordExpiryByKey, compoundKey)
		assert.Len(t, reverseEntries, 1, "should have exactly one entry in record_expiry_by_key for this key")

		if len(expiryEntries) == 1 && len(reverseEntries) == 1 {
			forwardTs := decodeTimestamp(expiryEntries[0][:8])
			tsBytes := tx.Bucket(bucketRecordExpiryByKey).Get(compoundKey)
			require.NotNil(t, tsBytes)
			reverseTs := decodeTimestamp(tsBytes)

			assert.Equal(t, forwardTs.UnixNano(), reverseTs.UnixNano(), "timestamps in forward and reverse indexes should match")
		}

		return nil
	})
	require.NoError(t, err)
}

func TestRecordExpiryIndex_UpdateKeepsIndex(t *testing.T) {
	ctx := context.Background()
	baseTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	currentTime := baseTime
	db := newTestBoltDB(t, WithNow(func() time.Time { return currentTime }))

	compoundKey := makeRecordKey("photoLink", "link-1")
	require.NoError(t, db.PutRecord(ctx, "photoLink", "link-1", []byte(`{"visitCount":0}`), time.Hour))

	for i := 1; i <= 3; i++ {
		currentTime = currentTime.Add(time.Minute)
		require.NoError(t, db.UpdateRecord(ctx, "photoLink", "link-1", func([]byte) ([]byte, error) {
			return []byte(fmt.Sprintf(`{"visitCount":%d}`, i)), nil
		}))
	}

	err := db.db.View(func(tx *bbolt.Tx) error {
		expiryEntries := getBucketEntriesForValue(tx, bucketRecordsByExpiry, compoundKey)
		require.Len(t, expiryEntries, 1)
		assert.Equal(t, baseTime.Add(time.Hour).UnixNano(), decodeTimestamp(expiryEntries[0][:8]).UnixNano())
		return nil
	})
	require.NoError(t, err)
}

func TestRecordExpiryIndex_DeleteCleansUpIndexes(t *testing.T) {
	ctx := context.Background()
	baseTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	db := newTestBoltDB(t, WithNow(func() time.Time { return baseTime }))

	compoundKey := makeRecordKey("photo", "p1")

	require.NoError(t, db.PutRecord(ctx, "photo", "p1", []byte(`{"originalFileName":"a.jpg"}`), time.Hour))

	err := db.db.View(func(tx *bbolt.Tx) error {
		expiryEntries := getBucketEntriesForValue(tx, bucketRecordsByExpiry, compoundKey)
		assert.Len(t, expiryEntries, 1, "should have expiry index entry before delete")

		reverseEntries := getBucketEntriesForKey(tx, bucketRecordExpiryByKey, compoundKey)
		assert.Len(t, reverseEntries, 1, "should have reverse index entry before delete")

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, db.DeleteRecord(ctx, "photo", "p1"))

	err = db.db.View(func(tx *bbolt.Tx) error {
		expiryEntries := getBucketEntriesForValue(tx, bucketRecordsByExpiry, compoundKey)
		assert.Empty(t, expiryEntries, "should have no expiry index entries after delete")

		reverseEntries := getBucketEntriesForKey(tx, bucketRecordExpiryByKey, compoundKey)
		assert.Empty(t, reverseEntries, "should have no reverse index entries after delete")

		return nil
	})
	require.NoError(t, err)
}

func TestIndexConsistency_AfterMixedOperations(t *testing.T) {
	ctx := context.Background()
	baseTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	currentTime := baseTime
	db := newTestBoltDB(t, WithNow(func() time.Time { return currentTime }))

	require.NoError(t, db.PutRecord(ctx, "photo", "p1", []byte("1"), time.Hour))
	currentTime = currentTime.Add(time.Minute)
	require.NoError(t, db.PutRecord(ctx, "photo", "p2", []byte("2"), 2*time.Hour))
	currentTime = currentTime.Add(time.Minute)
	require.NoError(t, db.CreateRecord(ctx, "photoLink", "l1", []byte("3"), 3*time.Hour))
	currentTime = currentTime.Add(time.Minute)
	require.NoError(t, db.PutRecord(ctx, "photo", "p1", []byte("1b"), 4*time.Hour))
	currentTime = currentTime.Add(time.Minute)
	require.NoError(t, db.PutRecord(ctx, "photo", "p1", []byte("1c"), 5*time.Hour))
	require.NoError(t, db.PutRecord(ctx, "settings", "s1", []byte("{}"), 0))

	require.NoError(t, db.PutLedgerEntry(ctx, &LedgerEntry{Key: "photos/a/1.jpg", ExpiresAt: baseTime.Add(time.Hour)}))
	require.NoError(t, db.PutLedgerEntry(ctx, &LedgerEntry{Key: "photos/b/2.jpg", ExpiresAt: baseTime.Add(time.Hour)}))
	require.NoError(t, db.RescheduleLedgerEntry(ctx, "photos/a/1.jpg", baseTime.Add(2*time.Hour)))
	require.NoError(t, db.RecordLedgerFailure(ctx, "photos/b/2.jpg", fmt.Errorf("unavailable")))
	require.NoError(t, db.DeleteLedgerEntry(ctx, "photos/b/2.jpg"))

	require.NoError(t, db.DeleteRecord(ctx, "photo", "p2"))

	err := db.db.View(func(tx *bbolt.Tx) error {
		expiryBucket := tx.Bucket(bucketRecordsByExpiry)
		reverseIndexBucket := tx.Bucket(bucketRecordExpiryByKey)

		forwardCount := countBucketEntries(tx, bucketRecordsByExpiry)
		reverseCount := countBucketEntries(tx, bucketRecordExpiryByKey)
		assert.Equal(t, forwardCount, reverseCount,
			"record expiry forward and reverse index counts should match")

		// Every forward entry has a matching reverse entry
		_ = expiryBucket.ForEach(func(k, v []byte) error {
			ts := reverseIndexBucket.Get(v)
			if !assert.NotNil(t, ts, "reverse index should exist for forward index entry") {
				return nil
			}
			forwardTs := decodeTimestamp(k[:8])
			reverseTs := decodeTimestamp(ts)
			assert.Equal(t, forwardTs.UnixNano(), reverseTs.UnixNano(), "timestamps should match for compound key %q", v)
			return nil
		})

		// Every reverse entry has a matching forward entry
		_ = reverseIndexBucket.ForEach(func(compoundKey, ts []byte) error {
			forwardFound := false
			_ = expiryBucket.ForEach(func(k, v []byte) error {
				if bytes.Equal(v, compoundKey) {
					forwardFound = true
					assert.Equal(t, decodeTimestamp(k[:8]).UnixNano(), decodeTimestamp(ts).UnixNano(), "timestamps should match")
				}
				return nil
			})
			assert.True(t, forwardFound, "forward index should exist for reverse index entry")
			return nil
		})

		// p1 and l1 carry expiry; s1 never expires and is not indexed.
		assert.Equal(t, 2, forwardCount)
		assert.Equal(t, 3, countBucketEntries(tx, bucketRecords))

		// Ledger and its index stay in step.
		assert.Equal(t, 1, countBucketEntries(tx, bucketLedger))
		assert.Equal(t, 1, countBucketEntries(tx, bucketLedgerByExpiry))
		ledgerIndex := getBucketEntriesForValue(tx, bucketLedgerByExpiry, []byte("photos/a/1.jpg"))
		require.Len(t, ledgerIndex, 1)
		assert.Equal(t, baseTime.Add(2*time.Hour).UnixNano(), decodeTimestamp(ledgerIndex[0][:8]).UnixNano())

		return nil
	})
	require.NoError(t, err)

	discrepancies, err := db.VerifyIndexes(ctx)
	require.NoError(t, err)
	assert.Empty(t, discrepancies)
}
