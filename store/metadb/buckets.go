package metadb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketRecords           = []byte("records")              // collection\x00id -> storedRecord JSON
	bucketRecordsByExpiry   = []byte("records_by_expiry")    // timestamp+collection\x00id -> collection\x00id
	bucketRecordExpiryByKey = []byte("record_expiry_by_key") // collection\x00id -> 8-byte timestamp (reverse index for O(1) delete)

	bucketLedger         = []byte("ledger")           // blob key -> LedgerEntry JSON
	bucketLedgerByExpiry = []byte("ledger_by_expiry") // timestamp+blob key -> blob key
)

var allBuckets = [][]byte{
	bucketRecords,
	bucketRecordsByExpiry,
	bucketRecordExpiryByKey,
	bucketLedger,
	bucketLedgerByExpiry,
}

const (
	recordKeySeparator    = byte(0)
	timestampPrefixLength = 8
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, timestampPrefixLength)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < timestampPrefixLength {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:timestampPrefixLength])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeRecordKey creates the compound key for a record.
// Format: [collection][separator][id]
func makeRecordKey(collection, id string) []byte {
	result := make([]byte, len(collection)+1+len(id))
	copy(result, collection)
	result[len(collection)] = recordKeySeparator
	copy(result[len(collection)+1:], id)
	return result
}

// parseRecordKey extracts collection and id from a compound key.
func parseRecordKey(data []byte) (collection, id string) {
	for i, b := range data {
		if b == recordKeySeparator {
			return string(data[:i]), string(data[i+1:])
		}
	}
	return string(data), ""
}

// makeExpiryKey prefixes key with an encoded timestamp for the expiry indexes.
// Format: [8-byte timestamp][key]
func makeExpiryKey(expiresAt time.Time, key []byte) []byte {
	result := make([]byte, timestampPrefixLength+len(key))
	copy(result, encodeTimestamp(expiresAt))
	copy(result[timestampPrefixLength:], key)
	return result
}

// parseExpiryKey splits an expiry index key into its timestamp and key.
func parseExpiryKey(data []byte) (expiresAt time.Time, key []byte) {
	if len(data) < timestampPrefixLength {
		return time.Time{}, nil
	}
	return decodeTimestamp(data), data[timestampPrefixLength:]
}
