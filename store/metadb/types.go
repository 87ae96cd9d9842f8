// Package metadb provides record storage with per-record expiry on bbolt.
package metadb

import "time"

// Record is a stored document in a named collection.
type Record struct {
	Collection string
	ID         string
	Data       []byte
	CreatedAt  time.Time
	// ExpiresAt is zero for records that never expire.
	ExpiresAt time.Time
}

// Expired reports whether the record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// ExpiryEntry identifies a record due for removal by the reaper.
type ExpiryEntry struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LedgerEntry tracks a blob that exists (or may exist) in the blob store.
// Ledger entries never expire on their own; the retention sweeper removes
// them once the blob has been deleted.
type LedgerEntry struct {
	Key       string    `json:"key"`
	Address   string    `json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// storedRecord is the on-disk form of a record.
type storedRecord struct {
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Encoding  Encoding  `json:"encoding"`
	Size      int       `json:"size"`
	Digest    string    `json:"digest"`
	Payload   []byte    `json:"payload"`
}
