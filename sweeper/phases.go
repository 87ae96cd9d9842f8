package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfeidau/selectify"
	"github.com/wolfeidau/selectify/backend"
)

// phaseLedger deletes the blobs whose ledger entry is due. Keys that fail are
// rescheduled by the store and widen the next query, so they never fill a
// batch on their own.
func (m *Manager) phaseLedger(ctx context.Context, now time.Time, result *Result, deleted map[string]bool) {
	m.logger.Debug("phase: ledger")

	failed := make(map[string]bool)
	for {
		if ctx.Err() != nil {
			return
		}

		limit := m.config.BatchSize + len(failed)
		entries, err := m.db.GetDueLedgerEntries(ctx, now, limit)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("get due ledger entries: %v", err))
			m.logger.Error("failed to get due ledger entries", "error", err)
			return
		}

		attempted := 0
		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}
			if failed[entry.Key] {
				continue
			}
			attempted++

			if err := m.deleteBlob(ctx, entry.Key); err != nil {
				failed[entry.Key] = true
				result.Errors = append(result.Errors, fmt.Sprintf("delete blob %s: %v", entry.Key, err))
				m.logger.Error("failed to delete blob", "key", entry.Key, "attempts", entry.Attempts+1, "error", err)
				if err := m.db.RecordLedgerFailure(ctx, entry.Key, err); err != nil {
					m.logger.Error("failed to record ledger failure", "key", entry.Key, "error", err)
				}
				continue
			}
			deleted[entry.Key] = true

			if err := m.db.DeleteLedgerEntry(ctx, entry.Key); err != nil {
				failed[entry.Key] = true
				result.Errors = append(result.Errors, fmt.Sprintf("delete ledger entry %s: %v", entry.Key, err))
				m.logger.Error("failed to delete ledger entry", "key", entry.Key, "error", err)
				continue
			}

			result.LedgerBlobsDeleted++
			m.logger.Debug("deleted blob", "key", entry.Key, "expired_at", entry.ExpiresAt)
		}

		if attempted == 0 || len(entries) < limit {
			return
		}
	}
}

// phaseRecords deletes the blobs of photo records older than the cutoff,
// then the records themselves.
func (m *Manager) phaseRecords(ctx context.Context, result *Result, deleted map[string]bool) {
	m.logger.Debug("phase: photo records")

	photos, err := m.photos.PhotosCreatedBefore(ctx, result.Cutoff)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list photos: %v", err))
		m.logger.Error("failed to list photos", "error", err)
		return
	}

	for _, photo := range photos {
		if ctx.Err() != nil {
			return
		}

		key := photo.BlobKey
		if key == "" {
			if key, err = selectify.KeyFromAddress(photo.BlobRef); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("photo %s: %v", photo.ID, err))
				m.logger.Error("failed to derive blob key", "photo_id", photo.ID, "address", photo.BlobRef, "error", err)
				continue
			}
		}

		if !deleted[key] {
			if err := m.deleteBlob(ctx, key); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("delete blob %s: %v", key, err))
				m.logger.Error("failed to delete blob", "key", key, "photo_id", photo.ID, "error", err)
				continue
			}
			deleted[key] = true
			result.RecordBlobsDeleted++

			if err := m.db.DeleteLedgerEntry(ctx, key); err != nil {
				m.logger.Warn("failed to delete ledger entry", "key", key, "error", err)
			}
		}

		if err := m.photos.DeletePhoto(ctx, photo.ID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete photo %s: %v", photo.ID, err))
			m.logger.Error("failed to delete photo record", "photo_id", photo.ID, "error", err)
			continue
		}
		result.PhotoRecordsDeleted++
	}
}

// phaseOrphans deletes stored blobs that have no ledger entry. Uploads add
// the ledger entry before writing the blob, so such blobs are never live.
func (m *Manager) phaseOrphans(ctx context.Context, result *Result, deleted map[string]bool) {
	m.logger.Debug("phase: orphan blobs")

	keys, err := m.backend.List(ctx, selectify.PhotoKeyPrefix)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list blobs: %v", err))
		m.logger.Error("failed to list blobs", "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}

	tracked, err := m.db.LedgerContains(ctx, keys)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("check ledger: %v", err))
		m.logger.Error("failed to check ledger", "error", err)
		return
	}

	processed := 0
	for _, key := range keys {
		if processed >= m.config.BatchSize || ctx.Err() != nil {
			return
		}
		if tracked[key] || deleted[key] {
			continue
		}

		if err := m.deleteBlob(ctx, key); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete orphan blob %s: %v", key, err))
			m.logger.Error("failed to delete orphan blob", "key", key, "error", err)
			continue
		}
		deleted[key] = true
		result.OrphanBlobsDeleted++
		processed++

		m.logger.Debug("deleted orphan blob", "key", key)
	}
}

// deleteBlob removes a blob from the backend. A missing blob is not an error.
func (m *Manager) deleteBlob(ctx context.Context, key string) error {
	if err := m.backend.Delete(ctx, key); err != nil && !errors.Is(err, backend.ErrNotFound) {
		return err
	}
	return nil
}
