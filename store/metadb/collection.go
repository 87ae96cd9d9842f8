package metadb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Collection binds a collection name and record TTL to a MetaDB and stores
// values as JSON.
type Collection struct {
	db   MetaDB
	name string
	ttl  time.Duration
}

// NewCollection returns a Collection named name whose records expire ttl
// after creation. A ttl of zero disables expiry.
func NewCollection(db MetaDB, name string, ttl time.Duration) *Collection {
	return &Collection{db: db, name: name, ttl: ttl}
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// TTL returns the record lifetime.
func (c *Collection) TTL() time.Duration { return c.ttl }

// DB returns the underlying store.
func (c *Collection) DB() MetaDB { return c.db }

// GetJSON decodes the record id into v.
func (c *Collection) GetJSON(ctx context.Context, id string, v any) error {
	rec, err := c.db.GetRecord(ctx, c.name, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return fmt.Errorf("decoding %s/%s: %w", c.name, id, err)
	}
	return nil
}

// CreateJSON stores v under id, failing with ErrExists if a live record
// already holds the id.
func (c *Collection) CreateJSON(ctx context.Context, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", c.name, id, err)
	}
	return c.db.CreateRecord(ctx, c.name, id, data, c.ttl)
}

// PutJSON stores v under id, replacing any existing record.
func (c *Collection) PutJSON(ctx context.Context, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", c.name, id, err)
	}
	return c.db.PutRecord(ctx, c.name, id, data, c.ttl)
}

// Delete removes the record id.
func (c *Collection) Delete(ctx context.Context, id string) error {
	return c.db.DeleteRecord(ctx, c.name, id)
}

// UpdateJSON atomically decodes the record id into a T, applies fn and stores
// the result. fn may return ErrSkipUpdate to leave the record unchanged.
func UpdateJSON[T any](ctx context.Context, c *Collection, id string, fn func(*T) error) error {
	return c.db.UpdateRecord(ctx, c.name, id, func(data []byte) ([]byte, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decoding %s/%s: %w", c.name, id, err)
		}
		if err := fn(&v); err != nil {
			return nil, err
		}
		return json.Marshal(&v)
	})
}

// ScanJSON decodes every live record in the collection into a T and calls fn.
// Records that fail to decode are skipped. fn must not call back into the
// store; returning ErrStopScan ends the scan early.
func ScanJSON[T any](ctx context.Context, c *Collection, fn func(id string, v *T) error) error {
	return c.db.ScanRecords(ctx, c.name, func(rec *Record) error {
		var v T
		if err := json.Unmarshal(rec.Data, &v); err != nil {
			return nil
		}
		return fn(rec.ID, &v)
	})
}

// ListJSON returns every live record in the collection that matches filter.
// A nil filter matches everything.
func ListJSON[T any](ctx context.Context, c *Collection, filter func(*T) bool) ([]T, error) {
	var out []T
	err := ScanJSON(ctx, c, func(_ string, v *T) error {
		if filter == nil || filter(v) {
			out = append(out, *v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
