// Package records stores the backend's authoritative copy of every entity
// as a JSON document keyed by (type, id), plus the ids of mutations already
// applied so replays can be answered without applying them twice.
package records

import (
	"context"
	"encoding/json"

	"github.com/dmitrijs2005/shotkeeper/internal/models"
)

// Record is one stored entity.
type Record struct {
	Key  models.EntityKey
	Data json.RawMessage
}

type Repository interface {
	// Get returns the current record or common.ErrNotFound.
	Get(ctx context.Context, key models.EntityKey) (json.RawMessage, error)
	// Put inserts or replaces the record. parent may be nil for roots.
	Put(ctx context.Context, key models.EntityKey, parent *models.EntityKey, data json.RawMessage) error
	// DeleteTree removes the record and everything parented under it.
	DeleteTree(ctx context.Context, key models.EntityKey) (int64, error)
	List(ctx context.Context) ([]Record, error)

	// LockItem serializes concurrent submissions of the same SyncItem
	// until the surrounding transaction ends.
	LockItem(ctx context.Context, itemID string) error
	// Processed returns the answer given to itemID, if it was applied.
	Processed(ctx context.Context, itemID string) (json.RawMessage, bool, error)
	MarkProcessed(ctx context.Context, itemID string, record json.RawMessage) error
}
