// Package backend is the client's view of the authoritative backend.
//
// Adapters translate their transport errors into three classes the
// reconciler acts on: *ConflictError (stale base version, carries the
// current record), *RejectedError (the mutation can never succeed) and
// anything wrapping common.ErrUnavailable (try again later).
package backend

import (
	"context"
	"encoding/json"

	"github.com/dmitrijs2005/shotkeeper/internal/models"
)

type Backend interface {
	// Submit applies one mutation and returns the canonical record. For
	// deletes the record may be empty.
	Submit(ctx context.Context, m models.Mutation) (json.RawMessage, error)
	// Fetch returns everything userID may see.
	Fetch(ctx context.Context, userID string) (*models.Dataset, error)
	Ping(ctx context.Context) error
	Close() error
}
