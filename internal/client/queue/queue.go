// Package queue is the ordered log of mutations waiting for the backend.
//
// The log lives in OfflineStore.PendingSync, so it is persisted with the
// snapshot and keeps its order across restarts. Items are only ever
// appended at the tail and removed by id.
package queue

import (
	"context"
	"slices"
	"time"

	"github.com/dmitrijs2005/shotkeeper/internal/client/state"
	"github.com/dmitrijs2005/shotkeeper/internal/models"
)

// Push appends item to the snapshot's queue.
func Push(snap *models.OfflineStore, item models.SyncItem) {
	snap.PendingSync = append(snap.PendingSync, item)
}

// Head returns up to n items from the front of the queue. n <= 0 means all.
func Head(snap *models.OfflineStore, n int) []models.SyncItem {
	if n <= 0 || n > len(snap.PendingSync) {
		n = len(snap.PendingSync)
	}
	return slices.Clone(snap.PendingSync[:n])
}

// Without removes the items with the given ids, keeping the rest in order.
func Without(snap *models.OfflineStore, ids ...string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	snap.PendingSync = slices.DeleteFunc(snap.PendingSync, func(it models.SyncItem) bool {
		_, ok := drop[it.ID]
		return ok
	})
}

// Pending reports whether a queued item targets key, skipping the item
// with id except.
func Pending(snap *models.OfflineStore, key models.EntityKey, except string) bool {
	for _, it := range snap.PendingSync {
		if it.ID != except && it.Key() == key {
			return true
		}
	}
	return false
}

// Rebase moves queued items for key that were derived from version from
// onto version to. It is used once the backend has accepted an earlier item
// for the same entity and stamped it with its own time.
func Rebase(snap *models.OfflineStore, key models.EntityKey, from, to time.Time) {
	for i, it := range snap.PendingSync {
		if it.Key() != key || it.BaseUpdatedAt == nil || !it.BaseUpdatedAt.Equal(from) {
			continue
		}
		t := to
		it.BaseUpdatedAt = &t
		snap.PendingSync[i] = it
	}
}

// Queue exposes the log on top of the shared working state.
type Queue struct {
	state *state.State
}

func New(s *state.State) *Queue {
	return &Queue{state: s}
}

func (q *Queue) Enqueue(ctx context.Context, item models.SyncItem) error {
	return q.state.Update(ctx, func(snap *models.OfflineStore) error {
		Push(snap, item)
		return nil
	})
}

func (q *Queue) PeekBatch(n int) []models.SyncItem {
	var out []models.SyncItem
	q.state.View(func(snap *models.OfflineStore) {
		out = Head(snap, n)
	})
	return out
}

func (q *Queue) Remove(ctx context.Context, ids ...string) error {
	return q.state.Update(ctx, func(snap *models.OfflineStore) error {
		Without(snap, ids...)
		return nil
	})
}

func (q *Queue) Len() int {
	var n int
	q.state.View(func(snap *models.OfflineStore) {
		n = len(snap.PendingSync)
	})
	return n
}
