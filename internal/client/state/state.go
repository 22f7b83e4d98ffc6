// Package state owns the in-memory OfflineStore. All reads and writes go
// through State so that the device has a single logical writer; each Update
// ends with a snapshot save.
package state

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/shotkeeper/internal/client/store"
	"github.com/dmitrijs2005/shotkeeper/internal/models"
)

// Persister is the part of store.Store the state needs.
type Persister interface {
	Load(ctx context.Context) (*models.OfflineStore, bool)
	Save(ctx context.Context, snap *models.OfflineStore)
	Clear(ctx context.Context)
}

var _ Persister = (*store.Store)(nil)

type State struct {
	mu    sync.RWMutex
	snap  *models.OfflineStore
	store Persister
}

// Open loads the persisted snapshot, or starts empty when there is none.
func Open(ctx context.Context, p Persister) *State {
	snap, ok := p.Load(ctx)
	if !ok {
		snap = models.NewOfflineStore()
	}
	return &State{snap: snap, store: p}
}

// View runs fn with read access to the current snapshot. fn must not keep
// or modify it.
func (s *State) View(fn func(snap *models.OfflineStore)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.snap)
}

// Snapshot returns a private copy of the current snapshot.
func (s *State) Snapshot() *models.OfflineStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Clone()
}

// Update applies fn to a copy of the snapshot. When fn succeeds the copy
// replaces the current snapshot and is saved; when it fails nothing changes.
func (s *State) Update(ctx context.Context, fn func(snap *models.OfflineStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.snap.Clone()
	if err := fn(next); err != nil {
		return err
	}
	s.snap = next
	s.store.Save(ctx, next)
	return nil
}

// Reset drops all local data, e.g. on logout.
func (s *State) Reset(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = models.NewOfflineStore()
	s.store.Clear(ctx)
}
