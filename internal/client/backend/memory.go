package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/shotkeeper/internal/common"
	"github.com/dmitrijs2005/shotkeeper/internal/models"
	"github.com/google/uuid"
)

// Memory is an in-process backend with the same rules as the reference
// server: creates are idempotent by id, updates and deletes are refused when
// their base version is stale, and every applied SyncItem is remembered so a
// replay returns the first answer. It is used for offline demos and tests.
type Memory struct {
	mu        sync.Mutex
	records   map[models.EntityKey]json.RawMessage
	users     map[string]models.User
	processed map[string]json.RawMessage
	submitted []models.Mutation
	online    bool
	now       func() time.Time

	// AssignIDs makes creates return a backend-chosen id.
	AssignIDs bool
	// Intercept, when set, runs before every Submit; a non-nil error is
	// returned as is.
	Intercept func(m models.Mutation) error
}

func NewMemory() *Memory {
	return &Memory{
		records:   make(map[models.EntityKey]json.RawMessage),
		users:     make(map[string]models.User),
		processed: make(map[string]json.RawMessage),
		online:    true,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used to stamp records.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
}

// PutUser registers a user.
func (m *Memory) PutUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// Put stores entity as the backend's current record.
func (m *Memory) Put(t models.EntityType, id string, entity any) error {
	raw, err := json.Marshal(entity)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[models.EntityKey{Type: t, ID: id}] = raw
	return nil
}

// Record returns the backend's current record for key.
func (m *Memory) Record(key models.EntityKey) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	return r, ok
}

// Submitted lists every mutation received, replays included.
func (m *Memory) Submitted() []models.Mutation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Mutation, len(m.submitted))
	copy(out, m.submitted)
	return out
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		return unavailable(errors.New("memory backend offline"))
	}
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Submit(ctx context.Context, mut models.Mutation) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	if m.Intercept != nil {
		if err := m.Intercept(mut); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.online {
		return nil, unavailable(errors.New("memory backend offline"))
	}
	m.submitted = append(m.submitted, mut)

	if rec, ok := m.processed[mut.ItemID]; ok {
		return rec, nil
	}

	rec, err := m.apply(mut)
	if err != nil {
		return nil, err
	}
	m.processed[mut.ItemID] = rec
	return rec, nil
}

func (m *Memory) apply(mut models.Mutation) (json.RawMessage, error) {
	key := models.EntityKey{Type: mut.Type, ID: mut.EntityID}
	cur, exists := m.records[key]
	now := m.now()

	switch mut.Action {
	case models.ActionCreate:
		if exists {
			return cur, nil
		}
		if problems := models.ValidateCreate(mut.Type, mut.Data); len(problems) > 0 {
			return nil, &RejectedError{Reason: "invalid record", Err: common.NewValidationError(string(mut.Type), problems)}
		}
		if parent, ok := models.ParentOf(mut.Type, mut.Data); ok {
			if _, found := m.records[parent]; !found {
				return nil, &RejectedError{Reason: "unknown parent " + parent.String(), Err: common.ErrNotFound}
			}
		}
		data := mut.Data
		if m.AssignIDs {
			key.ID = uuid.NewString()
			var err error
			if data, err = models.WithField(data, "id", key.ID); err != nil {
				return nil, &RejectedError{Reason: "malformed record", Err: err}
			}
		}
		rec, err := models.Stamp(data, now, true)
		if err != nil {
			return nil, &RejectedError{Reason: "malformed record", Err: err}
		}
		m.records[key] = rec
		return rec, nil

	case models.ActionUpdate:
		if !exists {
			return nil, &RejectedError{Reason: "no such " + key.String(), Err: common.ErrNotFound}
		}
		patched, err := models.ApplyFields(cur, mut.Data, mut.ChangedFields)
		if err != nil {
			return nil, &RejectedError{Reason: "malformed record", Err: err}
		}
		if problems := models.ValidateRecord(mut.Type, patched); len(problems) > 0 {
			return nil, &RejectedError{Reason: "invalid record", Err: common.NewValidationError(string(mut.Type), problems)}
		}
		if err := m.checkVersion(cur, mut.BaseUpdatedAt); err != nil {
			return nil, err
		}
		var created struct {
			CreatedAt time.Time `json:"createdAt"`
		}
		_ = json.Unmarshal(cur, &created)
		data, err := models.WithField(patched, "createdAt", created.CreatedAt)
		if err != nil {
			return nil, &RejectedError{Reason: "malformed record", Err: err}
		}
		rec, err := models.Stamp(data, now, false)
		if err != nil {
			return nil, &RejectedError{Reason: "malformed record", Err: err}
		}
		m.records[key] = rec
		return rec, nil

	case models.ActionDelete:
		if !exists {
			return nil, nil
		}
		if err := m.checkVersion(cur, mut.BaseUpdatedAt); err != nil {
			return nil, err
		}
		m.deleteCascade(key)
		return nil, nil
	}
	return nil, &RejectedError{Reason: fmt.Sprintf("unknown action %q", mut.Action)}
}

func (m *Memory) checkVersion(cur json.RawMessage, base *time.Time) error {
	stale, err := models.IsStale(cur, base)
	if err != nil {
		return &RejectedError{Reason: "unreadable current record", Err: err}
	}
	if stale {
		return &ConflictError{Current: cur}
	}
	return nil
}

func (m *Memory) deleteCascade(key models.EntityKey) {
	delete(m.records, key)
	for k, rec := range m.records {
		if parent, ok := models.ParentOf(k.Type, rec); ok && parent == key {
			m.deleteCascade(k)
		}
	}
}

func (m *Memory) Fetch(ctx context.Context, userID string) (*models.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		return nil, unavailable(errors.New("memory backend offline"))
	}

	snap := models.NewOfflineStore()
	for k, rec := range m.records {
		if err := snap.Apply(k.Type, models.ActionCreate, k.ID, rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
	}

	user, ok := m.users[userID]
	if !ok {
		return nil, &RejectedError{Reason: "unknown user " + userID, Err: common.ErrNotFound}
	}

	ds := &models.Dataset{}
	for _, u := range m.users {
		ds.Users = append(ds.Users, u)
	}
	return models.FilterDataset(ds, snap, user), nil
}
