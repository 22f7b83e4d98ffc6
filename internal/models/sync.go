package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityType names the kind of entity a SyncItem targets.
type EntityType string

const (
	EntityShotItem  EntityType = "shot-item"
	EntityChecklist EntityType = "checklist"
	EntityProject   EntityType = "project"
)

// SyncAction is the mutation a SyncItem replays against the backend.
type SyncAction string

const (
	ActionCreate SyncAction = "create"
	ActionUpdate SyncAction = "update"
	ActionDelete SyncAction = "delete"
)

// EntityKey identifies one entity across kinds.
type EntityKey struct {
	Type EntityType
	ID   string
}

func (k EntityKey) String() string { return string(k.Type) + "/" + k.ID }

// SyncItem is a queued mutation. Data holds the full entity snapshot taken at
// enqueue time. BaseUpdatedAt is the UpdatedAt of the record the mutation was
// derived from and is nil for creates. ChangedFields lists the JSON fields the
// mutation touched; an empty list means every field.
type SyncItem struct {
	ID            string          `json:"id"`
	Type          EntityType      `json:"type"`
	Action        SyncAction      `json:"action"`
	EntityID      string          `json:"entityId"`
	Data          json.RawMessage `json:"data"`
	BaseUpdatedAt *time.Time      `json:"baseUpdatedAt,omitempty"`
	ChangedFields []string        `json:"changedFields,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewSyncItem snapshots entity into a SyncItem with a fresh id.
func NewSyncItem(t EntityType, action SyncAction, entityID string, entity any, base *time.Time, changed []string, now time.Time) (SyncItem, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return SyncItem{}, fmt.Errorf("snapshot %s/%s: %w", t, entityID, err)
	}
	return SyncItem{
		ID:            uuid.NewString(),
		Type:          t,
		Action:        action,
		EntityID:      entityID,
		Data:          data,
		BaseUpdatedAt: base,
		ChangedFields: changed,
		Timestamp:     now,
	}, nil
}

// Key returns the entity the item targets.
func (s SyncItem) Key() EntityKey { return EntityKey{Type: s.Type, ID: s.EntityID} }

// ParentKey returns the key of the entity's parent, if it has one.
func (s SyncItem) ParentKey() (EntityKey, bool) { return ParentOf(s.Type, s.Data) }

// ParentOf reads the parent reference out of an entity record.
func ParentOf(t EntityType, data json.RawMessage) (EntityKey, bool) {
	var fk struct {
		ProjectID   string `json:"projectId"`
		ChecklistID string `json:"checklistId"`
	}
	if err := json.Unmarshal(data, &fk); err != nil {
		return EntityKey{}, false
	}
	switch t {
	case EntityShotItem:
		if fk.ChecklistID != "" {
			return EntityKey{Type: EntityChecklist, ID: fk.ChecklistID}, true
		}
	case EntityChecklist:
		if fk.ProjectID != "" {
			return EntityKey{Type: EntityProject, ID: fk.ProjectID}, true
		}
	}
	return EntityKey{}, false
}

// Mutation is one SyncItem as the backend receives it. ItemID lets the
// backend recognise a replay of an item it already applied.
type Mutation struct {
	ItemID        string          `json:"itemId"`
	Type          EntityType      `json:"type"`
	Action        SyncAction      `json:"action"`
	EntityID      string          `json:"entityId"`
	Data          json.RawMessage `json:"data,omitempty"`
	BaseUpdatedAt *time.Time      `json:"baseUpdatedAt,omitempty"`
	ChangedFields []string        `json:"changedFields,omitempty"`
}

// Mutation returns the wire form of s.
func (s SyncItem) Mutation() Mutation {
	return Mutation{
		ItemID:        s.ID,
		Type:          s.Type,
		Action:        s.Action,
		EntityID:      s.EntityID,
		Data:          s.Data,
		BaseUpdatedAt: s.BaseUpdatedAt,
		ChangedFields: s.ChangedFields,
	}
}

// Dataset is the authoritative data a backend returns for one user.
type Dataset struct {
	Users      []User      `json:"users"`
	Projects   []Project   `json:"projects"`
	Checklists []Checklist `json:"checklists"`
	ShotItems  []ShotItem  `json:"shotItems"`
}
