package models

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// OfflineStore is the complete local snapshot. Collections are flat maps keyed
// by id; PendingSync is kept in enqueue order.
//
// Checklists and shot items are also indexed by their parent id. Write them
// through Apply or the Put methods; after writing the maps directly call
// Normalize to rebuild the indexes.
type OfflineStore struct {
	Users       map[string]User      `json:"users"`
	Projects    map[string]Project   `json:"projects"`
	Checklists  map[string]Checklist `json:"checklists"`
	ShotItems   map[string]ShotItem  `json:"shotItems"`
	PendingSync []SyncItem           `json:"pendingSync"`
	LastSync    *time.Time           `json:"lastSync,omitempty"`

	checklistsByProject map[string]idSet
	itemsByChecklist    map[string]idSet
}

type idSet map[string]struct{}

// NewOfflineStore returns an empty snapshot with all maps allocated.
func NewOfflineStore() *OfflineStore {
	s := &OfflineStore{}
	s.Normalize()
	return s
}

func (s *OfflineStore) ensure() {
	if s.Users == nil {
		s.Users = make(map[string]User)
	}
	if s.Projects == nil {
		s.Projects = make(map[string]Project)
	}
	if s.Checklists == nil {
		s.Checklists = make(map[string]Checklist)
	}
	if s.ShotItems == nil {
		s.ShotItems = make(map[string]ShotItem)
	}
	if s.PendingSync == nil {
		s.PendingSync = []SyncItem{}
	}
}

// Normalize allocates missing collections and rebuilds the parent indexes,
// e.g. after decoding JSON.
func (s *OfflineStore) Normalize() {
	s.ensure()
	s.reindex()
}

func (s *OfflineStore) reindex() {
	s.checklistsByProject = make(map[string]idSet)
	s.itemsByChecklist = make(map[string]idSet)
	for id, c := range s.Checklists {
		link(s.checklistsByProject, c.ProjectID, id)
	}
	for id, it := range s.ShotItems {
		link(s.itemsByChecklist, it.ChecklistID, id)
	}
}

// indexed makes sure the indexes exist before a write maintains them.
func (s *OfflineStore) indexed() {
	s.ensure()
	if s.checklistsByProject == nil || s.itemsByChecklist == nil {
		s.reindex()
	}
}

func link(idx map[string]idSet, parent, id string) {
	set, ok := idx[parent]
	if !ok {
		set = make(idSet)
		idx[parent] = set
	}
	set[id] = struct{}{}
}

func unlink(idx map[string]idSet, parent, id string) {
	set, ok := idx[parent]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, parent)
	}
}

// PutProject stores p under its id.
func (s *OfflineStore) PutProject(p Project) {
	s.ensure()
	s.Projects[p.ID] = p
}

// PutChecklist stores c under its id and files it under its project.
func (s *OfflineStore) PutChecklist(c Checklist) {
	s.indexed()
	if prev, ok := s.Checklists[c.ID]; ok {
		unlink(s.checklistsByProject, prev.ProjectID, c.ID)
	}
	s.Checklists[c.ID] = c
	link(s.checklistsByProject, c.ProjectID, c.ID)
}

// PutShotItem stores it under its id and files it under its checklist.
func (s *OfflineStore) PutShotItem(it ShotItem) {
	s.indexed()
	if prev, ok := s.ShotItems[it.ID]; ok {
		unlink(s.itemsByChecklist, prev.ChecklistID, it.ID)
	}
	s.ShotItems[it.ID] = it
	link(s.itemsByChecklist, it.ChecklistID, it.ID)
}

// DeleteShotItem removes one shot item.
func (s *OfflineStore) DeleteShotItem(id string) {
	s.indexed()
	if it, ok := s.ShotItems[id]; ok {
		unlink(s.itemsByChecklist, it.ChecklistID, id)
		delete(s.ShotItems, id)
	}
}

// Clone returns a copy that shares no mutable state with s.
func (s *OfflineStore) Clone() *OfflineStore {
	c := &OfflineStore{
		Users:       maps.Clone(s.Users),
		Projects:    make(map[string]Project, len(s.Projects)),
		Checklists:  maps.Clone(s.Checklists),
		ShotItems:   make(map[string]ShotItem, len(s.ShotItems)),
		PendingSync: slices.Clone(s.PendingSync),
	}
	for id, p := range s.Projects {
		p.Assignments = cloneAssignments(p.Assignments)
		c.Projects[id] = p
	}
	for id, it := range s.ShotItems {
		if it.CompletedAt != nil {
			t := *it.CompletedAt
			it.CompletedAt = &t
		}
		c.ShotItems[id] = it
	}
	if s.LastSync != nil {
		t := *s.LastSync
		c.LastSync = &t
	}
	c.Normalize()
	return c
}

func cloneAssignments(in []ProjectAssignment) []ProjectAssignment {
	if in == nil {
		return nil
	}
	out := make([]ProjectAssignment, len(in))
	for i, a := range in {
		out[i] = ProjectAssignment{UserID: a.UserID, Zones: slices.Clone(a.Zones)}
	}
	return out
}

// ChecklistsOf returns the project's checklists in display order.
func (s *OfflineStore) ChecklistsOf(projectID string) []Checklist {
	return SortChecklists(s.checklistsOf(projectID))
}

func (s *OfflineStore) checklistsOf(projectID string) []Checklist {
	var out []Checklist
	if s.checklistsByProject == nil {
		for _, c := range s.Checklists {
			if c.ProjectID == projectID {
				out = append(out, c)
			}
		}
		return out
	}
	for id := range s.checklistsByProject[projectID] {
		out = append(out, s.Checklists[id])
	}
	return out
}

// ShotItemsOf returns the checklist's items sorted by Order.
func (s *OfflineStore) ShotItemsOf(checklistID string) []ShotItem {
	return SortByOrder(s.shotItemsOf(checklistID))
}

func (s *OfflineStore) shotItemsOf(checklistID string) []ShotItem {
	var out []ShotItem
	if s.itemsByChecklist == nil {
		for _, it := range s.ShotItems {
			if it.ChecklistID == checklistID {
				out = append(out, it)
			}
		}
		return out
	}
	for id := range s.itemsByChecklist[checklistID] {
		out = append(out, s.ShotItems[id])
	}
	return out
}

// ProjectItems returns the project's checklists and all of their shot
// items, unsorted. The cost is proportional to the project's own entities.
func (s *OfflineStore) ProjectItems(projectID string) ([]Checklist, []ShotItem) {
	checklists := s.checklistsOf(projectID)
	var items []ShotItem
	for _, c := range checklists {
		items = append(items, s.shotItemsOf(c.ID)...)
	}
	return checklists, items
}

// ProjectOf resolves the project an entity belongs to.
func (s *OfflineStore) ProjectOf(key EntityKey) (string, bool) {
	switch key.Type {
	case EntityProject:
		_, ok := s.Projects[key.ID]
		return key.ID, ok
	case EntityChecklist:
		c, ok := s.Checklists[key.ID]
		return c.ProjectID, ok
	case EntityShotItem:
		it, ok := s.ShotItems[key.ID]
		if !ok {
			return "", false
		}
		c, ok := s.Checklists[it.ChecklistID]
		return c.ProjectID, ok
	}
	return "", false
}

// DeleteProject removes the project and everything under it.
func (s *OfflineStore) DeleteProject(id string) {
	s.indexed()
	for cid := range s.checklistsByProject[id] {
		s.DeleteChecklist(cid)
	}
	delete(s.Projects, id)
}

// DeleteChecklist removes the checklist and its shot items.
func (s *OfflineStore) DeleteChecklist(id string) {
	s.indexed()
	for iid := range s.itemsByChecklist[id] {
		delete(s.ShotItems, iid)
	}
	delete(s.itemsByChecklist, id)
	if c, ok := s.Checklists[id]; ok {
		unlink(s.checklistsByProject, c.ProjectID, id)
		delete(s.Checklists, id)
	}
}

// Apply folds one entity record into the snapshot. data is the entity JSON;
// for deletes it may be empty.
func (s *OfflineStore) Apply(t EntityType, action SyncAction, id string, data json.RawMessage) error {
	s.ensure()
	if action == ActionDelete {
		switch t {
		case EntityProject:
			s.DeleteProject(id)
		case EntityChecklist:
			s.DeleteChecklist(id)
		case EntityShotItem:
			s.DeleteShotItem(id)
		default:
			return fmt.Errorf("unknown entity type %q", t)
		}
		return nil
	}

	switch t {
	case EntityProject:
		var p Project
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode project: %w", err)
		}
		s.PutProject(p)
	case EntityChecklist:
		var c Checklist
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("decode checklist: %w", err)
		}
		s.PutChecklist(c)
	case EntityShotItem:
		var it ShotItem
		if err := json.Unmarshal(data, &it); err != nil {
			return fmt.Errorf("decode shot item: %w", err)
		}
		s.PutShotItem(it)
	default:
		return fmt.Errorf("unknown entity type %q", t)
	}
	return nil
}

// Record returns the JSON of an entity currently in the snapshot.
func (s *OfflineStore) Record(key EntityKey) (json.RawMessage, bool) {
	var v any
	switch key.Type {
	case EntityProject:
		p, ok := s.Projects[key.ID]
		if !ok {
			return nil, false
		}
		v = p
	case EntityChecklist:
		c, ok := s.Checklists[key.ID]
		if !ok {
			return nil, false
		}
		v = c
	case EntityShotItem:
		it, ok := s.ShotItems[key.ID]
		if !ok {
			return nil, false
		}
		v = it
	default:
		return nil, false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return b, true
}

// Rekey moves an entity from oldID to newID and rewrites every reference to
// it: children's foreign keys and the pending queue (entity ids and the
// foreign keys inside queued snapshots).
func (s *OfflineStore) Rekey(t EntityType, oldID, newID string) {
	if oldID == newID || newID == "" {
		return
	}
	s.indexed()
	switch t {
	case EntityProject:
		if p, ok := s.Projects[oldID]; ok {
			delete(s.Projects, oldID)
			p.ID = newID
			s.Projects[newID] = p
		}
		for _, c := range s.checklistsOf(oldID) {
			c.ProjectID = newID
			s.PutChecklist(c)
		}
	case EntityChecklist:
		if c, ok := s.Checklists[oldID]; ok {
			unlink(s.checklistsByProject, c.ProjectID, oldID)
			delete(s.Checklists, oldID)
			c.ID = newID
			s.PutChecklist(c)
		}
		for _, it := range s.shotItemsOf(oldID) {
			it.ChecklistID = newID
			s.PutShotItem(it)
		}
	case EntityShotItem:
		if it, ok := s.ShotItems[oldID]; ok {
			s.DeleteShotItem(oldID)
			it.ID = newID
			s.PutShotItem(it)
		}
	}

	for i, item := range s.PendingSync {
		if item.Type == t && item.EntityID == oldID {
			item.EntityID = newID
			item.Data = rewriteField(item.Data, "id", oldID, newID)
		}
		switch {
		case t == EntityProject && item.Type == EntityChecklist:
			item.Data = rewriteField(item.Data, "projectId", oldID, newID)
		case t == EntityChecklist && item.Type == EntityShotItem:
			item.Data = rewriteField(item.Data, "checklistId", oldID, newID)
		}
		s.PendingSync[i] = item
	}
}

// rewriteField replaces a string field equal to from with to. Payloads that
// cannot be decoded are returned untouched.
func rewriteField(data json.RawMessage, field, from, to string) json.RawMessage {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return data
	}
	var cur string
	if err := json.Unmarshal(m[field], &cur); err != nil || cur != from {
		return data
	}
	m[field], _ = json.Marshal(to)
	out, err := json.Marshal(m)
	if err != nil {
		return data
	}
	return out
}

// ReplaceFrom swaps the entity collections for the ones in ds, keeping every
// entity referenced by a pending SyncItem as it is locally.
func (s *OfflineStore) ReplaceFrom(ds *Dataset) {
	pending := make(map[EntityKey]struct{}, len(s.PendingSync))
	for _, it := range s.PendingSync {
		pending[it.Key()] = struct{}{}
	}
	keep := func(t EntityType, id string) bool {
		_, ok := pending[EntityKey{Type: t, ID: id}]
		return ok
	}

	users := make(map[string]User, len(ds.Users))
	for _, u := range ds.Users {
		users[u.ID] = u
	}

	projects := make(map[string]Project, len(ds.Projects))
	for _, p := range ds.Projects {
		if !keep(EntityProject, p.ID) {
			projects[p.ID] = p
		}
	}
	for id, p := range s.Projects {
		if keep(EntityProject, id) {
			projects[id] = p
		}
	}

	checklists := make(map[string]Checklist, len(ds.Checklists))
	for _, c := range ds.Checklists {
		if !keep(EntityChecklist, c.ID) {
			checklists[c.ID] = c
		}
	}
	for id, c := range s.Checklists {
		if keep(EntityChecklist, id) {
			checklists[id] = c
		}
	}

	items := make(map[string]ShotItem, len(ds.ShotItems))
	for _, it := range ds.ShotItems {
		if !keep(EntityShotItem, it.ID) {
			items[it.ID] = it
		}
	}
	for id, it := range s.ShotItems {
		if keep(EntityShotItem, id) {
			items[id] = it
		}
	}

	// drop children whose parent is gone, e.g. under a pending delete
	for id, c := range checklists {
		if _, ok := projects[c.ProjectID]; !ok {
			delete(checklists, id)
		}
	}
	for id, it := range items {
		if _, ok := checklists[it.ChecklistID]; !ok {
			delete(items, id)
		}
	}

	s.Users, s.Projects, s.Checklists, s.ShotItems = users, projects, checklists, items
	s.reindex()
}

// FilterDataset copies into ds what user may see from snap: every project
// for admins, assigned projects for shooters, and below them only the
// checklists CanSee allows, with their shot items.
func FilterDataset(ds *Dataset, snap *OfflineStore, user User) *Dataset {
	for _, p := range snap.Projects {
		if !user.IsAdmin() && !p.IsAssigned(user.ID) {
			continue
		}
		ds.Projects = append(ds.Projects, p)
		for _, c := range snap.ChecklistsOf(p.ID) {
			if !CanSee(user, p, c) {
				continue
			}
			ds.Checklists = append(ds.Checklists, c)
			ds.ShotItems = append(ds.ShotItems, snap.ShotItemsOf(c.ID)...)
		}
	}
	return ds
}
