package models

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded() *OfflineStore {
	s := NewOfflineStore()
	s.PutProject(Project{ID: "p1", Name: "P", Assignments: []ProjectAssignment{{UserID: "u1", Zones: []string{"z"}}}})
	s.PutChecklist(Checklist{ID: "c1", ProjectID: "p1", Title: "C"})
	s.PutShotItem(ShotItem{ID: "s1", ChecklistID: "c1", Title: "S"})
	return s
}

func TestOfflineStore_DeleteProjectCascades(t *testing.T) {
	s := seeded()
	s.DeleteProject("p1")

	assert.Empty(t, s.Projects)
	assert.Empty(t, s.Checklists)
	assert.Empty(t, s.ShotItems)
}

func TestOfflineStore_CloneIsIndependent(t *testing.T) {
	s := seeded()
	c := s.Clone()

	c.Projects["p1"].Assignments[0].Zones[0] = "changed"
	c.ShotItems["s2"] = ShotItem{ID: "s2"}

	assert.Equal(t, "z", s.Projects["p1"].Assignments[0].Zones[0])
	assert.NotContains(t, s.ShotItems, "s2")
}

func TestOfflineStore_ApplyAndRecord(t *testing.T) {
	s := NewOfflineStore()
	it := ShotItem{ID: "s9", ChecklistID: "c1", Title: "Door"}
	data, err := json.Marshal(it)
	require.NoError(t, err)

	require.NoError(t, s.Apply(EntityShotItem, ActionCreate, it.ID, data))
	assert.Equal(t, "Door", s.ShotItems["s9"].Title)

	rec, ok := s.Record(EntityKey{Type: EntityShotItem, ID: "s9"})
	require.True(t, ok)
	assert.JSONEq(t, string(data), string(rec))

	require.NoError(t, s.Apply(EntityShotItem, ActionDelete, "s9", nil))
	assert.Empty(t, s.ShotItems)

	require.Error(t, s.Apply("widget", ActionCreate, "x", data))
}

func TestOfflineStore_RekeyRewritesChildrenAndQueue(t *testing.T) {
	s := seeded()
	now := time.Now().UTC()

	create, err := NewSyncItem(EntityChecklist, ActionCreate, "c1", s.Checklists["c1"], nil, nil, now)
	require.NoError(t, err)
	child, err := NewSyncItem(EntityShotItem, ActionCreate, "s1", s.ShotItems["s1"], nil, nil, now)
	require.NoError(t, err)
	s.PendingSync = append(s.PendingSync, create, child)

	s.Rekey(EntityChecklist, "c1", "srv-c1")

	assert.NotContains(t, s.Checklists, "c1")
	assert.Equal(t, "srv-c1", s.Checklists["srv-c1"].ID)
	assert.Equal(t, "srv-c1", s.ShotItems["s1"].ChecklistID)

	assert.Equal(t, "srv-c1", s.PendingSync[0].EntityID)
	parent, ok := s.PendingSync[1].ParentKey()
	require.True(t, ok)
	assert.Equal(t, EntityKey{Type: EntityChecklist, ID: "srv-c1"}, parent)
}

func TestOfflineStore_ReplaceFromKeepsPending(t *testing.T) {
	s := seeded()
	local := s.ShotItems["s1"]
	local.Title = "local edit"
	s.PutShotItem(local)

	upd, err := NewSyncItem(EntityShotItem, ActionUpdate, "s1", local, nil, []string{"title"}, time.Now())
	require.NoError(t, err)
	s.PendingSync = append(s.PendingSync, upd)

	ds := &Dataset{
		Projects:   []Project{{ID: "p1", Name: "P"}},
		Checklists: []Checklist{{ID: "c1", ProjectID: "p1"}, {ID: "orphan", ProjectID: "gone"}},
		ShotItems: []ShotItem{
			{ID: "s1", ChecklistID: "c1", Title: "remote"},
			{ID: "s2", ChecklistID: "c1", Title: "new"},
		},
	}

	s.ReplaceFrom(ds)

	assert.Equal(t, "local edit", s.ShotItems["s1"].Title)
	assert.Equal(t, "new", s.ShotItems["s2"].Title)
	assert.NotContains(t, s.Checklists, "orphan")
}

func TestSyncItem_ParentKey(t *testing.T) {
	it, err := NewSyncItem(EntityShotItem, ActionCreate, "s1", ShotItem{ID: "s1", ChecklistID: "c7"}, nil, nil, time.Now())
	require.NoError(t, err)

	k, ok := it.ParentKey()
	require.True(t, ok)
	assert.Equal(t, "checklist/c7", k.String())

	p, err := NewSyncItem(EntityProject, ActionCreate, "p1", Project{ID: "p1"}, nil, nil, time.Now())
	require.NoError(t, err)
	_, ok = p.ParentKey()
	assert.False(t, ok)
}

func TestFilterDataset_ByRoleAndZone(t *testing.T) {
	s := seeded()
	s.PutChecklist(Checklist{ID: "c2", ProjectID: "p1", Title: "Other zone", Zone: "y"})
	s.PutShotItem(ShotItem{ID: "s2", ChecklistID: "c2", Title: "Hidden"})
	s.PutProject(Project{ID: "p2", Name: "Unassigned"})

	shooter := FilterDataset(&Dataset{}, s, User{ID: "u1", Role: RoleShooter})
	require.Len(t, shooter.Projects, 1)
	assert.Equal(t, "p1", shooter.Projects[0].ID)
	require.Len(t, shooter.Checklists, 1)
	assert.Equal(t, "c1", shooter.Checklists[0].ID)
	require.Len(t, shooter.ShotItems, 1)
	assert.Equal(t, "s1", shooter.ShotItems[0].ID)

	admin := FilterDataset(&Dataset{}, s, User{ID: "root", Role: RoleAdmin})
	assert.Len(t, admin.Projects, 2)
	assert.Len(t, admin.Checklists, 2)
	assert.Len(t, admin.ShotItems, 2)

	stranger := FilterDataset(&Dataset{}, s, User{ID: "u9", Role: RoleShooter})
	assert.Empty(t, stranger.Projects)
}

func ids[T any](in []T, id func(T) string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		out = append(out, id(v))
	}
	return out
}

func checklistIDs(in []Checklist) []string { return ids(in, func(c Checklist) string { return c.ID }) }

func itemIDs(in []ShotItem) []string { return ids(in, func(it ShotItem) string { return it.ID }) }

func TestOfflineStore_IndexFollowsWrites(t *testing.T) {
	s := seeded()
	s.PutChecklist(Checklist{ID: "c2", ProjectID: "p1", Title: "Second", Order: 1})

	moved := s.ShotItems["s1"]
	moved.ChecklistID = "c2"
	data, err := json.Marshal(moved)
	require.NoError(t, err)
	require.NoError(t, s.Apply(EntityShotItem, ActionUpdate, "s1", data))

	assert.Empty(t, s.ShotItemsOf("c1"))
	assert.Equal(t, []string{"s1"}, itemIDs(s.ShotItemsOf("c2")))

	s.Rekey(EntityProject, "p1", "srv-p1")
	assert.Empty(t, s.ChecklistsOf("p1"))
	assert.Equal(t, []string{"c1", "c2"}, checklistIDs(s.ChecklistsOf("srv-p1")))

	s.DeleteChecklist("c2")
	assert.Empty(t, s.ShotItems)
	assert.Equal(t, []string{"c1"}, checklistIDs(s.ChecklistsOf("srv-p1")))
}

func TestOfflineStore_NormalizeRebuildsIndex(t *testing.T) {
	s := NewOfflineStore()
	s.Checklists["c1"] = Checklist{ID: "c1", ProjectID: "p1"}
	s.ShotItems["s1"] = ShotItem{ID: "s1", ChecklistID: "c1"}
	s.Normalize()

	assert.Equal(t, []string{"c1"}, checklistIDs(s.ChecklistsOf("p1")))
	assert.Equal(t, []string{"s1"}, itemIDs(s.ShotItemsOf("c1")))

	var decoded OfflineStore
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, []string{"s1"}, itemIDs(decoded.ShotItemsOf("c1")), "an unindexed store still answers")

	c := s.Clone()
	c.PutShotItem(ShotItem{ID: "s2", ChecklistID: "c1"})
	assert.Len(t, c.ShotItemsOf("c1"), 2)
	assert.Len(t, s.ShotItemsOf("c1"), 1)
}

func TestOfflineStore_ProjectItemsIgnoresOtherProjects(t *testing.T) {
	s := seeded()
	s.PutProject(Project{ID: "p2"})
	s.PutChecklist(Checklist{ID: "c9", ProjectID: "p2"})
	for i := 0; i < 50; i++ {
		s.PutShotItem(ShotItem{ID: fmt.Sprintf("other-%d", i), ChecklistID: "c9"})
	}

	checklists, items := s.ProjectItems("p1")
	assert.Equal(t, []string{"c1"}, checklistIDs(checklists))
	assert.Equal(t, []string{"s1"}, itemIDs(items))

	s.ReplaceFrom(&Dataset{
		Projects:   []Project{{ID: "p2"}},
		Checklists: []Checklist{{ID: "c9", ProjectID: "p2"}},
		ShotItems:  []ShotItem{{ID: "only", ChecklistID: "c9"}},
	})
	_, items = s.ProjectItems("p2")
	assert.Equal(t, []string{"only"}, itemIDs(items))
	checklists, _ = s.ProjectItems("p1")
	assert.Empty(t, checklists)
}
