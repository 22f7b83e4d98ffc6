package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/shotkeeper/internal/client/backend"
	"github.com/dmitrijs2005/shotkeeper/internal/client/progress"
	"github.com/dmitrijs2005/shotkeeper/internal/client/reconciler"
	"github.com/dmitrijs2005/shotkeeper/internal/client/repositories/kv"
	"github.com/dmitrijs2005/shotkeeper/internal/client/session"
	"github.com/dmitrijs2005/shotkeeper/internal/client/state"
	"github.com/dmitrijs2005/shotkeeper/internal/client/store"
	"github.com/dmitrijs2005/shotkeeper/internal/common"
	"github.com/dmitrijs2005/shotkeeper/internal/logging"
	"github.com/dmitrijs2005/shotkeeper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var seededAt = time.Date(2026, 6, 20, 7, 30, 0, 0, time.UTC)

type harness struct {
	state      *state.State
	store      *store.Store
	backend    *backend.Memory
	checklists ChecklistService
	sync       SyncService
	tick       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	be := backend.NewMemory()
	be.PutUser(models.User{ID: "root", Role: models.RoleAdmin, IsActive: true})
	be.PutUser(models.User{ID: "sam", Role: models.RoleShooter, IsActive: true})
	be.PutUser(models.User{ID: "gone", Role: models.RoleShooter})
	require.NoError(t, be.Put(models.EntityProject, "p1", models.Project{
		ID:          "p1",
		Name:        "Festival",
		Status:      models.ProjectStatusActive,
		CreatedBy:   "root",
		Assignments: []models.ProjectAssignment{{UserID: "sam", Zones: []string{"main"}}},
		CreatedAt:   seededAt,
		UpdatedAt:   seededAt,
	}))
	require.NoError(t, be.Put(models.EntityChecklist, "main", models.Checklist{ID: "main", ProjectID: "p1", Title: "Main stage", Zone: "main", CreatedAt: seededAt, UpdatedAt: seededAt}))
	require.NoError(t, be.Put(models.EntityChecklist, "vip", models.Checklist{ID: "vip", ProjectID: "p1", Title: "VIP", Zone: "vip", Order: 1, CreatedAt: seededAt, UpdatedAt: seededAt}))
	require.NoError(t, be.Put(models.EntityShotItem, "s1", models.ShotItem{
		ID: "s1", ChecklistID: "main", Title: "Headliner", Type: models.ShotTypePhoto, Priority: models.PriorityMustHave,
		CreatedAt: seededAt, UpdatedAt: seededAt,
	}))

	st := store.New(kv.NewMemoryRepository(0), logging.Discard())
	s := state.Open(context.Background(), st)
	tracker := progress.NewTracker()
	cs := NewChecklistService(s, tracker, logging.Discard())
	rc := reconciler.New(s, be, reconciler.Config{SubmitTimeout: time.Second}, logging.Discard())
	ss := NewSyncService(s, be, rc, session.NewRestorer(st, logging.Discard()), cs, logging.Discard())

	h := &harness{state: s, store: st, backend: be, checklists: cs, sync: ss, tick: seededAt}
	cs.(*checklistService).now = func() time.Time {
		h.tick = h.tick.Add(time.Minute)
		return h.tick
	}
	return h
}

func (h *harness) begin(t *testing.T, userID string) *session.Session {
	t.Helper()
	sess, err := h.sync.Begin(context.Background(), userID)
	require.NoError(t, err)
	return sess
}

func TestBegin_FetchesAndRestores(t *testing.T) {
	h := newHarness(t)
	sess := h.begin(t, "sam")

	assert.Equal(t, "p1", sess.CurrentProject, "single active project is auto-selected")
	assert.Len(t, h.checklists.Projects(sess), 1)

	lists, err := h.checklists.Checklists(sess, "p1")
	require.NoError(t, err)
	require.Len(t, lists, 1, "zone-scoped")
	assert.Equal(t, "main", lists[0].ID)

	// outside sam's zones, so never synced to this device
	_, err = h.checklists.ShotItems(sess, "vip")
	assert.ErrorIs(t, err, common.ErrNotFound)

	pp, ok := h.checklists.Progress(sess, "p1")
	require.True(t, ok)
	assert.Equal(t, 1, pp.TotalItems)
}

func TestBegin_UnknownOrInactiveUser(t *testing.T) {
	h := newHarness(t)
	_, err := h.sync.Begin(context.Background(), "ghost")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = h.sync.Begin(context.Background(), "gone")
	assert.ErrorIs(t, err, common.ErrForbidden)
}

func TestBegin_OfflineUsesCache(t *testing.T) {
	h := newHarness(t)
	first := h.begin(t, "sam")
	h.sync.End(context.Background(), first, false)

	h.backend.SetOnline(false)
	sess := h.begin(t, "sam")
	assert.Equal(t, "p1", sess.CurrentProject)
}

func TestAddShotItem_OptimisticAndQueued(t *testing.T) {
	h := newHarness(t)
	sess := h.begin(t, "sam")
	h.backend.SetOnline(false)
	ctx := context.Background()

	it, err := h.checklists.AddShotItem(ctx, sess, NewShotItem{ChecklistID: "main", Title: "  Crowd surfing  ", Priority: models.PriorityNiceToHave})
	require.NoError(t, err)
	assert.Equal(t, "Crowd surfing", it.Title)
	assert.True(t, it.IsUserAdded)
	assert.Equal(t, 1, it.Order)

	snap := h.state.Snapshot()
	assert.Contains(t, snap.ShotItems, it.ID)
	require.Len(t, snap.PendingSync, 1)
	assert.Equal(t, models.ActionCreate, snap.PendingSync[0].Action)

	pp, _ := h.checklists.Progress(sess, "p1")
	assert.Equal(t, 2, pp.TotalItems)
	assert.Equal(t, 1, pp.NiceToHaveItems)

	// the save happened in the same update
	reopened := state.Open(ctx, h.store)
	assert.Len(t, reopened.Snapshot().PendingSync, 1)
}

func TestAddShotItem_Rejections(t *testing.T) {
	h := newHarness(t)
	sess := h.begin(t, "sam")
	ctx := context.Background()

	_, err := h.checklists.AddShotItem(ctx, sess, NewShotItem{ChecklistID: "main", Title: " "})
	var ve *common.ValidationError
	assert.ErrorAs(t, err, &ve)

	require.NoError(t, h.state.Update(ctx, func(snap *models.OfflineStore) error {
		snap.PutChecklist(models.Checklist{ID: "vip", ProjectID: "p1", Title: "VIP", Zone: "vip"})
		return nil
	}))
	_, err = h.checklists.AddShotItem(ctx, sess, NewShotItem{ChecklistID: "vip", Title: "Backstage"})
	assert.ErrorIs(t, err, common.ErrForbidden)

	_, err = h.checklists.AddShotItem(ctx, sess, NewShotItem{ChecklistID: "nope", Title: "x"})
	assert.ErrorIs(t, err, common.ErrNotFound)

	assert.Zero(t, h.sync.Status().Pending)
}

func TestCompleteReopen_QueueChangedFieldsOnly(t *testing.T) {
	h := newHarness(t)
	sess := h.begin(t, "sam")
	ctx := context.Background()

	it, err := h.checklists.CompleteShotItem(ctx, sess, "s1")
	require.NoError(t, err)
	assert.True(t, it.IsCompleted)
	assert.Equal(t, "sam", it.CompletedBy)

	_, err = h.checklists.CompleteShotItem(ctx, sess, "s1")
	require.NoError(t, err)

	pending := h.state.Snapshot().PendingSync
	require.Len(t, pending, 1, "completing twice queues once")
	assert.ElementsMatch(t, []string{"completedAt", "completedBy", "isCompleted"}, pending[0].ChangedFields)
	require.NotNil(t, pending[0].BaseUpdatedAt)
	assert.True(t, pending[0].BaseUpdatedAt.Equal(seededAt))

	pp, _ := h.checklists.Progress(sess, "p1")
	assert.Equal(t, 1, pp.CompletedItems)

	_, err = h.checklists.ReopenShotItem(ctx, sess, "s1")
	require.NoError(t, err)
	pp, _ = h.checklists.Progress(sess, "p1")
	assert.Zero(t, pp.CompletedItems)
	assert.Len(t, h.state.Snapshot().PendingSync, 2)
}

func TestDeleteShotItem_OnlyUserAddedForShooters(t *testing.T) {
	h := newHarness(t)
	sess := h.begin(t, "sam")
	ctx := context.Background()

	assert.ErrorIs(t, h.checklists.DeleteShotItem(ctx, sess, "s1"), common.ErrForbidden)

	it, err := h.checklists.AddShotItem(ctx, sess, NewShotItem{ChecklistID: "main", Title: "Encore"})
	require.NoError(t, err)
	require.NoError(t, h.checklists.DeleteShotItem(ctx, sess, it.ID))
	assert.NotContains(t, h.state.Snapshot().ShotItems, it.ID)
	assert.Len(t, h.state.Snapshot().PendingSync, 2)
}

func TestAdminOnlyOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sam := h.begin(t, "sam")

	_, err := h.checklists.CreateProject(ctx, sam, "Mine", "")
	assert.ErrorIs(t, err, common.ErrForbidden)
	_, err = h.checklists.CreateChecklist(ctx, sam, "p1", "More", "")
	assert.ErrorIs(t, err, common.ErrForbidden)
	h.sync.End(ctx, sam, false)

	root := h.begin(t, "root")
	assert.False(t, root.HasProject())

	p, err := h.checklists.CreateProject(ctx, root, "Launch party", "rooftop")
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusDraft, p.Status)

	c, err := h.checklists.CreateChecklist(ctx, root, p.ID, "Arrivals", "")
	require.NoError(t, err)

	p, err = h.checklists.AssignUser(ctx, root, p.ID, "sam", nil)
	require.NoError(t, err)
	assert.True(t, p.IsAssigned("sam"))

	_, err = h.checklists.AssignUser(ctx, root, p.ID, "nobody", nil)
	var ve *common.ValidationError
	assert.ErrorAs(t, err, &ve)

	p, err = h.checklists.SetProjectStatus(ctx, root, p.ID, models.ProjectStatusActive)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusActive, p.Status)

	rep, err := h.sync.Sync(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Applied())
	assert.Empty(t, rep.Failures())

	_, ok := h.backend.Record(models.EntityKey{Type: models.EntityChecklist, ID: c.ID})
	assert.True(t, ok)

	require.NoError(t, h.checklists.DeleteChecklist(ctx, root, c.ID))
	rep, err = h.sync.Sync(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Applied())
	_, ok = h.backend.Record(models.EntityKey{Type: models.EntityChecklist, ID: c.ID})
	assert.False(t, ok)
}

func TestSync_OfflineEditsReachBackend(t *testing.T) {
	h := newHarness(t)
	sess := h.begin(t, "sam")
	ctx := context.Background()

	h.backend.SetOnline(false)
	added, err := h.checklists.AddShotItem(ctx, sess, NewShotItem{ChecklistID: "main", Title: "Confetti", Type: models.ShotTypeVideo})
	require.NoError(t, err)
	_, err = h.checklists.CompleteShotItem(ctx, sess, added.ID)
	require.NoError(t, err)

	rep, err := h.sync.Sync(ctx, sess)
	require.NoError(t, err)
	assert.True(t, rep.HasTransient())
	assert.Equal(t, 2, h.sync.Status().Pending)

	h.backend.SetOnline(true)
	rep, err = h.sync.Sync(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Applied())

	st := h.sync.Status()
	assert.Zero(t, st.Pending)
	require.NotNil(t, st.LastSync)

	rec, ok := h.backend.Record(models.EntityKey{Type: models.EntityShotItem, ID: added.ID})
	require.True(t, ok)
	assert.Contains(t, string(rec), `"isCompleted":true`)

	pp, _ := h.checklists.Progress(sess, "p1")
	assert.Equal(t, 2, pp.TotalItems)
	assert.Equal(t, 1, pp.CompletedItems)
}

func TestSelectAndEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.begin(t, "sam")

	assert.ErrorIs(t, h.sync.Select(ctx, sess, "missing"), common.ErrNotFound)
	require.NoError(t, h.sync.Select(ctx, sess, "p1"))

	h.sync.End(ctx, sess, true)
	_, ok := h.store.LastViewedProject(ctx, "sam")
	assert.False(t, ok)
}

func TestEnd_WhileBackgroundSyncRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.begin(t, "sam")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = h.sync.Sync(ctx, sess)
				h.checklists.RecomputeProgress(sess)
				_ = h.checklists.Projects(sess)
			}
		}()
	}
	h.sync.End(ctx, sess, false)
	wg.Wait()

	assert.True(t, sess.Ended())
	assert.False(t, sess.HasProject())
	assert.Equal(t, "sam", sess.User.ID)
}

func TestEndedSessionIsRefused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.begin(t, "sam")
	h.sync.End(ctx, sess, false)

	_, err := h.checklists.AddShotItem(ctx, sess, NewShotItem{ChecklistID: "main", Title: "Encore"})
	assert.ErrorIs(t, err, common.ErrForbidden)
	_, err = h.checklists.CompleteShotItem(ctx, sess, "s1")
	assert.ErrorIs(t, err, common.ErrForbidden)
	_, err = h.checklists.ShotItems(sess, "main")
	assert.ErrorIs(t, err, common.ErrForbidden)
	assert.Empty(t, h.checklists.Projects(sess))
	_, ok := h.checklists.Progress(sess, "p1")
	assert.False(t, ok)
	assert.Empty(t, h.state.Snapshot().PendingSync)
}
