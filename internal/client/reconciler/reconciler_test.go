package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/shotkeeper/internal/client/backend"
	"github.com/dmitrijs2005/shotkeeper/internal/client/queue"
	"github.com/dmitrijs2005/shotkeeper/internal/client/repositories/kv"
	"github.com/dmitrijs2005/shotkeeper/internal/client/state"
	"github.com/dmitrijs2005/shotkeeper/internal/client/store"
	"github.com/dmitrijs2005/shotkeeper/internal/common"
	"github.com/dmitrijs2005/shotkeeper/internal/logging"
	"github.com/dmitrijs2005/shotkeeper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0        = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	serverNow = t0.Add(time.Hour)
)

type fixture struct {
	st    *state.State
	be    *backend.Memory
	rc    *Reconciler
	clock time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()

	be := backend.NewMemory()
	be.SetClock(func() time.Time { return serverNow })
	be.PutUser(models.User{ID: "admin", Role: models.RoleAdmin})
	project := models.Project{ID: "p1", Name: "Gala", Status: models.ProjectStatusActive, CreatedBy: "admin", CreatedAt: t0, UpdatedAt: t0}
	checklist := models.Checklist{ID: "c1", ProjectID: "p1", Title: "Stage", CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, be.Put(models.EntityProject, "p1", project))
	require.NoError(t, be.Put(models.EntityChecklist, "c1", checklist))

	st := state.Open(ctx, store.New(kv.NewMemoryRepository(0), logging.Discard()))
	require.NoError(t, st.Update(ctx, func(snap *models.OfflineStore) error {
		snap.PutProject(project)
		snap.PutChecklist(checklist)
		return nil
	}))

	if cfg.SubmitTimeout == 0 {
		cfg.SubmitTimeout = time.Second
	}
	rc := New(st, be, cfg, logging.Discard())
	rc.now = func() time.Time { return serverNow }
	return &fixture{st: st, be: be, rc: rc, clock: t0}
}

func (f *fixture) tick() time.Time {
	f.clock = f.clock.Add(time.Minute)
	return f.clock
}

func shot(id, title string) models.ShotItem {
	return models.ShotItem{ID: id, ChecklistID: "c1", Title: title, Type: models.ShotTypePhoto, Priority: models.PriorityMustHave}
}

// write mimics the service layer: optimistic local write plus queue append.
func (f *fixture) write(t *testing.T, action models.SyncAction, it models.ShotItem, changed ...string) string {
	t.Helper()
	var id string
	require.NoError(t, f.st.Update(context.Background(), func(snap *models.OfflineStore) error {
		now := f.tick()
		var base *time.Time
		if prev, ok := snap.ShotItems[it.ID]; ok && action != models.ActionCreate {
			b := prev.UpdatedAt
			base = &b
			it.CreatedAt = prev.CreatedAt
		} else {
			it.CreatedAt = now
		}
		it.UpdatedAt = now

		item, err := models.NewSyncItem(models.EntityShotItem, action, it.ID, it, base, changed, now)
		if err != nil {
			return err
		}
		if action == models.ActionDelete {
			snap.DeleteShotItem(it.ID)
		} else {
			snap.PutShotItem(it)
		}
		queue.Push(snap, item)
		id = item.ID
		return nil
	}))
	return id
}

func pendingLen(f *fixture) int {
	return len(f.st.Snapshot().PendingSync)
}

func backendItems(t *testing.T, f *fixture) map[string]models.ShotItem {
	t.Helper()
	ds, err := f.be.Fetch(context.Background(), "admin")
	require.NoError(t, err)
	out := make(map[string]models.ShotItem, len(ds.ShotItems))
	for _, it := range ds.ShotItems {
		out[it.ID] = it
	}
	return out
}

func TestReconcile_DrainsToBackendState(t *testing.T) {
	f := newFixture(t, Config{})

	f.write(t, models.ActionCreate, shot("i1", "Rings"))
	f.write(t, models.ActionCreate, shot("i2", "Cake"))
	f.write(t, models.ActionCreate, shot("i3", "Exit"))
	f.write(t, models.ActionUpdate, shot("i1", "Rings close-up"), "title")
	f.write(t, models.ActionDelete, shot("i2", "Cake"))

	rep := f.rc.Reconcile(context.Background())

	assert.Equal(t, 5, rep.Applied())
	assert.Empty(t, rep.Conflicts)
	assert.Equal(t, 0, pendingLen(f))

	snap := f.st.Snapshot()
	assert.Equal(t, backendItems(t, f), snap.ShotItems)
	assert.Equal(t, "Rings close-up", snap.ShotItems["i1"].Title)
	assert.NotContains(t, snap.ShotItems, "i2")
	require.NotNil(t, snap.LastSync)
	assert.True(t, snap.LastSync.Equal(serverNow))
}

func TestReconcile_SecondPassChangesNothing(t *testing.T) {
	f := newFixture(t, Config{})
	f.write(t, models.ActionCreate, shot("i1", "Rings"))
	f.write(t, models.ActionUpdate, shot("i1", "Rings wide"), "title")

	f.rc.Reconcile(context.Background())
	once := f.st.Snapshot()
	submits := len(f.be.Submitted())

	rep := f.rc.Reconcile(context.Background())
	assert.Empty(t, rep.Outcomes)
	assert.Equal(t, once, f.st.Snapshot())
	assert.Len(t, f.be.Submitted(), submits)
}

func TestReconcile_CreateThenUpdateAcrossPasses(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 1})
	f.write(t, models.ActionCreate, shot("i1", "Rings"))
	f.write(t, models.ActionUpdate, shot("i1", "Rings macro"), "title")

	first := f.rc.Reconcile(context.Background())
	require.Len(t, first.Outcomes, 1)
	assert.Equal(t, models.ActionCreate, first.Outcomes[0].Action)
	assert.Equal(t, StateApplied, first.Outcomes[0].State)
	assert.Equal(t, 1, pendingLen(f))
	// the local edit is still what the user sees
	assert.Equal(t, "Rings macro", f.st.Snapshot().ShotItems["i1"].Title)
	assert.Nil(t, f.st.Snapshot().LastSync, "queue not empty yet")

	second := f.rc.Reconcile(context.Background())
	require.Len(t, second.Outcomes, 1)
	assert.Equal(t, models.ActionUpdate, second.Outcomes[0].Action)
	assert.Equal(t, StateApplied, second.Outcomes[0].State, "update must not conflict with our own create")

	subs := f.be.Submitted()
	require.Len(t, subs, 2)
	assert.Equal(t, models.ActionCreate, subs[0].Action)
	assert.Equal(t, models.ActionUpdate, subs[1].Action)
	assert.Equal(t, "Rings macro", backendItems(t, f)["i1"].Title)
	assert.Equal(t, 0, pendingLen(f))
}

func TestReconcile_ConflictRemoteNewerWins(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	remote := shot("i1", "A")
	remote.CreatedAt, remote.UpdatedAt = t0, t0
	require.NoError(t, f.be.Put(models.EntityShotItem, "i1", remote))
	require.NoError(t, f.st.Update(ctx, func(snap *models.OfflineStore) error {
		snap.PutShotItem(remote)
		return nil
	}))

	// local edit at t1, then the backend moves on to t2 > t1
	f.write(t, models.ActionUpdate, shot("i1", "A local"), "title")
	remote.Title = "B"
	remote.UpdatedAt = f.clock.Add(time.Hour)
	require.NoError(t, f.be.Put(models.EntityShotItem, "i1", remote))

	rep := f.rc.Reconcile(ctx)

	require.Len(t, rep.Conflicts, 1)
	assert.Equal(t, StateConflicted, rep.Outcomes[0].State)
	assert.ErrorIs(t, rep.Outcomes[0].Err, common.ErrVersionConflict)
	assert.Empty(t, rep.Conflicts[0].FollowUp)
	assert.Equal(t, "B", f.st.Snapshot().ShotItems["i1"].Title)
	assert.Equal(t, 0, pendingLen(f), "conflicting mutation is not retried")
}

func TestReconcile_ConflictLocalNewerQueuesFollowUp(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	remote := shot("i1", "A")
	remote.CreatedAt, remote.UpdatedAt = t0, t0
	require.NoError(t, f.st.Update(ctx, func(snap *models.OfflineStore) error {
		snap.PutShotItem(remote)
		return nil
	}))
	f.write(t, models.ActionUpdate, shot("i1", "A local"), "title")

	// someone else changed a different field slightly before our edit
	// reached the backend but after our base version
	remote.Priority = models.PriorityNiceToHave
	remote.UpdatedAt = t0.Add(30 * time.Second)
	require.NoError(t, f.be.Put(models.EntityShotItem, "i1", remote))

	rep := f.rc.Reconcile(ctx)
	require.Len(t, rep.Conflicts, 1)
	notice := rep.Conflicts[0]
	require.NotEmpty(t, notice.FollowUp)

	var merged models.ShotItem
	require.NoError(t, json.Unmarshal(notice.Merged, &merged))
	assert.Equal(t, "A local", merged.Title)
	assert.Equal(t, models.PriorityNiceToHave, merged.Priority)
	assert.Equal(t, merged.Title, f.st.Snapshot().ShotItems["i1"].Title)

	pending := f.st.Snapshot().PendingSync
	require.Len(t, pending, 1)
	assert.Equal(t, []string{"title"}, pending[0].ChangedFields)

	next := f.rc.Reconcile(ctx)
	assert.Equal(t, 1, next.Applied())
	got := backendItems(t, f)["i1"]
	assert.Equal(t, "A local", got.Title)
	assert.Equal(t, models.PriorityNiceToHave, got.Priority)
}

func TestReconcile_TransientBlocksEntityAndChildren(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	down := true
	f.be.Intercept = func(m models.Mutation) error {
		if down && m.EntityID == "c2" {
			return errors.Join(common.ErrUnavailable, errors.New("timeout"))
		}
		return nil
	}

	require.NoError(t, f.st.Update(ctx, func(snap *models.OfflineStore) error {
		c := models.Checklist{ID: "c2", ProjectID: "p1", Title: "Bar", UpdatedAt: t0}
		snap.PutChecklist(c)
		item, err := models.NewSyncItem(models.EntityChecklist, models.ActionCreate, "c2", c, nil, nil, t0)
		if err != nil {
			return err
		}
		queue.Push(snap, item)
		return nil
	}))
	child := shot("i9", "Cocktails")
	child.ChecklistID = "c2"
	f.write(t, models.ActionCreate, child)
	f.write(t, models.ActionCreate, shot("i1", "Unrelated"))

	rep := f.rc.Reconcile(ctx)

	require.Len(t, rep.Outcomes, 3)
	assert.Equal(t, StateFailedTransient, rep.Outcomes[0].State)
	assert.Equal(t, StateQueued, rep.Outcomes[1].State, "child of a blocked parent waits")
	assert.Equal(t, StateApplied, rep.Outcomes[2].State)
	assert.True(t, rep.HasTransient())
	assert.Equal(t, 2, pendingLen(f))
	assert.Nil(t, f.st.Snapshot().LastSync)

	down = false
	rep = f.rc.Reconcile(ctx)
	assert.Equal(t, 2, rep.Applied())
	assert.Equal(t, 0, pendingLen(f))
}

func TestReconcile_PermanentFailureIsDroppedAndReported(t *testing.T) {
	f := newFixture(t, Config{})

	bad := shot("i1", "Orphan")
	bad.ChecklistID = "missing"
	f.write(t, models.ActionCreate, bad)
	f.write(t, models.ActionCreate, shot("i2", "Fine"))

	rep := f.rc.Reconcile(context.Background())

	failures := rep.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "i1", failures[0].Key.ID)
	assert.ErrorIs(t, failures[0].Err, common.ErrNotFound)
	assert.Equal(t, 1, rep.Applied())
	assert.Equal(t, 0, pendingLen(f))
}

func TestReconcile_RekeysOnCanonicalID(t *testing.T) {
	f := newFixture(t, Config{})
	f.be.AssignIDs = true
	ctx := context.Background()

	require.NoError(t, f.st.Update(ctx, func(snap *models.OfflineStore) error {
		c := models.Checklist{ID: "tmp-c", ProjectID: "p1", Title: "Dance floor", UpdatedAt: t0}
		snap.PutChecklist(c)
		item, err := models.NewSyncItem(models.EntityChecklist, models.ActionCreate, "tmp-c", c, nil, nil, t0)
		if err != nil {
			return err
		}
		queue.Push(snap, item)
		return nil
	}))
	child := shot("tmp-i", "First dance")
	child.ChecklistID = "tmp-c"
	f.write(t, models.ActionCreate, child)

	rep := f.rc.Reconcile(ctx)
	require.Equal(t, 2, rep.Applied())

	snap := f.st.Snapshot()
	assert.NotContains(t, snap.Checklists, "tmp-c")
	assert.NotContains(t, snap.ShotItems, "tmp-i")
	require.Len(t, snap.ShotItems, 1)
	for _, it := range snap.ShotItems {
		_, ok := snap.Checklists[it.ChecklistID]
		assert.True(t, ok, "child follows the parent's canonical id")
	}
}

func TestReconcile_CancelledContextLeavesQueue(t *testing.T) {
	f := newFixture(t, Config{})
	f.write(t, models.ActionCreate, shot("i1", "Rings"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := f.rc.Reconcile(ctx)
	assert.Equal(t, 1, rep.Deferred())
	assert.Equal(t, 1, pendingLen(f))
	assert.Empty(t, f.be.Submitted())
}

func TestSync_RefreshesAfterDrain(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.be.Put(models.EntityChecklist, "c-remote", models.Checklist{ID: "c-remote", ProjectID: "p1", Title: "Added by admin"}))
	f.write(t, models.ActionCreate, shot("i1", "Rings"))

	changes := 0
	f.rc.OnChange = func(context.Context) { changes++ }

	rep, err := f.rc.Sync(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Applied())
	assert.Equal(t, 2, changes)

	snap := f.st.Snapshot()
	assert.Contains(t, snap.Checklists, "c-remote")
	assert.Contains(t, snap.ShotItems, "i1")
	assert.Contains(t, snap.Users, "admin")
}

func TestSync_SkipsRefreshWhileTransient(t *testing.T) {
	f := newFixture(t, Config{})
	f.be.Intercept = func(models.Mutation) error { return errors.Join(common.ErrUnavailable, errors.New("dns")) }
	f.write(t, models.ActionCreate, shot("i1", "Rings"))

	_, err := f.rc.Sync(context.Background(), "admin")
	require.NoError(t, err)
	assert.Empty(t, f.st.Snapshot().Users, "no refresh happened")
}

func TestRefresh_KeepsPendingEntities(t *testing.T) {
	f := newFixture(t, Config{})
	f.be.SetOnline(false)
	f.write(t, models.ActionCreate, shot("i1", "Local only"))

	require.Error(t, f.rc.Refresh(context.Background(), "admin"))

	f.be.SetOnline(true)
	require.NoError(t, f.rc.Refresh(context.Background(), "admin"))
	assert.Equal(t, "Local only", f.st.Snapshot().ShotItems["i1"].Title)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "failed-transient", StateFailedTransient.String())
	assert.True(t, StateConflicted.Terminal())
	assert.False(t, StateFailedTransient.Terminal())
}

// stuckBackend accepts a submission and never answers until the caller's
// context ends.
type stuckBackend struct {
	*backend.Memory
}

func (b stuckBackend) Submit(ctx context.Context, _ models.Mutation) (json.RawMessage, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %w", common.ErrUnavailable, ctx.Err())
}

func TestReconcile_SubmitTimeoutIsTransient(t *testing.T) {
	f := newFixture(t, Config{})
	f.write(t, models.ActionCreate, shot("i1", "Rings"))
	rc := New(f.st, stuckBackend{f.be}, Config{SubmitTimeout: 50 * time.Millisecond}, logging.Discard())

	start := time.Now()
	rep := rc.Reconcile(context.Background())

	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, StateFailedTransient, rep.Outcomes[0].State)
	assert.ErrorIs(t, rep.Outcomes[0].Err, context.DeadlineExceeded)
	assert.Equal(t, 1, pendingLen(f), "a timed out item stays queued")
	assert.Contains(t, f.st.Snapshot().ShotItems, "i1")
}

func TestReconcile_ConcurrentPassesSubmitOnce(t *testing.T) {
	f := newFixture(t, Config{})
	const n = 20
	for i := 0; i < n; i++ {
		f.write(t, models.ActionCreate, shot(fmt.Sprintf("i%d", i), "Shot"))
	}

	var wg sync.WaitGroup
	reports := make([]Report, 4)
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = f.rc.Reconcile(context.Background())
		}()
	}
	wg.Wait()

	applied := 0
	for _, rep := range reports {
		applied += rep.Applied()
	}
	assert.Equal(t, n, applied)
	assert.Len(t, f.be.Submitted(), n)
	assert.Equal(t, 0, pendingLen(f))
}

func TestReconcile_WriteDuringPassWaitsForNextPass(t *testing.T) {
	f := newFixture(t, Config{})
	f.write(t, models.ActionCreate, shot("i1", "Rings"))

	var once sync.Once
	f.be.Intercept = func(models.Mutation) error {
		once.Do(func() { f.write(t, models.ActionCreate, shot("i2", "Late arrival")) })
		return nil
	}

	first := f.rc.Reconcile(context.Background())
	require.Len(t, first.Outcomes, 1)
	assert.Equal(t, "i1", first.Outcomes[0].Key.ID)
	assert.Equal(t, 1, pendingLen(f))
	assert.Nil(t, f.st.Snapshot().LastSync, "queue not empty after the first pass")

	second := f.rc.Reconcile(context.Background())
	require.Len(t, second.Outcomes, 1)
	assert.Equal(t, StateApplied, second.Outcomes[0].State)
	assert.Equal(t, "i2", second.Outcomes[0].Key.ID)
	assert.Equal(t, 0, pendingLen(f))
	assert.Contains(t, backendItems(t, f), "i2")
}
