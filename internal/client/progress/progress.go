// Package progress derives per-user ProjectProgress from the local snapshot.
package progress

import (
	"sync"
	"time"

	"github.com/dmitrijs2005/shotkeeper/internal/models"
)

// Compute counts the shot items of project p that user can see. It only
// reads its arguments; checklists and items may include other projects'
// entities, which are ignored.
func Compute(user models.User, p models.Project, checklists []models.Checklist, items []models.ShotItem, now time.Time) models.ProjectProgress {
	visible := make(map[string]struct{}, len(checklists))
	for _, c := range checklists {
		if c.ProjectID == p.ID && models.CanSee(user, p, c) {
			visible[c.ID] = struct{}{}
		}
	}

	pp := models.ProjectProgress{ProjectID: p.ID, UserID: user.ID, ComputedAt: now}
	for _, it := range items {
		if _, ok := visible[it.ChecklistID]; !ok {
			continue
		}
		pp.TotalItems++
		if it.IsCompleted {
			pp.CompletedItems++
		}
		switch it.Priority {
		case models.PriorityMustHave:
			pp.MustHaveItems++
			if it.IsCompleted {
				pp.CompletedMustHaveItems++
			}
		case models.PriorityNiceToHave:
			pp.NiceToHaveItems++
			if it.IsCompleted {
				pp.CompletedNiceToHaveItems++
			}
		}
	}
	return pp
}

type key struct {
	projectID string
	userID    string
}

// Tracker caches the latest ProjectProgress per (project, user). Entries
// are only ever replaced whole.
type Tracker struct {
	mu      sync.RWMutex
	entries map[key]models.ProjectProgress
	now     func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[key]models.ProjectProgress),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Recompute rebuilds the entry for projectID and user from snap. When the
// project no longer exists the entry is dropped and false is returned.
func (t *Tracker) Recompute(snap *models.OfflineStore, user models.User, projectID string) (models.ProjectProgress, bool) {
	p, ok := snap.Projects[projectID]
	if !ok {
		t.mu.Lock()
		delete(t.entries, key{projectID, user.ID})
		t.mu.Unlock()
		return models.ProjectProgress{}, false
	}

	checklists, items := snap.ProjectItems(projectID)
	pp := Compute(user, p, checklists, items, t.now())

	t.mu.Lock()
	t.entries[key{projectID, user.ID}] = pp
	t.mu.Unlock()
	return pp, true
}

// RecomputeAll rebuilds every project user can work on and forgets the
// user's entries for projects that are gone.
func (t *Tracker) RecomputeAll(snap *models.OfflineStore, user models.User) {
	t.mu.Lock()
	for k := range t.entries {
		if k.userID != user.ID {
			continue
		}
		if _, ok := snap.Projects[k.projectID]; !ok {
			delete(t.entries, k)
		}
	}
	t.mu.Unlock()

	for id, p := range snap.Projects {
		if user.IsAdmin() || p.IsAssigned(user.ID) {
			t.Recompute(snap, user, id)
		}
	}
}

func (t *Tracker) Get(projectID, userID string) (models.ProjectProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pp, ok := t.entries[key{projectID, userID}]
	return pp, ok
}

// Forget drops every entry of userID, e.g. on logout.
func (t *Tracker) Forget(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.entries {
		if k.userID == userID {
			delete(t.entries, k)
		}
	}
}
