// Package services contains the application services the shotkeeper CLI
// talks to. This file defines the checklist service: optimistic mutations of
// projects, checklists and shot items plus the read views over the local
// snapshot.
package services

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dmitrijs2005/shotkeeper/internal/client/progress"
	"github.com/dmitrijs2005/shotkeeper/internal/client/queue"
	"github.com/dmitrijs2005/shotkeeper/internal/client/session"
	"github.com/dmitrijs2005/shotkeeper/internal/client/state"
	"github.com/dmitrijs2005/shotkeeper/internal/common"
	"github.com/dmitrijs2005/shotkeeper/internal/logging"
	"github.com/dmitrijs2005/shotkeeper/internal/models"
	"github.com/google/uuid"
)

// NewShotItem is what a user fills in to add a shot.
type NewShotItem struct {
	ChecklistID string
	Title       string
	Description string
	Type        models.ShotType
	Priority    models.Priority
}

// ChecklistService defines the data operations of the CLI.
//
// Every mutation is applied to the local snapshot first and queued for the
// backend in the same save; it succeeds offline. Validation problems are
// returned as *common.ValidationError, authorization problems wrap
// common.ErrForbidden.
type ChecklistService interface {
	Projects(sess *session.Session) []models.Project
	Checklists(sess *session.Session, projectID string) ([]models.Checklist, error)
	ShotItems(sess *session.Session, checklistID string) ([]models.ShotItem, error)
	Progress(sess *session.Session, projectID string) (models.ProjectProgress, bool)

	AddShotItem(ctx context.Context, sess *session.Session, in NewShotItem) (models.ShotItem, error)
	CompleteShotItem(ctx context.Context, sess *session.Session, id string) (models.ShotItem, error)
	ReopenShotItem(ctx context.Context, sess *session.Session, id string) (models.ShotItem, error)
	RenameShotItem(ctx context.Context, sess *session.Session, id, title string) (models.ShotItem, error)
	DeleteShotItem(ctx context.Context, sess *session.Session, id string) error

	CreateProject(ctx context.Context, sess *session.Session, name, description string) (models.Project, error)
	SetProjectStatus(ctx context.Context, sess *session.Session, projectID string, status models.ProjectStatus) (models.Project, error)
	AssignUser(ctx context.Context, sess *session.Session, projectID, userID string, zones []string) (models.Project, error)
	CreateChecklist(ctx context.Context, sess *session.Session, projectID, title, zone string) (models.Checklist, error)
	DeleteChecklist(ctx context.Context, sess *session.Session, id string) error

	// RecomputeProgress rebuilds every progress entry of the session user.
	RecomputeProgress(sess *session.Session)
}

type checklistService struct {
	state   *state.State
	tracker *progress.Tracker
	log     logging.Logger
	now     func() time.Time
}

func NewChecklistService(s *state.State, tracker *progress.Tracker, log logging.Logger) ChecklistService {
	return &checklistService{
		state:   s,
		tracker: tracker,
		log:     log.With("module", "checklists"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// live refuses sessions that were ended, so a stale reference cannot keep
// writing on behalf of a logged out user.
func live(sess *session.Session) error {
	if sess.Ended() {
		return forbidden("session has ended")
	}
	return nil
}

func forbidden(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), common.ErrForbidden)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, common.ErrNotFound)
}

// checklistAccess returns the checklist and its project if the user may see
// them.
func checklistAccess(snap *models.OfflineStore, user models.User, checklistID string) (models.Checklist, models.Project, error) {
	c, ok := snap.Checklists[checklistID]
	if !ok {
		return c, models.Project{}, notFound("checklist", checklistID)
	}
	p, ok := snap.Projects[c.ProjectID]
	if !ok {
		return c, p, notFound("project", c.ProjectID)
	}
	if !models.CanSee(user, p, c) {
		return c, p, forbidden("checklist %s", checklistID)
	}
	return c, p, nil
}

func (s *checklistService) Projects(sess *session.Session) []models.Project {
	if sess.Ended() {
		return nil
	}
	var out []models.Project
	s.state.View(func(snap *models.OfflineStore) {
		for _, p := range snap.Projects {
			if sess.User.IsAdmin() || p.IsAssigned(sess.User.ID) {
				out = append(out, p)
			}
		}
	})
	slices.SortFunc(out, func(a, b models.Project) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (s *checklistService) Checklists(sess *session.Session, projectID string) ([]models.Checklist, error) {
	if err := live(sess); err != nil {
		return nil, err
	}
	var out []models.Checklist
	var err error
	s.state.View(func(snap *models.OfflineStore) {
		p, ok := snap.Projects[projectID]
		if !ok {
			err = notFound("project", projectID)
			return
		}
		if !sess.User.IsAdmin() && !p.IsAssigned(sess.User.ID) {
			err = forbidden("project %s", projectID)
			return
		}
		for _, c := range snap.ChecklistsOf(projectID) {
			if models.CanSee(sess.User, p, c) {
				out = append(out, c)
			}
		}
	})
	return out, err
}

func (s *checklistService) ShotItems(sess *session.Session, checklistID string) ([]models.ShotItem, error) {
	if err := live(sess); err != nil {
		return nil, err
	}
	var out []models.ShotItem
	var err error
	s.state.View(func(snap *models.OfflineStore) {
		if _, _, err = checklistAccess(snap, sess.User, checklistID); err != nil {
			return
		}
		out = models.SortByPriority(snap.ShotItemsOf(checklistID))
	})
	return out, err
}

func (s *checklistService) Progress(sess *session.Session, projectID string) (models.ProjectProgress, bool) {
	if sess.Ended() {
		return models.ProjectProgress{}, false
	}
	if pp, ok := s.tracker.Get(projectID, sess.User.ID); ok {
		return pp, true
	}
	var pp models.ProjectProgress
	var ok bool
	s.state.View(func(snap *models.OfflineStore) {
		pp, ok = s.tracker.Recompute(snap, sess.User, projectID)
	})
	return pp, ok
}

func (s *checklistService) RecomputeProgress(sess *session.Session) {
	if sess.Ended() || sess.User.ID == "" {
		return
	}
	s.state.View(func(snap *models.OfflineStore) {
		s.tracker.RecomputeAll(snap, sess.User)
	})
}

func (s *checklistService) recompute(sess *session.Session, projectID string) {
	s.state.View(func(snap *models.OfflineStore) {
		s.tracker.Recompute(snap, sess.User, projectID)
	})
}

// commit applies one change to snap and queues it. For updates and deletes
// base is the UpdatedAt of the record the change was made on.
func (s *checklistService) commit(snap *models.OfflineStore, t models.EntityType, action models.SyncAction, id string, entity any, base *time.Time, changed []string, now time.Time) error {
	item, err := models.NewSyncItem(t, action, id, entity, base, changed, now)
	if err != nil {
		return err
	}
	if err := snap.Apply(t, action, id, item.Data); err != nil {
		return err
	}
	queue.Push(snap, item)
	return nil
}

func (s *checklistService) AddShotItem(ctx context.Context, sess *session.Session, in NewShotItem) (models.ShotItem, error) {
	if err := live(sess); err != nil {
		return models.ShotItem{}, err
	}
	if in.Type == "" {
		in.Type = models.ShotTypePhoto
	}
	if in.Priority == "" {
		in.Priority = models.PriorityMustHave
	}

	var it models.ShotItem
	var projectID string
	err := s.state.Update(ctx, func(snap *models.OfflineStore) error {
		_, p, err := checklistAccess(snap, sess.User, in.ChecklistID)
		if err != nil {
			return err
		}
		projectID = p.ID

		order := 0
		for _, other := range snap.ShotItemsOf(in.ChecklistID) {
			order = max(order, other.Order+1)
		}
		now := s.now()
		it = models.ShotItem{
			ID:          uuid.NewString(),
			ChecklistID: in.ChecklistID,
			Title:       strings.TrimSpace(in.Title),
			Description: in.Description,
			Type:        in.Type,
			Priority:    in.Priority,
			IsUserAdded: true,
			Order:       order,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := common.NewValidationError("shot item", models.ValidateShotItem(it)); err != nil {
			return err
		}
		return s.commit(snap, models.EntityShotItem, models.ActionCreate, it.ID, it, nil, nil, now)
	})
	if err != nil {
		return models.ShotItem{}, err
	}
	s.log.Debug(ctx, "shot item added", "id", it.ID, "checklist", it.ChecklistID)
	s.recompute(sess, projectID)
	return it, nil
}

// editShotItem runs edit on a copy of the stored item and queues an update
// carrying only the fields edit changed. An edit that changes nothing is
// not queued.
func (s *checklistService) editShotItem(ctx context.Context, sess *session.Session, id string, edit func(it *models.ShotItem, now time.Time)) (models.ShotItem, error) {
	if err := live(sess); err != nil {
		return models.ShotItem{}, err
	}
	var it models.ShotItem
	var projectID string
	err := s.state.Update(ctx, func(snap *models.OfflineStore) error {
		prev, ok := snap.ShotItems[id]
		if !ok {
			return notFound("shot item", id)
		}
		_, p, err := checklistAccess(snap, sess.User, prev.ChecklistID)
		if err != nil {
			return err
		}
		projectID = p.ID

		now := s.now()
		it = prev
		edit(&it, now)
		if err := common.NewValidationError("shot item", models.ValidateShotItem(it)); err != nil {
			return err
		}

		changed, err := changedFields(prev, it)
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			it = prev
			return nil
		}
		it.UpdatedAt = now
		base := prev.UpdatedAt
		return s.commit(snap, models.EntityShotItem, models.ActionUpdate, id, it, &base, changed, now)
	})
	if err != nil {
		return models.ShotItem{}, err
	}
	s.recompute(sess, projectID)
	return it, nil
}

func (s *checklistService) CompleteShotItem(ctx context.Context, sess *session.Session, id string) (models.ShotItem, error) {
	return s.editShotItem(ctx, sess, id, func(it *models.ShotItem, now time.Time) {
		if !it.IsCompleted {
			it.Complete(sess.User.ID, now)
		}
	})
}

func (s *checklistService) ReopenShotItem(ctx context.Context, sess *session.Session, id string) (models.ShotItem, error) {
	return s.editShotItem(ctx, sess, id, func(it *models.ShotItem, now time.Time) {
		if it.IsCompleted {
			it.Reopen(now)
		}
	})
}

func (s *checklistService) RenameShotItem(ctx context.Context, sess *session.Session, id, title string) (models.ShotItem, error) {
	return s.editShotItem(ctx, sess, id, func(it *models.ShotItem, _ time.Time) {
		it.Title = strings.TrimSpace(title)
	})
}

func (s *checklistService) DeleteShotItem(ctx context.Context, sess *session.Session, id string) error {
	if err := live(sess); err != nil {
		return err
	}
	var projectID string
	err := s.state.Update(ctx, func(snap *models.OfflineStore) error {
		it, ok := snap.ShotItems[id]
		if !ok {
			return notFound("shot item", id)
		}
		_, p, err := checklistAccess(snap, sess.User, it.ChecklistID)
		if err != nil {
			return err
		}
		if !sess.User.IsAdmin() && !it.IsUserAdded {
			return forbidden("shot item %s was planned by an admin", id)
		}
		projectID = p.ID
		base := it.UpdatedAt
		return s.commit(snap, models.EntityShotItem, models.ActionDelete, id, it, &base, nil, s.now())
	})
	if err != nil {
		return err
	}
	s.recompute(sess, projectID)
	return nil
}

func requireAdmin(sess *session.Session) error {
	if !sess.User.IsAdmin() {
		return forbidden("user %s is not an admin", sess.User.ID)
	}
	return nil
}

func (s *checklistService) CreateProject(ctx context.Context, sess *session.Session, name, description string) (models.Project, error) {
	if err := live(sess); err != nil {
		return models.Project{}, err
	}
	if err := requireAdmin(sess); err != nil {
		return models.Project{}, err
	}
	var p models.Project
	err := s.state.Update(ctx, func(snap *models.OfflineStore) error {
		now := s.now()
		p = models.Project{
			ID:          uuid.NewString(),
			Name:        strings.TrimSpace(name),
			Description: description,
			Status:      models.ProjectStatusDraft,
			CreatedBy:   sess.User.ID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := common.NewValidationError("project", models.ValidateProject(p, nil)); err != nil {
			return err
		}
		return s.commit(snap, models.EntityProject, models.ActionCreate, p.ID, p, nil, nil, now)
	})
	if err != nil {
		return models.Project{}, err
	}
	return p, nil
}

func (s *checklistService) editProject(ctx context.Context, sess *session.Session, id string, edit func(p *models.Project)) (models.Project, error) {
	if err := live(sess); err != nil {
		return models.Project{}, err
	}
	if err := requireAdmin(sess); err != nil {
		return models.Project{}, err
	}
	var p models.Project
	err := s.state.Update(ctx, func(snap *models.OfflineStore) error {
		prev, ok := snap.Projects[id]
		if !ok {
			return notFound("project", id)
		}
		p = prev
		p.Assignments = slices.Clone(prev.Assignments)
		edit(&p)
		known := snap.Users
		if len(known) == 0 {
			known = nil
		}
		if err := common.NewValidationError("project", models.ValidateProject(p, known)); err != nil {
			return err
		}
		changed, err := changedFields(prev, p)
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			p = prev
			return nil
		}
		now := s.now()
		p.UpdatedAt = now
		base := prev.UpdatedAt
		return s.commit(snap, models.EntityProject, models.ActionUpdate, id, p, &base, changed, now)
	})
	if err != nil {
		return models.Project{}, err
	}
	s.RecomputeProgress(sess)
	return p, nil
}

func (s *checklistService) SetProjectStatus(ctx context.Context, sess *session.Session, projectID string, status models.ProjectStatus) (models.Project, error) {
	return s.editProject(ctx, sess, projectID, func(p *models.Project) { p.Status = status })
}

// AssignUser adds userID to the project or replaces the zones of an
// existing assignment.
func (s *checklistService) AssignUser(ctx context.Context, sess *session.Session, projectID, userID string, zones []string) (models.Project, error) {
	return s.editProject(ctx, sess, projectID, func(p *models.Project) {
		for i, a := range p.Assignments {
			if a.UserID == userID {
				p.Assignments[i] = models.ProjectAssignment{UserID: userID, Zones: zones}
				return
			}
		}
		p.Assignments = append(p.Assignments, models.ProjectAssignment{UserID: userID, Zones: zones})
	})
}

func (s *checklistService) CreateChecklist(ctx context.Context, sess *session.Session, projectID, title, zone string) (models.Checklist, error) {
	if err := live(sess); err != nil {
		return models.Checklist{}, err
	}
	if err := requireAdmin(sess); err != nil {
		return models.Checklist{}, err
	}
	var c models.Checklist
	err := s.state.Update(ctx, func(snap *models.OfflineStore) error {
		if _, ok := snap.Projects[projectID]; !ok {
			return notFound("project", projectID)
		}
		order := 0
		for _, other := range snap.ChecklistsOf(projectID) {
			order = max(order, other.Order+1)
		}
		now := s.now()
		c = models.Checklist{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			Title:     strings.TrimSpace(title),
			Zone:      strings.TrimSpace(zone),
			Order:     order,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := common.NewValidationError("checklist", models.ValidateChecklist(c)); err != nil {
			return err
		}
		return s.commit(snap, models.EntityChecklist, models.ActionCreate, c.ID, c, nil, nil, now)
	})
	if err != nil {
		return models.Checklist{}, err
	}
	return c, nil
}

func (s *checklistService) DeleteChecklist(ctx context.Context, sess *session.Session, id string) error {
	if err := live(sess); err != nil {
		return err
	}
	if err := requireAdmin(sess); err != nil {
		return err
	}
	var projectID string
	err := s.state.Update(ctx, func(snap *models.OfflineStore) error {
		c, ok := snap.Checklists[id]
		if !ok {
			return notFound("checklist", id)
		}
		projectID = c.ProjectID
		base := c.UpdatedAt
		return s.commit(snap, models.EntityChecklist, models.ActionDelete, id, c, &base, nil, s.now())
	})
	if err != nil {
		return err
	}
	s.recompute(sess, projectID)
	return nil
}
