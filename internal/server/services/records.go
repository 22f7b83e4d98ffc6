// Package services contains the backend's business logic. RecordService
// applies client mutations to the authoritative records and answers the
// per-user dataset fetch; UserService manages the user directory and mints
// access tokens.
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/shotkeeper/internal/common"
	"github.com/dmitrijs2005/shotkeeper/internal/dbx"
	"github.com/dmitrijs2005/shotkeeper/internal/models"
	"github.com/dmitrijs2005/shotkeeper/internal/server/repositories/records"
	"github.com/dmitrijs2005/shotkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/shotkeeper/internal/server/repositories/users"
)

// ConflictError is returned when a mutation's base version is older than
// the stored record. Current is that record.
type ConflictError struct {
	Current json.RawMessage
}

func (e *ConflictError) Error() string { return common.ErrVersionConflict.Error() }

func (e *ConflictError) Unwrap() error { return common.ErrVersionConflict }

type RecordService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	now         func() time.Time
}

func NewRecordService(db *sql.DB, m repomanager.RepositoryManager) *RecordService {
	return &RecordService{
		db:          db,
		repomanager: m,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Submit applies m on behalf of userID and returns the canonical record,
// nil for deletes. A replayed ItemID gets the first answer again.
//
// Errors: *common.ValidationError, common.ErrForbidden, common.ErrNotFound
// and *ConflictError; anything else is a storage failure.
func (s *RecordService) Submit(ctx context.Context, userID string, m models.Mutation) (json.RawMessage, error) {
	if m.ItemID == "" || m.EntityID == "" {
		return nil, common.NewValidationError("mutation", []string{"itemId and entityId are required"})
	}

	return dbx.WithTxValue(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) (json.RawMessage, error) {
		user, err := activeUser(ctx, s.repomanager.Users(tx), userID)
		if err != nil {
			return nil, err
		}

		repo := s.repomanager.Records(tx)
		if err := repo.LockItem(ctx, m.ItemID); err != nil {
			return nil, err
		}
		if rec, ok, err := repo.Processed(ctx, m.ItemID); err != nil {
			return nil, err
		} else if ok {
			return rec, nil
		}

		rec, err := s.apply(ctx, repo, *user, m)
		if err != nil {
			return nil, err
		}
		if err := repo.MarkProcessed(ctx, m.ItemID, rec); err != nil {
			return nil, err
		}
		return rec, nil
	})
}

func (s *RecordService) apply(ctx context.Context, repo records.Repository, user models.User, m models.Mutation) (json.RawMessage, error) {
	key := models.EntityKey{Type: m.Type, ID: m.EntityID}
	cur, err := repo.Get(ctx, key)
	exists := err == nil
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	now := s.now()

	switch m.Action {
	case models.ActionCreate:
		if exists {
			return cur, nil
		}
		if err := common.NewValidationError(string(m.Type), models.ValidateCreate(m.Type, m.Data)); err != nil {
			return nil, err
		}
		parent, hasParent := models.ParentOf(m.Type, m.Data)
		if hasParent {
			if _, err := repo.Get(ctx, parent); err != nil {
				return nil, fmt.Errorf("parent %s: %w", parent, err)
			}
		}
		if err := s.authorize(ctx, repo, user, m, nil); err != nil {
			return nil, err
		}
		rec, err := models.Stamp(m.Data, now, true)
		if err != nil {
			return nil, malformed(m.Type, err)
		}
		return rec, put(ctx, repo, key, rec)

	case models.ActionUpdate:
		if !exists {
			return nil, fmt.Errorf("%s: %w", key, common.ErrNotFound)
		}
		patched, err := models.ApplyFields(cur, m.Data, m.ChangedFields)
		if err != nil {
			return nil, malformed(m.Type, err)
		}
		if err := validate(m.Type, patched); err != nil {
			return nil, err
		}
		m.Data = patched
		if err := s.authorize(ctx, repo, user, m, cur); err != nil {
			return nil, err
		}
		if err := checkVersion(cur, m.BaseUpdatedAt); err != nil {
			return nil, err
		}
		var created struct {
			CreatedAt time.Time `json:"createdAt"`
		}
		_ = json.Unmarshal(cur, &created)
		data, err := models.WithField(patched, "createdAt", created.CreatedAt)
		if err != nil {
			return nil, malformed(m.Type, err)
		}
		rec, err := models.Stamp(data, now, false)
		if err != nil {
			return nil, malformed(m.Type, err)
		}
		return rec, put(ctx, repo, key, rec)

	case models.ActionDelete:
		if !exists {
			return nil, nil
		}
		if err := s.authorize(ctx, repo, user, m, cur); err != nil {
			return nil, err
		}
		if err := checkVersion(cur, m.BaseUpdatedAt); err != nil {
			return nil, err
		}
		_, err := repo.DeleteTree(ctx, key)
		return nil, err
	}
	return nil, common.NewValidationError("mutation", []string{fmt.Sprintf("unknown action %q", m.Action)})
}

// authorize applies the role rules. Admins may change anything. Shooters
// may create and edit shot items in checklists they can see, and delete
// only the items a shooter added.
func (s *RecordService) authorize(ctx context.Context, repo records.Repository, user models.User, m models.Mutation, cur json.RawMessage) error {
	if user.IsAdmin() {
		return nil
	}
	if m.Type != models.EntityShotItem {
		return fmt.Errorf("%w: only admins may change %s records", common.ErrForbidden, m.Type)
	}

	// an update may move the item, so both checklists must be visible
	var checklists []string
	for _, raw := range []json.RawMessage{m.Data, cur} {
		if len(raw) == 0 {
			continue
		}
		if parent, ok := models.ParentOf(m.Type, raw); ok {
			checklists = append(checklists, parent.ID)
		}
	}
	if len(checklists) == 0 {
		return fmt.Errorf("%w: shot item %s has no checklist", common.ErrForbidden, m.EntityID)
	}
	for _, id := range checklists {
		if err := canSeeChecklist(ctx, repo, user, id); err != nil {
			return err
		}
	}

	if m.Action == models.ActionDelete {
		var it models.ShotItem
		if err := json.Unmarshal(cur, &it); err != nil || !it.IsUserAdded {
			return fmt.Errorf("%w: shot item %s is part of the planned list", common.ErrForbidden, m.EntityID)
		}
	}
	return nil
}

func canSeeChecklist(ctx context.Context, repo records.Repository, user models.User, checklistID string) error {
	var c models.Checklist
	if err := load(ctx, repo, models.EntityKey{Type: models.EntityChecklist, ID: checklistID}, &c); err != nil {
		return err
	}
	var p models.Project
	if err := load(ctx, repo, models.EntityKey{Type: models.EntityProject, ID: c.ProjectID}, &p); err != nil {
		return err
	}
	if !models.CanSee(user, p, c) {
		return fmt.Errorf("%w: checklist %s", common.ErrForbidden, checklistID)
	}
	return nil
}

func load(ctx context.Context, repo records.Repository, key models.EntityKey, v any) error {
	raw, err := repo.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func put(ctx context.Context, repo records.Repository, key models.EntityKey, rec json.RawMessage) error {
	if parent, ok := models.ParentOf(key.Type, rec); ok {
		return repo.Put(ctx, key, &parent, rec)
	}
	return repo.Put(ctx, key, nil, rec)
}

func validate(t models.EntityType, data json.RawMessage) error {
	return common.NewValidationError(string(t), models.ValidateRecord(t, data))
}

func malformed(t models.EntityType, err error) error {
	return common.NewValidationError(string(t), []string{"malformed record: " + err.Error()})
}

func checkVersion(cur json.RawMessage, base *time.Time) error {
	stale, err := models.IsStale(cur, base)
	if err != nil {
		return fmt.Errorf("unreadable current record: %w", err)
	}
	if stale {
		return &ConflictError{Current: cur}
	}
	return nil
}

func activeUser(ctx context.Context, repo users.Repository, userID string) (*models.User, error) {
	user, err := repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown user %s", common.ErrForbidden, userID)
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, fmt.Errorf("%w: user %s is deactivated", common.ErrForbidden, userID)
	}
	return user, nil
}

// Fetch returns everything userID may see, plus the user directory.
func (s *RecordService) Fetch(ctx context.Context, userID string) (*models.Dataset, error) {
	user, err := activeUser(ctx, s.repomanager.Users(s.db), userID)
	if err != nil {
		return nil, err
	}

	all, err := s.repomanager.Users(s.db).List(ctx)
	if err != nil {
		return nil, err
	}
	recs, err := s.repomanager.Records(s.db).List(ctx)
	if err != nil {
		return nil, err
	}

	snap, err := snapshotOf(recs)
	if err != nil {
		return nil, err
	}
	return models.FilterDataset(&models.Dataset{Users: all}, snap, *user), nil
}

// Export returns the stored project with its checklists and shot items.
func (s *RecordService) Export(ctx context.Context, projectID string) (*models.Dataset, error) {
	recs, err := s.repomanager.Records(s.db).List(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := snapshotOf(recs)
	if err != nil {
		return nil, err
	}
	p, ok := snap.Projects[projectID]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, common.ErrNotFound)
	}

	ds := &models.Dataset{Projects: []models.Project{p}}
	for _, c := range snap.ChecklistsOf(p.ID) {
		ds.Checklists = append(ds.Checklists, c)
		ds.ShotItems = append(ds.ShotItems, snap.ShotItemsOf(c.ID)...)
	}
	return ds, nil
}

// ArchivedProjects lists projects in the archived status.
func (s *RecordService) ArchivedProjects(ctx context.Context) ([]models.Project, error) {
	recs, err := s.repomanager.Records(s.db).List(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Project
	for _, r := range recs {
		if r.Key.Type != models.EntityProject {
			continue
		}
		var p models.Project
		if err := json.Unmarshal(r.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", r.Key, err)
		}
		if p.Status == models.ProjectStatusArchived {
			out = append(out, p)
		}
	}
	return out, nil
}

func snapshotOf(recs []records.Record) (*models.OfflineStore, error) {
	snap := models.NewOfflineStore()
	for _, r := range recs {
		if err := snap.Apply(r.Key.Type, models.ActionCreate, r.Key.ID, r.Data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", r.Key, err)
		}
	}
	return snap, nil
}
