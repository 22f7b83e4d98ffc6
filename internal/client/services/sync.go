package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/shotkeeper/internal/client/backend"
	"github.com/dmitrijs2005/shotkeeper/internal/client/reconciler"
	"github.com/dmitrijs2005/shotkeeper/internal/client/session"
	"github.com/dmitrijs2005/shotkeeper/internal/client/state"
	"github.com/dmitrijs2005/shotkeeper/internal/common"
	"github.com/dmitrijs2005/shotkeeper/internal/logging"
	"github.com/dmitrijs2005/shotkeeper/internal/models"
)

// Status is what the device knows about its sync state.
type Status struct {
	Pending  int
	LastSync *time.Time
}

// SyncService owns the session lifecycle and drives reconciliation.
//
// Contract:
//   - Begin: start a session for a cached user, fetching the data set first
//     when the user is not cached yet.
//   - End: drop the session; Forget also drops the last viewed pointer.
//   - Select: switch the current project and persist the pointer.
//   - Sync: push the queue and, when it drained, pull fresh data.
//   - Ping / Close: backend liveness and teardown.
type SyncService interface {
	Begin(ctx context.Context, userID string) (*session.Session, error)
	End(ctx context.Context, sess *session.Session, forget bool)
	Select(ctx context.Context, sess *session.Session, projectID string) error
	Sync(ctx context.Context, sess *session.Session) (reconciler.Report, error)
	Status() Status
	Ping(ctx context.Context) error
	Close() error
}

type syncService struct {
	state      *state.State
	backend    backend.Backend
	reconciler *reconciler.Reconciler
	restorer   *session.Restorer
	checklists ChecklistService
	log        logging.Logger

	active atomic.Pointer[session.Session]
}

// NewSyncService wires progress recomputation into r: every pass or refresh
// that touched data rebuilds the active user's progress.
func NewSyncService(s *state.State, b backend.Backend, r *reconciler.Reconciler, restorer *session.Restorer, checklists ChecklistService, log logging.Logger) SyncService {
	svc := &syncService{
		state:      s,
		backend:    b,
		reconciler: r,
		restorer:   restorer,
		checklists: checklists,
		log:        log.With("module", "sync"),
	}
	r.OnChange = func(context.Context) {
		svc.checklists.RecomputeProgress(svc.active.Load())
	}
	return svc
}

func (s *syncService) lookupUser(userID string) (models.User, bool) {
	var u models.User
	var ok bool
	s.state.View(func(snap *models.OfflineStore) {
		u, ok = snap.Users[userID]
	})
	return u, ok
}

func (s *syncService) Begin(ctx context.Context, userID string) (*session.Session, error) {
	user, ok := s.lookupUser(userID)
	if !ok {
		if err := s.reconciler.Refresh(ctx, userID); err != nil {
			return nil, fmt.Errorf("user %s is not cached and the backend cannot be reached: %w", userID, err)
		}
		if user, ok = s.lookupUser(userID); !ok {
			return nil, fmt.Errorf("user %s: %w", userID, common.ErrNotFound)
		}
	}
	if !user.IsActive {
		return nil, fmt.Errorf("user %s is deactivated: %w", userID, common.ErrForbidden)
	}

	var projects map[string]models.Project
	s.state.View(func(snap *models.OfflineStore) {
		projects = snap.Clone().Projects
	})
	sess := s.restorer.Restore(ctx, user, projects)
	s.active.Store(sess)
	s.checklists.RecomputeProgress(sess)

	s.log.Info(ctx, "session started", "user", user.ID, "role", user.Role, "project", sess.CurrentProject)
	return sess, nil
}

func (s *syncService) End(ctx context.Context, sess *session.Session, forget bool) {
	if sess == nil {
		return
	}
	s.log.Info(ctx, "session ended", "user", sess.User.ID)
	s.active.CompareAndSwap(sess, nil)
	if forget {
		s.restorer.Forget(ctx, sess)
		return
	}
	s.restorer.Clear(sess)
}

func (s *syncService) Select(ctx context.Context, sess *session.Session, projectID string) error {
	var projects map[string]models.Project
	s.state.View(func(snap *models.OfflineStore) {
		projects = snap.Clone().Projects
	})
	return s.restorer.Select(ctx, sess, projectID, projects)
}

func (s *syncService) Sync(ctx context.Context, sess *session.Session) (reconciler.Report, error) {
	if sess.Ended() {
		return reconciler.Report{}, fmt.Errorf("sync: session has ended: %w", common.ErrForbidden)
	}
	return s.reconciler.Sync(ctx, sess.User.ID)
}

func (s *syncService) Status() Status {
	var st Status
	s.state.View(func(snap *models.OfflineStore) {
		st.Pending = len(snap.PendingSync)
		if snap.LastSync != nil {
			t := *snap.LastSync
			st.LastSync = &t
		}
	})
	return st
}

func (s *syncService) Ping(ctx context.Context) error { return s.backend.Ping(ctx) }

func (s *syncService) Close() error { return s.backend.Close() }

func changedFields(prev, next any) ([]string, error) {
	a, err := json.Marshal(prev)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	return models.ChangedFields(a, b)
}
