// Package session holds who is using the device and which project they are
// working in, and restores that project across restarts.
package session

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dmitrijs2005/shotkeeper/internal/common"
	"github.com/dmitrijs2005/shotkeeper/internal/logging"
	"github.com/dmitrijs2005/shotkeeper/internal/models"
)

// Pointers stores the last viewed project per user. store.Store satisfies it.
type Pointers interface {
	LastViewedProject(ctx context.Context, userID string) (string, bool)
	SetLastViewedProject(ctx context.Context, userID, projectID string)
	ClearLastViewedProject(ctx context.Context, userID string)
}

// Session is owned by whoever logged the user in and is discarded on logout.
// User never changes after Restore, so background work holding the session
// may read it while the session is being ended.
type Session struct {
	User           models.User
	CurrentProject string

	ended atomic.Bool
}

func (s *Session) HasProject() bool { return !s.Ended() && s.CurrentProject != "" }

// Ended reports whether the session was cleared. A nil session is ended.
func (s *Session) Ended() bool { return s == nil || s.ended.Load() }

type Restorer struct {
	pointers Pointers
	log      logging.Logger
}

func NewRestorer(p Pointers, log logging.Logger) *Restorer {
	return &Restorer{pointers: p, log: log.With("module", "session")}
}

// Restore starts a session for user. Admins never get a project selected.
// A shooter with exactly one active assigned project gets it; with several,
// the last viewed one is used while it is still assigned.
func (r *Restorer) Restore(ctx context.Context, user models.User, projects map[string]models.Project) *Session {
	sess := &Session{User: user}
	if user.IsAdmin() {
		return sess
	}

	var active []string
	for id, p := range projects {
		if p.Status == models.ProjectStatusActive && p.IsAssigned(user.ID) {
			active = append(active, id)
		}
	}

	switch len(active) {
	case 0:
	case 1:
		sess.CurrentProject = active[0]
		r.pointers.SetLastViewedProject(ctx, user.ID, active[0])
	default:
		last, ok := r.pointers.LastViewedProject(ctx, user.ID)
		if !ok {
			break
		}
		if p, found := projects[last]; found && p.IsAssigned(user.ID) {
			sess.CurrentProject = last
		}
	}

	r.log.Debug(ctx, "session restored", "user", user.ID, "project", sess.CurrentProject, "candidates", len(active))
	return sess
}

// Select makes projectID current and persists the pointer right away.
func (r *Restorer) Select(ctx context.Context, sess *Session, projectID string, projects map[string]models.Project) error {
	p, ok := projects[projectID]
	if !ok {
		return fmt.Errorf("project %s: %w", projectID, common.ErrNotFound)
	}
	if !sess.User.IsAdmin() && !p.IsAssigned(sess.User.ID) {
		return fmt.Errorf("project %s: %w", projectID, common.ErrForbidden)
	}
	sess.CurrentProject = projectID
	r.pointers.SetLastViewedProject(ctx, sess.User.ID, projectID)
	return nil
}

// Clear ends the session. The pointer survives so the next login of the
// same user on this device restores it.
func (r *Restorer) Clear(sess *Session) {
	if sess != nil {
		sess.ended.Store(true)
	}
}

// Forget removes the user's pointer as well.
func (r *Restorer) Forget(ctx context.Context, sess *Session) {
	if sess != nil && sess.User.ID != "" {
		r.pointers.ClearLastViewedProject(ctx, sess.User.ID)
	}
	r.Clear(sess)
}
