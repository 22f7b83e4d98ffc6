// Package models defines the checklist entities shared by the client store,
// the reconciler and the reference backend.
//
// Entities are stored flat (keyed by id) and refer to their parents through
// explicit foreign-key fields: a ShotItem points at its Checklist, a Checklist
// at its Project. Nothing in this package owns child collections.
package models

import (
	"slices"
	"time"
)

// Role identifies what a user is allowed to do.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleShooter Role = "shooter"
)

// ProjectStatus is the lifecycle stage of a project.
type ProjectStatus string

const (
	ProjectStatusDraft     ProjectStatus = "draft"
	ProjectStatusActive    ProjectStatus = "active"
	ProjectStatusCompleted ProjectStatus = "completed"
	ProjectStatusArchived  ProjectStatus = "archived"
)

// ShotType is the medium a shot item must be captured in.
type ShotType string

const (
	ShotTypePhoto ShotType = "photo"
	ShotTypeVideo ShotType = "video"
)

// Priority ranks shot items inside a checklist.
type Priority string

const (
	PriorityMustHave   Priority = "must-have"
	PriorityNiceToHave Priority = "nice-to-have"
)

// User is cached locally read-only; the backend owns it.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	Role        Role      `json:"role"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// IsAdmin reports whether u has the admin role.
func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// ProjectAssignment maps a user to the zones of a project they work in.
// An assignment with no zones covers the whole project.
type ProjectAssignment struct {
	UserID string   `json:"userId"`
	Zones  []string `json:"zones"`
}

// Project groups checklists for one production.
type Project struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Status      ProjectStatus       `json:"status"`
	CreatedBy   string              `json:"createdBy"`
	Assignments []ProjectAssignment `json:"assignments"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// AssignmentFor returns the assignment of userID, if any.
func (p Project) AssignmentFor(userID string) (ProjectAssignment, bool) {
	for _, a := range p.Assignments {
		if a.UserID == userID {
			return a, true
		}
	}
	return ProjectAssignment{}, false
}

// IsAssigned reports whether userID appears in the project's assignments.
func (p Project) IsAssigned(userID string) bool {
	_, ok := p.AssignmentFor(userID)
	return ok
}

// AssignedUserIDs lists the ids of all assigned users in assignment order.
func (p Project) AssignedUserIDs() []string {
	ids := make([]string, 0, len(p.Assignments))
	for _, a := range p.Assignments {
		ids = append(ids, a.UserID)
	}
	return ids
}

// Checklist belongs to exactly one project. Zone is optional; an empty zone
// makes the checklist part of every assignment of the project.
type Checklist struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Title     string    `json:"title"`
	Zone      string    `json:"zone,omitempty"`
	Order     int       `json:"order"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ShotItem is a single shot to capture.
type ShotItem struct {
	ID          string     `json:"id"`
	ChecklistID string     `json:"checklistId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Type        ShotType   `json:"type"`
	Priority    Priority   `json:"priority"`
	IsCompleted bool       `json:"isCompleted"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CompletedBy string     `json:"completedBy,omitempty"`
	IsUserAdded bool       `json:"isUserAdded"`
	Order       int        `json:"order"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Complete marks the item done by userID at t.
func (s *ShotItem) Complete(userID string, t time.Time) {
	s.IsCompleted = true
	s.CompletedAt = &t
	s.CompletedBy = userID
	s.UpdatedAt = t
}

// Reopen clears the completion markers.
func (s *ShotItem) Reopen(t time.Time) {
	s.IsCompleted = false
	s.CompletedAt = nil
	s.CompletedBy = ""
	s.UpdatedAt = t
}

// ProjectProgress is derived from the shot items a user can see in a project.
// It is always recomputed as a whole, never patched.
type ProjectProgress struct {
	ProjectID                string    `json:"projectId"`
	UserID                   string    `json:"userId"`
	TotalItems               int       `json:"totalItems"`
	CompletedItems           int       `json:"completedItems"`
	MustHaveItems            int       `json:"mustHaveItems"`
	CompletedMustHaveItems   int       `json:"completedMustHaveItems"`
	NiceToHaveItems          int       `json:"niceToHaveItems"`
	CompletedNiceToHaveItems int       `json:"completedNiceToHaveItems"`
	ComputedAt               time.Time `json:"computedAt"`
}

// Percent returns the completed share in the range [0, 100].
func (p ProjectProgress) Percent() int {
	if p.TotalItems == 0 {
		return 0
	}
	return p.CompletedItems * 100 / p.TotalItems
}

// CanSee reports whether user may see checklist c of project p.
// Admins see everything. Shooters must be assigned, and when their assignment
// names zones only zone-less checklists and checklists in those zones match.
func CanSee(user User, p Project, c Checklist) bool {
	if user.IsAdmin() {
		return true
	}
	a, ok := p.AssignmentFor(user.ID)
	if !ok {
		return false
	}
	if len(a.Zones) == 0 || c.Zone == "" {
		return true
	}
	return slices.Contains(a.Zones, c.Zone)
}
