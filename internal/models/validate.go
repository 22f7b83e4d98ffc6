package models

import (
	"fmt"
	"strings"
)

// ValidateShotItem returns human-readable problems with item.
// An empty result means the item is valid.
func ValidateShotItem(item ShotItem) []string {
	var problems []string
	if strings.TrimSpace(item.Title) == "" {
		problems = append(problems, "title is required")
	}
	switch item.Type {
	case ShotTypePhoto, ShotTypeVideo:
	default:
		problems = append(problems, fmt.Sprintf("type must be %q or %q", ShotTypePhoto, ShotTypeVideo))
	}
	switch item.Priority {
	case PriorityMustHave, PriorityNiceToHave:
	default:
		problems = append(problems, fmt.Sprintf("priority must be %q or %q", PriorityMustHave, PriorityNiceToHave))
	}
	return problems
}

// ValidateChecklist returns problems with c.
func ValidateChecklist(c Checklist) []string {
	var problems []string
	if strings.TrimSpace(c.Title) == "" {
		problems = append(problems, "title is required")
	}
	if c.ProjectID == "" {
		problems = append(problems, "projectId is required")
	}
	if c.Order < 0 {
		problems = append(problems, "order must not be negative")
	}
	return problems
}

// ValidateProject returns problems with p. Assignment users are checked
// against knownUsers when it is not nil.
func ValidateProject(p Project, knownUsers map[string]User) []string {
	var problems []string
	if strings.TrimSpace(p.Name) == "" {
		problems = append(problems, "name is required")
	}
	switch p.Status {
	case ProjectStatusDraft, ProjectStatusActive, ProjectStatusCompleted, ProjectStatusArchived:
	default:
		problems = append(problems, fmt.Sprintf("unknown status %q", p.Status))
	}
	if p.CreatedBy == "" {
		problems = append(problems, "createdBy is required")
	}
	seen := make(map[string]struct{}, len(p.Assignments))
	for _, a := range p.Assignments {
		if a.UserID == "" {
			problems = append(problems, "assignment without userId")
			continue
		}
		if _, dup := seen[a.UserID]; dup {
			problems = append(problems, fmt.Sprintf("user %s assigned twice", a.UserID))
		}
		seen[a.UserID] = struct{}{}
		if knownUsers != nil {
			if _, ok := knownUsers[a.UserID]; !ok {
				problems = append(problems, fmt.Sprintf("assigned user %s is unknown", a.UserID))
			}
		}
	}
	return problems
}
