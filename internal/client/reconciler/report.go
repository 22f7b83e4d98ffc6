package reconciler

import (
	"encoding/json"

	"github.com/dmitrijs2005/shotkeeper/internal/models"
)

// State is where a SyncItem ended up in a pass.
type State int

const (
	StateQueued State = iota
	StateSubmitting
	StateApplied
	StateConflicted
	StateFailedTransient
	StateFailedPermanent
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateSubmitting:
		return "submitting"
	case StateApplied:
		return "applied"
	case StateConflicted:
		return "conflicted"
	case StateFailedTransient:
		return "failed-transient"
	case StateFailedPermanent:
		return "failed-permanent"
	}
	return "unknown"
}

// Terminal reports whether the item has left the queue.
func (s State) Terminal() bool {
	return s == StateApplied || s == StateConflicted || s == StateFailedPermanent
}

// Outcome is the result for one SyncItem. Items deferred because their
// entity or parent was blocked stay in StateQueued.
type Outcome struct {
	ItemID string
	Key    models.EntityKey
	Action models.SyncAction
	State  State
	Err    error
}

// ConflictNotice describes a conflict that was merged automatically.
// FollowUp is the id of the SyncItem queued to push fields the local side
// won, if any.
type ConflictNotice struct {
	Key      models.EntityKey
	Local    json.RawMessage
	Remote   json.RawMessage
	Merged   json.RawMessage
	FollowUp string
}

// Report summarises one reconciliation pass.
type Report struct {
	Outcomes  []Outcome
	Conflicts []ConflictNotice
}

func (r *Report) count(s State) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == s {
			n++
		}
	}
	return n
}

func (r *Report) Applied() int { return r.count(StateApplied) }

func (r *Report) Deferred() int { return r.count(StateQueued) }

// Failures returns the items dropped as permanently failed.
func (r *Report) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.State == StateFailedPermanent {
			out = append(out, o)
		}
	}
	return out
}

// HasTransient reports whether any item is waiting for a retry.
func (r *Report) HasTransient() bool { return r.count(StateFailedTransient) > 0 }
