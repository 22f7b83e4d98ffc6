// Package reconciler drains the mutation queue against the backend.
//
// A pass walks the head of the queue in enqueue order. Items for an entity
// that already failed transiently in the pass, or whose parent did, are
// left for the next pass so per-entity order is kept. Every outcome that
// changes local data is written with a single state update.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/shotkeeper/internal/client/backend"
	"github.com/dmitrijs2005/shotkeeper/internal/client/queue"
	"github.com/dmitrijs2005/shotkeeper/internal/client/state"
	"github.com/dmitrijs2005/shotkeeper/internal/logging"
	"github.com/dmitrijs2005/shotkeeper/internal/models"
	"golang.org/x/time/rate"
)

type Config struct {
	BatchSize     int
	SubmitTimeout time.Duration
	// RatePerSecond limits submissions; zero or less means unlimited.
	RatePerSecond float64
}

type Reconciler struct {
	mu      sync.Mutex
	state   *state.State
	backend backend.Backend
	limiter *rate.Limiter
	cfg     Config
	log     logging.Logger
	now     func() time.Time

	// OnChange runs after a pass or refresh that touched local data.
	OnChange func(ctx context.Context)
}

func New(s *state.State, b backend.Backend, cfg Config, log logging.Logger) *Reconciler {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	return &Reconciler{
		state:   s,
		backend: b,
		limiter: rate.NewLimiter(limit, 1),
		cfg:     cfg,
		log:     log.With("module", "reconciler"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile runs one pass. It never fails as a whole: per-item results are
// in the report. Cancelling ctx stops the pass and leaves the remaining
// items queued.
func (r *Reconciler) Reconcile(ctx context.Context) Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rep Report
	var batch []models.SyncItem
	r.state.View(func(snap *models.OfflineStore) {
		batch = queue.Head(snap, r.cfg.BatchSize)
	})

	blocked := make(map[models.EntityKey]struct{})
	isBlocked := func(it models.SyncItem) bool {
		if _, ok := blocked[it.Key()]; ok {
			return true
		}
		if parent, ok := it.ParentKey(); ok {
			if _, ok := blocked[parent]; ok {
				return true
			}
		}
		return false
	}

	for _, head := range batch {
		// earlier items in this pass may have rewritten ids in the queue
		item, ok := r.current(head.ID)
		if !ok {
			continue
		}
		out := Outcome{ItemID: item.ID, Key: item.Key(), Action: item.Action, State: StateQueued}

		if ctx.Err() != nil || isBlocked(item) {
			blocked[item.Key()] = struct{}{}
			rep.Outcomes = append(rep.Outcomes, out)
			continue
		}
		if err := r.limiter.Wait(ctx); err != nil {
			blocked[item.Key()] = struct{}{}
			rep.Outcomes = append(rep.Outcomes, out)
			continue
		}

		out.State = StateSubmitting
		r.log.Debug(ctx, "submitting", "item", item.ID, "entity", item.Key().String(), "action", item.Action)

		sctx, cancel := context.WithTimeout(ctx, r.cfg.SubmitTimeout)
		rec, err := r.backend.Submit(sctx, item.Mutation())
		cancel()

		switch {
		case err == nil:
			out.State, out.Err = r.applied(ctx, item, rec)
		case backend.Classify(err) == backend.ClassConflict:
			var notice *ConflictNotice
			out.State, notice, out.Err = r.conflicted(ctx, item, err)
			if notice != nil {
				rep.Conflicts = append(rep.Conflicts, *notice)
			}
		case backend.Classify(err) == backend.ClassPermanent:
			out.State, out.Err = r.drop(ctx, item, err)
		default:
			out.State, out.Err = StateFailedTransient, err
		}

		if out.State == StateFailedTransient {
			blocked[item.Key()] = struct{}{}
			r.log.Warn(ctx, "submit deferred", "item", item.ID, "entity", item.Key().String(), "error", out.Err)
		}
		rep.Outcomes = append(rep.Outcomes, out)
	}

	if rep.Applied() > 0 {
		now := r.now()
		_ = r.state.Update(ctx, func(snap *models.OfflineStore) error {
			if len(snap.PendingSync) == 0 {
				snap.LastSync = &now
			}
			return nil
		})
	}

	r.log.Info(ctx, "reconcile pass finished",
		"applied", rep.Applied(), "conflicts", len(rep.Conflicts),
		"failed", len(rep.Failures()), "deferred", rep.Deferred())

	if r.OnChange != nil && len(rep.Outcomes) > rep.Deferred() {
		r.OnChange(ctx)
	}
	return rep
}

func (r *Reconciler) current(itemID string) (models.SyncItem, bool) {
	var item models.SyncItem
	found := false
	r.state.View(func(snap *models.OfflineStore) {
		for _, it := range snap.PendingSync {
			if it.ID == itemID {
				item, found = it, true
				return
			}
		}
	})
	return item, found
}

// applied folds the canonical record into the store and removes the item.
func (r *Reconciler) applied(ctx context.Context, item models.SyncItem, rec json.RawMessage) (State, error) {
	err := r.state.Update(ctx, func(snap *models.OfflineStore) error {
		key := item.Key()
		queue.Without(snap, item.ID)

		if item.Action == models.ActionDelete {
			if !queue.Pending(snap, key, "") {
				return snap.Apply(key.Type, models.ActionDelete, key.ID, nil)
			}
			return nil
		}
		if len(rec) == 0 {
			return nil
		}

		if id := models.IDOf(rec); id != "" && id != key.ID {
			snap.Rekey(key.Type, key.ID, id)
			key.ID = id
		}

		canonAt, err := models.UpdatedAtOf(rec)
		if err != nil {
			return err
		}
		if sentAt, err := models.UpdatedAtOf(item.Data); err == nil {
			queue.Rebase(snap, key, sentAt, canonAt)
		}

		// later local edits stay visible until they are applied too
		if queue.Pending(snap, key, "") {
			return nil
		}
		return snap.Apply(key.Type, models.ActionUpdate, key.ID, rec)
	})
	if err != nil {
		// the backend accepted it; only the local fold failed
		r.log.Error(ctx, "fold canonical record", "item", item.ID, "error", err)
		_ = r.state.Update(ctx, func(snap *models.OfflineStore) error {
			queue.Without(snap, item.ID)
			return nil
		})
	}
	return StateApplied, nil
}

// conflicted merges the local snapshot with the backend's current record,
// writes the result and drops the item. When the local side won any field
// a follow-up update carrying the merged record is queued.
func (r *Reconciler) conflicted(ctx context.Context, item models.SyncItem, cause error) (State, *ConflictNotice, error) {
	var ce *backend.ConflictError
	if !errors.As(cause, &ce) || len(ce.Current) == 0 || string(ce.Current) == "null" {
		st, err := r.drop(ctx, item, fmt.Errorf("conflict without current record: %w", cause))
		return st, nil, err
	}

	key := item.Key()
	notice := &ConflictNotice{Key: key, Local: item.Data, Remote: ce.Current}

	merged := ce.Current
	if item.Action != models.ActionDelete {
		m, err := models.MergeLastWriteWins(item.Data, item.ChangedFields, ce.Current)
		if err != nil {
			st, err := r.drop(ctx, item, fmt.Errorf("merge: %w", err))
			return st, nil, err
		}
		merged = m
	}
	notice.Merged = merged

	var followUp *models.SyncItem
	if item.Action != models.ActionDelete {
		won, err := models.ChangedFields(merged, ce.Current)
		if err == nil && len(won) > 0 {
			base, _ := models.UpdatedAtOf(ce.Current)
			fu, err := models.NewSyncItem(key.Type, models.ActionUpdate, key.ID, merged, &base, won, r.now())
			if err == nil {
				followUp = &fu
				notice.FollowUp = fu.ID
			}
		}
	}

	err := r.state.Update(ctx, func(snap *models.OfflineStore) error {
		queue.Without(snap, item.ID)
		laterEdits := queue.Pending(snap, key, "")
		if followUp != nil {
			queue.Push(snap, *followUp)
		}
		if laterEdits {
			return nil
		}
		return snap.Apply(key.Type, models.ActionUpdate, key.ID, merged)
	})
	if err != nil {
		r.log.Error(ctx, "write merged record", "item", item.ID, "error", err)
	}

	r.log.Warn(ctx, "conflict merged", "item", item.ID, "entity", key.String(), "follow_up", notice.FollowUp)
	return StateConflicted, notice, cause
}

// drop removes a permanently failed item. The local record is left as is
// until the next refresh replaces it.
func (r *Reconciler) drop(ctx context.Context, item models.SyncItem, cause error) (State, error) {
	err := r.state.Update(ctx, func(snap *models.OfflineStore) error {
		queue.Without(snap, item.ID)
		return nil
	})
	if err != nil {
		r.log.Error(ctx, "drop item", "item", item.ID, "error", err)
	}
	r.log.Error(ctx, "mutation rejected", "item", item.ID, "entity", item.Key().String(), "error", cause)
	return StateFailedPermanent, cause
}

// Refresh replaces local data with the backend's view for userID, keeping
// entities that still have queued mutations.
func (r *Reconciler) Refresh(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, r.cfg.SubmitTimeout)
	defer cancel()

	ds, err := r.backend.Fetch(fctx, userID)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	now := r.now()
	err = r.state.Update(ctx, func(snap *models.OfflineStore) error {
		snap.ReplaceFrom(ds)
		snap.LastSync = &now
		return nil
	})
	if err != nil {
		return err
	}
	r.log.Info(ctx, "refreshed", "projects", len(ds.Projects), "checklists", len(ds.Checklists), "items", len(ds.ShotItems))

	if r.OnChange != nil {
		r.OnChange(ctx)
	}
	return nil
}

// Sync reconciles, then refreshes when the queue drained cleanly.
func (r *Reconciler) Sync(ctx context.Context, userID string) (Report, error) {
	rep := r.Reconcile(ctx)
	if rep.HasTransient() || rep.Deferred() > 0 || r.pending() > 0 {
		return rep, nil
	}
	return rep, r.Refresh(ctx, userID)
}

func (r *Reconciler) pending() int {
	n := 0
	r.state.View(func(snap *models.OfflineStore) { n = len(snap.PendingSync) })
	return n
}
