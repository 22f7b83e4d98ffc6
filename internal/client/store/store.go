// Package store persists the OfflineStore snapshot and the per-user
// last-viewed project pointers on top of a kv.Repository.
//
// Every failure here is absorbed: a snapshot that cannot be read is treated
// as absent, and a snapshot that cannot be written is logged. The device
// keeps working from memory either way.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/shotkeeper/internal/client/repositories/kv"
	"github.com/dmitrijs2005/shotkeeper/internal/common"
	"github.com/dmitrijs2005/shotkeeper/internal/cryptox"
	"github.com/dmitrijs2005/shotkeeper/internal/logging"
	"github.com/dmitrijs2005/shotkeeper/internal/models"
)

const (
	SnapshotKey         = "offline_store"
	LastViewedKeyPrefix = "last_viewed_project:"
	snapshotVersion     = 1
)

// envelope is the persisted form of a snapshot.
type envelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	Data     json.RawMessage `json:"data"`
}

type Store struct {
	repo kv.Repository
	log  logging.Logger
}

func New(repo kv.Repository, log logging.Logger) *Store {
	return &Store{repo: repo, log: log.With("module", "store")}
}

// Load returns the persisted snapshot. The second value is false when there
// is none; an unreadable record is logged and removed.
func (s *Store) Load(ctx context.Context) (*models.OfflineStore, bool) {
	raw, err := s.repo.Get(ctx, SnapshotKey)
	if err != nil {
		s.log.Warn(ctx, "snapshot read failed", "error", err)
		return nil, false
	}
	if raw == nil {
		return nil, false
	}

	snap, err := decode(raw)
	if err != nil {
		s.log.Error(ctx, "discarding snapshot", "error", err)
		if err := s.repo.Delete(ctx, SnapshotKey); err != nil {
			s.log.Warn(ctx, "snapshot delete failed", "error", err)
		}
		return nil, false
	}
	return snap, true
}

func decode(raw []byte) (*models.OfflineStore, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCorruptedSnapshot, err)
	}
	if env.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", common.ErrCorruptedSnapshot, env.Version)
	}
	if !cryptox.VerifyChecksum(env.Data, env.Checksum) {
		return nil, fmt.Errorf("%w: checksum mismatch", common.ErrCorruptedSnapshot)
	}

	snap := models.NewOfflineStore()
	if err := json.Unmarshal(env.Data, snap); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCorruptedSnapshot, err)
	}
	snap.Normalize()
	return snap, nil
}

func encode(snap *models.OfflineStore) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		Version:  snapshotVersion,
		Checksum: cryptox.Checksum(data),
		Data:     data,
	})
}

// Save overwrites the snapshot with one Set. Failures, including quota
// exhaustion, are logged and otherwise ignored.
func (s *Store) Save(ctx context.Context, snap *models.OfflineStore) {
	raw, err := encode(snap)
	if err != nil {
		s.log.Error(ctx, "snapshot encode failed", "error", err)
		return
	}
	if err := s.repo.Set(ctx, SnapshotKey, raw); err != nil {
		s.log.Warn(ctx, "snapshot save failed", "error", err, "bytes", len(raw))
	}
}

// Clear removes the snapshot. Last-viewed pointers are kept.
func (s *Store) Clear(ctx context.Context) {
	if err := s.repo.Delete(ctx, SnapshotKey); err != nil {
		s.log.Warn(ctx, "snapshot clear failed", "error", err)
	}
}

func lastViewedKey(userID string) string { return LastViewedKeyPrefix + userID }

// LastViewedProject returns the project id last selected by the user.
func (s *Store) LastViewedProject(ctx context.Context, userID string) (string, bool) {
	raw, err := s.repo.Get(ctx, lastViewedKey(userID))
	if err != nil {
		s.log.Warn(ctx, "last viewed read failed", "user", userID, "error", err)
		return "", false
	}
	if len(raw) == 0 {
		return "", false
	}
	return string(raw), true
}

func (s *Store) SetLastViewedProject(ctx context.Context, userID, projectID string) {
	if err := s.repo.Set(ctx, lastViewedKey(userID), []byte(projectID)); err != nil {
		s.log.Warn(ctx, "last viewed save failed", "user", userID, "error", err)
	}
}

func (s *Store) ClearLastViewedProject(ctx context.Context, userID string) {
	if err := s.repo.Delete(ctx, lastViewedKey(userID)); err != nil {
		s.log.Warn(ctx, "last viewed clear failed", "user", userID, "error", err)
	}
}
