package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/shotkeeper/internal/common"
	"github.com/dmitrijs2005/shotkeeper/internal/dbx"
	"github.com/dmitrijs2005/shotkeeper/internal/models"
	"github.com/dmitrijs2005/shotkeeper/internal/server/auth"
	"github.com/dmitrijs2005/shotkeeper/internal/server/config"
	"github.com/dmitrijs2005/shotkeeper/internal/server/repositories/repomanager"
)

// UserService maintains the user directory and issues access tokens.
type UserService struct {
	db                          *sql.DB
	repomanager                 repomanager.RepositoryManager
	jwtSecret                   []byte
	accessTokenValidityDuration time.Duration
	now                         func() time.Time
}

func NewUserService(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config) *UserService {
	return &UserService{
		db:                          db,
		repomanager:                 m,
		jwtSecret:                   []byte(cfg.SecretKey),
		accessTokenValidityDuration: cfg.AccessTokenValidityDuration,
		now:                         func() time.Time { return time.Now().UTC() },
	}
}

// Save creates or updates u. createdAt is kept for existing users.
func (s *UserService) Save(ctx context.Context, u models.User) (*models.User, error) {
	var problems []string
	if strings.TrimSpace(u.ID) == "" {
		problems = append(problems, "id is required")
	}
	switch u.Role {
	case models.RoleAdmin, models.RoleShooter:
	default:
		problems = append(problems, fmt.Sprintf("role must be %q or %q", models.RoleAdmin, models.RoleShooter))
	}
	if err := common.NewValidationError("user", problems); err != nil {
		return nil, err
	}

	return dbx.WithTxValue(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) (*models.User, error) {
		repo := s.repomanager.Users(tx)
		now := s.now()

		prev, err := repo.Get(ctx, u.ID)
		switch {
		case err == nil:
			u.CreatedAt = prev.CreatedAt
		case errors.Is(err, common.ErrNotFound):
			u.CreatedAt = now
		default:
			return nil, err
		}
		u.UpdatedAt = now

		if err := repo.Upsert(ctx, u); err != nil {
			return nil, err
		}
		return &u, nil
	})
}

// IssueToken mints an access token for an active user.
func (s *UserService) IssueToken(ctx context.Context, userID string) (string, error) {
	if _, err := activeUser(ctx, s.repomanager.Users(s.db), userID); err != nil {
		return "", err
	}
	return auth.GenerateToken(userID, s.jwtSecret, s.accessTokenValidityDuration)
}
