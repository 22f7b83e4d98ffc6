package users

import (
	"context"

	"github.com/dmitrijs2005/shotkeeper/internal/models"
)

type Repository interface {
	// Get returns the user or common.ErrNotFound.
	Get(ctx context.Context, id string) (*models.User, error)
	List(ctx context.Context) ([]models.User, error)
	Upsert(ctx context.Context, user models.User) error
}
