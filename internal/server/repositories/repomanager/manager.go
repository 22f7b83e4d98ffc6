package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/shotkeeper/internal/dbx"
	"github.com/dmitrijs2005/shotkeeper/internal/server/repositories/records"
	"github.com/dmitrijs2005/shotkeeper/internal/server/repositories/users"
)

// RepositoryManager vends repositories bound to a DBTX, so services can run
// the same code against *sql.DB or inside a transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Users(db dbx.DBTX) users.Repository
	Records(db dbx.DBTX) records.Repository
}
