// Package server wires the shotkeeper backend together: PostgreSQL storage,
// the SyncService gRPC endpoint and the periodic archive export.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/shotkeeper/internal/logging"
	"github.com/dmitrijs2005/shotkeeper/internal/models"
	"github.com/dmitrijs2005/shotkeeper/internal/server/archive"
	"github.com/dmitrijs2005/shotkeeper/internal/server/config"
	"github.com/dmitrijs2005/shotkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/shotkeeper/internal/server/services"

	gs "github.com/dmitrijs2005/shotkeeper/internal/server/grpc"
)

var (
	openDB               = repomanager.Open
	newRepositoryManager = repomanager.NewPostgresRepositoryManager
)

type App struct {
	config        *config.Config
	logger        logging.Logger
	db            *sql.DB
	recordService *services.RecordService
	userService   *services.UserService
	exporter      *archive.Exporter
}

// NewApp connects to the database, applies pending migrations and builds
// the services.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	logger := logging.New(os.Stdout, c.LogFormat, c.LogLevel)

	db, err := openDB(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	m := newRepositoryManager()
	if err := m.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	rs := services.NewRecordService(db, m)
	us := services.NewUserService(db, m, c)

	return &App{
		config:        c,
		logger:        logger,
		db:            db,
		recordService: rs,
		userService:   us,
		exporter:      archive.NewExporter(rs, c, logger),
	}, nil
}

func (app *App) Close() error {
	return app.db.Close()
}

// MintToken issues an access token for an existing active user.
func (app *App) MintToken(ctx context.Context, userID string) (string, error) {
	return app.userService.IssueToken(ctx, userID)
}

// AddUser creates or updates a user from "id,role[,displayName]".
func (app *App) AddUser(ctx context.Context, spec string) (*models.User, error) {
	u, err := ParseUserSpec(spec)
	if err != nil {
		return nil, err
	}
	return app.userService.Save(ctx, u)
}

// ParseUserSpec reads "id,role[,displayName]" into an active user.
func ParseUserSpec(spec string) (models.User, error) {
	parts := strings.SplitN(spec, ",", 3)
	if len(parts) < 2 {
		return models.User{}, fmt.Errorf("user spec %q: want id,role[,displayName]", spec)
	}
	u := models.User{
		ID:       strings.TrimSpace(parts[0]),
		Role:     models.Role(strings.TrimSpace(parts[1])),
		IsActive: true,
	}
	if len(parts) == 3 {
		u.DisplayName = strings.TrimSpace(parts[2])
	}
	if u.DisplayName == "" {
		u.DisplayName = u.ID
	}
	return u, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s, err := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.recordService, app.config.SecretKey)
	if err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
		return
	}

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// Run serves until ctx is cancelled or a termination signal arrives, then
// closes the database.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "grpc", app.config.EndpointAddrGRPC)

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()

	if app.config.ArchiveInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.exporter.Run(ctx, app.config.ArchiveInterval)
		}()
	}

	wg.Wait()

	if err := app.Close(); err != nil {
		app.logger.Error(ctx, "close db", "error", err.Error())
	}
	app.logger.Info(ctx, "Stopped")
}
