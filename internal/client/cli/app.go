package cli

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dmitrijs2005/shotkeeper/internal/client/backend"
	"github.com/dmitrijs2005/shotkeeper/internal/client/config"
	"github.com/dmitrijs2005/shotkeeper/internal/client/connectivity"
	"github.com/dmitrijs2005/shotkeeper/internal/client/progress"
	"github.com/dmitrijs2005/shotkeeper/internal/client/reconciler"
	"github.com/dmitrijs2005/shotkeeper/internal/client/repositories/kv"
	"github.com/dmitrijs2005/shotkeeper/internal/client/services"
	"github.com/dmitrijs2005/shotkeeper/internal/client/session"
	"github.com/dmitrijs2005/shotkeeper/internal/client/state"
	"github.com/dmitrijs2005/shotkeeper/internal/client/store"
	"github.com/dmitrijs2005/shotkeeper/internal/filex"
	"github.com/dmitrijs2005/shotkeeper/internal/logging"
)

type App struct {
	config     *config.Config
	log        logging.Logger
	db         *sql.DB
	state      *state.State
	checklists services.ChecklistService
	sync       services.SyncService
	watcher    *connectivity.Watcher
	out        io.Writer

	mu   sync.Mutex
	sess *session.Session
}

// openBackend picks the backend adapter named in the config.
func openBackend(ctx context.Context, c *config.Config) (backend.Backend, error) {
	switch c.BackendKind {
	case config.BackendGRPC:
		return backend.NewGRPC(c.ServerEndpointAddr, c.AccessToken)
	case config.BackendFirestore:
		return backend.NewFirestore(ctx, c.FirestoreProjectID, c.FirestoreCredentialsPath)
	case config.BackendMemory:
		return backend.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown backend %q", c.BackendKind)
}

func NewApp(ctx context.Context, c *config.Config, log logging.Logger) (*App, error) {
	if err := filex.EnsureParentDir(c.DatabasePath); err != nil {
		return nil, err
	}
	db, err := kv.Open(ctx, c.DatabasePath)
	if err != nil {
		log.Error(ctx, "error initializing database", "path", c.DatabasePath, "error", err)
		return nil, err
	}

	be, err := openBackend(ctx, c)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	st := store.New(kv.NewSQLiteRepository(db, c.StorageQuotaBytes), log)
	s := state.Open(ctx, st)
	tracker := progress.NewTracker()
	cs := services.NewChecklistService(s, tracker, log)
	rc := reconciler.New(s, be, reconciler.Config{
		BatchSize:     c.BatchSize,
		SubmitTimeout: c.SubmitTimeout,
		RatePerSecond: c.SubmitRatePerSecond,
	}, log)
	ss := services.NewSyncService(s, be, rc, session.NewRestorer(st, log), cs, log)

	return &App{
		config:     c,
		log:        log,
		db:         db,
		state:      s,
		checklists: cs,
		sync:       ss,
		watcher:    connectivity.NewWatcher(ss, c.OnlineCheckInterval, log),
		out:        os.Stdout,
	}, nil
}

func (a *App) session() *session.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess
}

func (a *App) setSession(s *session.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sess = s
}

func (a *App) hasSession() bool { return a.session() != nil }

// Run starts the connectivity watcher, opens the configured user's session
// and blocks in the REPL until the user exits or ctx is done.
func (a *App) Run(ctx context.Context, in io.Reader) {
	defer a.close(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// going online drains whatever was queued while offline
	a.watcher.OnChange = func(ctx context.Context, mode connectivity.Mode) {
		if mode == connectivity.ModeOnline && a.hasSession() {
			go a.backgroundSync(ctx)
		}
	}
	go a.watcher.Run(ctx)

	fmt.Fprintln(a.out, "Welcome to shotkeeper (type 'help' for commands)")
	if a.config.UserID != "" {
		if err := a.Use(ctx, []string{a.config.UserID}); err != nil {
			fmt.Fprintln(a.out, "Error:", err)
		}
	}

	runREPL(ctx, a, a.prompt, bufio.NewScanner(in))
}

func (a *App) backgroundSync(ctx context.Context) {
	sess := a.session()
	if sess == nil {
		return
	}
	rep, err := a.sync.Sync(ctx, sess)
	if err != nil {
		if sess.Ended() {
			return
		}
		a.log.Warn(ctx, "background sync failed", "error", err)
		return
	}
	a.log.Info(ctx, "background sync", "applied", rep.Applied(), "conflicts", len(rep.Conflicts), "failed", len(rep.Failures()))
}

func (a *App) close(ctx context.Context) {
	if err := a.sync.Close(); err != nil {
		a.log.Warn(ctx, "close backend", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.log.Warn(ctx, "close database", "error", err)
	}
}

func (a *App) prompt() string {
	if !interactive() {
		return ""
	}
	return fmt.Sprintf("shotkeeper %s> ", a.statusLine())
}

// statusLine renders "(user project mode)" for the prompt.
func (a *App) statusLine() string {
	s := ""
	if sess := a.session(); sess != nil {
		s = sess.User.ID + " "
		if sess.HasProject() {
			s += sess.CurrentProject + " "
		}
	}
	mode := a.watcher.Mode()
	if mode == connectivity.ModeUnknown {
		mode = "connecting"
	}
	return fmt.Sprintf("(%s%s)", s, mode)
}
