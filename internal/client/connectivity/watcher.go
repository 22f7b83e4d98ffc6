// Package connectivity turns periodic backend pings into an online/offline
// signal.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/shotkeeper/internal/logging"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Mode string

const (
	ModeUnknown Mode = ""
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

// Watcher pings at a fixed interval. OnChange runs on the watcher goroutine
// each time the mode flips, including the first check.
type Watcher struct {
	pinger      Pinger
	interval    time.Duration
	pingTimeout time.Duration
	log         logging.Logger

	mu   sync.RWMutex
	mode Mode

	OnChange func(ctx context.Context, mode Mode)
}

func NewWatcher(p Pinger, interval time.Duration, log logging.Logger) *Watcher {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Watcher{
		pinger:      p,
		interval:    interval,
		pingTimeout: 3 * time.Second,
		log:         log.With("module", "connectivity"),
	}
}

func (w *Watcher) Mode() Mode {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.mode
}

func (w *Watcher) Online() bool { return w.Mode() == ModeOnline }

// Check pings once and updates the mode.
func (w *Watcher) Check(ctx context.Context) Mode {
	pctx, cancel := context.WithTimeout(ctx, w.pingTimeout)
	err := w.pinger.Ping(pctx)
	cancel()

	next := ModeOnline
	if err != nil {
		next = ModeOffline
	}

	w.mu.Lock()
	prev := w.mode
	w.mode = next
	w.mu.Unlock()

	if prev != next {
		w.log.Info(ctx, "switched mode", "mode", next)
		if err != nil {
			w.log.Debug(ctx, "ping failed", "error", err)
		}
		if w.OnChange != nil {
			w.OnChange(ctx, next)
		}
	}
	return next
}

// Run checks immediately and then on every tick until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	w.Check(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}
