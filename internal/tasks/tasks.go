// Package tasks runs the periodic maintenance loops: memory and token
// expiry sweeps, audit flushes, lock lease expiry, and subscription
// reaping. Task errors are logged and swallowed; a failing sweep never
// takes the server down.
package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/concord-dev/concord/internal/audit"
	"github.com/concord-dev/concord/internal/locks"
	"github.com/concord-dev/concord/internal/memory"
	"github.com/concord-dev/concord/internal/notify"
	"github.com/concord-dev/concord/internal/token"
)

// Default intervals.
const (
	DefaultSweepInterval = 300 * time.Second
	DefaultReapInterval  = 60 * time.Second
	DefaultFlushInterval = 1 * time.Second
)

// Config tunes the loop intervals; zero values take defaults.
type Config struct {
	SweepInterval time.Duration // memory, token, and lock expiry
	ReapInterval  time.Duration // idle subscription reaping
	FlushInterval time.Duration // audit batch flush
	IdleTimeout   time.Duration // subscription idle threshold
}

// Runner owns the background goroutines.
type Runner struct {
	cfg    Config
	memory *memory.Store
	tokens *token.Service
	locks  *locks.Manager
	hub    *notify.Hub
	audit  *audit.Logger
	log    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner wires the maintenance loops. Any nil dependency disables the
// loops that need it.
func NewRunner(cfg Config, mem *memory.Store, tokens *token.Service, lockMgr *locks.Manager, hub *notify.Hub, auditLog *audit.Logger, log *slog.Logger) *Runner {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = notify.DefaultIdleTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		cfg:    cfg,
		memory: mem,
		tokens: tokens,
		locks:  lockMgr,
		hub:    hub,
		audit:  auditLog,
		log:    log,
	}
}

// Start launches the loops. They run until Stop or ctx cancellation.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.loop(ctx, r.cfg.SweepInterval, r.sweep)
	r.loop(ctx, r.cfg.ReapInterval, r.reap)
	r.loop(ctx, r.cfg.FlushInterval, r.flush)
}

// Stop cancels the loops, waits for them, and performs a final audit
// flush so buffered entries survive shutdown.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	if r.audit != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.audit.Flush(ctx); err != nil {
			r.log.Warn("final audit flush failed", "error", err)
		}
	}
}

func (r *Runner) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func (r *Runner) sweep(ctx context.Context) {
	if r.memory != nil {
		if n, err := r.memory.SweepExpired(ctx); err != nil {
			r.log.Warn("memory sweep failed", "error", err)
		} else if n > 0 {
			r.log.Debug("memory sweep", "deleted", n)
		}
	}
	if r.tokens != nil {
		if n, err := r.tokens.SweepExpired(ctx); err != nil {
			r.log.Warn("token sweep failed", "error", err)
		} else if n > 0 {
			r.log.Debug("token sweep", "deleted", n)
		}
	}
	if r.locks != nil {
		if n := r.locks.SweepExpired(); n > 0 {
			r.log.Debug("lock sweep", "expired", n)
		}
	}
}

func (r *Runner) reap(ctx context.Context) {
	if r.hub != nil {
		r.hub.Reap(r.cfg.IdleTimeout)
	}
}

func (r *Runner) flush(ctx context.Context) {
	if r.audit != nil {
		if err := r.audit.Flush(ctx); err != nil {
			r.log.Warn("audit flush failed", "error", err)
		}
	}
}
