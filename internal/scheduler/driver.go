package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gradeline/internal/logging"
	"gradeline/internal/repo"
)

const defaultPollInterval = 2 * time.Second

// EntryFunc is a function a trigger can invoke.
type EntryFunc func(ctx context.Context) error

// Driver polls for due triggers and invokes their entry points one at a time.
type Driver struct {
	repo     repo.Repo
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]EntryFunc
}

func NewDriver(r repo.Repo, interval time.Duration, logger *slog.Logger) *Driver {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = logging.New("driver")
	}
	return &Driver{repo: r, interval: interval, logger: logger, entries: map[string]EntryFunc{}}
}

func (d *Driver) Register(entryPoint string, fn EntryFunc) {
	d.mu.Lock()
	d.entries[entryPoint] = fn
	d.mu.Unlock()
}

func (d *Driver) entry(name string) (EntryFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn, ok := d.entries[name]
	return fn, ok
}

// Run ticks until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick fires every due trigger with a registered entry point and reports how
// many were invoked. Entry point errors are logged; the trigger stays fired.
func (d *Driver) Tick(ctx context.Context) int {
	now := time.Now()
	if d.repo.Now != nil {
		now = d.repo.Now()
	}
	due, err := d.repo.DueTriggers(ctx, now)
	if err != nil {
		d.logger.ErrorContext(ctx, "list due triggers failed", "error", err)
		return 0
	}
	fired := 0
	for _, t := range due {
		fn, ok := d.entry(t.EntryPoint)
		if !ok {
			d.logger.DebugContext(ctx, "no handler for trigger", "trigger_id", t.ID, "entry_point", t.EntryPoint)
			continue
		}
		claimed, err := d.repo.MarkTriggerFired(ctx, t.ID, now)
		if err != nil {
			d.logger.ErrorContext(ctx, "claim trigger failed", "trigger_id", t.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		fired++
		d.logger.InfoContext(ctx, "trigger fired", "trigger_id", t.ID, "entry_point", t.EntryPoint)
		if err := fn(ctx); err != nil {
			d.logger.ErrorContext(ctx, "entry point failed", "trigger_id", t.ID, "entry_point", t.EntryPoint, "error", err)
		}
	}
	return fired
}
