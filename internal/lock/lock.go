// Package lock provides a per-document mutual exclusion lock with a bounded
// acquisition wait.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"gradeline/internal/logging"
	"gradeline/internal/repo"
)

const (
	DefaultWait  = 5 * time.Second
	DefaultLease = 30 * time.Minute
	pollEvery    = 100 * time.Millisecond
)

// ErrBusy is returned when another run holds the lock for the whole wait.
var ErrBusy = errors.New("document lock busy")

// Store is the durable lock table.
type Store interface {
	TryLock(ctx context.Context, scopeID, ownerID string, lease time.Duration) (bool, error)
	Unlock(ctx context.Context, scopeID, ownerID string) error
	LockHolder(ctx context.Context, scopeID string) (string, error)
}

// Lock guards one document scope.
type Lock struct {
	store  Store
	scope  string
	lease  time.Duration
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

func New(store Store, scope string, lease time.Duration, logger *slog.Logger) *Lock {
	if lease <= 0 {
		lease = DefaultLease
	}
	if logger == nil {
		logger = logging.New("lock")
	}
	return &Lock{store: store, scope: scope, lease: lease, logger: logger, sleep: sleepContext}
}

// Handle is a held lock. Release is safe to call more than once.
type Handle struct {
	lock  *Lock
	owner string
	done  bool
}

// TryAcquire polls for the lock until wait elapses. It returns ErrBusy when the
// lock stays held by someone else.
func (l *Lock) TryAcquire(ctx context.Context, wait time.Duration) (*Handle, error) {
	if wait <= 0 {
		wait = DefaultWait
	}
	owner := uuid.NewString()
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.store.TryLock(ctx, l.scope, owner, l.lease)
		if err != nil {
			return nil, err
		}
		if ok {
			l.logger.DebugContext(ctx, "lock acquired", "scope", l.scope, "owner", owner)
			return &Handle{lock: l, owner: owner}, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrBusy
		}
		if err := l.sleep(ctx, min(pollEvery, remaining)); err != nil {
			return nil, err
		}
	}
}

func (l *Lock) Scope() string { return l.scope }

func (h *Handle) Owner() string { return h.owner }

func (h *Handle) Release(ctx context.Context) error {
	if h == nil || h.done {
		return nil
	}
	h.done = true
	if err := h.lock.store.Unlock(ctx, h.lock.scope, h.owner); err != nil {
		return err
	}
	h.lock.logger.DebugContext(ctx, "lock released", "scope", h.lock.scope, "owner", h.owner)
	return nil
}

// Holder reports the live owner of the scope, if any.
func (l *Lock) Holder(ctx context.Context) (string, bool, error) {
	owner, err := l.store.LockHolder(ctx, l.scope)
	if errors.Is(err, repo.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
