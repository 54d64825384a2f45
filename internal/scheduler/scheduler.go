// Package scheduler creates and removes one-shot continuation triggers and
// drives them when they come due.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gradeline/internal/domain"
	"gradeline/internal/logging"
	"gradeline/internal/repo"
)

// DefaultDelay is the offset used when a caller does not pick a run time.
const DefaultDelay = 5 * time.Second

// ErrQuotaExceeded means the host refused a new trigger because too many
// already exist. It is recoverable by removing stale triggers.
var ErrQuotaExceeded = errors.New("trigger quota exceeded")

// TriggerHost is the platform that stores triggers and later invokes them.
type TriggerHost interface {
	Create(ctx context.Context, entryPoint string, at time.Time) (domain.Trigger, error)
	List(ctx context.Context, entryPoint string) ([]domain.Trigger, error)
	Delete(ctx context.Context, id string) error
	// DeleteAll removes every trigger for entryPoint and reports how many.
	DeleteAll(ctx context.Context, entryPoint string) (int, error)
}

type Scheduler struct {
	host   TriggerHost
	delay  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Scheduler)

func WithDelay(d time.Duration) Option {
	return func(s *Scheduler) { s.delay = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func New(host TriggerHost, opts ...Option) *Scheduler {
	s := &Scheduler{host: host, delay: DefaultDelay, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New("scheduler")
	}
	return s
}

// CreateOneShot schedules entryPoint at the given time, or after the default
// delay when at is zero. When the host is at quota every trigger for the entry
// point is removed and creation is retried once. Other errors are returned as is.
func (s *Scheduler) CreateOneShot(ctx context.Context, entryPoint string, at time.Time) (domain.Trigger, error) {
	if at.IsZero() {
		at = s.now().Add(s.delay)
	}
	t, err := s.host.Create(ctx, entryPoint, at)
	if err == nil {
		s.logger.InfoContext(ctx, "trigger created", "trigger_id", t.ID, "entry_point", entryPoint, "run_at", at)
		return t, nil
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		return domain.Trigger{}, err
	}
	removed, rmErr := s.RemoveAll(ctx, entryPoint)
	if rmErr != nil {
		return domain.Trigger{}, fmt.Errorf("clear triggers after quota error: %w", rmErr)
	}
	s.logger.WarnContext(ctx, "trigger quota reached; cleared entry point", "entry_point", entryPoint, "removed", removed)
	t, err = s.host.Create(ctx, entryPoint, at)
	if err != nil {
		return domain.Trigger{}, err
	}
	s.logger.InfoContext(ctx, "trigger created", "trigger_id", t.ID, "entry_point", entryPoint, "run_at", at)
	return t, nil
}

// RemoveAll deletes every trigger for entryPoint and reports how many were
// removed. Running it twice is harmless.
func (s *Scheduler) RemoveAll(ctx context.Context, entryPoint string) (int, error) {
	if entryPoint == "" {
		return 0, nil
	}
	return s.host.DeleteAll(ctx, entryPoint)
}

// RemoveByID deletes one trigger. A trigger that is already gone is not an error.
func (s *Scheduler) RemoveByID(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	err := s.host.Delete(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	return err
}

// List returns the triggers for entryPoint, or all of them when it is empty.
func (s *Scheduler) List(ctx context.Context, entryPoint string) ([]domain.Trigger, error) {
	return s.host.List(ctx, entryPoint)
}
