package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gradeline/internal/domain"
	"gradeline/internal/repo"
)

// DefaultMaxTriggers mirrors the per-project trigger limit of hosted runtimes.
const DefaultMaxTriggers = 20

// SQLHost keeps triggers in the local database and enforces a quota.
type SQLHost struct {
	Repo        repo.Repo
	MaxTriggers int
}

func (h SQLHost) max() int {
	if h.MaxTriggers <= 0 {
		return DefaultMaxTriggers
	}
	return h.MaxTriggers
}

func (h SQLHost) Create(ctx context.Context, entryPoint string, at time.Time) (domain.Trigger, error) {
	tx, err := h.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trigger{}, err
	}
	defer tx.Rollback()

	n, err := h.Repo.CountTriggersTx(ctx, tx)
	if err != nil {
		return domain.Trigger{}, err
	}
	if n >= h.max() {
		return domain.Trigger{}, fmt.Errorf("%w: %d of %d in use", ErrQuotaExceeded, n, h.max())
	}
	now := time.Now()
	if h.Repo.Now != nil {
		now = h.Repo.Now()
	}
	t := domain.Trigger{
		ID:         uuid.NewString(),
		EntryPoint: entryPoint,
		RunAt:      at.UTC(),
		CreatedAt:  now.UTC().Format(time.RFC3339),
	}
	if err := h.Repo.InsertTriggerTx(ctx, tx, t); err != nil {
		return domain.Trigger{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Trigger{}, err
	}
	return t, nil
}

func (h SQLHost) List(ctx context.Context, entryPoint string) ([]domain.Trigger, error) {
	return h.Repo.ListTriggers(ctx, entryPoint)
}

func (h SQLHost) Delete(ctx context.Context, id string) error {
	return h.Repo.DeleteTrigger(ctx, id)
}

func (h SQLHost) DeleteAll(ctx context.Context, entryPoint string) (int, error) {
	return h.Repo.DeleteTriggersByEntryPoint(ctx, entryPoint)
}
