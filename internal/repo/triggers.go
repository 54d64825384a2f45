package repo

import (
	"context"
	"database/sql"
	"time"

	"gradeline/internal/domain"
)

// CountTriggersTx counts outstanding triggers across all entry points.
func (r Repo) CountTriggersTx(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM triggers`).Scan(&n)
	return n, err
}

func (r Repo) InsertTriggerTx(ctx context.Context, tx *sql.Tx, t domain.Trigger) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO triggers(id,entry_point,run_at,fired_at,created_at) VALUES (?,?,?,?,?)`,
		t.ID, t.EntryPoint, t.RunAt.UnixMilli(), nil, t.CreatedAt)
	return err
}

// ListTriggers returns triggers for one entry point, or all when entryPoint is empty.
func (r Repo) ListTriggers(ctx context.Context, entryPoint string) ([]domain.Trigger, error) {
	query := `SELECT id,entry_point,run_at,fired_at,created_at FROM triggers`
	var args []any
	if entryPoint != "" {
		query += ` WHERE entry_point=?`
		args = append(args, entryPoint)
	}
	query += ` ORDER BY run_at ASC, id ASC`
	return r.queryTriggers(ctx, query, args...)
}

// DueTriggers returns unfired triggers whose run time has passed.
func (r Repo) DueTriggers(ctx context.Context, now time.Time) ([]domain.Trigger, error) {
	return r.queryTriggers(ctx, `SELECT id,entry_point,run_at,fired_at,created_at FROM triggers WHERE fired_at IS NULL AND run_at<=? ORDER BY run_at ASC, id ASC`, now.UnixMilli())
}

// MarkTriggerFired claims a trigger for invocation. It reports false when the
// trigger was already fired or removed, so two drivers never fire it twice.
func (r Repo) MarkTriggerFired(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE triggers SET fired_at=? WHERE id=? AND fired_at IS NULL`, at.UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) DeleteTrigger(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM triggers WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteTriggersByEntryPoint(ctx context.Context, entryPoint string) (int, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM triggers WHERE entry_point=?`, entryPoint)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r Repo) queryTriggers(ctx context.Context, query string, args ...any) ([]domain.Trigger, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trigger
	for rows.Next() {
		var t domain.Trigger
		var runAt int64
		var firedAt sql.NullInt64
		if err := rows.Scan(&t.ID, &t.EntryPoint, &runAt, &firedAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.RunAt = time.UnixMilli(runAt).UTC()
		if firedAt.Valid {
			f := time.UnixMilli(firedAt.Int64).UTC()
			t.FiredAt = &f
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
