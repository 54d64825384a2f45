package repo

import (
	"context"
	"database/sql"

	"gradeline/internal/domain"
)

func (r Repo) InsertProgress(ctx context.Context, evt domain.ProgressEvent) (int64, error) {
	if evt.TS == "" {
		evt.TS = r.stamp()
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO progress_events(ts,scope_id,kind,step,message) VALUES (?,?,?,?,?)`,
		evt.TS, evt.ScopeID, evt.Kind, evt.Step, evt.Message)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LatestProgress returns newest-first events for a scope, older than cursor when cursor > 0.
func (r Repo) LatestProgress(ctx context.Context, scopeID string, limit int, cursor int64) ([]domain.ProgressEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,scope_id,kind,step,message FROM progress_events WHERE scope_id=?`
	args := []any{scopeID}
	if cursor > 0 {
		query += ` AND id<?`
		args = append(args, cursor)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProgress(rows)
}

func scanProgress(rows *sql.Rows) ([]domain.ProgressEvent, error) {
	var res []domain.ProgressEvent
	for rows.Next() {
		var e domain.ProgressEvent
		if err := rows.Scan(&e.ID, &e.TS, &e.ScopeID, &e.Kind, &e.Step, &e.Message); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
