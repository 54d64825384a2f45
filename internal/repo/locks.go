package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// TryLock claims the scope lock for owner if it is free, expired, or already
// held by owner. It never waits: a write contended past the busy timeout
// counts as not acquired.
func (r Repo) TryLock(ctx context.Context, scopeID, ownerID string, lease time.Duration) (bool, error) {
	now := r.now()
	res, err := r.DB.ExecContext(ctx, `INSERT INTO locks(scope_id,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(scope_id) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE locks.owner_id=excluded.owner_id OR locks.expires_at<=?`,
		scopeID, ownerID, now.UnixMilli(), now.Add(lease).UnixMilli(), now.UnixMilli())
	if IsBusy(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IsBusy reports whether err is SQLite refusing a write because another
// connection holds the database.
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

// Unlock releases the scope lock if owner still holds it.
func (r Repo) Unlock(ctx context.Context, scopeID, ownerID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM locks WHERE scope_id=? AND owner_id=?`, scopeID, ownerID)
	return err
}

// LockHolder returns the current live holder of a scope, or ErrNotFound.
func (r Repo) LockHolder(ctx context.Context, scopeID string) (string, error) {
	var holder string
	var expires int64
	err := r.DB.QueryRowContext(ctx, `SELECT owner_id, expires_at FROM locks WHERE scope_id=?`, scopeID).Scan(&holder, &expires)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if expires <= r.now().UnixMilli() {
		return "", ErrNotFound
	}
	return holder, nil
}
