package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gradeline/internal/domain"
)

// Repo is the sqlite-backed durable store shared by every component.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Repo) stamp() string {
	return r.now().UTC().Format(time.RFC3339)
}

// GetValue returns a live value. Expired entries read as ErrNotFound.
func (r Repo) GetValue(ctx context.Context, key string) (string, error) {
	var value string
	var expires sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT value, expires_at FROM kv_entries WHERE key=?`, key).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if expires.Valid && expires.Int64 <= r.now().UnixMilli() {
		return "", ErrNotFound
	}
	return value, nil
}

// SetValue upserts a value. A zero ttl never expires.
func (r Repo) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	var expires any
	if ttl > 0 {
		expires = r.now().Add(ttl).UnixMilli()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO kv_entries(key,value,expires_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		key, value, expires, r.stamp())
	return err
}

// DeleteValue removes a key. Deleting a missing key is not an error.
func (r Repo) DeleteValue(ctx context.Context, key string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM kv_entries WHERE key=?`, key)
	return err
}

// PurgeExpired drops expired rows whose key starts with prefix.
func (r Repo) PurgeExpired(ctx context.Context, prefix string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ? AND substr(key,1,?)=?`,
		r.now().UnixMilli(), len(prefix), prefix)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SaveDocumentIDs records the source documents chosen for an assignment.
func (r Repo) SaveDocumentIDs(ctx context.Context, assignmentID, title string, docs domain.DocumentIDs) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO assignment_documents(assignment_id,title,reference_document_id,template_document_id,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(assignment_id) DO UPDATE SET title=excluded.title, reference_document_id=excluded.reference_document_id, template_document_id=excluded.template_document_id, updated_at=excluded.updated_at`,
		assignmentID, title, docs.Reference, docs.Template, r.stamp())
	return err
}

func (r Repo) GetDocumentIDs(ctx context.Context, assignmentID string) (domain.DocumentIDs, error) {
	var docs domain.DocumentIDs
	err := r.DB.QueryRowContext(ctx, `SELECT reference_document_id, template_document_id FROM assignment_documents WHERE assignment_id=?`, assignmentID).
		Scan(&docs.Reference, &docs.Template)
	if err == sql.ErrNoRows {
		return docs, ErrNotFound
	}
	return docs, err
}
