// Package cache stores grading verdicts keyed by the fingerprints of the
// reference answer and the participant's response. Entries carry no
// participant or assignment identity, so identical answer pairs share one
// entry across runs.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"gradeline/internal/domain"
	"gradeline/internal/logging"
	"gradeline/internal/repo"
)

const (
	// Separator joins the two fingerprints before hashing.
	Separator = "|"
	// DefaultTTL is the fixed expiry of every entry.
	DefaultTTL = 6 * time.Hour

	keyPrefix = "cache:"
)

// Store is the durable key-value backend. repo.Repo satisfies it.
type Store interface {
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key, value string, ttl time.Duration) error
}

type purger interface {
	PurgeExpired(ctx context.Context, prefix string) (int64, error)
}

type ResultCache struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

func New(store Store, ttl time.Duration, logger *slog.Logger) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = logging.New("cache")
	}
	return &ResultCache{store: store, ttl: ttl, logger: logger}
}

// Key returns the fixed-length storage key for a fingerprint pair, or false
// when either fingerprint is empty.
func Key(referenceHash, responseHash string) (string, bool) {
	if referenceHash == "" || responseHash == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(referenceHash + Separator + responseHash))
	return hex.EncodeToString(sum[:]), true
}

// Get never fails: a missing key, unreadable store or malformed payload is a miss.
func (c *ResultCache) Get(ctx context.Context, referenceHash, responseHash string) (domain.Verdict, bool) {
	key, ok := Key(referenceHash, responseHash)
	if !ok {
		return domain.Verdict{}, false
	}
	raw, err := c.store.GetValue(ctx, keyPrefix+key)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			c.logger.WarnContext(ctx, "cache read failed", "key", key, "error", err)
		}
		return domain.Verdict{}, false
	}
	var v domain.Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		c.logger.WarnContext(ctx, "cache entry malformed", "key", key, "error", err)
		return domain.Verdict{}, false
	}
	return v, true
}

// Put is best-effort; failures are logged and dropped.
func (c *ResultCache) Put(ctx context.Context, referenceHash, responseHash string, v domain.Verdict) {
	key, ok := Key(referenceHash, responseHash)
	if !ok {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.WarnContext(ctx, "cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.store.SetValue(ctx, keyPrefix+key, string(data), c.ttl); err != nil {
		c.logger.WarnContext(ctx, "cache write failed", "key", key, "error", err)
	}
}

// Purge removes expired entries when the store supports it.
func (c *ResultCache) Purge(ctx context.Context) (int64, error) {
	p, ok := c.store.(purger)
	if !ok {
		return 0, errors.New("cache store does not support purge")
	}
	return p.PurgeExpired(ctx, keyPrefix)
}
