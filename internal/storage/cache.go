package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
)

// CacheKey derives the deterministic cache id for an (image, tone, language)
// triple. Each field is length-prefixed before hashing so no choice of
// field contents can make two different triples share a key.
func CacheKey(contentHash, tone, language string) string {
	h := sha256.New()
	var n [8]byte
	for _, f := range []string{contentHash, tone, language} {
		binary.BigEndian.PutUint64(n[:], uint64(len(f)))
		h.Write(n[:])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Put stores an analysis result, overwriting any entry for the same triple.
// CachedAt is set to now; a zero ExpiresAt becomes now plus the default TTL.
func (s *Store) Put(ctx context.Context, e CacheEntry) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	e.ID = CacheKey(e.ContentHash, e.Tone, e.Language)
	e.CachedAt = now
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = now.Add(s.ttl)
	}
	result := e.Result
	if result == nil {
		result = []byte{}
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO analysis_cache (id, content_hash, tone, language, cached_at, expires_at, result)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content_hash = excluded.content_hash,
			tone = excluded.tone,
			language = excluded.language,
			cached_at = excluded.cached_at,
			expires_at = excluded.expires_at,
			result = excluded.result`,
		e.ID, e.ContentHash, e.Tone, e.Language, toMillis(e.CachedAt), toMillis(e.ExpiresAt), result,
	)
	if err != nil {
		return txFailed("caching result", err)
	}
	return nil
}

// Get looks up a cached result. The bool is false on a miss. An entry whose
// expiry has passed is deleted as a side effect and reported as a miss.
func (s *Store) Get(ctx context.Context, contentHash, tone, language string) (CacheEntry, bool, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return CacheEntry{}, false, err
	}

	id := CacheKey(contentHash, tone, language)
	var e CacheEntry
	var cachedAt, expiresAt int64
	err = db.QueryRowContext(ctx, `
		SELECT id, content_hash, tone, language, cached_at, expires_at, result
		FROM analysis_cache WHERE id = ?`, id,
	).Scan(&e.ID, &e.ContentHash, &e.Tone, &e.Language, &cachedAt, &expiresAt, &e.Result)
	if errors.Is(err, sql.ErrNoRows) {
		cacheLookups.WithLabelValues("miss").Inc()
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, txFailed("reading cache entry", err)
	}
	e.CachedAt = fromMillis(cachedAt)
	e.ExpiresAt = fromMillis(expiresAt)

	if toMillis(s.now()) >= expiresAt {
		cacheLookups.WithLabelValues("expired").Inc()
		// Guard on expires_at so a concurrent fresh Put is not removed.
		if _, err := db.ExecContext(ctx,
			`DELETE FROM analysis_cache WHERE id = ? AND expires_at = ?`, id, expiresAt); err != nil {
			return CacheEntry{}, false, txFailed("evicting expired entry", err)
		}
		return CacheEntry{}, false, nil
	}

	cacheLookups.WithLabelValues("hit").Inc()
	return e, true, nil
}

// DeleteCached removes a cache entry by id. Missing ids are not an error.
func (s *Store) DeleteCached(ctx context.Context, id string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM analysis_cache WHERE id = ?`, id); err != nil {
		return txFailed("deleting cache entry", err)
	}
	return nil
}

// SweepExpired deletes every entry whose expiry is at or before now and
// returns how many were removed. The predicate is a range over the
// expires_at index.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM analysis_cache WHERE expires_at <= ?`, toMillis(s.now()))
	if err != nil {
		return 0, txFailed("sweeping expired entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, txFailed("counting swept entries", err)
	}
	cacheSwept.Add(float64(n))
	return int(n), nil
}
