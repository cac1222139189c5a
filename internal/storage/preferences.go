package storage

import (
	"context"
	"database/sql"
	"errors"
)

// SetPreference stores value under key, replacing any previous value.
func (s *Store) SetPreference(ctx context.Context, key, value string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO user_preferences (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, toMillis(s.now()),
	)
	if err != nil {
		return txFailed("setting preference", err)
	}
	return nil
}

// GetPreference returns the value stored under key. ok is false when the key
// has never been set.
func (s *Store) GetPreference(ctx context.Context, key string) (value string, ok bool, err error) {
	p, ok, err := s.preference(ctx, key)
	return p.Value, ok, err
}

// Preference returns the full record for key, including its update time.
func (s *Store) Preference(ctx context.Context, key string) (Preference, bool, error) {
	return s.preference(ctx, key)
}

func (s *Store) preference(ctx context.Context, key string) (Preference, bool, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return Preference{}, false, err
	}
	p := Preference{Key: key}
	var updatedAt int64
	err = db.QueryRowContext(ctx,
		"SELECT value, updated_at FROM user_preferences WHERE key = ?", key,
	).Scan(&p.Value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Preference{}, false, nil
	}
	if err != nil {
		return Preference{}, false, txFailed("reading preference", err)
	}
	p.UpdatedAt = fromMillis(updatedAt)
	return p, true, nil
}

// AllPreferences returns every stored preference keyed by name.
func (s *Store) AllPreferences(ctx context.Context) (map[string]string, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, "SELECT key, value FROM user_preferences")
	if err != nil {
		return nil, txFailed("listing preferences", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, txFailed("scanning preference", err)
		}
		result[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, txFailed("listing preferences", err)
	}
	return result, nil
}

// Stats returns the row count of each table and their sum.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	err = db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM analysis_queue),
			(SELECT COUNT(*) FROM analysis_cache),
			(SELECT COUNT(*) FROM user_preferences)`,
	).Scan(&st.QueueSize, &st.CacheSize, &st.PreferencesSize)
	if err != nil {
		return Stats{}, txFailed("counting rows", err)
	}
	st.TotalSize = st.QueueSize + st.CacheSize + st.PreferencesSize
	return st, nil
}
