package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/TobiSchelling/Reflector/internal/translate"
)

// TranslationStore persists the translation cache in SQLite.
type TranslationStore struct {
	db *DB
}

// Translations returns the translation cache store backed by db.
func (db *DB) Translations() *TranslationStore {
	return &TranslationStore{db: db}
}

func (s *TranslationStore) Get(ctx context.Context, key string) (translate.Entry, bool, error) {
	var summary string
	var cachedAt int64
	err := s.db.conn.QueryRowContext(ctx,
		"SELECT summary, cached_at FROM translation_cache WHERE cache_key = ?", key,
	).Scan(&summary, &cachedAt)
	if err == sql.ErrNoRows {
		return translate.Entry{}, false, nil
	}
	if err != nil {
		return translate.Entry{}, false, err
	}

	e := translate.Entry{Timestamp: time.UnixMilli(cachedAt)}
	if err := json.Unmarshal([]byte(summary), &e.Summary); err != nil {
		return translate.Entry{}, false, fmt.Errorf("decoding cached translation: %w", err)
	}
	return e, true, nil
}

func (s *TranslationStore) Set(ctx context.Context, key string, e translate.Entry) error {
	summary, err := json.Marshal(e.Summary)
	if err != nil {
		return fmt.Errorf("encoding translation: %w", err)
	}
	_, err = s.db.conn.ExecContext(ctx,
		`INSERT INTO translation_cache (cache_key, summary, cached_at) VALUES (?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET summary = excluded.summary, cached_at = excluded.cached_at`,
		key, string(summary), e.Timestamp.UnixMilli(),
	)
	return err
}

// PurgeExpiredTranslations deletes cache entries older than ttl and returns
// how many were removed.
func (db *DB) PurgeExpiredTranslations(now time.Time, ttl time.Duration) (int64, error) {
	cutoff := now.Add(-ttl).UnixMilli()
	result, err := db.conn.Exec("DELETE FROM translation_cache WHERE cached_at <= ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ClearTranslations empties the translation cache.
func (db *DB) ClearTranslations() (int64, error) {
	result, err := db.conn.Exec("DELETE FROM translation_cache")
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
