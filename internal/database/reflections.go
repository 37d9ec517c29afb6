package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// InsertReflection stores a reflection and returns its ID. It returns
// ErrStorageFull when the disk is full or the reflection limit is reached.
func (db *DB) InsertReflection(r *Reflection) (int64, error) {
	if db.maxReflections > 0 {
		var n int
		if err := db.conn.QueryRow("SELECT COUNT(*) FROM reflections").Scan(&n); err != nil {
			return 0, fmt.Errorf("counting reflections: %w", err)
		}
		if n >= db.maxReflections {
			return 0, fmt.Errorf("%w: limit of %d reflections reached", ErrStorageFull, db.maxReflections)
		}
	}

	summary, err := json.Marshal(nonNil(r.Summary))
	if err != nil {
		return 0, fmt.Errorf("encoding summary: %w", err)
	}
	answers, err := json.Marshal(nonNil(r.Answers))
	if err != nil {
		return 0, fmt.Errorf("encoding answers: %w", err)
	}

	result, err := db.conn.Exec(
		`INSERT INTO reflections (url, title, site_name, byline, language, translated_to, format, summary, answers)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.URL, r.Title, r.SiteName, r.Byline, r.Language, r.TranslatedTo, r.Format, string(summary), string(answers),
	)
	if err != nil {
		if isFull(err) {
			return 0, fmt.Errorf("%w: %v", ErrStorageFull, err)
		}
		return 0, fmt.Errorf("inserting reflection: %w", err)
	}
	return result.LastInsertId()
}

// ListReflections returns saved reflections, newest first. A non-empty url
// restricts the list to that page.
func (db *DB) ListReflections(url string, limit int) ([]Reflection, error) {
	query := `SELECT id, url, title, site_name, byline, language, translated_to, format, summary, answers, created_at
		FROM reflections`
	var args []any
	if url != "" {
		query += " WHERE url = ?"
		args = append(args, url)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reflection
	for rows.Next() {
		r, err := scanReflection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetReflection returns a reflection by ID, or nil if it does not exist.
func (db *DB) GetReflection(id int64) (*Reflection, error) {
	row := db.conn.QueryRow(
		`SELECT id, url, title, site_name, byline, language, translated_to, format, summary, answers, created_at
		FROM reflections WHERE id = ?`, id,
	)
	r, err := scanReflection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// DeleteReflection removes a reflection. It reports whether a row was removed.
func (db *DB) DeleteReflection(id int64) (bool, error) {
	result, err := db.conn.Exec("DELETE FROM reflections WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// GetStats returns aggregate database statistics.
func (db *DB) GetStats() (*Stats, error) {
	s := &Stats{}

	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM reflections", &s.Reflections},
		{"SELECT COUNT(DISTINCT url) FROM reflections", &s.DistinctPages},
		{"SELECT COUNT(*) FROM translation_cache", &s.CachedTranslations},
	}
	for _, q := range queries {
		if err := db.conn.QueryRow(q.sql).Scan(q.dest); err != nil {
			return nil, err
		}
	}

	var last sql.NullString
	if err := db.conn.QueryRow("SELECT MAX(created_at) FROM reflections").Scan(&last); err != nil {
		return nil, err
	}
	s.LastReflectionAt = last.String
	return s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReflection(row scanner) (*Reflection, error) {
	var r Reflection
	var summary, answers string
	if err := row.Scan(&r.ID, &r.URL, &r.Title, &r.SiteName, &r.Byline, &r.Language,
		&r.TranslatedTo, &r.Format, &summary, &answers, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(summary), &r.Summary); err != nil {
		return nil, fmt.Errorf("decoding summary of reflection %d: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(answers), &r.Answers); err != nil {
		return nil, fmt.Errorf("decoding answers of reflection %d: %w", r.ID, err)
	}
	return &r, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
