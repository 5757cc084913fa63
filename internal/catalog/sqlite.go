// SPDX-License-Identifier: MIT

package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteResolver reads the web application's catalog tables.
type SQLiteResolver struct {
	db *sql.DB
}

// OpenSQLite opens the catalog database read-only.
func OpenSQLite(path string) (*SQLiteResolver, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping catalog %s: %w", path, err)
	}
	return &SQLiteResolver{db: db}, nil
}

// NewSQLiteResolver wraps an existing handle, mainly for tests.
func NewSQLiteResolver(db *sql.DB) *SQLiteResolver {
	return &SQLiteResolver{db: db}
}

// Close releases the database handle.
func (r *SQLiteResolver) Close() error {
	return r.db.Close()
}

// Resolve looks up a movie or episode with its provider profile.
func (r *SQLiteResolver) Resolve(ctx context.Context, kind, id string) (*Content, error) {
	var table string
	switch kind {
	case "movie":
		table = "movies"
	case "episode":
		table = "episodes"
	default:
		return nil, fmt.Errorf("catalog: unknown content kind %q", kind)
	}

	query := fmt.Sprintf(`
		SELECT c.name, c.stream_url, p.id, p.max_connections, COALESCE(p.user_agent, '')
		FROM %s c
		JOIN profiles p ON p.id = c.profile_id
		WHERE c.id = ?`, table)

	var c Content
	c.Kind = kind
	c.ID = id
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&c.DisplayName,
		&c.StreamURL,
		&c.Profile.ID,
		&c.Profile.MaxConnections,
		&c.Profile.UserAgent,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s %s: %w", kind, id, err)
	}
	return &c, nil
}
