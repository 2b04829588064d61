// Package persist keeps durable copies of room documents in SQLite.
package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("document not found")

// Saved is one durable document row.
type Saved struct {
	ID      string
	Content []byte
	SavedAt time.Time
}

// Store persists encoded documents keyed by room id.
type Store struct {
	database *sql.DB
	now      func() time.Time
}

// Open opens (or creates) the SQLite database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	slog.Info("Opening database", "path", path)
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers anyway and in-memory databases are per connection.
	db.SetMaxOpenConns(1)
	s := &Store{database: db, now: time.Now}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS documents (
		id text not null primary key,
		content text not null,
		saved_at integer not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.database == nil {
		return nil
	}
	return s.database.Close()
}

// Save upserts the document content and returns the durable write time. Writing identical content
// again keeps the row untouched.
func (s *Store) Save(ctx context.Context, id string, content []byte) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	if strings.TrimSpace(id) == "" {
		return time.Time{}, fmt.Errorf("document id is required")
	}
	savedAt := s.now().UTC()
	if _, err := s.database.ExecContext(
		ctx,
		`INSERT INTO documents (id, content, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content, saved_at = excluded.saved_at
		WHERE documents.content != excluded.content`,
		id,
		string(content),
		savedAt.UnixMilli(),
	); err != nil {
		return time.Time{}, fmt.Errorf("failed to save document %s: %w", id, err)
	}
	return savedAt, nil
}

// Load returns the last saved copy of a document, or ErrNotFound.
func (s *Store) Load(ctx context.Context, id string) (Saved, error) {
	var content string
	var savedAt int64
	if err := s.database.QueryRowContext(
		ctx,
		`SELECT content, saved_at FROM documents WHERE id = ?`,
		id,
	).Scan(&content, &savedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Saved{}, ErrNotFound
		}
		return Saved{}, fmt.Errorf("failed to query document %s: %w", id, err)
	}
	return Saved{ID: id, Content: []byte(content), SavedAt: time.UnixMilli(savedAt).UTC()}, nil
}

// LoadDocument adapts Load to the room registry's seeding contract.
func (s *Store) LoadDocument(ctx context.Context, id string) ([]byte, bool, error) {
	saved, err := s.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return saved.Content, true, nil
}

// List returns every saved document id in order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.database.QueryContext(ctx, `SELECT id FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(rows)

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
