package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/collabdoc/docsync/internal/codec"
	"github.com/collabdoc/docsync/pkg/constants"
	"github.com/collabdoc/docsync/pkg/models"
)

// record is the CBOR value stored per document.
type record struct {
	DocumentID int64     `cbor:"doc_id"`
	Content    []byte    `cbor:"content_json"`
	SavedAt    time.Time `cbor:"saved_at"`
}

// SQLite is a Cache persisted in a SQLite database file.
type SQLite struct {
	TTL time.Duration
	Now func() time.Time

	db    *sql.DB
	codec *codec.CBOR
}

var _ Cache = (*SQLite)(nil)

// OpenSQLite opens or creates the cache database at path. Use ":memory:"
// for a throwaway cache.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	// A :memory: database exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS document_cache (
		doc_id integer not null primary key,
		saved_at integer not null,
		value blob not null
		)`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create cache table: %w", err)
	}

	return &SQLite{
		TTL:   constants.CacheTTL,
		Now:   time.Now,
		db:    db,
		codec: codec.NewCBOR(),
	}, nil
}

func (s *SQLite) Get(ctx context.Context, id models.DocumentID) (*Entry, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM document_cache WHERE doc_id = $1 AND saved_at > $2`,
		int64(id), s.Now().Add(-s.TTL).UnixMilli(),
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache entry %d: %w", id, err)
	}

	var rec record
	if err := s.codec.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry %d: %w", id, err)
	}
	return &Entry{
		DocumentID: models.DocumentID(rec.DocumentID),
		Content:    models.ParseContent(rec.Content),
		SavedAt:    rec.SavedAt,
	}, nil
}

func (s *SQLite) Put(ctx context.Context, id models.DocumentID, content models.ContentTree) error {
	body, err := content.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode content of %d: %w", id, err)
	}
	now := s.Now()
	raw, err := s.codec.Marshal(record{DocumentID: int64(id), Content: body, SavedAt: now})
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %d: %w", id, err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO document_cache (doc_id, saved_at, value) VALUES ($1, $2, $3)
		ON CONFLICT (doc_id) DO UPDATE SET saved_at = excluded.saved_at, value = excluded.value`,
		int64(id), now.UnixMilli(), raw,
	); err != nil {
		return fmt.Errorf("failed to write cache entry %d: %w", id, err)
	}
	return nil
}

// Touch refreshes the expiry column and the timestamp inside the record.
func (s *SQLite) Touch(ctx context.Context, id models.DocumentID) error {
	e, err := s.Get(ctx, id)
	if err != nil || e == nil {
		return err
	}
	return s.Put(ctx, id, e.Content)
}

func (s *SQLite) Delete(ctx context.Context, id models.DocumentID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM document_cache WHERE doc_id = $1`, int64(id)); err != nil {
		return fmt.Errorf("failed to delete cache entry %d: %w", id, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
