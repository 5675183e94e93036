// Package content stores full record bodies and normalises uploaded formats
// to plain text.
package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when no body is stored under a locator.
var ErrNotFound = errors.New("content not found")

// Content types stored alongside bodies.
const (
	TypeText = "text/plain"
	TypeJSON = "application/json"
)

const scheme = "blob://"

// Locator builds a content locator from path segments, e.g.
// Locator("emails", "07", "email_20250714_0930.json").
func Locator(segments ...string) string {
	return scheme + path.Join(segments...)
}

// Object is a stored body.
type Object struct {
	Ref         string
	ContentType string
	Body        []byte
	CreatedAt   time.Time
}

// Store keeps bodies in the contents table of the HelmStream database.
type Store struct {
	db *sql.DB
}

// NewStore wraps an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Put stores body under ref, replacing any previous body.
func (s *Store) Put(ctx context.Context, ref, contentType string, body []byte) error {
	if !strings.HasPrefix(ref, scheme) {
		return fmt.Errorf("invalid content locator %q", ref)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contents (ref, content_type, body, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(ref) DO UPDATE SET content_type = excluded.content_type, body = excluded.body, created_at = excluded.created_at`,
		ref, contentType, body, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("storing content %s: %w", ref, err)
	}
	return nil
}

// Get returns the body stored under ref.
func (s *Store) Get(ctx context.Context, ref string) (Object, error) {
	o := Object{Ref: ref}
	var createdAt string
	err := s.db.QueryRowContext(ctx, `SELECT content_type, body, created_at FROM contents WHERE ref = ?`, ref).
		Scan(&o.ContentType, &o.Body, &createdAt)
	if err == sql.ErrNoRows {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return Object{}, fmt.Errorf("reading content %s: %w", ref, err)
	}
	if o.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Object{}, fmt.Errorf("parsing created_at for %s: %w", ref, err)
	}
	return o, nil
}

// FetchText returns the readable text behind ref. JSON bodies are email
// documents and yield their "body" field.
func (s *Store) FetchText(ctx context.Context, ref string) (string, error) {
	o, err := s.Get(ctx, ref)
	if err != nil {
		return "", err
	}
	if o.ContentType == TypeJSON {
		return EmailBody(o.Body)
	}
	return string(o.Body), nil
}

// EmailBody extracts the "body" field of a stored email document.
func EmailBody(data []byte) (string, error) {
	var doc struct {
		Body *string `json:"body"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("decoding email document: %w", err)
	}
	if doc.Body == nil {
		return "", fmt.Errorf("email document has no body field")
	}
	return *doc.Body, nil
}
