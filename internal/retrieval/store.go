package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/helmstream/helmstream/internal/filter"
)

var _ CorpusSource = (*SQLiteStore)(nil)

// SQLiteStore keeps corpus records in the records table, one row per record
// with metadata as a JSON object and the embedding as a little-endian float32
// BLOB. The table is created by the storage migrations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const recordColumns = `id, kind, title, content_ref, preview, metadata, embedding, created_at`

// Insert adds records in one transaction. Re-inserting an id replaces the
// stored row.
func (s *SQLiteStore) Insert(ctx context.Context, records ...Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if r.ID == "" || r.Kind == "" {
			return fmt.Errorf("inserting record: id and kind are required")
		}
		meta := r.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encoding metadata for %s: %w", r.ID, err)
		}
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.Kind, r.Title, r.ContentRef, r.Preview, string(metaJSON),
			encodeFloat32s(r.Embedding), createdAt.UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("inserting record %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// Scan returns the records of kind in insertion order. Equality predicates of
// hint are pushed down as json_extract conditions; the date range is left to
// the caller.
func (s *SQLiteStore) Scan(ctx context.Context, kind string, hint filter.Set) ([]Record, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + recordColumns + ` FROM records WHERE kind = ?`)
	args := []any{kind}
	for _, k := range hint.Keys() {
		if k == filter.KeyDateRange || !pushdownKey(k) {
			continue
		}
		b.WriteString(` AND json_extract(metadata, ?) = ?`)
		args = append(args, `$.`+k, hint.Equals[k])
	}
	b.WriteString(` ORDER BY rowid ASC`)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// pushdownKey reports whether k can be used verbatim in a JSON path.
func pushdownKey(k string) bool {
	if k == "" {
		return false
	}
	for _, c := range k {
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// Get returns one record by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

// Delete removes a record by id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Count returns the number of records per kind.
func (s *SQLiteStore) Count(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM records GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("counting records: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var r Record
	var meta, createdAt string
	var blob []byte
	if err := row.Scan(&r.ID, &r.Kind, &r.Title, &r.ContentRef, &r.Preview, &meta, &blob, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scanning record: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
		return Record{}, fmt.Errorf("decoding metadata for %s: %w", r.ID, err)
	}
	emb, err := decodeFloat32s(blob)
	if err != nil {
		return Record{}, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
	}
	r.Embedding = emb
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
	}
	r.CreatedAt = t
	return r, nil
}
