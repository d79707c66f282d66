// Package storage executes validated structured queries against the host
// database. It is the only path from sandboxed code to SQL; descriptors are
// compiled by pkg/query, which has already vetted every identifier.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/plinthworks/plinth/pkg/query"
)

// Store wraps the host database for capability use.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens (or creates) the sqlite database at path.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return db, nil
}

// Query runs a structured read and returns rows as generic maps, the shape
// the boundary layer serializes.
func (s *Store) Query(ctx context.Context, d *query.Descriptor) ([]map[string]any, error) {
	sqlText, args, err := d.CompileSelect()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query %s: %w", d.Table, err)
	}
	defer func() { _ = rows.Close() }()
	return scanAll(rows)
}

// Insert runs a structured insert and returns the new row id.
func (s *Store) Insert(ctx context.Context, m *query.Mutation) (int64, error) {
	sqlText, args, err := m.CompileInsert()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return 0, fmt.Errorf("storage: insert %s: %w", m.Table, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, nil //nolint:nilerr // drivers without insert ids still succeed
	}
	return id, nil
}

// Update runs a structured update and returns affected rows.
func (s *Store) Update(ctx context.Context, m *query.Mutation) (int64, error) {
	sqlText, args, err := m.CompileUpdate()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return 0, fmt.Errorf("storage: update %s: %w", m.Table, err)
	}
	return res.RowsAffected()
}

// Delete runs a structured delete and returns affected rows.
func (s *Store) Delete(ctx context.Context, m *query.Mutation) (int64, error) {
	sqlText, args, err := m.CompileDelete()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return 0, fmt.Errorf("storage: delete %s: %w", m.Table, err)
	}
	return res.RowsAffected()
}

// QueryRaw executes caller-supplied SQL. The bridge only routes here for
// modules carrying the storage.raw manifest grant.
func (s *Store) QueryRaw(ctx context.Context, sqlText string, args ...any) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: raw query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanAll(rows)
}

func scanAll(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("storage: columns: %w", err)
	}
	out := make([]map[string]any, 0, 8)
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("storage: scan: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: rows: %w", err)
	}
	return out, nil
}
