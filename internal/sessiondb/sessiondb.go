// Package sessiondb manages the per-session working database: a SQLite
// file under the data directory that deterministic cells query and into
// which cell results are materialized as _<cell> tables.
package sessiondb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

const pragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

// DB is one session's working database plus its artifacts directory.
type DB struct {
	conn      *sql.DB
	path      string
	artifacts string
	sessionID string
}

// Open creates (or reopens) the working database for a session under
// dataDir. The artifacts directory sits alongside the database file.
func Open(dataDir, sessionID string) (*DB, error) {
	dir := filepath.Join(dataDir, "sessions", sessionID)
	if err := os.MkdirAll(filepath.Join(dir, "artifacts"), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	path := filepath.Join(dir, "work.db")
	conn, err := sql.Open("sqlite", path+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	conn.SetMaxOpenConns(1)

	return &DB{conn: conn, path: path, artifacts: filepath.Join(dir, "artifacts"), sessionID: sessionID}, nil
}

// Conn exposes the underlying handle for the UDF bridge.
func (d *DB) Conn() *sql.DB { return d.conn }

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// ArtifactsDir returns the session's artifacts directory.
func (d *DB) ArtifactsDir() string { return d.artifacts }

// Close closes the handle. Pass remove to also delete the session's
// working files; completed sessions usually keep them for inspection.
func (d *DB) Close(remove bool) error {
	err := d.conn.Close()
	if remove {
		if rmErr := os.RemoveAll(filepath.Dir(d.path)); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// tableName derives the materialization table for a cell.
func tableName(cell string) (string, error) {
	if !identPattern.MatchString(cell) {
		return "", fmt.Errorf("cell name %q is not a valid identifier", cell)
	}
	return "_" + cell, nil
}

// Materialize writes a cell's row-set result into the _<cell> table,
// replacing any previous run of the same cell. Rows must share a common
// key set; non-scalar values are stored as JSON text.
func (d *DB) Materialize(ctx context.Context, cell string, rows []map[string]any) error {
	table, err := tableName(cell)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		_, err := d.conn.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, table))
		return err
	}

	cols := columnSet(rows)

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("materialize %s: %w", cell, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, table)); err != nil {
		return fmt.Errorf("materialize %s: %w", cell, err)
	}

	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = fmt.Sprintf("%q %s", c, columnAffinity(rows, c))
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`CREATE TABLE %q (%s)`, table, strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("materialize %s: %w", cell, err)
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(cols)), ",")
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	stmt, err := tx.PrepareContext(ctx,
		fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s)`, table, strings.Join(quoted, ", "), placeholders))
	if err != nil {
		return fmt.Errorf("materialize %s: %w", cell, err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, row := range rows {
		vals := make([]any, len(cols))
		for i, c := range cols {
			vals[i] = sqlValue(row[c])
		}
		if _, err := stmt.ExecContext(ctx, vals...); err != nil {
			return fmt.Errorf("materialize %s: %w", cell, err)
		}
	}
	return tx.Commit()
}

// Query runs a read query against the working database and returns the
// rows as ordered key/value maps.
func (d *DB) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("session query: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	return ScanRows(rows)
}

// Exec runs a statement against the working database.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := d.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("session exec: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ScanRows converts a result set into []map[string]any.
func ScanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("scan columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			switch v := vals[i].(type) {
			case []byte:
				row[c] = string(v)
			default:
				row[c] = v
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// WriteArtifact stores a named blob in the session's artifacts directory
// and returns its path.
func (d *DB) WriteArtifact(name string, data []byte) (string, error) {
	clean := filepath.Base(name)
	path := filepath.Join(d.artifacts, clean)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", clean, err)
	}
	return path, nil
}

func columnSet(rows []map[string]any) []string {
	set := map[string]bool{}
	var cols []string
	for _, row := range rows {
		for k := range row {
			if !set[k] {
				set[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

func columnAffinity(rows []map[string]any, col string) string {
	for _, row := range rows {
		switch row[col].(type) {
		case nil:
			continue
		case int, int64, bool:
			return "INTEGER"
		case float64:
			return "REAL"
		default:
			return "TEXT"
		}
	}
	return "TEXT"
}

func sqlValue(v any) any {
	switch t := v.(type) {
	case nil, string, int, int64, float64, []byte:
		return t
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
