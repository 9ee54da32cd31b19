package unilog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"sync"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Store is the durable, append-only side of the unified log, backed by
// SQLite. It is safe for concurrent use; SQLite serializes writers via a
// single connection.
type Store struct {
	mu   sync.Mutex
	conn *sql.DB
}

// OpenStore opens (or creates) the unified log database at path and runs
// all pending migrations.
func OpenStore(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := Migrate(conn, migrationFS); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate unified log: %w", err)
	}

	return &Store{conn: conn}, nil
}

// Migrate runs all pending goose migrations from the given filesystem.
// The migration files live under a "migrations" directory in fsys.
func Migrate(conn *sql.DB, fsys fs.FS) error {
	sub, err := fs.Sub(fsys, "migrations")
	if err != nil {
		return fmt.Errorf("sub migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, sub)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

const rowColumns = `timestamp_us, session_id, trace_id, parent_id, node_type, role, phase_name, cascade_id,
	take_index, reforge_step, turn_number, model, provider, provider_request_id,
	tokens_in, tokens_out, reasoning_tokens, cost, duration_ms,
	content, full_request, full_response, tool_calls, images, metadata,
	is_winner, content_hash, context_hashes, caller_id`

// Append writes a row to the log. Rows are visible to queries as soon as
// the call returns. The content hash is filled in when the caller left it
// empty, and a zero timestamp is stamped with the current time.
func (s *Store) Append(row *Row) error {
	if row.TraceID == "" {
		return fmt.Errorf("append log row: empty trace id")
	}
	if row.Timestamp == 0 {
		row.Timestamp = NowMicros()
	}
	if row.ContentHash == "" {
		row.ContentHash = HashContent(row.Role, row.Content)
	}

	hashes, err := json.Marshal(row.ContextHashes)
	if err != nil {
		return fmt.Errorf("marshal context hashes: %w", err)
	}
	if row.ContextHashes == nil {
		hashes = []byte("[]")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.conn.Exec(
		`INSERT INTO unified_log (`+rowColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		row.Timestamp, row.SessionID, row.TraceID, row.ParentID, string(row.NodeType), row.Role,
		row.PhaseName, row.CascadeID, row.TakeIndex, row.ReforgeStep, row.TurnNumber,
		row.Model, row.Provider, row.ProviderRequestID,
		row.TokensIn, row.TokensOut, row.ReasoningTokens, row.Cost, row.DurationMs,
		row.Content, row.FullRequest, row.FullResponse, row.ToolCalls, row.Images, row.Metadata,
		boolPtrToIntPtr(row.IsWinner), row.ContentHash, string(hashes), row.CallerID,
	)
	if err != nil {
		return fmt.Errorf("append log row %s: %w", row.TraceID, err)
	}
	return nil
}

// UpdateCost backfills usage onto the row identified by the provider
// request id. It is idempotent: applying the same values twice is a no-op
// after the first, and a late update never regresses a non-null cost to
// null. It returns true when a row actually changed.
func (s *Store) UpdateCost(u CostUpdate) (bool, error) {
	if u.ProviderRequestID == "" {
		return false, fmt.Errorf("update cost: empty provider request id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing sql.NullFloat64
	err := s.conn.QueryRow(
		`SELECT cost FROM unified_log WHERE provider_request_id = ? LIMIT 1`, u.ProviderRequestID,
	).Scan(&existing)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cost for %s: %w", u.ProviderRequestID, err)
	}

	// Never overwrite a reconciled cost with null.
	if existing.Valid && u.Cost == nil {
		return false, nil
	}
	if existing.Valid && u.Cost != nil && existing.Float64 == *u.Cost {
		return false, nil
	}

	res, err := s.conn.Exec(
		`UPDATE unified_log
		 SET cost = ?, tokens_in = COALESCE(?, tokens_in), tokens_out = COALESCE(?, tokens_out),
		     reasoning_tokens = COALESCE(?, reasoning_tokens),
		     provider = CASE WHEN ? != '' THEN ? ELSE provider END
		 WHERE provider_request_id = ?`,
		u.Cost, u.TokensIn, u.TokensOut, u.ReasoningTokens, u.Provider, u.Provider, u.ProviderRequestID,
	)
	if err != nil {
		return false, fmt.Errorf("update cost for %s: %w", u.ProviderRequestID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetByTrace returns the row with the given trace id, or nil when absent.
func (s *Store) GetByTrace(traceID string) (*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.conn.QueryRow(`SELECT `+rowColumns+` FROM unified_log WHERE trace_id = ?`, traceID)
	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get row %s: %w", traceID, err)
	}
	return r, nil
}

// SessionRows returns all rows for a session ordered by timestamp, then
// insertion order for ties.
func (s *Store) SessionRows(sessionID string) ([]Row, error) {
	return s.queryRows(`SELECT `+rowColumns+` FROM unified_log WHERE session_id = ? ORDER BY timestamp_us, id`, sessionID)
}

// CallerRows returns all rows spawned by a single SQL UDF call.
func (s *Store) CallerRows(callerID string) ([]Row, error) {
	return s.queryRows(`SELECT `+rowColumns+` FROM unified_log WHERE caller_id = ? ORDER BY timestamp_us, id`, callerID)
}

// PhaseRows returns the rows of one cell within a session.
func (s *Store) PhaseRows(sessionID, phase string) ([]Row, error) {
	return s.queryRows(
		`SELECT `+rowColumns+` FROM unified_log WHERE session_id = ? AND phase_name = ? ORDER BY timestamp_us, id`,
		sessionID, phase,
	)
}

func (s *Store) queryRows(query string, args ...any) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query log rows: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// WriteSnapshot upserts the per-session snapshot used for pattern
// detection across runs of the same cascade.
func (s *Store) WriteSnapshot(sessionID, cascadeID, inputData, output, genusHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(
		`INSERT INTO session_snapshots (session_id, cascade_id, input_data, output, genus_hash)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET output = excluded.output, genus_hash = excluded.genus_hash`,
		sessionID, cascadeID, inputData, output, genusHash,
	)
	if err != nil {
		return fmt.Errorf("write snapshot %s: %w", sessionID, err)
	}
	return nil
}

type scanner interface{ Scan(...any) error }

func scanRow(sc scanner) (*Row, error) {
	var r Row
	var nodeType string
	var isWinner sql.NullInt64
	var hashes string
	err := sc.Scan(
		&r.Timestamp, &r.SessionID, &r.TraceID, &r.ParentID, &nodeType, &r.Role,
		&r.PhaseName, &r.CascadeID, &r.TakeIndex, &r.ReforgeStep, &r.TurnNumber,
		&r.Model, &r.Provider, &r.ProviderRequestID,
		&r.TokensIn, &r.TokensOut, &r.ReasoningTokens, &r.Cost, &r.DurationMs,
		&r.Content, &r.FullRequest, &r.FullResponse, &r.ToolCalls, &r.Images, &r.Metadata,
		&isWinner, &r.ContentHash, &hashes, &r.CallerID,
	)
	if err != nil {
		return nil, err
	}
	r.NodeType = NodeType(nodeType)
	if isWinner.Valid {
		b := isWinner.Int64 == 1
		r.IsWinner = &b
	}
	if hashes != "" && hashes != "[]" {
		if err := json.Unmarshal([]byte(hashes), &r.ContextHashes); err != nil {
			return nil, fmt.Errorf("unmarshal context hashes: %w", err)
		}
	}
	return &r, nil
}

func boolPtrToIntPtr(b *bool) *int {
	if b == nil {
		return nil
	}
	n := 0
	if *b {
		n = 1
	}
	return &n
}
