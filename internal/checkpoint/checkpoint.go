// Package checkpoint implements blocking human-in-the-loop requests. A
// pending checkpoint owns a channel its producing cell parks on; the
// responder (UI, MCP tool, or timeout) wakes it exactly once.
package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rvbbit/windlass/internal/unilog"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Type is the kind of interaction a checkpoint requests.
type Type string

const (
	TypeConfirmation Type = "confirmation"
	TypeChoice       Type = "choice"
	TypeMultiChoice  Type = "multi_choice"
	TypeRating       Type = "rating"
	TypeText         Type = "text"
	TypeForm         Type = "form"
	TypeReview       Type = "review"
	TypeAuto         Type = "auto"
	TypeHTMX         Type = "htmx"
	TypeAudible      Type = "audible"
	TypeSoundingEval Type = "sounding_eval"
)

// Status is the lifecycle state of a checkpoint.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResponded Status = "responded"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// ErrNotFound is returned for unknown checkpoint ids.
var ErrNotFound = fmt.Errorf("checkpoint not found")

// ErrNotPending is returned when resolving a checkpoint that already
// left the pending state.
var ErrNotPending = fmt.Errorf("checkpoint not pending")

// Checkpoint is one HITL request.
type Checkpoint struct {
	ID        string
	SessionID string
	CascadeID string
	CellName  string
	Type      Type
	Status    Status

	CreatedAt   time.Time
	RespondedAt *time.Time
	TimeoutAt   *time.Time

	UISpec           string // JSON
	CellOutput       string
	CandidateOutputs []string // for sounding_eval

	Response   string // JSON
	Reasoning  *string
	Confidence *float64
	Winner     *int
	Rankings   []int
}

// Resolution is delivered to the parked cell when a checkpoint resolves.
type Resolution struct {
	Status     Status
	Response   string
	Reasoning  *string
	Confidence *float64
	Winner     *int
	Rankings   []int
}

// Manager owns pending checkpoints: their durable records and the one
// synchronization channel per pending id.
type Manager struct {
	conn *sql.DB

	mu      sync.Mutex
	waiters map[string]chan Resolution
	audible map[string]bool // session id -> signaled
}

// Open opens (or creates) the checkpoint database at path.
func Open(path string) (*Manager, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := unilog.Migrate(conn, migrationFS); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate checkpoints: %w", err)
	}
	return &Manager{
		conn:    conn,
		waiters: make(map[string]chan Resolution),
		audible: make(map[string]bool),
	}, nil
}

// Close closes the database connection.
func (m *Manager) Close() error {
	return m.conn.Close()
}

// Create registers a pending checkpoint and returns its id.
func (m *Manager) Create(cp *Checkpoint) (string, error) {
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.Status = StatusPending
	cp.CreatedAt = time.Now().UTC()

	candidates, err := json.Marshal(cp.CandidateOutputs)
	if err != nil {
		return "", fmt.Errorf("marshal candidates: %w", err)
	}
	var timeoutAt *string
	if cp.TimeoutAt != nil {
		s := cp.TimeoutAt.Format(time.RFC3339Nano)
		timeoutAt = &s
	}

	_, err = m.conn.Exec(
		`INSERT INTO checkpoints (id, session_id, cascade_id, cell_name, type, status,
			created_at, timeout_at, ui_spec, cell_output, candidate_outputs)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.CascadeID, cp.CellName, string(cp.Type), string(cp.Status),
		cp.CreatedAt.Format(time.RFC3339Nano), timeoutAt, cp.UISpec, cp.CellOutput, string(candidates),
	)
	if err != nil {
		return "", fmt.Errorf("create checkpoint: %w", err)
	}

	m.mu.Lock()
	m.waiters[cp.ID] = make(chan Resolution, 1)
	m.mu.Unlock()
	return cp.ID, nil
}

// Respond resolves a pending checkpoint with a response object and wakes
// the waiting cell.
func (m *Manager) Respond(id, responseJSON string, reasoning *string, confidence *float64) error {
	res := Resolution{Status: StatusResponded, Response: responseJSON, Reasoning: reasoning, Confidence: confidence}
	res.Winner, res.Rankings = parseEvalResponse(responseJSON)
	return m.resolve(id, res)
}

// Cancel resolves a pending checkpoint as cancelled. The waiting cell
// raises cancellation.
func (m *Manager) Cancel(id string, reason *string) error {
	response := "{}"
	if reason != nil {
		b, _ := json.Marshal(map[string]string{"reason": *reason})
		response = string(b)
	}
	return m.resolve(id, Resolution{Status: StatusCancelled, Response: response})
}

// timeout resolves a pending checkpoint as timed out. Called by Wait.
func (m *Manager) timeout(id string) error {
	return m.resolve(id, Resolution{Status: StatusTimedOut, Response: "{}"})
}

func (m *Manager) resolve(id string, res Resolution) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	rankings, _ := json.Marshal(res.Rankings)

	// CAS on pending so a checkpoint resolves exactly once.
	out, err := m.conn.Exec(
		`UPDATE checkpoints SET status = ?, responded_at = ?, response = ?, reasoning = ?,
			confidence = ?, winner = ?, rankings = ?
		 WHERE id = ? AND status = ?`,
		string(res.Status), now, res.Response, res.Reasoning, res.Confidence, res.Winner,
		string(rankings), id, string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("resolve checkpoint %s: %w", id, err)
	}
	n, _ := out.RowsAffected()
	if n == 0 {
		if _, err := m.Get(id); err != nil {
			return err
		}
		return fmt.Errorf("resolve checkpoint %s: %w", id, ErrNotPending)
	}

	m.mu.Lock()
	ch, ok := m.waiters[id]
	if ok {
		delete(m.waiters, id)
	}
	m.mu.Unlock()
	if ok {
		ch <- res
	}
	return nil
}

// Wait parks the calling cell until the checkpoint resolves, the timeout
// elapses, or the context is cancelled. A timeout resolves the durable
// record to timed_out before returning.
func (m *Manager) Wait(ctx context.Context, id string, timeout time.Duration) (Resolution, error) {
	m.mu.Lock()
	ch, ok := m.waiters[id]
	m.mu.Unlock()
	if !ok {
		// Already resolved before the waiter parked.
		cp, err := m.Get(id)
		if err != nil {
			return Resolution{}, err
		}
		if cp.Status == StatusPending {
			return Resolution{}, fmt.Errorf("wait checkpoint %s: no waiter channel", id)
		}
		return Resolution{Status: cp.Status, Response: cp.Response, Reasoning: cp.Reasoning,
			Confidence: cp.Confidence, Winner: cp.Winner, Rankings: cp.Rankings}, nil
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case res := <-ch:
		return res, nil
	case <-timer:
		if err := m.timeout(id); err != nil {
			// Raced with a response; take the real resolution.
			select {
			case res := <-ch:
				return res, nil
			default:
				return Resolution{}, err
			}
		}
		return Resolution{Status: StatusTimedOut, Response: "{}"}, nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}

// Get returns a checkpoint by id.
func (m *Manager) Get(id string) (*Checkpoint, error) {
	row := m.conn.QueryRow(`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", id, err)
	}
	return cp, nil
}

// ListPending returns pending checkpoints, optionally for one session.
// includeAll widens the result to resolved checkpoints too.
func (m *Manager) List(sessionID string, includeAll bool) ([]Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE 1=1`
	var args []any
	if !includeAll {
		query += ` AND status = ?`
		args = append(args, string(StatusPending))
	}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := m.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// --- Audible signals ---

// SignalAudible asks the runner to insert a checkpoint at the next safe
// boundary of the session, without the cascade pre-declaring one.
func (m *Manager) SignalAudible(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audible[sessionID] = true
}

// ClearAudible clears the per-session audible flag.
func (m *Manager) ClearAudible(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.audible, sessionID)
}

// AudibleSignaled reports whether the session has a pending audible
// request. The runner polls this between turns.
func (m *Manager) AudibleSignaled(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audible[sessionID]
}

// parseEvalResponse pulls winner/rankings out of an evaluation response.
func parseEvalResponse(responseJSON string) (*int, []int) {
	var payload struct {
		Winner   *int  `json:"winner"`
		Rankings []int `json:"rankings"`
	}
	if err := json.Unmarshal([]byte(responseJSON), &payload); err != nil {
		return nil, nil
	}
	return payload.Winner, payload.Rankings
}

const checkpointColumns = `id, session_id, cascade_id, cell_name, type, status, created_at,
	responded_at, timeout_at, ui_spec, cell_output, candidate_outputs, response, reasoning,
	confidence, winner, rankings`

func scanCheckpoint(sc interface{ Scan(...any) error }) (*Checkpoint, error) {
	var cp Checkpoint
	var typ, status, created string
	var responded, timeoutAt *string
	var candidates, rankings string
	err := sc.Scan(
		&cp.ID, &cp.SessionID, &cp.CascadeID, &cp.CellName, &typ, &status, &created,
		&responded, &timeoutAt, &cp.UISpec, &cp.CellOutput, &candidates, &cp.Response,
		&cp.Reasoning, &cp.Confidence, &cp.Winner, &rankings,
	)
	if err != nil {
		return nil, err
	}
	cp.Type = Type(typ)
	cp.Status = Status(status)
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if responded != nil {
		t, err := time.Parse(time.RFC3339Nano, *responded)
		if err == nil {
			cp.RespondedAt = &t
		}
	}
	if timeoutAt != nil {
		t, err := time.Parse(time.RFC3339Nano, *timeoutAt)
		if err == nil {
			cp.TimeoutAt = &t
		}
	}
	if candidates != "" && candidates != "null" {
		_ = json.Unmarshal([]byte(candidates), &cp.CandidateOutputs)
	}
	if rankings != "" && rankings != "null" {
		_ = json.Unmarshal([]byte(rankings), &cp.Rankings)
	}
	return &cp, nil
}
