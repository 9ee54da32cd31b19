// Package sessionstate persists the durable per-session record: status,
// heartbeat lease, cancellation flags, and HITL blocking metadata. It is
// the coordination point between the runner, the UI, and zombie cleanup.
package sessionstate

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rvbbit/windlass/internal/unilog"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Status is the lifecycle state of a session.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	StatusOrphaned  Status = "orphaned"
)

// Terminal reports whether s is a terminal status. Terminal statuses are
// never overwritten.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled, StatusOrphaned:
		return true
	}
	return false
}

// BlockedType names what a blocked session is waiting on.
type BlockedType string

const (
	BlockedHITL     BlockedType = "hitl"
	BlockedApproval BlockedType = "approval"
	BlockedDecision BlockedType = "decision"
	BlockedSignal   BlockedType = "signal"
)

// DefaultLeaseSeconds is the heartbeat lease when none is configured.
const DefaultLeaseSeconds = 60

// ErrTerminal is returned when a mutation targets a session that already
// reached a terminal status.
var ErrTerminal = fmt.Errorf("session is terminal")

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = fmt.Errorf("session not found")

// State is one durable session record.
type State struct {
	SessionID string
	CascadeID string
	Status    Status

	StartedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time

	HeartbeatAt           time.Time
	HeartbeatLeaseSeconds int

	CurrentCell      string
	CancelRequested  bool
	CancelReason     *string
	BlockedType      *BlockedType
	BlockedOn        *string // checkpoint id
	Resumable        bool
	LastCheckpointID *string
	ErrorMessage     *string

	InputData string // JSON
	Output    *string

	ParentSessionID *string
}

// Zombie reports whether the session is active but its heartbeat lease
// has expired as of now.
func (s *State) Zombie(now time.Time) bool {
	if s.Status != StatusRunning && s.Status != StatusBlocked {
		return false
	}
	lease := s.HeartbeatLeaseSeconds
	if lease <= 0 {
		lease = DefaultLeaseSeconds
	}
	return now.Sub(s.HeartbeatAt) > time.Duration(lease)*time.Second
}

// Filter narrows List results.
type Filter struct {
	Status     Status
	CascadeID  string
	ActiveOnly bool
	Limit      int
}

// Extras carries optional fields for UpdateStatus.
type Extras struct {
	CurrentCell  *string
	ErrorMessage *string
	Output       *string
	Resumable    *bool
}

// Store is the durable session state store. All mutations are
// check-and-set against the current status class, which makes the store
// double as the cross-process lock for terminal transitions.
type Store struct {
	conn  *sql.DB
	lease int
}

// Open opens (or creates) the session state database at path.
// leaseSeconds is the default heartbeat lease for new sessions.
func Open(path string, leaseSeconds int) (*Store, error) {
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
		return nil, fmt.Errorf("migrate session state: %w", err)
	}
	if leaseSeconds <= 0 {
		leaseSeconds = DefaultLeaseSeconds
	}
	return &Store{conn: conn, lease: leaseSeconds}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

const stateColumns = `session_id, cascade_id, status, started_at, updated_at, completed_at,
	heartbeat_at, heartbeat_lease_seconds, current_cell, cancel_requested, cancel_reason,
	blocked_type, blocked_on, resumable, last_checkpoint_id, error_message, input_data, output,
	parent_session_id`

// Create inserts a new session in the starting state.
func (s *Store) Create(sessionID, cascadeID, inputData string, parentSessionID *string) (*State, error) {
	now := time.Now().UTC()
	_, err := s.conn.Exec(
		`INSERT INTO session_state (session_id, cascade_id, status, started_at, updated_at,
			heartbeat_at, heartbeat_lease_seconds, input_data, parent_session_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, cascadeID, string(StatusStarting),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano), s.lease, inputData, parentSessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", sessionID, err)
	}
	return s.Get(sessionID)
}

// Get returns the state for a session, or ErrNotFound.
func (s *Store) Get(sessionID string) (*State, error) {
	row := s.conn.QueryRow(`SELECT `+stateColumns+` FROM session_state WHERE session_id = ?`, sessionID)
	st, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return st, nil
}

// List returns sessions matching the filter, most recent first.
func (s *Store) List(f Filter) ([]State, error) {
	query := `SELECT ` + stateColumns + ` FROM session_state WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.CascadeID != "" {
		query += ` AND cascade_id = ?`
		args = append(args, f.CascadeID)
	}
	if f.ActiveOnly {
		query += ` AND status IN (?, ?, ?)`
		args = append(args, string(StatusStarting), string(StatusRunning), string(StatusBlocked))
	}
	query += ` ORDER BY started_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session state: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// UpdateStatus transitions a session to the given status. Transitions out
// of a terminal status are rejected with ErrTerminal. Every non-terminal
// mutation also refreshes heartbeat_at.
func (s *Store) UpdateStatus(sessionID string, status Status, extras Extras) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	query := `UPDATE session_state SET status = ?, updated_at = ?, heartbeat_at = ?`
	args := []any{string(status), now, now}

	if status.Terminal() {
		query += `, completed_at = ?, blocked_type = NULL, blocked_on = NULL`
		args = append(args, now)
	}
	if extras.CurrentCell != nil {
		query += `, current_cell = ?`
		args = append(args, *extras.CurrentCell)
	}
	if extras.ErrorMessage != nil {
		query += `, error_message = ?`
		args = append(args, *extras.ErrorMessage)
	}
	if extras.Output != nil {
		query += `, output = ?`
		args = append(args, *extras.Output)
	}
	if extras.Resumable != nil {
		query += `, resumable = ?`
		args = append(args, boolToInt(*extras.Resumable))
	}

	// The WHERE clause is the check-and-set: terminal rows never match.
	query += ` WHERE session_id = ? AND status NOT IN (?, ?, ?, ?)`
	args = append(args, sessionID,
		string(StatusCompleted), string(StatusError), string(StatusCancelled), string(StatusOrphaned))

	res, err := s.conn.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update status %s: %w", sessionID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.Get(sessionID); err == ErrNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("update status %s to %s: %w", sessionID, status, ErrTerminal)
	}
	return nil
}

// Heartbeat refreshes heartbeat_at for an active session. Heartbeats on
// terminal sessions are silently ignored.
func (s *Store) Heartbeat(sessionID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.conn.Exec(
		`UPDATE session_state SET heartbeat_at = ?
		 WHERE session_id = ? AND status IN (?, ?, ?)`,
		now, sessionID, string(StatusStarting), string(StatusRunning), string(StatusBlocked),
	)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", sessionID, err)
	}
	return nil
}

// RequestCancellation sets the cooperative cancel flag. The runner
// observes it at cell boundaries, between turns, and on checkpoint
// wakeups. Cancelling an already-terminal session returns ErrTerminal.
func (s *Store) RequestCancellation(sessionID, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.conn.Exec(
		`UPDATE session_state SET cancel_requested = 1, cancel_reason = ?, updated_at = ?, heartbeat_at = ?
		 WHERE session_id = ? AND status NOT IN (?, ?, ?, ?)`,
		reason, now, now, sessionID,
		string(StatusCompleted), string(StatusError), string(StatusCancelled), string(StatusOrphaned),
	)
	if err != nil {
		return fmt.Errorf("request cancellation %s: %w", sessionID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.Get(sessionID); err == ErrNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("cancel session %s: %w", sessionID, ErrTerminal)
	}
	return nil
}

// MarkBlocked records that the session is parked on a checkpoint.
func (s *Store) MarkBlocked(sessionID string, bt BlockedType, on string, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.conn.Exec(
		`UPDATE session_state SET status = ?, blocked_type = ?, blocked_on = ?,
			last_checkpoint_id = ?, updated_at = ?, heartbeat_at = ?
		 WHERE session_id = ? AND status NOT IN (?, ?, ?, ?)`,
		string(StatusBlocked), string(bt), on, on, now, now, sessionID,
		string(StatusCompleted), string(StatusError), string(StatusCancelled), string(StatusOrphaned),
	)
	if err != nil {
		return fmt.Errorf("mark blocked %s: %w", sessionID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("mark blocked %s: %w", sessionID, ErrTerminal)
	}
	_ = reason
	return nil
}

// ResumeUnblock returns a blocked session to running.
func (s *Store) ResumeUnblock(sessionID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.conn.Exec(
		`UPDATE session_state SET status = ?, blocked_type = NULL, blocked_on = NULL,
			updated_at = ?, heartbeat_at = ?
		 WHERE session_id = ? AND status = ?`,
		string(StatusRunning), now, now, sessionID, string(StatusBlocked),
	)
	if err != nil {
		return fmt.Errorf("resume %s: %w", sessionID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("resume %s: session not blocked", sessionID)
	}
	return nil
}

// CleanupZombies transitions every zombie session (active status, stale
// heartbeat beyond lease + grace) to orphaned. It is idempotent, never
// blocks, and leaves cancel_reason untouched. It returns the ids it
// transitioned.
func (s *Store) CleanupZombies(graceSeconds int) ([]string, error) {
	states, err := s.List(Filter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	grace := time.Duration(graceSeconds) * time.Second

	var orphaned []string
	for _, st := range states {
		if st.Status != StatusRunning && st.Status != StatusBlocked {
			continue
		}
		lease := time.Duration(st.HeartbeatLeaseSeconds) * time.Second
		if now.Sub(st.HeartbeatAt) <= lease+grace {
			continue
		}
		msg := fmt.Sprintf("heartbeat stale for %s", now.Sub(st.HeartbeatAt).Truncate(time.Second))
		if err := s.UpdateStatus(st.SessionID, StatusOrphaned, Extras{ErrorMessage: &msg}); err != nil {
			// Raced with a concurrent terminal write; nothing to do.
			continue
		}
		orphaned = append(orphaned, st.SessionID)
	}
	return orphaned, nil
}

func scanState(sc interface{ Scan(...any) error }) (*State, error) {
	var st State
	var status string
	var started, updated, heartbeat string
	var completed *string
	var blockedType *string
	var cancelRequested, resumable int
	err := sc.Scan(
		&st.SessionID, &st.CascadeID, &status, &started, &updated, &completed,
		&heartbeat, &st.HeartbeatLeaseSeconds, &st.CurrentCell, &cancelRequested, &st.CancelReason,
		&blockedType, &st.BlockedOn, &resumable, &st.LastCheckpointID, &st.ErrorMessage,
		&st.InputData, &st.Output, &st.ParentSessionID,
	)
	if err != nil {
		return nil, err
	}
	st.Status = Status(status)
	st.CancelRequested = cancelRequested == 1
	st.Resumable = resumable == 1
	if blockedType != nil {
		bt := BlockedType(*blockedType)
		st.BlockedType = &bt
	}
	st.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	st.HeartbeatAt, _ = time.Parse(time.RFC3339Nano, heartbeat)
	if completed != nil {
		t, err := time.Parse(time.RFC3339Nano, *completed)
		if err == nil {
			st.CompletedAt = &t
		}
	}
	return &st, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
