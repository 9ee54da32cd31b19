// Package datacell executes deterministic cell bodies: SQL against the
// session working database, and Python, JavaScript, or Clojure scripts
// as subprocesses. Every failure is normalized into the error envelope
// so downstream cells can branch on it instead of crashing the cascade.
package datacell

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rvbbit/windlass/internal/sessiondb"
)

// ErrorEnvelope is the normalized failure value of a deterministic cell.
// It flows through the cascade as a regular output with _route "error".
type ErrorEnvelope struct {
	Route     string `json:"_route"`
	Error     string `json:"error"`
	Traceback string `json:"traceback,omitempty"`
	Cell      string `json:"cell,omitempty"`
	Language  string `json:"language,omitempty"`
}

// NewErrorEnvelope builds the envelope for a failed execution.
func NewErrorEnvelope(cell, language, msg, traceback string) *ErrorEnvelope {
	return &ErrorEnvelope{Route: "error", Error: msg, Traceback: traceback, Cell: cell, Language: language}
}

// IsErrorEnvelope reports whether a decoded output value is an error
// envelope.
func IsErrorEnvelope(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	route, _ := m["_route"].(string)
	return route == "error"
}

// Result is the outcome of one deterministic execution.
type Result struct {
	Value  any                 // decoded output value (scalar, object, or envelope)
	Rows   []map[string]any    // row set when the result is tabular
	Raw    string              // verbatim child output / SQL text
	Failed bool                // true when Value is an error envelope
}

// Executor runs one deterministic cell body.
type Executor interface {
	Run(ctx context.Context, cell, code string, inputs map[string]any, db *sessiondb.DB) (*Result, error)
}

// SQL executes the cell body as a statement against the session working
// database. SELECT and WITH queries return rows; anything else reports
// rows affected.
type SQL struct{}

func (SQL) Run(ctx context.Context, cell, code string, inputs map[string]any, db *sessiondb.DB) (*Result, error) {
	query := strings.TrimSpace(code)
	head := strings.ToUpper(firstWord(query))

	if head == "SELECT" || head == "WITH" {
		rows, err := db.Query(ctx, query)
		if err != nil {
			return envelopeResult(cell, "sql", err.Error(), ""), nil
		}
		return &Result{Value: rowsValue(rows), Rows: rows, Raw: query}, nil
	}

	n, err := db.Exec(ctx, query)
	if err != nil {
		return envelopeResult(cell, "sql", err.Error(), ""), nil
	}
	return &Result{Value: map[string]any{"rows_affected": n}, Raw: query}, nil
}

// ScriptRunner abstracts spawning a language subprocess so tests can
// substitute a scripted implementation.
type ScriptRunner interface {
	Start(ctx context.Context, language string, script string, stdin []byte) (stdout io.ReadCloser, wait func() error, err error)
}

// Script executes the cell body in a language subprocess. The inputs map
// is fed to the child as JSON on stdin; the child's last stdout line must
// be a JSON value, which becomes the cell output.
type Script struct {
	Language string // python | javascript | clojure
	Runner   ScriptRunner
}

func (s *Script) Run(ctx context.Context, cell, code string, inputs map[string]any, db *sessiondb.DB) (*Result, error) {
	payload, err := json.Marshal(harnessInput{Inputs: inputs, DBPath: dbPath(db)})
	if err != nil {
		return nil, fmt.Errorf("marshal script inputs: %w", err)
	}

	stdout, wait, err := s.Runner.Start(ctx, s.Language, code, payload)
	if err != nil {
		return envelopeResult(cell, s.Language, fmt.Sprintf("start %s process: %v", s.Language, err), ""), nil
	}

	out, readErr := io.ReadAll(stdout)
	waitErr := wait()
	raw := string(out)

	if readErr != nil {
		return envelopeResult(cell, s.Language, readErr.Error(), raw), nil
	}
	if waitErr != nil {
		return envelopeResult(cell, s.Language, waitErr.Error(), raw), nil
	}

	value, err := decodeLastJSON(raw)
	if err != nil {
		return envelopeResult(cell, s.Language, err.Error(), raw), nil
	}
	// A child can emit its own envelope (a caught exception serialized
	// by the harness); preserve it as a failure.
	if IsErrorEnvelope(value) {
		return &Result{Value: value, Raw: raw, Failed: true}, nil
	}
	return &Result{Value: value, Rows: asRows(value), Raw: raw}, nil
}

type harnessInput struct {
	Inputs map[string]any `json:"inputs"`
	DBPath string         `json:"db_path,omitempty"`
}

func dbPath(db *sessiondb.DB) string {
	if db == nil {
		return ""
	}
	return db.Path()
}

// decodeLastJSON parses the last non-empty stdout line as JSON. Scripts
// are free to print diagnostics above their result line.
func decodeLastJSON(out string) (any, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			return nil, fmt.Errorf("script output is not JSON: %q", truncate(line, 200))
		}
		return v, nil
	}
	return nil, fmt.Errorf("script produced no output")
}

// asRows interprets an array of objects as a row set.
func asRows(v any) []map[string]any {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	rows := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			return nil
		}
		rows = append(rows, m)
	}
	return rows
}

func rowsValue(rows []map[string]any) any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}

func envelopeResult(cell, language, msg, traceback string) *Result {
	env := NewErrorEnvelope(cell, language, msg, traceback)
	b, _ := json.Marshal(env)
	var v any
	_ = json.Unmarshal(b, &v)
	return &Result{Value: v, Raw: string(b), Failed: true}
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
