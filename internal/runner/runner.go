// Package runner drives cascade execution: it sequences cells, renders
// their templated inputs, runs the per-cell state machine (wards, takes,
// reforge, turn loop, checkpoints), and keeps the session state, unified
// log, and event bus in step with every transition.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rvbbit/windlass/internal/agent"
	"github.com/rvbbit/windlass/internal/budget"
	"github.com/rvbbit/windlass/internal/bus"
	"github.com/rvbbit/windlass/internal/cascade"
	"github.com/rvbbit/windlass/internal/checkpoint"
	"github.com/rvbbit/windlass/internal/datacell"
	"github.com/rvbbit/windlass/internal/sessiondb"
	"github.com/rvbbit/windlass/internal/sessionstate"
	"github.com/rvbbit/windlass/internal/tools"
	"github.com/rvbbit/windlass/internal/unilog"
)

// Sentinel errors the CLI maps to exit codes.
var (
	ErrCancelled      = errors.New("cascade cancelled")
	ErrInvalidCascade = errors.New("invalid cascade")
	ErrProvider       = errors.New("provider failure")
)

// cellError is a cell-level failure that terminates the cascade.
type cellError struct {
	Cell string
	Err  error
}

func (e *cellError) Error() string { return fmt.Sprintf("cell %s: %v", e.Cell, e.Err) }
func (e *cellError) Unwrap() error { return e.Err }

// Runner owns the collaborators of cascade execution. All of them are
// passed in explicitly; the runner holds no globals.
type Runner struct {
	Log         unilog.Writer
	Store       *unilog.Store
	States      *sessionstate.Store
	Checkpoints *checkpoint.Manager
	Bus         *bus.Bus
	Agent       agent.Agent
	Tools       *tools.Registry
	Executors   map[string]datacell.Executor
	Reconciler  *unilog.Reconciler
	Cascades    map[string]*cascade.Spec

	DataDir string
	Budget  budget.Options
	Logger  zerolog.Logger

	// DefaultModel is used when a cell does not pin one.
	DefaultModel string
	// EvalModel is the cheap model used for evaluators and summaries.
	EvalModel string

	// KeepSessionDB leaves working databases on disk after terminal for
	// inspection; tests and the UDF bridge set their own policy.
	KeepSessionDB bool
}

// RunOptions tunes one cascade invocation.
type RunOptions struct {
	SessionID       string // empty: new uuid
	ParentSessionID string // set for sub-cascades
	CallerID        string // set by the SQL UDF bridge
	SessionDB       *sessiondb.DB
}

// Outcome is the result of a completed cascade.
type Outcome struct {
	SessionID string
	Output    any
	Outputs   map[string]any
	State     map[string]any
}

// execution is the per-run context threaded through the state machine.
type execution struct {
	r    *Runner
	spec *cascade.Spec

	sessionID string
	callerID  string
	rootTrace string

	env *cascade.Env
	sdb *sessiondb.DB
	log zerolog.Logger
}

// Run executes a cascade to a terminal session status. The returned
// error is nil only when the session completed.
func (r *Runner) Run(ctx context.Context, spec *cascade.Spec, input map[string]any, opts RunOptions) (*Outcome, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: nil spec", ErrInvalidCascade)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCascade, err)
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	var parent *string
	if opts.ParentSessionID != "" {
		parent = &opts.ParentSessionID
	}
	if _, err := r.States.Create(sessionID, spec.CascadeID, string(inputJSON), parent); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	sdb := opts.SessionDB
	ownDB := sdb == nil
	if ownDB {
		sdb, err = sessiondb.Open(r.DataDir, sessionID)
		if err != nil {
			r.fail(sessionID, err)
			return nil, err
		}
	}

	ex := &execution{
		r:         r,
		spec:      spec,
		sessionID: sessionID,
		callerID:  opts.CallerID,
		env: &cascade.Env{
			Input:   input,
			State:   map[string]any{},
			Outputs: map[string]any{},
		},
		sdb: sdb,
		log: r.Logger.With().Str("session", sessionID).Str("cascade", spec.CascadeID).Logger(),
	}

	// Background heartbeat at half the lease so long waits (checkpoints,
	// slow providers) never look like a zombie.
	hbCtx, stopHB := context.WithCancel(context.Background())
	defer stopHB()
	go ex.heartbeatLoop(hbCtx)

	outcome, runErr := ex.runCascade(ctx)

	if ownDB {
		if err := sdb.Close(!r.KeepSessionDB); err != nil {
			ex.log.Warn().Err(err).Msg("close session db")
		}
	}

	if runErr != nil {
		return nil, runErr
	}
	return outcome, nil
}

// RunByID resolves a cascade id (or file path) and runs it.
func (r *Runner) RunByID(ctx context.Context, idOrPath string, input map[string]any, opts RunOptions) (*Outcome, error) {
	spec, err := r.resolveCascade(idOrPath)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, spec, input, opts)
}

func (r *Runner) resolveCascade(idOrPath string) (*cascade.Spec, error) {
	if spec, ok := r.Cascades[idOrPath]; ok {
		return spec, nil
	}
	if strings.ContainsAny(idOrPath, "/.") {
		spec, err := cascade.Load(idOrPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCascade, err)
		}
		return spec, nil
	}
	return nil, fmt.Errorf("%w: unknown cascade %q", ErrInvalidCascade, idOrPath)
}

// runCascade walks the cell list, honoring route_to handoffs.
func (ex *execution) runCascade(ctx context.Context) (*Outcome, error) {
	r := ex.r

	ex.rootTrace = ex.appendRow(&unilog.Row{
		NodeType: unilog.NodeCascade,
		Role:     "structure",
		Content:  mustJSON(map[string]any{"cascade_id": ex.spec.CascadeID, "cells": len(ex.spec.Cells)}),
	}, nil)
	ex.event(bus.CascadeStart, ex.rootTrace, "", map[string]any{"cascade_id": ex.spec.CascadeID})
	ex.appendRow(&unilog.Row{
		NodeType: unilog.NodeCascadeStart,
		Role:     "structure",
	}, &ex.rootTrace)

	if err := r.States.UpdateStatus(ex.sessionID, sessionstate.StatusRunning, sessionstate.Extras{}); err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}

	var lastOutput any
	idx := 0
	for idx < len(ex.spec.Cells) {
		cell := &ex.spec.Cells[idx]

		if err := ex.checkCancelled(ctx); err != nil {
			return nil, ex.terminate(err)
		}
		cur := cell.Name
		if err := r.States.UpdateStatus(ex.sessionID, sessionstate.StatusRunning,
			sessionstate.Extras{CurrentCell: &cur}); err != nil {
			return nil, ex.terminate(fmt.Errorf("update current cell: %w", err))
		}

		res, err := ex.runCell(ctx, cell)
		if err != nil {
			return nil, ex.terminate(&cellError{Cell: cell.Name, Err: err})
		}

		ex.env.Outputs[cell.Name] = res.Output
		if cell.StateKey != "" {
			ex.env.State[cell.StateKey] = res.Output
		}
		lastOutput = res.Output

		if res.RouteTo != "" {
			target := indexOfCell(ex.spec, res.RouteTo)
			if target < 0 {
				return nil, ex.terminate(&cellError{Cell: cell.Name,
					Err: fmt.Errorf("route_to unknown cell %q", res.RouteTo)})
			}
			idx = target
			continue
		}
		idx++
	}

	outJSON := mustJSON(lastOutput)
	ex.appendRow(&unilog.Row{
		NodeType: unilog.NodeCascadeComplete,
		Role:     "structure",
		Content:  outJSON,
	}, &ex.rootTrace)
	ex.event(bus.CascadeComplete, ex.rootTrace, "", map[string]any{"output": lastOutput})

	if err := r.States.UpdateStatus(ex.sessionID, sessionstate.StatusCompleted,
		sessionstate.Extras{Output: &outJSON}); err != nil {
		return nil, fmt.Errorf("mark completed: %w", err)
	}
	ex.snapshot(outJSON)
	ex.endMirror()

	return &Outcome{
		SessionID: ex.sessionID,
		Output:    lastOutput,
		Outputs:   ex.env.Outputs,
		State:     ex.env.State,
	}, nil
}

// terminate records a failed or cancelled cascade and returns the error
// the caller should propagate.
func (ex *execution) terminate(err error) error {
	r := ex.r
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		reason := err.Error()
		_ = r.States.UpdateStatus(ex.sessionID, sessionstate.StatusCancelled,
			sessionstate.Extras{ErrorMessage: &reason})
		ex.event(bus.CascadeError, ex.rootTrace, "", map[string]any{"cancelled": true})
		ex.endMirror()
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		return err
	}

	msg := err.Error()
	ex.appendRow(&unilog.Row{
		NodeType: unilog.NodeCascadeError,
		Role:     "structure",
		Content:  mustJSON(map[string]any{"error": msg}),
	}, &ex.rootTrace)
	ex.event(bus.CascadeError, ex.rootTrace, "", map[string]any{"error": msg})
	r.fail(ex.sessionID, err)
	ex.snapshot("")
	ex.endMirror()
	return err
}

func (r *Runner) fail(sessionID string, err error) {
	msg := err.Error()
	if uerr := r.States.UpdateStatus(sessionID, sessionstate.StatusError,
		sessionstate.Extras{ErrorMessage: &msg}); uerr != nil {
		r.Logger.Warn().Err(uerr).Str("session", sessionID).Msg("record session error")
	}
}

func (ex *execution) snapshot(output string) {
	if ex.r.Store == nil {
		return
	}
	inputJSON := mustJSON(ex.env.Input)
	if err := ex.r.Store.WriteSnapshot(ex.sessionID, ex.spec.CascadeID, inputJSON, output, ex.spec.GenusHash()); err != nil {
		ex.log.Warn().Err(err).Msg("write session snapshot")
	}
}

// endMirror starts the mirror's grace eviction for this session, when a
// mirror participates in the fan-out.
func (ex *execution) endMirror() {
	type ender interface{ EndSession(string, time.Duration) }
	if m, ok := ex.r.Log.(interface{ Writers() []unilog.Writer }); ok {
		for _, w := range m.Writers() {
			if e, ok := w.(ender); ok {
				e.EndSession(ex.sessionID, 0)
			}
		}
	}
}

// checkCancelled is the cooperative cancellation probe used at every
// boundary: cell start, between turns, between takes, checkpoint wakeup.
func (ex *execution) checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: context", ErrCancelled)
	}
	st, err := ex.r.States.Get(ex.sessionID)
	if err != nil {
		return fmt.Errorf("read session state: %w", err)
	}
	if st.Status.Terminal() {
		return fmt.Errorf("%w: session already %s", ErrCancelled, st.Status)
	}
	if st.CancelRequested {
		reason := "cancel requested"
		if st.CancelReason != nil {
			reason = *st.CancelReason
		}
		return fmt.Errorf("%w: %s", ErrCancelled, reason)
	}
	return nil
}

func (ex *execution) heartbeatLoop(ctx context.Context) {
	lease := sessionstate.DefaultLeaseSeconds
	if st, err := ex.r.States.Get(ex.sessionID); err == nil && st.HeartbeatLeaseSeconds > 0 {
		lease = st.HeartbeatLeaseSeconds
	}
	tick := time.NewTicker(time.Duration(lease) * time.Second / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := ex.r.States.Heartbeat(ex.sessionID); err != nil {
				if errors.Is(err, sessionstate.ErrTerminal) {
					return
				}
				ex.log.Warn().Err(err).Msg("heartbeat")
			}
		}
	}
}

func (ex *execution) heartbeat() {
	if err := ex.r.States.Heartbeat(ex.sessionID); err != nil && !errors.Is(err, sessionstate.ErrTerminal) {
		ex.log.Warn().Err(err).Msg("heartbeat")
	}
}

// appendRow stamps run-scoped fields, writes the row to the fan-out, and
// returns the trace id. Rows never fail the cascade; log write errors
// are logged and skipped.
func (ex *execution) appendRow(row *unilog.Row, parent *string) string {
	if row.TraceID == "" {
		row.TraceID = uuid.NewString()
	}
	row.SessionID = ex.sessionID
	row.CascadeID = ex.spec.CascadeID
	row.ParentID = parent
	if row.CallerID == "" {
		row.CallerID = ex.callerID
	}
	if err := ex.r.Log.Append(row); err != nil {
		ex.log.Warn().Err(err).Str("node_type", string(row.NodeType)).Msg("append log row")
	}
	return row.TraceID
}

func (ex *execution) event(t bus.EventType, trace, parent string, payload any) {
	if ex.r.Bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	ex.r.Bus.Publish(bus.Event{
		Type:      t,
		SessionID: ex.sessionID,
		TraceID:   trace,
		ParentID:  parent,
		Payload:   raw,
	})
}

func indexOfCell(spec *cascade.Spec, name string) int {
	for i := range spec.Cells {
		if spec.Cells[i].Name == name {
			return i
		}
	}
	return -1
}

func mustJSON(v any) string {
	if v == nil {
		return "null"
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func intPtr(i int) *int       { return &i }
func boolPtr(b bool) *bool    { return &b }
func int64Ptr(i int64) *int64 { return &i }
