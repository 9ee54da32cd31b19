package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rvbbit/windlass/internal/agent"
	"github.com/rvbbit/windlass/internal/bus"
	"github.com/rvbbit/windlass/internal/cascade"
	"github.com/rvbbit/windlass/internal/checkpoint"
	"github.com/rvbbit/windlass/internal/datacell"
	"github.com/rvbbit/windlass/internal/sessionstate"
	"github.com/rvbbit/windlass/internal/tools"
	"github.com/rvbbit/windlass/internal/unilog"
)

// cellResult is what one executed cell hands back to the cascade loop.
type cellResult struct {
	Output  any
	RouteTo string // non-empty when the model handed off via route_to

	// attemptRow is the deferred sounding_attempt row of a take; the
	// takes orchestrator stamps the winner flag and appends it before
	// the evaluator row.
	attemptRow *unilog.Row
}

// runCell executes the full per-cell state machine:
// pre wards, memory load, body (turn loop / takes / deterministic),
// post wards, human input, memory store, cell_complete.
func (ex *execution) runCell(ctx context.Context, cell *cascade.Cell) (*cellResult, error) {
	started := time.Now()
	ex.heartbeat()

	meta := map[string]any{}
	if cell.Takes >= 2 {
		meta["has_takes"] = true
	}
	cellTrace := ex.appendRow(&unilog.Row{
		NodeType:  unilog.NodeCell,
		Role:      "structure",
		PhaseName: cell.Name,
		Metadata:  mustJSON(meta),
	}, &ex.rootTrace)
	ex.event(bus.CellStart, cellTrace, ex.rootTrace, map[string]any{"cell": cell.Name})

	inputs, err := ex.env.RenderInputs(cell.Inputs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCascade, err)
	}

	if cell.Wards != nil {
		if err := ex.runWards(ctx, cell, cellTrace, cell.Wards.Pre, unilog.NodePreWard, nil, false); err != nil {
			return nil, err
		}
	}

	if cell.Memory != "" {
		if val, ok, err := ex.memoryLoad(ctx, cell.Memory); err != nil {
			return nil, err
		} else if ok {
			ex.env.State[cell.Memory] = val
		}
	}

	// Only a single-attempt LLM cell can regenerate its output when a
	// retry-mode post ward rejects it; takes pick their winner before
	// post wards run, and deterministic bodies have no turn loop.
	canRegen := cell.IsLLM() && cell.Takes < 2
	var history []agent.Message
	runBody := func() (*cellResult, error) {
		switch {
		case !cell.IsLLM():
			return ex.runDeterministic(ctx, cell, cellTrace, inputs)
		case cell.Takes >= 2:
			return ex.runTakes(ctx, cell, cellTrace, inputs)
		default:
			return ex.runTurnLoop(ctx, cell, cellTrace, inputs, history, -1)
		}
	}

	res, err := runBody()
	if err != nil {
		return nil, err
	}

	if cell.Wards != nil {
		wardEvals := map[string]int{}
		for {
			werr := ex.runWards(ctx, cell, cellTrace, cell.Wards.Post, unilog.NodePostWard, res.Output, canRegen)
			if werr == nil {
				break
			}
			var retry *wardRetryError
			if !errors.As(werr, &retry) {
				return nil, werr
			}
			wardEvals[retry.ward]++
			if wardEvals[retry.ward] >= retry.max {
				return nil, fmt.Errorf("ward %s failed: %s", retry.ward, retry.reason)
			}
			ex.appendRow(&unilog.Row{
				NodeType:  unilog.NodeValidationRetry,
				Role:      "user",
				PhaseName: cell.Name,
				Content:   mustJSON(map[string]any{"ward": retry.ward, "reason": retry.reason}),
			}, &cellTrace)
			history = append(history,
				agent.Message{Role: "assistant", Content: mustJSON(res.Output)},
				agent.Message{Role: "user", Content: fmt.Sprintf(
					"Ward %s rejected the output: %s\nProduce a corrected output.", retry.ward, retry.reason)})
			res, err = runBody()
			if err != nil {
				return nil, err
			}
		}
	}

	if cell.HumanInput != nil && cell.HumanInput.Type != "" && cell.HumanInput.Type != string(checkpoint.TypeSoundingEval) {
		res, err = ex.runHumanInput(ctx, cell, cellTrace, res)
		if err != nil {
			return nil, err
		}
	}

	if cell.Memory != "" {
		if err := ex.memoryStore(ctx, cell.Memory, res.Output); err != nil {
			return nil, err
		}
	}

	if rows := rowsOf(res.Output); rows != nil && (cell.Materialize == nil || *cell.Materialize) {
		if err := ex.sdb.Materialize(ctx, cell.Name, rows); err != nil {
			ex.log.Warn().Err(err).Str("cell", cell.Name).Msg("materialize cell output")
		}
	}

	dur := time.Since(started).Milliseconds()
	ex.appendRow(&unilog.Row{
		NodeType:   unilog.NodeCellComplete,
		Role:       "structure",
		PhaseName:  cell.Name,
		Content:    mustJSON(res.Output),
		DurationMs: int64Ptr(dur),
	}, &cellTrace)
	ex.event(bus.CellComplete, cellTrace, ex.rootTrace, map[string]any{"cell": cell.Name, "duration_ms": dur})
	ex.heartbeat()

	return res, nil
}

// runDeterministic executes a tool-bodied cell: a registered language
// executor (sql/python/javascript/clojure) or a registry tool.
func (ex *execution) runDeterministic(ctx context.Context, cell *cascade.Cell, cellTrace string, inputs map[string]any) (*cellResult, error) {
	body, _ := inputs["body"].(string)
	if body == "" {
		if rendered, err := ex.env.Render(cell.Instructions); err == nil {
			body = rendered
		}
	}

	if exec, ok := ex.r.Executors[cell.Tool]; ok {
		res, err := ex.execWithAutoFix(ctx, cell, cellTrace, exec, body, inputs)
		if err != nil {
			return nil, err
		}
		return &cellResult{Output: res.Value}, nil
	}

	// Plain registry tool as a cell body.
	raw, _ := json.Marshal(inputs)
	out, err := ex.r.Tools.Call(ctx, cell.Tool, tools.Request{
		SessionID: ex.sessionID,
		CellName:  cell.Name,
		Args:      inputs,
		Raw:       raw,
	})
	if err != nil {
		env := datacell.NewErrorEnvelope(cell.Name, "tool", err.Error(), "")
		b, _ := json.Marshal(env)
		var v any
		_ = json.Unmarshal(b, &v)
		return &cellResult{Output: v}, nil
	}
	return &cellResult{Output: out}, nil
}

// execWithAutoFix runs a deterministic body, and on failure issues up to
// AutoFixAttempts LLM fix prompts before giving up with the envelope.
func (ex *execution) execWithAutoFix(ctx context.Context, cell *cascade.Cell, cellTrace string, exec datacell.Executor, body string, inputs map[string]any) (*datacell.Result, error) {
	res, err := exec.Run(ctx, cell.Name, body, inputs, ex.sdb)
	if err != nil {
		return nil, err
	}
	if !res.Failed || !cell.AutoFix {
		return res, nil
	}

	attempts := cell.AutoFixAttempts
	if attempts <= 0 {
		attempts = 3
	}
	current := body
	for i := 0; i < attempts; i++ {
		if cerr := ex.checkCancelled(ctx); cerr != nil {
			return nil, cerr
		}
		errText := extractEnvelopeError(res.Value)
		fixed, ferr := ex.fixBody(ctx, cell, current, errText)
		if ferr != nil {
			ex.appendRow(&unilog.Row{
				NodeType:  unilog.NodeValidation,
				Role:      "structure",
				PhaseName: cell.Name,
				Content:   mustJSON(map[string]any{"auto_fix_failed": true, "attempt": i + 1, "error": ferr.Error()}),
			}, &cellTrace)
			return res, nil
		}
		current = fixed
		res, err = exec.Run(ctx, cell.Name, current, inputs, ex.sdb)
		if err != nil {
			return nil, err
		}
		if !res.Failed {
			ex.appendRow(&unilog.Row{
				NodeType:  unilog.NodeValidation,
				Role:      "structure",
				PhaseName: cell.Name,
				Content:   mustJSON(map[string]any{"auto_fix_success": true, "attempt": i + 1}),
			}, &cellTrace)
			return res, nil
		}
	}
	ex.appendRow(&unilog.Row{
		NodeType:  unilog.NodeValidation,
		Role:      "structure",
		PhaseName: cell.Name,
		Content:   mustJSON(map[string]any{"auto_fix_failed": true, "attempts": attempts}),
	}, &cellTrace)
	return res, nil
}

// fixBody asks the model for a corrected cell body.
func (ex *execution) fixBody(ctx context.Context, cell *cascade.Cell, body, errText string) (string, error) {
	prompt := fmt.Sprintf(
		"The following %s cell body failed. Return ONLY the corrected body, no commentary.\n\nBody:\n%s\n\nError:\n%s",
		cell.Tool, body, errText)
	comp, err := ex.r.Agent.Run(ctx, ex.r.EvalModel, []agent.Message{
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("%w: auto-fix call: %v", ErrProvider, err)
	}
	ex.enqueueCost(comp)
	return stripFences(comp.Content), nil
}

// runHumanInput blocks the cell on a checkpoint after its body ran.
func (ex *execution) runHumanInput(ctx context.Context, cell *cascade.Cell, cellTrace string, res *cellResult) (*cellResult, error) {
	hi := cell.HumanInput
	draft := mustJSON(res.Output)

	uiSpec, err := checkpoint.BuildUISpec(checkpoint.Type(hi.Type), hi.Title, hi.Hint, draft, hi.Choices, nil)
	if err != nil {
		return nil, fmt.Errorf("build checkpoint ui: %w", err)
	}
	cp := &checkpoint.Checkpoint{
		SessionID:  ex.sessionID,
		CascadeID:  ex.spec.CascadeID,
		CellName:   cell.Name,
		Type:       checkpoint.Type(hi.Type),
		UISpec:     uiSpec,
		CellOutput: draft,
	}
	if hi.Timeout > 0 {
		t := time.Now().UTC().Add(time.Duration(hi.Timeout) * time.Second)
		cp.TimeoutAt = &t
	}
	id, err := ex.r.Checkpoints.Create(cp)
	if err != nil {
		return nil, fmt.Errorf("create checkpoint: %w", err)
	}

	cpTrace := ex.appendRow(&unilog.Row{
		NodeType:  unilog.NodeCheckpoint,
		Role:      "structure",
		PhaseName: cell.Name,
		Content:   mustJSON(map[string]any{"checkpoint_id": id, "type": hi.Type}),
	}, &cellTrace)
	ex.event(bus.CheckpointCreated, cpTrace, cellTrace, map[string]any{"checkpoint_id": id, "type": hi.Type})

	if err := ex.r.States.MarkBlocked(ex.sessionID, sessionstate.BlockedHITL, id, "awaiting "+hi.Type); err != nil {
		return nil, fmt.Errorf("mark blocked: %w", err)
	}

	var timeout time.Duration
	if hi.Timeout > 0 {
		timeout = time.Duration(hi.Timeout) * time.Second
	}
	resolution, err := ex.r.Checkpoints.Wait(ctx, id, timeout)
	if err != nil {
		return nil, fmt.Errorf("wait checkpoint: %w", err)
	}
	if err := ex.r.States.ResumeUnblock(ex.sessionID); err != nil {
		return nil, fmt.Errorf("resume session: %w", err)
	}
	if err := ex.checkCancelled(ctx); err != nil {
		return nil, err
	}

	ex.event(bus.CheckpointResponded, cpTrace, cellTrace,
		map[string]any{"checkpoint_id": id, "status": resolution.Status})

	switch resolution.Status {
	case checkpoint.StatusResponded:
		var parsed any
		if err := json.Unmarshal([]byte(resolution.Response), &parsed); err != nil {
			parsed = resolution.Response
		}
		return &cellResult{Output: parsed, RouteTo: res.RouteTo}, nil
	case checkpoint.StatusCancelled:
		return nil, fmt.Errorf("%w: checkpoint %s cancelled", ErrCancelled, id)
	case checkpoint.StatusTimedOut:
		switch hi.OnTimeout {
		case "continue":
			return res, nil
		case "retry":
			return res, nil // retry is driven at the cascade level by re-routing
		default:
			return nil, fmt.Errorf("%w: checkpoint %s timed out", ErrCancelled, id)
		}
	}
	return res, nil
}

// pollAudible inserts an ad-hoc checkpoint when the UI signaled one.
// Called between turns, which is the documented safe boundary.
func (ex *execution) pollAudible(ctx context.Context, cell *cascade.Cell, cellTrace string) (string, error) {
	if ex.r.Checkpoints == nil || !ex.r.Checkpoints.AudibleSignaled(ex.sessionID) {
		return "", nil
	}
	ex.r.Checkpoints.ClearAudible(ex.sessionID)

	uiSpec, err := checkpoint.BuildUISpec(checkpoint.TypeAudible, "Audible", "Operator interjection", "", nil, nil)
	if err != nil {
		return "", fmt.Errorf("build audible ui: %w", err)
	}
	id, err := ex.r.Checkpoints.Create(&checkpoint.Checkpoint{
		SessionID: ex.sessionID,
		CascadeID: ex.spec.CascadeID,
		CellName:  cell.Name,
		Type:      checkpoint.TypeAudible,
		UISpec:    uiSpec,
	})
	if err != nil {
		return "", fmt.Errorf("create audible checkpoint: %w", err)
	}

	audTrace := ex.appendRow(&unilog.Row{
		NodeType:  unilog.NodeAudible,
		Role:      "structure",
		PhaseName: cell.Name,
		Content:   mustJSON(map[string]any{"checkpoint_id": id}),
	}, &cellTrace)
	ex.event(bus.AudibleSignal, audTrace, cellTrace, map[string]any{"checkpoint_id": id})

	if err := ex.r.States.MarkBlocked(ex.sessionID, sessionstate.BlockedSignal, id, "audible"); err != nil {
		return "", fmt.Errorf("mark blocked: %w", err)
	}
	res, err := ex.r.Checkpoints.Wait(ctx, id, 0)
	if err != nil {
		return "", fmt.Errorf("wait audible: %w", err)
	}
	if err := ex.r.States.ResumeUnblock(ex.sessionID); err != nil {
		return "", fmt.Errorf("resume session: %w", err)
	}
	if res.Status == checkpoint.StatusCancelled {
		return "", fmt.Errorf("%w: audible cancelled", ErrCancelled)
	}
	return res.Response, nil
}

func extractEnvelopeError(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return mustJSON(v)
	}
	msg, _ := m["error"].(string)
	if tb, ok := m["traceback"].(string); ok && tb != "" {
		msg += "\n" + tb
	}
	return msg
}

// rowsOf interprets a cell output as a row set when it is one.
func rowsOf(v any) []map[string]any {
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
