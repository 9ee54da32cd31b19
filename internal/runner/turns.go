package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rvbbit/windlass/internal/agent"
	"github.com/rvbbit/windlass/internal/budget"
	"github.com/rvbbit/windlass/internal/bus"
	"github.com/rvbbit/windlass/internal/cascade"
	"github.com/rvbbit/windlass/internal/tools"
	"github.com/rvbbit/windlass/internal/udf"
	"github.com/rvbbit/windlass/internal/unilog"
)

const maxValidationRetries = 3

// runTurnLoop drives the model-facing loop of one cell (or one take).
// takeIndex < 0 means the cell runs as a single attempt; otherwise rows
// carry the take index and the loop logs no cell-level events.
func (ex *execution) runTurnLoop(ctx context.Context, cell *cascade.Cell, cellTrace string, inputs map[string]any, extraHistory []agent.Message, takeIndex int) (*cellResult, error) {
	system, err := ex.env.Render(cell.Instructions)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCascade, err)
	}
	if len(inputs) > 0 {
		system += "\n\nInputs:\n" + mustJSON(inputs)
	}

	var toolDefs []agent.ToolDef
	if len(cell.ToolsAllowed) > 0 {
		toolDefs, err = ex.r.Tools.Defs(cell.ToolsAllowed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCascade, err)
		}
	}

	contextMsgs, contextHashes := ex.contextSet(cell)

	history := append([]agent.Message{}, extraHistory...)
	retries := 0
	tmax := cell.EffectiveMaxTurns()

	var lastContent string
	for turn := 1; turn <= tmax; turn++ {
		if err := ex.checkCancelled(ctx); err != nil {
			return nil, err
		}
		if takeIndex < 0 {
			if interjection, err := ex.pollAudible(ctx, cell, cellTrace); err != nil {
				return nil, err
			} else if interjection != "" {
				history = append(history, agent.Message{Role: "user", Content: interjection})
				ex.appendRow(&unilog.Row{
					NodeType:  unilog.NodeInjection,
					Role:      "user",
					PhaseName: cell.Name,
					Content:   interjection,
				}, &cellTrace)
			}
		}

		msgs := make([]agent.Message, 0, 2+len(contextMsgs)+len(history))
		msgs = append(msgs, agent.Message{Role: "system", Content: system})
		msgs = append(msgs, contextMsgs...)
		msgs = append(msgs, history...)

		enforced, err := budget.Enforce(ctx, msgs, ex.budgetOptions())
		if err != nil {
			return nil, fmt.Errorf("token budget: %w", err)
		}
		msgs = enforced.Messages

		turnTrace := ex.appendRow(&unilog.Row{
			NodeType:   unilog.NodeTurnStart,
			Role:       "structure",
			PhaseName:  cell.Name,
			TurnNumber: intPtr(turn),
			TakeIndex:  takeIndexPtr(takeIndex),
		}, &cellTrace)
		ex.event(bus.TurnStart, turnTrace, cellTrace, map[string]any{"cell": cell.Name, "turn": turn})

		started := time.Now()
		comp, err := ex.r.Agent.Run(ctx, ex.modelFor(cell), msgs, toolDefs)
		if err != nil {
			var reqErr *agent.RequestError
			if errors.As(err, &reqErr) {
				ex.appendRow(&unilog.Row{
					NodeType:    unilog.NodeTurnOutput,
					Role:        "assistant",
					PhaseName:   cell.Name,
					TurnNumber:  intPtr(turn),
					TakeIndex:   takeIndexPtr(takeIndex),
					Content:     mustJSON(map[string]any{"error": err.Error()}),
					FullRequest: reqErr.FullRequest,
				}, &turnTrace)
			}
			return nil, fmt.Errorf("%w: %v", ErrProvider, err)
		}

		outRow := &unilog.Row{
			NodeType:          unilog.NodeTurnOutput,
			Role:              "assistant",
			PhaseName:         cell.Name,
			TurnNumber:        intPtr(turn),
			TakeIndex:         takeIndexPtr(takeIndex),
			Model:             comp.Model,
			Provider:          comp.Provider,
			ProviderRequestID: comp.ProviderRequestID,
			TokensIn:          intPtr(comp.TokensIn),
			TokensOut:         intPtr(comp.TokensOut),
			DurationMs:        int64Ptr(time.Since(started).Milliseconds()),
			Content:           comp.Content,
			FullRequest:       comp.FullRequest,
			FullResponse:      comp.FullResponse,
			ContextHashes:     contextHashes,
		}
		if len(comp.ToolCalls) > 0 {
			outRow.ToolCalls = mustJSON(comp.ToolCalls)
		}
		ex.enqueueCost(comp)
		lastContent = comp.Content

		if len(comp.ToolCalls) > 0 {
			ex.appendRow(outRow, &turnTrace)
			history = append(history, agent.Message{
				Role:      "assistant",
				Content:   comp.Content,
				ToolCalls: comp.ToolCalls,
			})
			route, obs, err := ex.dispatchTools(ctx, cell, turnTrace, comp.ToolCalls)
			if err != nil {
				return nil, err
			}
			if route != "" {
				return &cellResult{Output: valueOf(cell, comp.Content), RouteTo: route}, nil
			}
			history = append(history, obs...)
			continue
		}

		// No tool calls: the turn ends. Validate the declared output mode.
		if verr := ex.validateOutput(cell, comp.Content); verr != nil {
			ex.appendRow(outRow, &turnTrace)
			ex.appendRow(&unilog.Row{
				NodeType:  unilog.NodeSchemaValidation,
				Role:      "structure",
				PhaseName: cell.Name,
				Content:   mustJSON(map[string]any{"valid": false, "error": verr.Error()}),
			}, &turnTrace)
			if hasRetryWard(cell) && retries < maxValidationRetries {
				retries++
				ex.appendRow(&unilog.Row{
					NodeType:  unilog.NodeValidationRetry,
					Role:      "user",
					PhaseName: cell.Name,
					Content:   verr.Error(),
				}, &cellTrace)
				history = append(history,
					agent.Message{Role: "assistant", Content: comp.Content},
					agent.Message{Role: "user", Content: "Your output failed validation: " + verr.Error() + "\nPlease produce a corrected output."})
				continue
			}
			return nil, fmt.Errorf("output validation failed: %w", verr)
		}

		if takeIndex >= 0 {
			// Take attempts defer their final row so the winner flag can
			// be stamped once the evaluator has chosen.
			outRow.NodeType = unilog.NodeSoundingAttempt
			return &cellResult{Output: valueOf(cell, comp.Content), attemptRow: outRow}, nil
		}
		ex.appendRow(outRow, &turnTrace)
		return &cellResult{Output: valueOf(cell, comp.Content)}, nil
	}

	// Forced termination at T_max without a validated completion.
	if lastContent != "" && ex.validateOutput(cell, lastContent) == nil {
		return &cellResult{Output: valueOf(cell, lastContent)}, nil
	}
	return nil, fmt.Errorf("cell exhausted %d turns without a validated output", tmax)
}

// dispatchTools runs the model's tool calls sequentially. A route_to
// call ends the cell immediately with a handoff; run_cascade spawns a
// child session.
func (ex *execution) dispatchTools(ctx context.Context, cell *cascade.Cell, turnTrace string, calls []agent.ToolCall) (route string, observations []agent.Message, err error) {
	for _, call := range calls {
		ex.heartbeat()

		callTrace := ex.appendRow(&unilog.Row{
			NodeType:  unilog.NodeToolCall,
			Role:      "tool",
			PhaseName: cell.Name,
			Content:   mustJSON(map[string]any{"tool": call.Name, "arguments": json.RawMessage(nullIfEmpty(call.Arguments))}),
		}, &turnTrace)
		ex.event(bus.ToolCall, callTrace, turnTrace, map[string]any{"tool": call.Name})

		if call.Name == tools.RouteToDef.Name {
			target, reason, rerr := tools.RouteTarget(call.Arguments)
			if rerr != nil {
				return "", nil, fmt.Errorf("%w: %v", ErrInvalidCascade, rerr)
			}
			ex.appendRow(&unilog.Row{
				NodeType:  unilog.NodeToolResult,
				Role:      "tool",
				PhaseName: cell.Name,
				Content:   mustJSON(map[string]any{"handoffs": []string{target}, "reason": reason}),
				Metadata:  mustJSON(map[string]any{"handoffs": []string{target}}),
			}, &callTrace)
			return target, nil, nil
		}

		var result any
		var callErr error
		if call.Name == tools.RunCascadeDef.Name {
			result, callErr = ex.runSubCascade(ctx, cell, callTrace, call.Arguments)
		} else {
			result, callErr = ex.r.Tools.Call(ctx, call.Name, tools.Request{
				SessionID: ex.sessionID,
				CellName:  cell.Name,
				Raw:       json.RawMessage(call.Arguments),
			})
		}
		if callErr != nil {
			if errors.Is(callErr, ErrCancelled) || errors.Is(callErr, ErrProvider) {
				return "", nil, callErr
			}
			result = map[string]any{"_route": "error", "error": callErr.Error()}
		}

		resultJSON := mustJSON(result)
		ex.appendRow(&unilog.Row{
			NodeType:  unilog.NodeToolResult,
			Role:      "tool",
			PhaseName: cell.Name,
			Content:   truncateContent(resultJSON, 8000),
		}, &callTrace)
		ex.event(bus.ToolResult, callTrace, turnTrace, map[string]any{"tool": call.Name})

		observations = append(observations, agent.Message{
			Role:       "tool",
			Content:    truncateContent(resultJSON, 8000),
			ToolCallID: call.ID,
			Name:       call.Name,
		})
	}
	return "", observations, nil
}

// runSubCascade spawns a child session for a run_cascade tool call. The
// observation is the child's final output.
func (ex *execution) runSubCascade(ctx context.Context, cell *cascade.Cell, callTrace, arguments string) (any, error) {
	var args struct {
		CascadeID string         `json:"cascade_id"`
		Input     map[string]any `json:"input"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return nil, fmt.Errorf("run_cascade arguments: %w", err)
	}
	spec, err := ex.r.resolveCascade(args.CascadeID)
	if err != nil {
		return nil, err
	}

	subTrace := ex.appendRow(&unilog.Row{
		NodeType:  unilog.NodeSubCascade,
		Role:      "structure",
		PhaseName: cell.Name,
		Content:   mustJSON(map[string]any{"cascade_id": args.CascadeID}),
	}, &callTrace)
	_ = subTrace

	outcome, err := ex.r.Run(ctx, spec, args.Input, RunOptions{
		ParentSessionID: ex.sessionID,
		CallerID:        ex.callerID,
	})
	if err != nil {
		return nil, err
	}
	return outcome.Output, nil
}

// contextSet assembles the cross-cell context: the last output of each
// prior cell named in the cell's context list (all prior cells when the
// list is empty), with each included message's content hash recorded.
func (ex *execution) contextSet(cell *cascade.Cell) ([]agent.Message, []string) {
	names := cell.Context
	if len(names) == 0 {
		for i := range ex.spec.Cells {
			prior := ex.spec.Cells[i].Name
			if prior == cell.Name {
				break
			}
			if _, ok := ex.env.Outputs[prior]; ok {
				names = append(names, prior)
			}
		}
	}

	var msgs []agent.Message
	var hashes []string
	for _, name := range names {
		out, ok := ex.env.Outputs[name]
		if !ok {
			continue
		}
		content := fmt.Sprintf("Output of %s:\n%s", name, mustJSON(out))
		msgs = append(msgs, agent.Message{Role: "user", Content: content})
		hashes = append(hashes, unilog.HashContent("user", content))
	}
	return msgs, hashes
}

// validateOutput applies the cell's declared output mode.
func (ex *execution) validateOutput(cell *cascade.Cell, content string) error {
	switch cell.OutputMode {
	case cascade.OutputJSON:
		trimmed := stripFences(content)
		if !gjson.Valid(trimmed) {
			return fmt.Errorf("output is not valid JSON")
		}
	case cascade.OutputSQLExecute:
		return udf.CheckFragment(stripFences(content))
	case cascade.OutputSQLStatement:
		return udf.CheckStatement(stripFences(content))
	}
	return nil
}

// valueOf decodes the turn output per the cell's output mode: json cells
// yield the parsed value or an error envelope carrying the raw string.
func valueOf(cell *cascade.Cell, content string) any {
	if cell.OutputMode == cascade.OutputJSON {
		trimmed := stripFences(content)
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
			return map[string]any{"_route": "error", "error": "invalid JSON output", "raw": content}
		}
		return v
	}
	if cell.OutputMode == cascade.OutputSQLExecute || cell.OutputMode == cascade.OutputSQLStatement {
		return stripFences(content)
	}
	return content
}

func (ex *execution) budgetOptions() budget.Options {
	opts := ex.r.Budget
	if opts.Summarizer == nil && ex.r.Agent != nil {
		model := ex.r.EvalModel
		opts.Summarizer = func(ctx context.Context, text string) (string, error) {
			comp, err := ex.r.Agent.Run(ctx, model, []agent.Message{
				{Role: "user", Content: "Summarize this conversation concisely:\n\n" + text},
			}, nil)
			if err != nil {
				return "", err
			}
			ex.enqueueCost(comp)
			return comp.Content, nil
		}
	}
	return opts
}

func (ex *execution) modelFor(cell *cascade.Cell) string {
	if cell.Model != "" {
		return cell.Model
	}
	return ex.r.DefaultModel
}

// enqueueCost hands an assistant completion to the cost reconciler.
func (ex *execution) enqueueCost(comp *agent.Completion) {
	if ex.r.Reconciler != nil && comp.ProviderRequestID != "" {
		ex.r.Reconciler.Enqueue(comp.ProviderRequestID)
	}
}

func hasRetryWard(cell *cascade.Cell) bool {
	if cell.Wards == nil {
		return false
	}
	for _, w := range cell.Wards.Post {
		if w.Mode == cascade.WardRetry {
			return true
		}
	}
	return false
}

func takeIndexPtr(i int) *int {
	if i < 0 {
		return nil
	}
	return &i
}

func truncateContent(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…(truncated)"
}

func nullIfEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return "null"
	}
	return s
}

// stripFences removes a surrounding markdown code fence from model
// output.
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		// Drop the language tag line.
		first := strings.TrimSpace(t[:i])
		if len(first) <= 12 && !strings.ContainsAny(first, " {}[]()") {
			t = t[i+1:]
		}
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}
