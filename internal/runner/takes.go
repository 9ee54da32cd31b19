package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/rvbbit/windlass/internal/agent"
	"github.com/rvbbit/windlass/internal/bus"
	"github.com/rvbbit/windlass/internal/cascade"
	"github.com/rvbbit/windlass/internal/checkpoint"
	"github.com/rvbbit/windlass/internal/sessionstate"
	"github.com/rvbbit/windlass/internal/unilog"
)

// takeOutcome is one settled take attempt.
type takeOutcome struct {
	index  int
	result *cellResult
	err    error
}

// runTakes spawns N parallel attempts of the cell, evaluates them, and
// optionally reforges the winner. Attempt rows are appended once all
// takes settle so every sounding_attempt precedes the evaluator row.
func (ex *execution) runTakes(ctx context.Context, cell *cascade.Cell, cellTrace string, inputs map[string]any) (*cellResult, error) {
	n := cell.Takes
	limit := cell.MaxParallelTakes
	if limit <= 0 || limit > n {
		limit = n
	}

	outcomes := make([]takeOutcome, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := ex.checkCancelled(gctx); err != nil {
				outcomes[i] = takeOutcome{index: i, err: err}
				return err
			}
			res, err := ex.runTurnLoop(gctx, cell, cellTrace, inputs, nil, i)
			outcomes[i] = takeOutcome{index: i, result: res, err: err}
			ex.event(bus.SoundingAttempt, cellTrace, ex.rootTrace,
				map[string]any{"cell": cell.Name, "take_index": i, "failed": err != nil})
			// A failed take does not abort the cell.
			if err != nil && isFatal(err) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var candidates []takeOutcome
	for _, oc := range outcomes {
		if oc.err == nil && oc.result != nil {
			candidates = append(candidates, oc)
		}
	}
	if len(candidates) == 0 {
		for _, oc := range outcomes {
			ex.appendRow(&unilog.Row{
				NodeType:  unilog.NodeSoundingError,
				Role:      "structure",
				PhaseName: cell.Name,
				TakeIndex: intPtr(oc.index),
				Content:   mustJSON(map[string]any{"error": errString(oc.err)}),
			}, &cellTrace)
		}
		return nil, fmt.Errorf("all %d takes failed", n)
	}

	winner, evalContent, err := ex.evaluate(ctx, cell, cellTrace, candidates)
	if err != nil {
		return nil, err
	}

	// Append attempt rows with the winner flag stamped, then the
	// evaluator row, preserving the documented ordering.
	for _, oc := range outcomes {
		if oc.err != nil || oc.result == nil {
			ex.appendRow(&unilog.Row{
				NodeType:  unilog.NodeSoundingError,
				Role:      "structure",
				PhaseName: cell.Name,
				TakeIndex: intPtr(oc.index),
				Content:   mustJSON(map[string]any{"error": errString(oc.err)}),
			}, &cellTrace)
			continue
		}
		row := oc.result.attemptRow
		if row == nil {
			row = &unilog.Row{
				NodeType:  unilog.NodeSoundingAttempt,
				Role:      "assistant",
				PhaseName: cell.Name,
				TakeIndex: intPtr(oc.index),
				Content:   mustJSON(oc.result.Output),
			}
		}
		row.IsWinner = boolPtr(oc.index == winner)
		ex.appendRow(row, &cellTrace)
	}

	evalTrace := ex.appendRow(&unilog.Row{
		NodeType:  unilog.NodeEvaluator,
		Role:      "assistant",
		PhaseName: cell.Name,
		Content:   evalContent,
	}, &cellTrace)
	ex.event(bus.Evaluator, evalTrace, cellTrace, map[string]any{"cell": cell.Name, "winner_index": winner})

	var winning *cellResult
	for _, oc := range candidates {
		if oc.index == winner {
			winning = oc.result
			break
		}
	}
	if winning == nil {
		winning = candidates[0].result
	}

	if cell.ReforgeSteps >= 1 {
		return ex.reforge(ctx, cell, cellTrace, inputs, winning)
	}
	return &cellResult{Output: winning.Output, RouteTo: winning.RouteTo}, nil
}

// evaluate picks the winning take: an LLM evaluator by default, or a
// sounding_eval checkpoint when the cell asks for human evaluation.
func (ex *execution) evaluate(ctx context.Context, cell *cascade.Cell, cellTrace string, candidates []takeOutcome) (int, string, error) {
	if cell.HumanInput != nil && cell.HumanInput.Type == string(checkpoint.TypeSoundingEval) {
		return ex.humanEvaluate(ctx, cell, cellTrace, candidates)
	}

	var b strings.Builder
	b.WriteString("You are choosing the best of several candidate outputs for the same task.\n")
	b.WriteString("Respond with JSON only: {\"winner_index\": <int>, \"reasoning\": \"...\"}.\n")
	b.WriteString("Indices refer to the candidate numbering below.\n\n")
	for _, oc := range candidates {
		fmt.Fprintf(&b, "--- Candidate %d ---\n%s\n\n", oc.index, mustJSON(oc.result.Output))
	}

	comp, err := ex.r.Agent.Run(ctx, ex.evalModel(), []agent.Message{
		{Role: "user", Content: b.String()},
	}, nil)
	if err != nil {
		return 0, "", fmt.Errorf("%w: evaluator: %v", ErrProvider, err)
	}
	ex.enqueueCost(comp)

	content := stripFences(comp.Content)
	winner := int(gjson.Get(content, "winner_index").Int())
	if !gjson.Get(content, "winner_index").Exists() || !hasIndex(candidates, winner) {
		// Unusable verdict: fall back to the first surviving take.
		winner = candidates[0].index
	}
	return winner, comp.Content, nil
}

// humanEvaluate replaces the LLM evaluator with a checkpoint presenting
// every candidate output.
func (ex *execution) humanEvaluate(ctx context.Context, cell *cascade.Cell, cellTrace string, candidates []takeOutcome) (int, string, error) {
	outputs := make([]string, len(candidates))
	for i, oc := range candidates {
		outputs[i] = mustJSON(oc.result.Output)
	}
	uiSpec, err := checkpoint.BuildUISpec(checkpoint.TypeSoundingEval,
		cell.HumanInput.Title, cell.HumanInput.Hint, "", nil, outputs)
	if err != nil {
		return 0, "", fmt.Errorf("build eval ui: %w", err)
	}
	id, err := ex.r.Checkpoints.Create(&checkpoint.Checkpoint{
		SessionID:        ex.sessionID,
		CascadeID:        ex.spec.CascadeID,
		CellName:         cell.Name,
		Type:             checkpoint.TypeSoundingEval,
		UISpec:           uiSpec,
		CandidateOutputs: outputs,
	})
	if err != nil {
		return 0, "", fmt.Errorf("create eval checkpoint: %w", err)
	}
	ex.event(bus.CheckpointCreated, cellTrace, ex.rootTrace,
		map[string]any{"checkpoint_id": id, "type": string(checkpoint.TypeSoundingEval)})

	if err := ex.r.States.MarkBlocked(ex.sessionID, sessionstate.BlockedDecision, id, "awaiting sounding evaluation"); err != nil {
		return 0, "", fmt.Errorf("mark blocked: %w", err)
	}
	var timeout time.Duration
	if cell.HumanInput.Timeout > 0 {
		timeout = time.Duration(cell.HumanInput.Timeout) * time.Second
	}
	res, err := ex.r.Checkpoints.Wait(ctx, id, timeout)
	if err != nil {
		return 0, "", fmt.Errorf("wait eval checkpoint: %w", err)
	}
	if err := ex.r.States.ResumeUnblock(ex.sessionID); err != nil {
		return 0, "", fmt.Errorf("resume session: %w", err)
	}
	if err := ex.checkCancelled(ctx); err != nil {
		return 0, "", err
	}
	ex.event(bus.CheckpointResponded, cellTrace, ex.rootTrace,
		map[string]any{"checkpoint_id": id, "status": res.Status})

	switch res.Status {
	case checkpoint.StatusResponded:
		winner := candidates[0].index
		if res.Winner != nil && hasIndex(candidates, *res.Winner) {
			winner = *res.Winner
		}
		return winner, res.Response, nil
	case checkpoint.StatusCancelled:
		return 0, "", fmt.Errorf("%w: evaluation checkpoint cancelled", ErrCancelled)
	default:
		// Timed out: keep the first surviving take.
		return candidates[0].index, res.Response, nil
	}
}

// reforge iteratively refines the winning take: R rounds, each producing
// reforge_attempts candidates from the prior winner, each round choosing
// its own winner.
func (ex *execution) reforge(ctx context.Context, cell *cascade.Cell, cellTrace string, inputs map[string]any, winning *cellResult) (*cellResult, error) {
	rounds := cell.ReforgeSteps
	perRound := cell.ReforgeAttempts
	if perRound <= 0 {
		perRound = 2
	}

	current := winning.Output
	for round := 1; round <= rounds; round++ {
		if err := ex.checkCancelled(ctx); err != nil {
			return nil, err
		}

		stepTrace := ex.appendRow(&unilog.Row{
			NodeType:    unilog.NodeReforgeStep,
			Role:        "structure",
			PhaseName:   cell.Name,
			ReforgeStep: intPtr(round),
		}, &cellTrace)
		ex.event(bus.ReforgeStep, stepTrace, cellTrace, map[string]any{"cell": cell.Name, "round": round})

		refinement := fmt.Sprintf(
			"Here is the current best output:\n\n%s\n\nProduce an improved version. Keep what works, fix what does not.",
			mustJSON(current))
		history := []agent.Message{{Role: "user", Content: refinement}}

		type attempt struct {
			output  any
			content string
		}
		attempts := make([]attempt, 0, perRound)
		for i := 0; i < perRound; i++ {
			res, err := ex.runTurnLoop(ctx, cell, stepTrace, inputs, history, -1)
			if err != nil {
				if isFatal(err) {
					return nil, err
				}
				continue
			}
			ex.appendRow(&unilog.Row{
				NodeType:    unilog.NodeReforgeAttempt,
				Role:        "assistant",
				PhaseName:   cell.Name,
				ReforgeStep: intPtr(round),
				TakeIndex:   intPtr(i),
				Content:     mustJSON(res.Output),
			}, &stepTrace)
			attempts = append(attempts, attempt{output: res.Output, content: mustJSON(res.Output)})
		}
		if len(attempts) == 0 {
			// Every refinement failed; the prior winner stands.
			continue
		}

		var b strings.Builder
		b.WriteString("Choose the best refinement. Respond with JSON only: {\"winner_index\": <int>}.\n\n")
		fmt.Fprintf(&b, "--- Candidate 0 (previous winner) ---\n%s\n\n", mustJSON(current))
		for i, a := range attempts {
			fmt.Fprintf(&b, "--- Candidate %d ---\n%s\n\n", i+1, a.content)
		}
		comp, err := ex.r.Agent.Run(ctx, ex.evalModel(), []agent.Message{
			{Role: "user", Content: b.String()},
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: reforge evaluator: %v", ErrProvider, err)
		}
		ex.enqueueCost(comp)

		pick := int(gjson.Get(stripFences(comp.Content), "winner_index").Int())
		if pick >= 1 && pick <= len(attempts) {
			current = attempts[pick-1].output
		}
		ex.appendRow(&unilog.Row{
			NodeType:    unilog.NodeReforgeWinner,
			Role:        "assistant",
			PhaseName:   cell.Name,
			ReforgeStep: intPtr(round),
			Content:     comp.Content,
		}, &stepTrace)
	}

	return &cellResult{Output: current}, nil
}

func (ex *execution) evalModel() string {
	if ex.r.EvalModel != "" {
		return ex.r.EvalModel
	}
	return ex.r.DefaultModel
}

// hasIndex reports whether index names one of the surviving candidates.
func hasIndex(candidates []takeOutcome, index int) bool {
	for _, oc := range candidates {
		if oc.index == index {
			return true
		}
	}
	return false
}

// isFatal reports whether a take/refinement error must abort the cell
// rather than count as a failed attempt.
func isFatal(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, ErrInvalidCascade)
}

func errString(err error) string {
	if err == nil {
		return "incomplete"
	}
	return err.Error()
}
