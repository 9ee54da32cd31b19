package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/rvbbit/windlass/internal/agent"
	"github.com/rvbbit/windlass/internal/cascade"
	"github.com/rvbbit/windlass/internal/tools"
	"github.com/rvbbit/windlass/internal/unilog"
)

// wardRetryError signals that a retry-mode ward rejected the output and
// the cell should regenerate it before re-running post wards.
type wardRetryError struct {
	ward   string
	reason string
	max    int
}

func (e *wardRetryError) Error() string {
	return fmt.Sprintf("ward %s failed: %s", e.ward, e.reason)
}

// runWards executes a ward list at a cell boundary. output is nil for
// pre wards and the cell's draft output for post wards. When regenerate
// is set, a retry-mode failure returns a wardRetryError instead of
// re-evaluating in place: the cell loop injects the failure into the
// history and re-runs the turn loop, so each evaluation sees fresh
// output. Pre wards and cells without a turn loop re-evaluate in place.
func (ex *execution) runWards(ctx context.Context, cell *cascade.Cell, cellTrace string, wards []cascade.Ward, nodeType unilog.NodeType, output any, regenerate bool) error {
	for i := range wards {
		w := &wards[i]
		if err := ex.checkCancelled(ctx); err != nil {
			return err
		}

		maxRetries := w.MaxRetries
		if maxRetries <= 0 {
			maxRetries = maxValidationRetries
		}
		attempts := 1
		if w.Mode == cascade.WardRetry && !regenerate {
			attempts = maxRetries
		}

		var valid bool
		var reason string
		var err error
		for a := 0; a < attempts; a++ {
			valid, reason, err = ex.runWard(ctx, cell, w, output)
			if err != nil {
				return err
			}
			ex.appendRow(&unilog.Row{
				NodeType:  nodeType,
				Role:      "structure",
				PhaseName: cell.Name,
				Content:   mustJSON(map[string]any{"ward": w.Name, "valid": valid, "reason": reason}),
				Metadata:  mustJSON(map[string]any{"mode": string(w.Mode)}),
			}, &cellTrace)
			if valid {
				break
			}
			if w.Mode == cascade.WardRetry && a < attempts-1 {
				ex.appendRow(&unilog.Row{
					NodeType:  unilog.NodeValidationRetry,
					Role:      "structure",
					PhaseName: cell.Name,
					Content:   mustJSON(map[string]any{"ward": w.Name, "reason": reason}),
				}, &cellTrace)
			}
		}

		if !valid {
			switch w.Mode {
			case cascade.WardRetry:
				if regenerate {
					return &wardRetryError{ward: w.Name, reason: reason, max: maxRetries}
				}
				return fmt.Errorf("ward %s failed: %s", w.Name, reason)
			case cascade.WardBlocking:
				return fmt.Errorf("ward %s failed: %s", w.Name, reason)
			case cascade.WardAdvisory:
				// Logged above; execution proceeds.
			}
		}
	}
	return nil
}

// runWard evaluates a single ward: a deterministic registry tool or an
// LLM validator. Validators answer {"valid": bool, "reason": "..."}.
func (ex *execution) runWard(ctx context.Context, cell *cascade.Cell, w *cascade.Ward, output any) (bool, string, error) {
	if w.Tool != "" {
		args := map[string]any{"output": output, "cell": cell.Name}
		for k, v := range w.Config {
			args[k] = v
		}
		raw, _ := json.Marshal(args)
		result, err := ex.r.Tools.Call(ctx, w.Tool, tools.Request{
			SessionID: ex.sessionID,
			CellName:  cell.Name,
			Args:      args,
			Raw:       raw,
		})
		if err != nil {
			return false, err.Error(), nil
		}
		return parseWardVerdict(result)
	}

	prompt, err := ex.env.Render(w.Instructions)
	if err != nil {
		return false, "", fmt.Errorf("%w: ward %s: %v", ErrInvalidCascade, w.Name, err)
	}
	if output != nil {
		prompt += "\n\nOutput under validation:\n" + mustJSON(output)
	}
	prompt += "\n\nRespond with JSON only: {\"valid\": true|false, \"reason\": \"...\"}."

	comp, err := ex.r.Agent.Run(ctx, ex.evalModel(), []agent.Message{
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		return false, "", fmt.Errorf("%w: ward %s: %v", ErrProvider, w.Name, err)
	}
	ex.enqueueCost(comp)

	content := stripFences(comp.Content)
	if !gjson.Get(content, "valid").Exists() {
		return false, "validator returned no verdict: " + truncateContent(comp.Content, 300), nil
	}
	return gjson.Get(content, "valid").Bool(), gjson.Get(content, "reason").String(), nil
}

// parseWardVerdict interprets a deterministic ward tool's result: a bare
// bool, or an object with valid/reason fields.
func parseWardVerdict(result any) (bool, string, error) {
	switch v := result.(type) {
	case bool:
		return v, "", nil
	case map[string]any:
		valid, _ := v["valid"].(bool)
		reason, _ := v["reason"].(string)
		return valid, reason, nil
	default:
		return false, fmt.Sprintf("ward tool returned unexpected value %v", result), nil
	}
}
