package runner

import (
	"context"
	"fmt"

	"github.com/rvbbit/windlass/internal/cascade"
)

// UDFAdapter lets the SQL bridge run cascades through the runner. It
// implements udf.Invoker.
type UDFAdapter struct {
	Runner *Runner
}

// InvokeScalar runs a one-cell LLM cascade built from the instructions
// and the row value, returning the assistant content.
func (a *UDFAdapter) InvokeScalar(ctx context.Context, instructions string, value any, callerID string) (string, error) {
	spec := &cascade.Spec{
		CascadeID: "udf_scalar",
		Cells: []cascade.Cell{{
			Name:         "call",
			Instructions: instructions,
			Inputs:       map[string]string{"value": "{{ input.value }}"},
		}},
	}
	outcome, err := a.Runner.Run(ctx, spec, map[string]any{"value": value}, RunOptions{CallerID: callerID})
	if err != nil {
		return "", err
	}
	s, ok := outcome.Output.(string)
	if !ok {
		return mustJSON(outcome.Output), nil
	}
	return s, nil
}

// InvokeCascade runs a registered cascade (or a spec file path) with the
// given input, tagging every spawned row with the caller id.
func (a *UDFAdapter) InvokeCascade(ctx context.Context, idOrPath string, args map[string]any, callerID string) (any, error) {
	outcome, err := a.Runner.RunByID(ctx, idOrPath, args, RunOptions{CallerID: callerID})
	if err != nil {
		return nil, fmt.Errorf("cascade %s: %w", idOrPath, err)
	}
	return outcome.Output, nil
}
