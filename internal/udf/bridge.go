package udf

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rvbbit/windlass/internal/sessiondb"
)

// Invoker runs cascades on behalf of the bridge. The runner implements
// it; the indirection keeps the bridge free of runner internals.
type Invoker interface {
	// InvokeScalar runs a one-cell LLM cascade and returns the content.
	InvokeScalar(ctx context.Context, instructions string, value any, callerID string) (string, error)
	// InvokeCascade runs a full cascade by id or path.
	InvokeCascade(ctx context.Context, idOrPath string, args map[string]any, callerID string) (any, error)
}

// Bridge executes user SQL containing UDF calls and THEN-pipeline stages
// against a session working database.
type Bridge struct {
	Invoke Invoker
	Cache  *Cache
	DB     *sessiondb.DB
	Logger zerolog.Logger

	// StageCascades binds pipeline stage names to registered cascade
	// ids; missing entries fall back to "pipeline_<stage>".
	StageCascades map[string]string
}

// udfMarker prefixes the sentinel cell value that identifies a rewritten
// UDF call in the result set.
const udfMarker = "__windlass_udf_"

// Execute runs one user SQL statement: UDF calls are evaluated per
// distinct argument row (cached), then pipeline stages transform the
// result. Every spawned log row carries one caller id for the statement.
func (b *Bridge) Execute(ctx context.Context, sqlText string) ([]map[string]any, error) {
	callerID := uuid.NewString()
	return b.ExecuteAs(ctx, sqlText, callerID)
}

// ExecuteAs is Execute with an explicit caller id.
func (b *Bridge) ExecuteAs(ctx context.Context, sqlText string, callerID string) ([]map[string]any, error) {
	base, stages, err := SplitPipeline(sqlText)
	if err != nil {
		return nil, err
	}

	calls, err := FindCalls(base)
	if err != nil {
		return nil, err
	}

	rewritten := rewriteCalls(base, calls)
	rows, err := b.DB.Query(ctx, rewritten)
	if err != nil {
		return nil, fmt.Errorf("execute base query: %w", err)
	}

	if len(calls) > 0 {
		if err := b.resolveCalls(ctx, rows, calls, callerID); err != nil {
			return nil, err
		}
	}

	for i, stage := range stages {
		rows, err = b.runStage(ctx, rows, i, stage, callerID)
		if err != nil {
			return nil, fmt.Errorf("pipeline stage %d (%s): %w", i, stage.Name, err)
		}
		if stage.Into != "" {
			if err := b.DB.Materialize(ctx, strings.TrimPrefix(stage.Into, "_"), rows); err != nil {
				return nil, fmt.Errorf("pipeline stage %d (%s): materialize into %s: %w", i, stage.Name, stage.Into, err)
			}
		}
	}
	return rows, nil
}

// rewriteCalls replaces each UDF call in the SQL with a json_array
// carrying a sentinel tag plus the original argument expressions, so the
// database evaluates the arguments per row and the bridge can find them
// in the result set regardless of aliasing.
func rewriteCalls(sql string, calls []Call) string {
	if len(calls) == 0 {
		return sql
	}
	var b strings.Builder
	last := 0
	for i, c := range calls {
		b.WriteString(sql[last:c.Start])
		fmt.Fprintf(&b, "json_array('%s%d:%s'", udfMarker, i, c.Name)
		for _, arg := range c.Args {
			b.WriteString(", ")
			b.WriteString(arg)
		}
		b.WriteString(")")
		last = c.End
	}
	b.WriteString(sql[last:])
	return b.String()
}

// resolveCalls walks the result rows, finds sentinel cells, and replaces
// each with the UDF's value, executing the underlying cascade at most
// once per distinct cache key.
func (b *Bridge) resolveCalls(ctx context.Context, rows []map[string]any, calls []Call, callerID string) error {
	for _, row := range rows {
		for col, cell := range row {
			s, ok := cell.(string)
			if !ok || !strings.HasPrefix(s, `["`+udfMarker) {
				continue
			}
			var parts []any
			if err := json.Unmarshal([]byte(s), &parts); err != nil || len(parts) == 0 {
				continue
			}
			tag, _ := parts[0].(string)
			if !strings.HasPrefix(tag, udfMarker) {
				continue
			}
			fn := tag[strings.Index(tag, ":")+1:]
			args := parts[1:]

			val, err := b.call(ctx, fn, args, callerID)
			if err != nil {
				return err
			}
			row[col] = val
		}
	}
	return nil
}

// call evaluates one UDF invocation through the cache.
func (b *Bridge) call(ctx context.Context, fn string, args []any, callerID string) (any, error) {
	key := Key(fn, args)
	if b.Cache != nil {
		if v, ok := b.Cache.Get(key); ok {
			return v, nil
		}
	}

	var val any
	var err error
	switch fn {
	case FnScalar:
		if len(args) != 2 {
			return nil, fmt.Errorf("rvbbit expects 2 arguments, got %d", len(args))
		}
		instructions, _ := args[0].(string)
		val, err = b.Invoke.InvokeScalar(ctx, instructions, args[1], callerID)
	case FnCascade, FnCascadeAlias:
		if len(args) < 1 {
			return nil, fmt.Errorf("%s expects at least 1 argument", fn)
		}
		idOrPath, _ := args[0].(string)
		input := map[string]any{}
		if len(args) > 1 {
			if s, ok := args[1].(string); ok {
				if uerr := json.Unmarshal([]byte(s), &input); uerr != nil {
					input = map[string]any{"value": s}
				}
			} else {
				input = map[string]any{"value": args[1]}
			}
		}
		var out any
		out, err = b.Invoke.InvokeCascade(ctx, idOrPath, input, callerID)
		if err == nil {
			val = mustJSONString(out)
		}
	default:
		return nil, fmt.Errorf("unknown udf %q", fn)
	}
	if err != nil {
		return nil, fmt.Errorf("udf %s: %w", fn, err)
	}

	if b.Cache != nil {
		b.Cache.Put(key, val)
	}
	return val, nil
}

func mustJSONString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
