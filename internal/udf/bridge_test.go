package udf

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/rvbbit/windlass/internal/sessiondb"
)

// fakeInvoker is a scripted Invoker recording every call.
type fakeInvoker struct {
	mu          sync.Mutex
	scalarCalls []string
	cascades    []string

	scalarFn  func(instructions string, value any) (string, error)
	cascadeFn func(idOrPath string, args map[string]any) (any, error)
}

func (f *fakeInvoker) InvokeScalar(_ context.Context, instructions string, value any, _ string) (string, error) {
	f.mu.Lock()
	f.scalarCalls = append(f.scalarCalls, fmt.Sprintf("%v", value))
	f.mu.Unlock()
	if f.scalarFn != nil {
		return f.scalarFn(instructions, value)
	}
	return fmt.Sprintf("%s:%v", instructions, value), nil
}

func (f *fakeInvoker) InvokeCascade(_ context.Context, idOrPath string, args map[string]any, _ string) (any, error) {
	f.mu.Lock()
	f.cascades = append(f.cascades, idOrPath)
	f.mu.Unlock()
	if f.cascadeFn != nil {
		return f.cascadeFn(idOrPath, args)
	}
	return args, nil
}

func testBridge(t *testing.T) (*Bridge, *fakeInvoker, *sessiondb.DB) {
	t.Helper()
	sdb, err := sessiondb.Open(t.TempDir(), "udf-test")
	if err != nil {
		t.Fatalf("open session db: %v", err)
	}
	t.Cleanup(func() { _ = sdb.Close(true) })

	inv := &fakeInvoker{}
	return &Bridge{Invoke: inv, Cache: NewCache(), DB: sdb, Logger: zerolog.Nop()}, inv, sdb
}

func seedReviews(t *testing.T, sdb *sessiondb.DB) {
	t.Helper()
	ctx := context.Background()
	if _, err := sdb.Exec(ctx, `CREATE TABLE reviews (id INTEGER, body TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	for i, body := range []string{"great", "terrible", "great"} {
		if _, err := sdb.Exec(ctx, `INSERT INTO reviews VALUES (?, ?)`, i+1, body); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
}

func TestExecute_ResolvesScalarCalls(t *testing.T) {
	b, inv, sdb := testBridge(t)
	seedReviews(t, sdb)

	rows, err := b.Execute(context.Background(),
		`SELECT id, rvbbit('classify', body) AS mood FROM reviews ORDER BY id`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0]["mood"] != "classify:great" || rows[1]["mood"] != "classify:terrible" {
		t.Fatalf("rows = %v", rows)
	}
	// Two distinct bodies, so two invocations; the duplicate hits cache.
	if len(inv.scalarCalls) != 2 {
		t.Fatalf("scalar calls = %v, want 2 distinct", inv.scalarCalls)
	}
	hits, _ := b.Cache.Stats()
	if hits != 1 {
		t.Fatalf("cache hits = %d, want 1", hits)
	}
}

func TestExecute_CascadeAliasAndJSONArgs(t *testing.T) {
	b, inv, sdb := testBridge(t)
	seedReviews(t, sdb)

	inv.cascadeFn = func(idOrPath string, args map[string]any) (any, error) {
		return map[string]any{"cascade": idOrPath, "got": args["value"]}, nil
	}

	rows, err := b.Execute(context.Background(),
		`SELECT windlass_udf('triage', body) AS verdict FROM reviews WHERE id = 1`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	v, _ := rows[0]["verdict"].(string)
	if !strings.Contains(v, `"cascade":"triage"`) || !strings.Contains(v, `"got":"great"`) {
		t.Fatalf("verdict = %q", v)
	}
}

func TestExecute_NoUDFsPassesThrough(t *testing.T) {
	b, inv, sdb := testBridge(t)
	seedReviews(t, sdb)

	rows, err := b.Execute(context.Background(), `SELECT count(*) AS n FROM reviews`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := rows[0]["n"]; n != int64(3) {
		t.Fatalf("n = %v (%T)", n, n)
	}
	if len(inv.scalarCalls)+len(inv.cascades) != 0 {
		t.Fatal("no invocations expected")
	}
}

func TestExecute_PipelineStagesAndInto(t *testing.T) {
	b, inv, sdb := testBridge(t)
	seedReviews(t, sdb)

	inv.cascadeFn = func(idOrPath string, args map[string]any) (any, error) {
		if idOrPath != "pipeline_filter" {
			return nil, fmt.Errorf("unexpected cascade %q", idOrPath)
		}
		// Keep only the first row of the incoming dataframe.
		return []any{map[string]any{"id": float64(1), "kept": true}}, nil
	}

	rows, err := b.Execute(context.Background(),
		`SELECT id FROM reviews THEN FILTER 'keep the first' INTO survivors`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != float64(1) {
		t.Fatalf("rows = %v", rows)
	}
	if len(inv.cascades) != 1 || inv.cascades[0] != "pipeline_filter" {
		t.Fatalf("cascades = %v", inv.cascades)
	}

	// INTO materializes the stage output as a _survivors table.
	got, err := sdb.Query(context.Background(), `SELECT * FROM _survivors`)
	if err != nil {
		t.Fatalf("query materialized table: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("materialized rows = %v", got)
	}
}

func TestExecute_StageErrorNamesStage(t *testing.T) {
	b, inv, sdb := testBridge(t)
	seedReviews(t, sdb)

	inv.cascadeFn = func(string, map[string]any) (any, error) {
		return nil, fmt.Errorf("model unavailable")
	}

	_, err := b.Execute(context.Background(), `SELECT id FROM reviews THEN ANALYZE 'why'`)
	if err == nil || !strings.Contains(err.Error(), "pipeline stage 0 (ANALYZE)") {
		t.Fatalf("err = %v, want stage-tagged error", err)
	}
}

func TestDeserializeStageResult(t *testing.T) {
	rows, err := deserializeStageResult(`[{"a": 1}, {"a": 2}]`)
	if err != nil {
		t.Fatalf("json string: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %v", rows)
	}

	rows, err = deserializeStageResult(map[string]any{"data": []any{map[string]any{"x": true}}})
	if err != nil || len(rows) != 1 {
		t.Fatalf("data envelope: %v %v", rows, err)
	}

	rows, err = deserializeStageResult(map[string]any{"summary": "all good"})
	if err != nil || len(rows) != 1 {
		t.Fatalf("bare dict: %v %v", rows, err)
	}

	if _, err := deserializeStageResult([]any{"not an object"}); err == nil {
		t.Fatal("expected error for non-object row")
	}
}
