package datacell

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/rvbbit/windlass/internal/sessiondb"
)

func testDB(t *testing.T) *sessiondb.DB {
	t.Helper()
	db, err := sessiondb.Open(t.TempDir(), "sess-1")
	if err != nil {
		t.Fatalf("open session db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(false) })
	return db
}

func TestSQL_SelectReturnsRows(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if _, err := db.Exec(ctx, `CREATE TABLE _prior (n INTEGER); INSERT INTO _prior VALUES (1), (2)`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := SQL{}.Run(ctx, "totals", `SELECT SUM(n) AS total FROM _prior`, nil, db)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Failed {
		t.Fatalf("failed: %v", res.Value)
	}
	if len(res.Rows) != 1 || res.Rows[0]["total"] != int64(3) {
		t.Fatalf("rows = %v", res.Rows)
	}
}

func TestSQL_ExecReportsRowsAffected(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, _ = db.Exec(ctx, `CREATE TABLE scratch (n INTEGER); INSERT INTO scratch VALUES (1), (2), (3)`)

	res, err := SQL{}.Run(ctx, "cleanup", `DELETE FROM scratch WHERE n > 1`, nil, db)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	v, ok := res.Value.(map[string]any)
	if !ok || v["rows_affected"] != int64(2) {
		t.Fatalf("value = %v", res.Value)
	}
}

func TestSQL_ErrorBecomesEnvelope(t *testing.T) {
	db := testDB(t)
	res, err := SQL{}.Run(context.Background(), "broken", `SELECT * FROM no_such_table`, nil, db)
	if err != nil {
		t.Fatalf("Run must not error, got %v", err)
	}
	if !res.Failed || !IsErrorEnvelope(res.Value) {
		t.Fatalf("result = %+v", res)
	}
	env := res.Value.(map[string]any)
	if env["cell"] != "broken" || env["language"] != "sql" {
		t.Fatalf("envelope = %v", env)
	}
}

// fakeRunner returns canned stdout, or fails at start/wait.
type fakeRunner struct {
	stdout   string
	startErr error
	waitErr  error
	gotStdin []byte
}

func (f *fakeRunner) Start(_ context.Context, _ string, _ string, stdin []byte) (io.ReadCloser, func() error, error) {
	if f.startErr != nil {
		return nil, nil, f.startErr
	}
	f.gotStdin = stdin
	return io.NopCloser(strings.NewReader(f.stdout)), func() error { return f.waitErr }, nil
}

func TestScript_LastLineIsResult(t *testing.T) {
	r := &fakeRunner{stdout: "debug: loading\n{\"count\": 3}\n"}
	s := &Script{Language: "python", Runner: r}

	res, err := s.Run(context.Background(), "count", "result = ...", map[string]any{"limit": 10}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Failed {
		t.Fatalf("failed: %v", res.Value)
	}
	v := res.Value.(map[string]any)
	if v["count"] != float64(3) {
		t.Fatalf("value = %v", res.Value)
	}
	if !strings.Contains(string(r.gotStdin), `"limit":10`) {
		t.Fatalf("stdin = %s", r.gotStdin)
	}
}

func TestScript_RowSetOutput(t *testing.T) {
	r := &fakeRunner{stdout: `[{"id":1},{"id":2}]` + "\n"}
	s := &Script{Language: "javascript", Runner: r}

	res, err := s.Run(context.Background(), "list", "", nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Rows) != 2 || res.Rows[1]["id"] != float64(2) {
		t.Fatalf("rows = %v", res.Rows)
	}
}

func TestScript_ChildEnvelopePreserved(t *testing.T) {
	r := &fakeRunner{stdout: `{"_route":"error","error":"division by zero","traceback":"Traceback..."}` + "\n"}
	s := &Script{Language: "python", Runner: r}

	res, err := s.Run(context.Background(), "math", "", nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Failed {
		t.Fatal("child envelope must mark the result failed")
	}
	env := res.Value.(map[string]any)
	if env["error"] != "division by zero" {
		t.Fatalf("envelope = %v", env)
	}
}

func TestScript_NonJSONOutputFails(t *testing.T) {
	r := &fakeRunner{stdout: "just some prose\n"}
	s := &Script{Language: "python", Runner: r}

	res, err := s.Run(context.Background(), "bad", "", nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Failed || !IsErrorEnvelope(res.Value) {
		t.Fatalf("result = %+v", res)
	}
}

func TestScript_StartFailureBecomesEnvelope(t *testing.T) {
	s := &Script{Language: "python", Runner: &fakeRunner{startErr: errors.New("python3 not found")}}
	res, err := s.Run(context.Background(), "cell", "", nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Failed {
		t.Fatal("start failure must produce an envelope")
	}
}

func TestScript_NonZeroExitBecomesEnvelope(t *testing.T) {
	r := &fakeRunner{stdout: "partial\n", waitErr: errors.New("exit status 1")}
	s := &Script{Language: "javascript", Runner: r}
	res, err := s.Run(context.Background(), "cell", "", nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Failed {
		t.Fatal("non-zero exit must produce an envelope")
	}
	env := res.Value.(map[string]any)
	if env["traceback"] != "partial\n" {
		t.Fatalf("traceback should carry raw output, got %v", env["traceback"])
	}
}

func TestDecodeLastJSON_Empty(t *testing.T) {
	if _, err := decodeLastJSON("   \n\n"); err == nil {
		t.Fatal("expected error for empty output")
	}
}

func TestIsErrorEnvelope(t *testing.T) {
	if IsErrorEnvelope(map[string]any{"_route": "error"}) != true {
		t.Fatal("envelope not detected")
	}
	if IsErrorEnvelope(map[string]any{"_route": "next"}) {
		t.Fatal("route_to map misdetected")
	}
	if IsErrorEnvelope("error") {
		t.Fatal("scalar misdetected")
	}
}
