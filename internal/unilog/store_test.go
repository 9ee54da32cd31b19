package unilog

import (
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "unilog.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleRow(trace string) *Row {
	parent := "root-trace"
	take := 1
	tokens := 120
	return &Row{
		SessionID:         "s1",
		TraceID:           trace,
		ParentID:          &parent,
		NodeType:          NodeTurnOutput,
		Role:              "assistant",
		PhaseName:         "gather",
		CascadeID:         "research",
		TakeIndex:         &take,
		Model:             "claude-sonnet-4-5",
		Provider:          "anthropic",
		ProviderRequestID: "req-1",
		TokensIn:          &tokens,
		Content:           "the tide tables say high at noon",
		ContextHashes:     []string{HashContent("system", "sys"), HashContent("user", "u")},
		CallerID:          "caller-9",
	}
}

func TestAppendAndGetByTrace_RoundTrip(t *testing.T) {
	s := testStore(t)
	row := sampleRow("t1")
	if err := s.Append(row); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.GetByTrace("t1")
	if err != nil {
		t.Fatalf("GetByTrace: %v", err)
	}
	if got == nil {
		t.Fatal("row not found")
	}
	if got.NodeType != NodeTurnOutput || got.PhaseName != "gather" || got.CallerID != "caller-9" {
		t.Fatalf("row = %+v", got)
	}
	if got.ParentID == nil || *got.ParentID != "root-trace" {
		t.Fatalf("parent = %v", got.ParentID)
	}
	if got.TakeIndex == nil || *got.TakeIndex != 1 {
		t.Fatalf("take_index = %v", got.TakeIndex)
	}
	if got.Cost != nil {
		t.Fatal("cost should start null")
	}
	if len(got.ContextHashes) != 2 {
		t.Fatalf("context_hashes = %v", got.ContextHashes)
	}
	if got.ContentHash != HashContent("assistant", row.Content) {
		t.Fatal("content hash not stamped")
	}
	if got.Timestamp == 0 {
		t.Fatal("timestamp not stamped")
	}
}

func TestAppend_RequiresTraceID(t *testing.T) {
	s := testStore(t)
	if err := s.Append(&Row{SessionID: "s1"}); err == nil {
		t.Fatal("expected error for empty trace id")
	}
}

func TestGetByTrace_Missing(t *testing.T) {
	s := testStore(t)
	got, err := s.GetByTrace("nope")
	if err != nil {
		t.Fatalf("GetByTrace: %v", err)
	}
	if got != nil {
		t.Fatalf("got = %+v, want nil", got)
	}
}

func TestUpdateCost_IdempotentAndMonotonic(t *testing.T) {
	s := testStore(t)
	if err := s.Append(sampleRow("t1")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	cost := 0.0042
	tokensOut := 85
	u := CostUpdate{ProviderRequestID: "req-1", Cost: &cost, TokensOut: &tokensOut}

	changed, err := s.UpdateCost(u)
	if err != nil || !changed {
		t.Fatalf("first update: changed=%v err=%v", changed, err)
	}
	// Same values again is a no-op.
	changed, err = s.UpdateCost(u)
	if err != nil || changed {
		t.Fatalf("repeat update: changed=%v err=%v", changed, err)
	}
	// A late null never clobbers a reconciled cost.
	changed, err = s.UpdateCost(CostUpdate{ProviderRequestID: "req-1"})
	if err != nil || changed {
		t.Fatalf("null update: changed=%v err=%v", changed, err)
	}

	got, err := s.GetByTrace("t1")
	if err != nil {
		t.Fatalf("GetByTrace: %v", err)
	}
	if got.Cost == nil || *got.Cost != cost {
		t.Fatalf("cost = %v", got.Cost)
	}
	if got.TokensOut == nil || *got.TokensOut != tokensOut {
		t.Fatalf("tokens_out = %v", got.TokensOut)
	}
	// tokens_in was set at append time and must survive the COALESCE.
	if got.TokensIn == nil || *got.TokensIn != 120 {
		t.Fatalf("tokens_in = %v", got.TokensIn)
	}
}

func TestUpdateCost_UnknownRequest(t *testing.T) {
	s := testStore(t)
	cost := 1.0
	changed, err := s.UpdateCost(CostUpdate{ProviderRequestID: "ghost", Cost: &cost})
	if err != nil {
		t.Fatalf("UpdateCost: %v", err)
	}
	if changed {
		t.Fatal("unknown request id must not report a change")
	}
}

func TestSessionAndCallerAndPhaseRows(t *testing.T) {
	s := testStore(t)
	for i, tr := range []string{"a", "b", "c"} {
		row := sampleRow(tr)
		row.Timestamp = int64(1000 + i)
		row.ProviderRequestID = ""
		if i == 2 {
			row.PhaseName = "summarize"
			row.CallerID = ""
		}
		if err := s.Append(row); err != nil {
			t.Fatalf("Append %s: %v", tr, err)
		}
	}

	rows, err := s.SessionRows("s1")
	if err != nil {
		t.Fatalf("SessionRows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("session rows = %d", len(rows))
	}
	if rows[0].TraceID != "a" || rows[2].TraceID != "c" {
		t.Fatal("rows out of timestamp order")
	}

	rows, err = s.PhaseRows("s1", "gather")
	if err != nil {
		t.Fatalf("PhaseRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("phase rows = %d", len(rows))
	}

	rows, err = s.CallerRows("caller-9")
	if err != nil {
		t.Fatalf("CallerRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("caller rows = %d", len(rows))
	}
}

func TestWriteSnapshot_Upserts(t *testing.T) {
	s := testStore(t)
	if err := s.WriteSnapshot("s1", "research", `{"topic":"tides"}`, `"v1"`, "abc"); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	if err := s.WriteSnapshot("s1", "research", `{"topic":"tides"}`, `"v2"`, "abc"); err != nil {
		t.Fatalf("WriteSnapshot upsert: %v", err)
	}
}

func TestIsWinner_RoundTrip(t *testing.T) {
	s := testStore(t)
	win := true
	row := sampleRow("w1")
	row.NodeType = NodeSoundingAttempt
	row.IsWinner = &win
	row.ProviderRequestID = ""
	if err := s.Append(row); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.GetByTrace("w1")
	if err != nil {
		t.Fatalf("GetByTrace: %v", err)
	}
	if got.IsWinner == nil || !*got.IsWinner {
		t.Fatalf("is_winner = %v", got.IsWinner)
	}
}
