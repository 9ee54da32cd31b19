package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newCheckpoint() *Checkpoint {
	return &Checkpoint{
		SessionID:  "s1",
		CascadeID:  "research",
		CellName:   "review",
		Type:       TypeConfirmation,
		UISpec:     `{"prompt":"ship it?"}`,
		CellOutput: `"draft"`,
	}
}

func TestCreateAndGet(t *testing.T) {
	m := testManager(t)
	id, err := m.Create(newCheckpoint())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == "" {
		t.Fatal("empty id")
	}

	cp, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cp.Status != StatusPending || cp.Type != TypeConfirmation || cp.CellName != "review" {
		t.Fatalf("cp = %+v", cp)
	}
	if cp.UISpec != `{"prompt":"ship it?"}` {
		t.Fatalf("ui_spec = %q", cp.UISpec)
	}

	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestRespond_RoundTrip(t *testing.T) {
	m := testManager(t)
	id, _ := m.Create(newCheckpoint())

	reasoning := "looks correct"
	confidence := 0.9
	if err := m.Respond(id, `{"approved":true}`, &reasoning, &confidence); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	cp, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cp.Status != StatusResponded {
		t.Fatalf("status = %q", cp.Status)
	}
	if cp.Response != `{"approved":true}` {
		t.Fatalf("response = %q", cp.Response)
	}
	if cp.Reasoning == nil || *cp.Reasoning != reasoning {
		t.Fatalf("reasoning = %v", cp.Reasoning)
	}
	if cp.Confidence == nil || *cp.Confidence != confidence {
		t.Fatalf("confidence = %v", cp.Confidence)
	}
	if cp.RespondedAt == nil {
		t.Fatal("responded_at not set")
	}

	// A second resolution is rejected.
	if err := m.Respond(id, `{}`, nil, nil); !errors.Is(err, ErrNotPending) {
		t.Fatalf("double respond = %v, want ErrNotPending", err)
	}
	if err := m.Respond("missing", `{}`, nil, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("respond missing = %v, want ErrNotFound", err)
	}
}

func TestRespond_SoundingEvalWinner(t *testing.T) {
	m := testManager(t)
	cp := newCheckpoint()
	cp.Type = TypeSoundingEval
	cp.CandidateOutputs = []string{`"a"`, `"b"`, `"c"`}
	id, _ := m.Create(cp)

	if err := m.Respond(id, `{"winner":1,"rankings":[1,0,2]}`, nil, nil); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	got, _ := m.Get(id)
	if got.Winner == nil || *got.Winner != 1 {
		t.Fatalf("winner = %v", got.Winner)
	}
	if len(got.Rankings) != 3 || got.Rankings[0] != 1 {
		t.Fatalf("rankings = %v", got.Rankings)
	}
	if len(got.CandidateOutputs) != 3 || got.CandidateOutputs[2] != `"c"` {
		t.Fatalf("candidates = %v", got.CandidateOutputs)
	}
}

func TestWait_ResolvedByRespond(t *testing.T) {
	m := testManager(t)
	id, _ := m.Create(newCheckpoint())

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = m.Respond(id, `{"approved":false}`, nil, nil)
	}()

	res, err := m.Wait(context.Background(), id, 5*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Status != StatusResponded || res.Response != `{"approved":false}` {
		t.Fatalf("res = %+v", res)
	}
}

func TestWait_Timeout(t *testing.T) {
	m := testManager(t)
	id, _ := m.Create(newCheckpoint())

	res, err := m.Wait(context.Background(), id, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Status != StatusTimedOut {
		t.Fatalf("status = %q", res.Status)
	}

	// The durable record reflects the timeout.
	cp, _ := m.Get(id)
	if cp.Status != StatusTimedOut {
		t.Fatalf("stored status = %q", cp.Status)
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	m := testManager(t)
	id, _ := m.Create(newCheckpoint())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := m.Wait(ctx, id, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait = %v, want context.Canceled", err)
	}
}

func TestWait_AlreadyResolved(t *testing.T) {
	m := testManager(t)
	id, _ := m.Create(newCheckpoint())
	if err := m.Respond(id, `{"approved":true}`, nil, nil); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	// The resolution was buffered; a waiter arriving later still gets it.
	res, err := m.Wait(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Status != StatusResponded || res.Response != `{"approved":true}` {
		t.Fatalf("res = %+v", res)
	}
}

func TestCancel(t *testing.T) {
	m := testManager(t)
	id, _ := m.Create(newCheckpoint())

	done := make(chan Resolution, 1)
	go func() {
		res, _ := m.Wait(context.Background(), id, time.Minute)
		done <- res
	}()

	time.Sleep(20 * time.Millisecond)
	reason := "session cancelled"
	if err := m.Cancel(id, &reason); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	res := <-done
	if res.Status != StatusCancelled {
		t.Fatalf("status = %q", res.Status)
	}
	if res.Response != `{"reason":"session cancelled"}` {
		t.Fatalf("response = %q", res.Response)
	}

	if err := m.Cancel(id, nil); !errors.Is(err, ErrNotPending) {
		t.Fatalf("double cancel = %v, want ErrNotPending", err)
	}
}

func TestList(t *testing.T) {
	m := testManager(t)
	a, _ := m.Create(newCheckpoint())
	cp := newCheckpoint()
	cp.SessionID = "s2"
	b, _ := m.Create(cp)
	_ = m.Respond(a, `{}`, nil, nil)

	pending, err := m.List("", false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != b {
		t.Fatalf("pending = %v", pending)
	}

	all, _ := m.List("", true)
	if len(all) != 2 {
		t.Fatalf("all = %d", len(all))
	}

	forS1, _ := m.List("s1", true)
	if len(forS1) != 1 || forS1[0].ID != a {
		t.Fatalf("forS1 = %v", forS1)
	}
}

func TestAudibleSignals(t *testing.T) {
	m := testManager(t)
	if m.AudibleSignaled("s1") {
		t.Fatal("fresh session should not be signaled")
	}
	m.SignalAudible("s1")
	if !m.AudibleSignaled("s1") {
		t.Fatal("signal not visible")
	}
	if m.AudibleSignaled("s2") {
		t.Fatal("signal leaked across sessions")
	}
	m.ClearAudible("s1")
	if m.AudibleSignaled("s1") {
		t.Fatal("signal not cleared")
	}
}
