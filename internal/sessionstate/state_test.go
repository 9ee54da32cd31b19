package sessionstate

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(path, 60)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestCreateAndGet(t *testing.T) {
	s, _ := testStore(t)
	st, err := s.Create("s1", "research", `{"topic":"tides"}`, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if st.Status != StatusStarting {
		t.Fatalf("status = %q", st.Status)
	}
	if st.HeartbeatLeaseSeconds != 60 {
		t.Fatalf("lease = %d", st.HeartbeatLeaseSeconds)
	}
	if st.InputData != `{"topic":"tides"}` {
		t.Fatalf("input = %q", st.InputData)
	}

	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestCreate_ParentSession(t *testing.T) {
	s, _ := testStore(t)
	if _, err := s.Create("parent", "research", "{}", nil); err != nil {
		t.Fatalf("Create parent: %v", err)
	}
	parent := "parent"
	st, err := s.Create("child", "subtask", "{}", &parent)
	if err != nil {
		t.Fatalf("Create child: %v", err)
	}
	if st.ParentSessionID == nil || *st.ParentSessionID != "parent" {
		t.Fatalf("parent_session_id = %v", st.ParentSessionID)
	}
}

func TestUpdateStatus_TerminalIsImmutable(t *testing.T) {
	s, _ := testStore(t)
	if _, err := s.Create("s1", "c", "{}", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cell := "gather"
	if err := s.UpdateStatus("s1", StatusRunning, Extras{CurrentCell: &cell}); err != nil {
		t.Fatalf("to running: %v", err)
	}
	out := `"done"`
	if err := s.UpdateStatus("s1", StatusCompleted, Extras{Output: &out}); err != nil {
		t.Fatalf("to completed: %v", err)
	}

	// A late write from the (former) owning process is rejected.
	err := s.UpdateStatus("s1", StatusError, Extras{})
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("late write = %v, want ErrTerminal", err)
	}

	st, err := s.Get("s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.Status != StatusCompleted {
		t.Fatalf("status = %q, terminal state was overwritten", st.Status)
	}
	if st.Output == nil || *st.Output != out {
		t.Fatalf("output = %v", st.Output)
	}
	if st.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
}

func TestUpdateStatus_NotFound(t *testing.T) {
	s, _ := testStore(t)
	if err := s.UpdateStatus("nope", StatusRunning, Extras{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRequestCancellation(t *testing.T) {
	s, _ := testStore(t)
	_, _ = s.Create("s1", "c", "{}", nil)
	_ = s.UpdateStatus("s1", StatusRunning, Extras{})

	if err := s.RequestCancellation("s1", "operator said stop"); err != nil {
		t.Fatalf("RequestCancellation: %v", err)
	}
	st, _ := s.Get("s1")
	if !st.CancelRequested {
		t.Fatal("cancel_requested not set")
	}
	if st.CancelReason == nil || *st.CancelReason != "operator said stop" {
		t.Fatalf("cancel_reason = %v", st.CancelReason)
	}
	// The status itself is untouched; the runner finishes cooperatively.
	if st.Status != StatusRunning {
		t.Fatalf("status = %q", st.Status)
	}

	_ = s.UpdateStatus("s1", StatusCancelled, Extras{})
	if err := s.RequestCancellation("s1", "again"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("cancel terminal = %v, want ErrTerminal", err)
	}
}

func TestMarkBlockedAndResume(t *testing.T) {
	s, _ := testStore(t)
	_, _ = s.Create("s1", "c", "{}", nil)
	_ = s.UpdateStatus("s1", StatusRunning, Extras{})

	if err := s.MarkBlocked("s1", BlockedHITL, "cp-1", "awaiting approval"); err != nil {
		t.Fatalf("MarkBlocked: %v", err)
	}
	st, _ := s.Get("s1")
	if st.Status != StatusBlocked {
		t.Fatalf("status = %q", st.Status)
	}
	if st.BlockedType == nil || *st.BlockedType != BlockedHITL {
		t.Fatalf("blocked_type = %v", st.BlockedType)
	}
	if st.BlockedOn == nil || *st.BlockedOn != "cp-1" {
		t.Fatalf("blocked_on = %v", st.BlockedOn)
	}
	if st.LastCheckpointID == nil || *st.LastCheckpointID != "cp-1" {
		t.Fatalf("last_checkpoint_id = %v", st.LastCheckpointID)
	}

	if err := s.ResumeUnblock("s1"); err != nil {
		t.Fatalf("ResumeUnblock: %v", err)
	}
	st, _ = s.Get("s1")
	if st.Status != StatusRunning || st.BlockedType != nil || st.BlockedOn != nil {
		t.Fatalf("state after resume = %+v", st)
	}

	if err := s.ResumeUnblock("s1"); err == nil {
		t.Fatal("resuming a non-blocked session should fail")
	}
}

func TestList_Filters(t *testing.T) {
	s, _ := testStore(t)
	_, _ = s.Create("a", "c1", "{}", nil)
	_, _ = s.Create("b", "c1", "{}", nil)
	_, _ = s.Create("c", "c2", "{}", nil)
	_ = s.UpdateStatus("a", StatusRunning, Extras{})
	_ = s.UpdateStatus("b", StatusCompleted, Extras{})

	all, err := s.List(Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all = %d", len(all))
	}

	active, _ := s.List(Filter{ActiveOnly: true})
	if len(active) != 2 {
		t.Fatalf("active = %d", len(active))
	}

	byCascade, _ := s.List(Filter{CascadeID: "c2"})
	if len(byCascade) != 1 || byCascade[0].SessionID != "c" {
		t.Fatalf("byCascade = %v", byCascade)
	}

	byStatus, _ := s.List(Filter{Status: StatusCompleted})
	if len(byStatus) != 1 || byStatus[0].SessionID != "b" {
		t.Fatalf("byStatus = %v", byStatus)
	}

	limited, _ := s.List(Filter{Limit: 2})
	if len(limited) != 2 {
		t.Fatalf("limited = %d", len(limited))
	}
}

func TestZombie(t *testing.T) {
	now := time.Now()
	st := &State{Status: StatusRunning, HeartbeatAt: now.Add(-120 * time.Second), HeartbeatLeaseSeconds: 60}
	if !st.Zombie(now) {
		t.Fatal("stale running session should be a zombie")
	}
	st.HeartbeatAt = now.Add(-30 * time.Second)
	if st.Zombie(now) {
		t.Fatal("fresh heartbeat is not a zombie")
	}
	st.Status = StatusCompleted
	st.HeartbeatAt = now.Add(-120 * time.Second)
	if st.Zombie(now) {
		t.Fatal("terminal sessions are never zombies")
	}
}

// backdateHeartbeat rewrites heartbeat_at directly, standing in for a
// process that died without a terminal write.
func backdateHeartbeat(t *testing.T, path, sessionID string, age time.Duration) {
	t.Helper()
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	defer conn.Close() //nolint:errcheck
	stale := time.Now().UTC().Add(-age).Format(time.RFC3339Nano)
	if _, err := conn.Exec(`UPDATE session_state SET heartbeat_at = ? WHERE session_id = ?`, stale, sessionID); err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func TestCleanupZombies(t *testing.T) {
	s, path := testStore(t)
	_, _ = s.Create("dead", "c", "{}", nil)
	_ = s.UpdateStatus("dead", StatusRunning, Extras{})
	_, _ = s.Create("alive", "c", "{}", nil)
	_ = s.UpdateStatus("alive", StatusRunning, Extras{})

	reason := "before it died"
	_ = s.RequestCancellation("dead", reason)
	backdateHeartbeat(t, path, "dead", 120*time.Second)

	ids, err := s.CleanupZombies(30)
	if err != nil {
		t.Fatalf("CleanupZombies: %v", err)
	}
	if len(ids) != 1 || ids[0] != "dead" {
		t.Fatalf("ids = %v", ids)
	}

	st, _ := s.Get("dead")
	if st.Status != StatusOrphaned {
		t.Fatalf("status = %q", st.Status)
	}
	// cancel_reason survives orphaning.
	if st.CancelReason == nil || *st.CancelReason != reason {
		t.Fatalf("cancel_reason = %v", st.CancelReason)
	}

	if st, _ := s.Get("alive"); st.Status != StatusRunning {
		t.Fatalf("alive status = %q", st.Status)
	}

	// Idempotent: a second pass finds nothing.
	ids, _ = s.CleanupZombies(30)
	if len(ids) != 0 {
		t.Fatalf("second pass ids = %v", ids)
	}

	// A late write from the dead process is rejected.
	if err := s.UpdateStatus("dead", StatusCompleted, Extras{}); !errors.Is(err, ErrTerminal) {
		t.Fatalf("late write = %v, want ErrTerminal", err)
	}
}
