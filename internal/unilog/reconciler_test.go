package unilog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// memWriter collects cost updates.
type memWriter struct {
	mu      sync.Mutex
	updates []CostUpdate
}

func (w *memWriter) Append(*Row) error { return nil }

func (w *memWriter) UpdateCost(u CostUpdate) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.updates = append(w.updates, u)
	return true, nil
}

func (w *memWriter) got() []CostUpdate {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]CostUpdate(nil), w.updates...)
}

// fakeFetcher returns not-ready a fixed number of times, then the update.
type fakeFetcher struct {
	mu       sync.Mutex
	notReady map[string]int
	fail     bool
}

func (f *fakeFetcher) FetchUsage(_ context.Context, id string) (*CostUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, fmt.Errorf("provider exploded")
	}
	if f.notReady[id] > 0 {
		f.notReady[id]--
		return nil, ErrUsageNotReady
	}
	cost := 0.001
	return &CostUpdate{Cost: &cost}, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestReconciler_ResolvesImmediately(t *testing.T) {
	w := &memWriter{}
	r := NewReconciler(w, &fakeFetcher{}, ReconcilerConfig{Workers: 2}, zerolog.Nop())

	var notified []CostUpdate
	var mu sync.Mutex
	r.OnUpdate = func(u CostUpdate) {
		mu.Lock()
		notified = append(notified, u)
		mu.Unlock()
	}

	r.Start(context.Background())
	defer r.Stop()

	r.Enqueue("req-1")
	waitFor(t, 2*time.Second, func() bool { return len(w.got()) == 1 })

	updates := w.got()
	if updates[0].ProviderRequestID != "req-1" {
		t.Fatalf("update = %+v", updates[0])
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notified) == 1
	})
}

func TestReconciler_RetriesNotReady(t *testing.T) {
	w := &memWriter{}
	f := &fakeFetcher{notReady: map[string]int{"req-2": 1}}
	r := NewReconciler(w, f, ReconcilerConfig{Workers: 1}, zerolog.Nop())
	r.Start(context.Background())
	defer r.Stop()

	r.Enqueue("req-2")
	// First poll is immediate, second comes after the 1s backoff step.
	waitFor(t, 3*time.Second, func() bool { return len(w.got()) == 1 })
}

func TestReconciler_HardFailureLeavesCostNull(t *testing.T) {
	w := &memWriter{}
	r := NewReconciler(w, &fakeFetcher{fail: true}, ReconcilerConfig{Workers: 1}, zerolog.Nop())
	r.Start(context.Background())

	r.Enqueue("req-3")
	time.Sleep(200 * time.Millisecond)
	r.Stop()

	if len(w.got()) != 0 {
		t.Fatalf("updates = %v, want none", w.got())
	}
}

func TestReconciler_EmptyIDIgnored(t *testing.T) {
	w := &memWriter{}
	r := NewReconciler(w, &fakeFetcher{}, ReconcilerConfig{Workers: 1}, zerolog.Nop())
	r.Start(context.Background())
	r.Enqueue("")
	time.Sleep(50 * time.Millisecond)
	r.Stop()
	if len(w.got()) != 0 {
		t.Fatal("empty request id must be dropped")
	}
}
