package budget

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rvbbit/windlass/internal/agent"
)

func msg(role, content string) agent.Message {
	return agent.Message{Role: role, Content: content}
}

func history(n int) []agent.Message {
	msgs := []agent.Message{msg("system", "You are a careful analyst.")}
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, msg(role, strings.Repeat("word ", 40)))
	}
	return msgs
}

func TestEnforce_UnderBudgetUnchanged(t *testing.T) {
	msgs := history(4)
	res, err := Enforce(context.Background(), msgs, Options{MaxTotal: 10000, Strategy: SlidingWindow})
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if res.Pruned || len(res.Messages) != len(msgs) {
		t.Fatalf("res = %+v", res)
	}
}

func TestEnforce_ZeroBudgetDisables(t *testing.T) {
	msgs := history(50)
	res, err := Enforce(context.Background(), msgs, Options{})
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if res.Pruned {
		t.Fatal("no budget means no pruning")
	}
}

func TestEnforce_FailStrategy(t *testing.T) {
	_, err := Enforce(context.Background(), history(50), Options{MaxTotal: 100, Strategy: Fail})
	if !errors.Is(err, ErrOverBudget) {
		t.Fatalf("err = %v, want ErrOverBudget", err)
	}
}

func TestEnforce_SlidingWindowKeepsSystemAndSuffix(t *testing.T) {
	msgs := history(30)
	res, err := Enforce(context.Background(), msgs, Options{MaxTotal: 500, Strategy: SlidingWindow})
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if !res.Pruned {
		t.Fatal("expected pruning")
	}
	if res.Messages[0].Role != "system" {
		t.Fatal("system message must survive")
	}
	if res.Messages[len(res.Messages)-1].Content != msgs[len(msgs)-1].Content {
		t.Fatal("most recent message must survive")
	}
	if res.Tokens > 500 {
		t.Fatalf("tokens = %d, over limit", res.Tokens)
	}
}

func TestEnforce_PruneOldestKeepsErrorsAndRoutes(t *testing.T) {
	msgs := history(30)
	msgs[3] = msg("tool", `{"_route":"error","error":"boom"}`)
	msgs[5] = agent.Message{
		Role:      "assistant",
		ToolCalls: []agent.ToolCall{{ID: "t1", Name: "route_to", Arguments: `{"target_cell":"fix"}`}},
	}

	res, err := Enforce(context.Background(), msgs, Options{MaxTotal: 400, Strategy: PruneOldest})
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	var hasError, hasRoute bool
	for _, m := range res.Messages {
		if strings.Contains(m.Content, `"_route":"error"`) {
			hasError = true
		}
		for _, tc := range m.ToolCalls {
			if tc.Name == "route_to" {
				hasRoute = true
			}
		}
	}
	if !hasError {
		t.Fatal("error-bearing message must survive pruning")
	}
	if !hasRoute {
		t.Fatal("route_to call must survive pruning")
	}
}

func TestEnforce_SummarizeFoldsHistory(t *testing.T) {
	msgs := history(30)
	called := false
	res, err := Enforce(context.Background(), msgs, Options{
		MaxTotal: 400,
		Strategy: Summarize,
		Summarizer: func(_ context.Context, text string) (string, error) {
			called = true
			if text == "" {
				t.Error("summarizer got empty text")
			}
			return "earlier turns discussed word lists", nil
		},
	})
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if !called {
		t.Fatal("summarizer was not invoked")
	}
	var found bool
	for _, m := range res.Messages {
		if m.Role == "system" && strings.Contains(m.Content, "Summary of earlier conversation") {
			found = true
		}
	}
	if !found {
		t.Fatal("missing synthetic summary message")
	}
	// The last ten original messages survive verbatim.
	tail := res.Messages[len(res.Messages)-10:]
	orig := msgs[len(msgs)-10:]
	for i := range tail {
		if tail[i].Content != orig[i].Content {
			t.Fatalf("tail message %d altered", i)
		}
	}
}

func TestEnforce_WarningThreshold(t *testing.T) {
	msgs := history(8)
	total := CountAll(msgs)
	res, err := Enforce(context.Background(), msgs, Options{
		MaxTotal:         total + 10,
		Strategy:         SlidingWindow,
		WarningThreshold: 0.8,
	})
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if !res.Warning {
		t.Fatal("expected warning near budget")
	}
	if res.Pruned {
		t.Fatal("should not prune under budget")
	}
}
