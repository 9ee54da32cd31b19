// Package budget enforces a token ceiling on outbound message lists. It
// is a pure function of its inputs: the same messages and options always
// produce the same pruned list.
package budget

import (
	"context"
	"fmt"
	"strings"

	"github.com/rvbbit/windlass/internal/agent"
)

// Strategy selects how an over-budget message list is reduced.
type Strategy string

const (
	// SlidingWindow preserves the first system message and the most
	// recent suffix that fits.
	SlidingWindow Strategy = "sliding_window"
	// PruneOldest preserves system messages, the last three
	// user/assistant turns, error-bearing messages, and any message
	// carrying a route_to tool call.
	PruneOldest Strategy = "prune_oldest"
	// Summarize keeps system plus the last ten messages and folds the
	// rest into one synthetic system message via a cheap model.
	Summarize Strategy = "summarize"
	// Fail rejects over-budget lists outright.
	Fail Strategy = "fail"
)

// ErrOverBudget is returned by the Fail strategy.
var ErrOverBudget = fmt.Errorf("message list over token budget")

// errorMarker flags messages that must survive PruneOldest.
const errorMarker = "_route\":\"error"

// Summarizer condenses a block of conversation into a short summary.
// The production implementation calls the cheap model.
type Summarizer func(ctx context.Context, text string) (string, error)

// Options configures one enforcement pass.
type Options struct {
	MaxTotal         int
	ReserveForOutput int
	Strategy         Strategy
	WarningThreshold float64 // fraction of budget that triggers Warning
	Summarizer       Summarizer
}

// Result is the outcome of an enforcement pass.
type Result struct {
	Messages []agent.Message
	Tokens   int
	Pruned   bool
	Warning  bool
}

// CountTokens estimates the token count of a message the way the rest of
// the runtime does: characters divided by four, plus a small per-message
// overhead.
func CountTokens(m agent.Message) int {
	n := len(m.Content)
	for _, tc := range m.ToolCalls {
		n += len(tc.Name) + len(tc.Arguments)
	}
	return n/4 + 4
}

// CountAll sums CountTokens over a list.
func CountAll(msgs []agent.Message) int {
	total := 0
	for _, m := range msgs {
		total += CountTokens(m)
	}
	return total
}

// Enforce returns the message list unchanged when it fits the budget,
// otherwise reduces it per the configured strategy.
func Enforce(ctx context.Context, msgs []agent.Message, opts Options) (*Result, error) {
	if opts.MaxTotal <= 0 {
		return &Result{Messages: msgs, Tokens: CountAll(msgs)}, nil
	}
	limit := opts.MaxTotal - opts.ReserveForOutput
	if limit <= 0 {
		limit = opts.MaxTotal
	}

	total := CountAll(msgs)
	warning := opts.WarningThreshold > 0 && float64(total) >= opts.WarningThreshold*float64(limit)
	if total <= limit {
		return &Result{Messages: msgs, Tokens: total, Warning: warning}, nil
	}

	switch opts.Strategy {
	case Fail:
		return nil, fmt.Errorf("%w: %d tokens over limit %d", ErrOverBudget, total, limit)
	case PruneOldest:
		pruned := pruneOldest(msgs, limit)
		return &Result{Messages: pruned, Tokens: CountAll(pruned), Pruned: true, Warning: true}, nil
	case Summarize:
		pruned, err := summarize(ctx, msgs, limit, opts.Summarizer)
		if err != nil {
			return nil, err
		}
		return &Result{Messages: pruned, Tokens: CountAll(pruned), Pruned: true, Warning: true}, nil
	default: // SlidingWindow
		pruned := slidingWindow(msgs, limit)
		return &Result{Messages: pruned, Tokens: CountAll(pruned), Pruned: true, Warning: true}, nil
	}
}

// slidingWindow keeps the first system message and the longest recent
// suffix that fits under the limit.
func slidingWindow(msgs []agent.Message, limit int) []agent.Message {
	var system *agent.Message
	rest := msgs
	if len(msgs) > 0 && msgs[0].Role == "system" {
		system = &msgs[0]
		rest = msgs[1:]
		limit -= CountTokens(*system)
	}

	// Walk backward until adding one more message would overflow.
	start := len(rest)
	used := 0
	for i := len(rest) - 1; i >= 0; i-- {
		c := CountTokens(rest[i])
		if used+c > limit {
			break
		}
		used += c
		start = i
	}

	out := make([]agent.Message, 0, len(rest)-start+1)
	if system != nil {
		out = append(out, *system)
	}
	out = append(out, rest[start:]...)
	return out
}

// pruneOldest drops old messages but always keeps system messages, the
// last three user/assistant turns, error-bearing messages, and route_to
// tool calls.
func pruneOldest(msgs []agent.Message, limit int) []agent.Message {
	keep := make([]bool, len(msgs))

	// Mandatory keeps.
	turns := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == "system" {
			keep[i] = true
			continue
		}
		if (m.Role == "user" || m.Role == "assistant") && turns < 3 {
			keep[i] = true
			turns++
			continue
		}
		if strings.Contains(m.Content, errorMarker) || strings.Contains(m.Content, "Error:") {
			keep[i] = true
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.Name == "route_to" {
				keep[i] = true
				break
			}
		}
	}

	used := 0
	for i, m := range msgs {
		if keep[i] {
			used += CountTokens(m)
		}
	}

	// Fill remaining budget newest-first from the unkept messages.
	for i := len(msgs) - 1; i >= 0; i-- {
		if keep[i] {
			continue
		}
		c := CountTokens(msgs[i])
		if used+c > limit {
			continue
		}
		keep[i] = true
		used += c
	}

	out := make([]agent.Message, 0, len(msgs))
	for i, m := range msgs {
		if keep[i] {
			out = append(out, m)
		}
	}
	return out
}

// summarize folds everything but system messages and the last ten into a
// single synthetic system message.
func summarize(ctx context.Context, msgs []agent.Message, limit int, fn Summarizer) ([]agent.Message, error) {
	if fn == nil {
		// No summarizer wired; degrade to the sliding window.
		return slidingWindow(msgs, limit), nil
	}

	cut := len(msgs) - 10
	if cut < 1 {
		return msgs, nil
	}

	var head []agent.Message
	var b strings.Builder
	for _, m := range msgs[:cut] {
		if m.Role == "system" {
			head = append(head, m)
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}

	summary, err := fn(ctx, b.String())
	if err != nil {
		return nil, fmt.Errorf("summarize pruned history: %w", err)
	}

	out := make([]agent.Message, 0, len(head)+11)
	out = append(out, head...)
	out = append(out, agent.Message{
		Role:    "system",
		Content: "Summary of earlier conversation:\n" + summary,
	})
	out = append(out, msgs[cut:]...)
	return out, nil
}
