// Package agent wraps provider chat completions behind a sanitized
// request contract: the runner hands over plain messages, the agent
// returns content, tool calls, and the provider request id used later
// for cost reconciliation.
package agent

import "encoding/json"

// Message is the provider-neutral chat message the runtime passes
// around. Only the fields listed here ever reach a provider.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Sanitize filters a message list down to what the provider may see.
// Messages with no content and no tool calls are dropped. In prompt-based
// tool mode the tool plumbing is additionally stripped: tool_calls and
// tool_call_id are cleared and any message whose role is "tool" is
// dropped entirely.
func Sanitize(messages []Message, promptToolMode bool) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if promptToolMode {
			if m.Role == "tool" {
				continue
			}
			m.ToolCalls = nil
			m.ToolCallID = ""
		}
		if m.Content == "" && len(m.ToolCalls) == 0 {
			continue
		}
		out = append(out, Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		})
	}
	return out
}
