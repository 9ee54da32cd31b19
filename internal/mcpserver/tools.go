package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rvbbit/windlass/internal/runner"
)

// --- Tool Definitions ---

func runCascadeTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"run_cascade",
		"Run a cascade to completion and return its session id and final output.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"cascade_id": {
					"type": "string",
					"description": "Registered cascade id or path to a cascade spec file"
				},
				"inputs": {
					"type": "object",
					"description": "Input bindings for the cascade"
				}
			},
			"required": ["cascade_id"]
		}`),
	)
}

func getSessionTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"get_session",
		"Return the durable state of a session: status, current cell, blocking info, output.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {
					"type": "string",
					"description": "Session id"
				}
			},
			"required": ["session_id"]
		}`),
	)
}

func respondCheckpointTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"respond_checkpoint",
		"Resolve a pending human-input checkpoint with a response object.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"checkpoint_id": {
					"type": "string",
					"description": "Checkpoint id"
				},
				"response": {
					"type": "object",
					"description": "Response payload; shape depends on the checkpoint type"
				},
				"reasoning": {
					"type": "string",
					"description": "Optional reasoning attached to the response"
				}
			},
			"required": ["checkpoint_id", "response"]
		}`),
	)
}

func queryLogTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"query_log",
		"Return unified log rows for a session, optionally filtered to one cell.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {
					"type": "string",
					"description": "Session id"
				},
				"phase_name": {
					"type": "string",
					"description": "Optional cell name filter"
				}
			},
			"required": ["session_id"]
		}`),
	)
}

// --- Tool Handlers ---

type runCascadeArgs struct {
	CascadeID string         `json:"cascade_id"`
	Inputs    map[string]any `json:"inputs"`
}

type runCascadeResult struct {
	SessionID string `json:"session_id"`
	Output    any    `json:"output"`
}

func (s *Server) handleRunCascade(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args runCascadeArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.CascadeID == "" {
		return mcp.NewToolResultError("cascade_id is required"), nil
	}

	outcome, err := s.runner.RunByID(ctx, args.CascadeID, args.Inputs, runner.RunOptions{})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run cascade: %v", err)), nil
	}
	return resultJSON(runCascadeResult{SessionID: outcome.SessionID, Output: outcome.Output})
}

type sessionArgs struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleGetSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args sessionArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	st, err := s.states.Get(args.SessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get session: %v", err)), nil
	}

	out := map[string]any{
		"session_id":   st.SessionID,
		"cascade_id":   st.CascadeID,
		"status":       string(st.Status),
		"current_cell": st.CurrentCell,
		"resumable":    st.Resumable,
	}
	if st.BlockedType != nil {
		out["blocked_type"] = string(*st.BlockedType)
	}
	if st.BlockedOn != nil {
		out["blocked_on"] = *st.BlockedOn
	}
	if st.ErrorMessage != nil {
		out["error_message"] = *st.ErrorMessage
	}
	if st.Output != nil {
		// Bare-string outputs are stored unquoted.
		if json.Valid([]byte(*st.Output)) {
			out["output"] = json.RawMessage(*st.Output)
		} else {
			out["output"] = *st.Output
		}
	}
	return resultJSON(out)
}

type respondCheckpointArgs struct {
	CheckpointID string          `json:"checkpoint_id"`
	Response     json.RawMessage `json:"response"`
	Reasoning    *string         `json:"reasoning"`
}

func (s *Server) handleRespondCheckpoint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args respondCheckpointArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.CheckpointID == "" {
		return mcp.NewToolResultError("checkpoint_id is required"), nil
	}

	response := "{}"
	if len(args.Response) > 0 {
		response = string(args.Response)
	}
	if err := s.checkpoints.Respond(args.CheckpointID, response, args.Reasoning, nil); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("respond checkpoint: %v", err)), nil
	}
	return resultJSON(map[string]string{"status": "responded"})
}

type queryLogArgs struct {
	SessionID string `json:"session_id"`
	PhaseName string `json:"phase_name"`
}

func (s *Server) handleQueryLog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args queryLogArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	rows, err := func() (any, error) {
		if args.PhaseName != "" {
			return s.store.PhaseRows(args.SessionID, args.PhaseName)
		}
		return s.store.SessionRows(args.SessionID)
	}()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query log: %v", err)), nil
	}
	return resultJSON(rows)
}

func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
