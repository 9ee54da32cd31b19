package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sethvargo/go-retry"
)

// Completion is the provider response for one chat turn.
type Completion struct {
	Role              string     `json:"role"`
	Content           string     `json:"content"`
	ToolCalls         []ToolCall `json:"tool_calls,omitempty"`
	ProviderRequestID string     `json:"provider_request_id"`
	Model             string     `json:"model"`
	Provider          string     `json:"provider"`
	TokensIn          int        `json:"tokens_in"`
	TokensOut         int        `json:"tokens_out"`
	FullRequest       string     `json:"-"`
	FullResponse      string     `json:"-"`
}

// Agent is the chat completion contract the cell state machine runs
// against. Tests substitute a scripted fake.
type Agent interface {
	Run(ctx context.Context, model string, messages []Message, tools []ToolDef) (*Completion, error)
}

// RequestError wraps a provider failure together with the original
// request envelope so the failed request can be logged verbatim.
type RequestError struct {
	Err         error
	FullRequest string
}

func (e *RequestError) Error() string { return e.Err.Error() }
func (e *RequestError) Unwrap() error { return e.Err }

// Config holds the provider connection settings.
type Config struct {
	BaseURL      string
	APIKey       string
	Provider     string // provider label recorded on log rows
	DefaultModel string
	MaxTokens    int64
	PromptTools  bool // prompt-based tool mode: strip tool plumbing from requests
}

// Anthropic is the production Agent over the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	cfg    Config
}

// New builds an Anthropic agent from the provider configuration.
func New(cfg Config) *Anthropic {
	var opts []option.RequestOption
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Provider == "" {
		cfg.Provider = "anthropic"
	}
	return &Anthropic{client: anthropic.NewClient(opts...), cfg: cfg}
}

// Run sends the sanitized messages to the provider and returns the
// assistant completion. Rate limits get exactly one retry; any other
// failure is returned with the original request envelope attached.
func (a *Anthropic) Run(ctx context.Context, model string, messages []Message, tools []ToolDef) (*Completion, error) {
	if model == "" {
		model = a.cfg.DefaultModel
	}
	clean := Sanitize(messages, a.cfg.PromptTools || len(tools) == 0)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: a.cfg.MaxTokens,
	}

	for _, m := range clean {
		switch m.Role {
		case "system":
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			blocks := assistantBlocks(m)
			if len(blocks) > 0 {
				params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
			}
		case "tool":
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.InputSchema) > 0 {
			var parsed struct {
				Properties map[string]any `json:"properties"`
				Required   []string       `json:"required"`
			}
			if err := json.Unmarshal(t.InputSchema, &parsed); err == nil {
				schema.Properties = parsed.Properties
				schema.Required = parsed.Required
			}
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}

	reqJSON, _ := json.Marshal(params)

	var msg *anthropic.Message
	backoff := retry.WithMaxRetries(1, retry.NewConstant(time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		m, err := a.client.Messages.New(ctx, params)
		if err != nil {
			var apierr *anthropic.Error
			if errors.As(err, &apierr) && apierr.StatusCode == 429 {
				return retry.RetryableError(err)
			}
			return err
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, &RequestError{
			Err:         fmt.Errorf("provider chat completion: %w", err),
			FullRequest: string(reqJSON),
		}
	}

	respJSON, _ := json.Marshal(msg)

	out := &Completion{
		Role:              "assistant",
		ProviderRequestID: msg.ID,
		Model:             string(msg.Model),
		Provider:          a.cfg.Provider,
		TokensIn:          int(msg.Usage.InputTokens),
		TokensOut:         int(msg.Usage.OutputTokens),
		FullRequest:       string(reqJSON),
		FullResponse:      string(respJSON),
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if out.Content != "" {
				out.Content += "\n"
			}
			out.Content += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	return out, nil
}

// assistantBlocks converts a stored assistant message back into content
// blocks, replaying any tool calls it carried.
func assistantBlocks(m Message) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	if m.Content != "" {
		blocks = append(blocks, anthropic.NewTextBlock(m.Content))
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, anthropic.ContentBlockParamUnion{
			OfToolUse: &anthropic.ToolUseBlockParam{
				ID:    tc.ID,
				Name:  tc.Name,
				Input: json.RawMessage(tc.Arguments),
			},
		})
	}
	return blocks
}
