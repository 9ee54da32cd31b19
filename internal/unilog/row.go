// Package unilog implements the unified event log: a single append-only
// table every runtime component writes into, plus the deferred cost
// reconciler that backfills provider usage onto assistant rows.
package unilog

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// NodeType is the semantic kind of a log row. It is the source of truth
// for UI grouping and analytics.
type NodeType string

const (
	NodeCascade          NodeType = "cascade"
	NodeCascadeStart     NodeType = "cascade_start"
	NodeCascadeComplete  NodeType = "cascade_complete"
	NodeCascadeError     NodeType = "cascade_error"
	NodeCell             NodeType = "cell"
	NodeCellComplete     NodeType = "cell_complete"
	NodeTurnStart        NodeType = "turn_start"
	NodeTurnOutput       NodeType = "turn_output"
	NodeSystem           NodeType = "system"
	NodeUser             NodeType = "user"
	NodeFollowUp         NodeType = "follow_up"
	NodeInjection        NodeType = "injection"
	NodeTool             NodeType = "tool"
	NodeToolCall         NodeType = "tool_call"
	NodeToolResult       NodeType = "tool_result"
	NodeSoundingAttempt  NodeType = "sounding_attempt"
	NodeSoundingError    NodeType = "sounding_error"
	NodeEvaluator        NodeType = "evaluator"
	NodeReforgeStep      NodeType = "reforge_step"
	NodeReforgeAttempt   NodeType = "reforge_attempt"
	NodeReforgeWinner    NodeType = "reforge_winner"
	NodePreWard          NodeType = "pre_ward"
	NodePostWard         NodeType = "post_ward"
	NodeValidation       NodeType = "validation"
	NodeSchemaValidation NodeType = "schema_validation"
	NodeValidationRetry  NodeType = "validation_retry"
	NodeCheckpoint       NodeType = "checkpoint"
	NodeQuartermaster    NodeType = "quartermaster_result"
	NodeAudible          NodeType = "audible"
	NodeCostUpdate       NodeType = "cost_update"
	NodeSubCascade       NodeType = "sub_cascade"
)

// Row is one event in the unified log. Nullable columns are pointers so
// absent values survive a round-trip through the store unchanged.
type Row struct {
	Timestamp int64 // microseconds since the Unix epoch

	SessionID string
	TraceID   string
	ParentID  *string

	NodeType  NodeType
	Role      string
	PhaseName string
	CascadeID string

	TakeIndex   *int
	ReforgeStep *int
	TurnNumber  *int

	Model             string
	Provider          string
	ProviderRequestID string

	TokensIn        *int
	TokensOut       *int
	ReasoningTokens *int
	Cost            *float64
	DurationMs      *int64

	Content      string
	FullRequest  string // JSON
	FullResponse string // JSON
	ToolCalls    string // JSON
	Images       string // JSON
	Metadata     string // JSON

	IsWinner      *bool
	ContentHash   string
	ContextHashes []string
	CallerID      string
}

// HashContent computes the stable content hash for a role + payload pair.
// The same inputs always produce the same hash, which is what makes
// context-set membership comparable across cells.
func HashContent(role, content string) string {
	h := sha256.New()
	h.Write([]byte(role))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// NowMicros returns the current time in microseconds, the log's native
// timestamp resolution.
func NowMicros() int64 {
	return time.Now().UTC().UnixMicro()
}

// CostUpdate carries reconciled usage for the row identified by
// ProviderRequestID.
type CostUpdate struct {
	ProviderRequestID string
	Cost              *float64
	TokensIn          *int
	TokensOut         *int
	ReasoningTokens   *int
	Provider          string
}

// Writer is the single append/update abstraction shared by the durable
// store and the live mirror. A fan-out writer sends every row to both.
type Writer interface {
	Append(row *Row) error
	UpdateCost(u CostUpdate) (bool, error)
}

// FanOut duplicates every append and cost update to all underlying
// writers. Errors from secondary writers do not mask the primary's.
type FanOut struct {
	writers []Writer
}

// NewFanOut builds a FanOut over the given writers. The first writer is
// treated as primary for error reporting.
func NewFanOut(writers ...Writer) *FanOut {
	return &FanOut{writers: writers}
}

// Writers exposes the underlying writers, primary first.
func (f *FanOut) Writers() []Writer { return f.writers }

// Append sends the row to every writer and returns the first error.
func (f *FanOut) Append(row *Row) error {
	var first error
	for _, w := range f.writers {
		if err := w.Append(row); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// UpdateCost applies the update to every writer. The returned bool is
// true when any writer changed a row.
func (f *FanOut) UpdateCost(u CostUpdate) (bool, error) {
	var any bool
	var first error
	for _, w := range f.writers {
		changed, err := w.UpdateCost(u)
		if err != nil && first == nil {
			first = err
		}
		any = any || changed
	}
	return any, first
}
