// Package cascade defines the cascade specification: an ordered list of
// cells plus the typed template layer that binds cell inputs to session
// input, carried state, and prior cell outputs.
package cascade

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// OutputMode constrains how a cell's final output is interpreted.
type OutputMode string

const (
	OutputText         OutputMode = "text"
	OutputJSON         OutputMode = "json"
	OutputSQLExecute   OutputMode = "sql_execute"
	OutputSQLStatement OutputMode = "sql_statement"
)

// WardMode is the failure policy of a ward.
type WardMode string

const (
	WardBlocking WardMode = "blocking"
	WardRetry    WardMode = "retry"
	WardAdvisory WardMode = "advisory"
)

// Ward is a named validator at a cell boundary. Exactly one of Tool
// (deterministic check) or Instructions (LLM validator) is set.
type Ward struct {
	Name         string         `yaml:"name" json:"name"`
	Mode         WardMode       `yaml:"mode" json:"mode"`
	Tool         string         `yaml:"tool,omitempty" json:"tool,omitempty"`
	Instructions string         `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Config       map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	MaxRetries   int            `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// Wards groups the pre and post validators of a cell.
type Wards struct {
	Pre  []Ward `yaml:"pre,omitempty" json:"pre,omitempty"`
	Post []Ward `yaml:"post,omitempty" json:"post,omitempty"`
}

// HumanInput configures a blocking checkpoint after the cell body runs.
type HumanInput struct {
	Type      string `yaml:"type" json:"type"` // checkpoint.Type values
	Title     string `yaml:"title,omitempty" json:"title,omitempty"`
	Hint      string `yaml:"hint,omitempty" json:"hint,omitempty"`
	Timeout   int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	OnTimeout string `yaml:"on_timeout,omitempty" json:"on_timeout,omitempty"` // continue | abort | retry
	Choices   []string `yaml:"choices,omitempty" json:"choices,omitempty"`
}

// UnmarshalYAML accepts either a bare boolean (human_input: true means a
// confirmation checkpoint) or the full config form.
func (h *HumanInput) UnmarshalYAML(value *yaml.Node) error {
	var b bool
	if err := value.Decode(&b); err == nil {
		if b {
			h.Type = "confirmation"
		}
		return nil
	}
	type raw HumanInput
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}
	*h = HumanInput(r)
	return nil
}

// Cell is one step of a cascade: an LLM cell (Instructions set) or a
// deterministic cell (Tool set).
type Cell struct {
	Name         string            `yaml:"name" json:"name"`
	Instructions string            `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Tool         string            `yaml:"tool,omitempty" json:"tool,omitempty"`
	Inputs       map[string]string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	ToolsAllowed []string          `yaml:"tools_allowed,omitempty" json:"tools_allowed,omitempty"`

	Takes            int `yaml:"takes,omitempty" json:"takes,omitempty"`
	MaxParallelTakes int `yaml:"max_parallel_takes,omitempty" json:"max_parallel_takes,omitempty"`
	ReforgeSteps     int `yaml:"reforge_steps,omitempty" json:"reforge_steps,omitempty"`
	ReforgeAttempts  int `yaml:"reforge_attempts,omitempty" json:"reforge_attempts,omitempty"`

	Wards      *Wards      `yaml:"wards,omitempty" json:"wards,omitempty"`
	HumanInput *HumanInput `yaml:"human_input,omitempty" json:"human_input,omitempty"`

	OutputMode OutputMode `yaml:"output_mode,omitempty" json:"output_mode,omitempty"`
	Memory     string     `yaml:"memory,omitempty" json:"memory,omitempty"`
	Model      string     `yaml:"model,omitempty" json:"model,omitempty"`

	// Context lists the prior cells whose outputs feed this cell's
	// context set; empty means all prior cells.
	Context []string `yaml:"context,omitempty" json:"context,omitempty"`

	MaxTurns int    `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`
	StateKey string `yaml:"state_key,omitempty" json:"state_key,omitempty"`

	AutoFix         bool `yaml:"auto_fix,omitempty" json:"auto_fix,omitempty"`
	AutoFixAttempts int  `yaml:"auto_fix_attempts,omitempty" json:"auto_fix_attempts,omitempty"`

	// Materialize controls whether deterministic results become a
	// _<cell> temp table in the session DB. Defaults on.
	Materialize *bool `yaml:"materialize,omitempty" json:"materialize,omitempty"`
}

// IsLLM reports whether the cell is driven by the model.
func (c *Cell) IsLLM() bool { return c.Instructions != "" }

// EffectiveMaxTurns is the turn ceiling for the LLM loop: default 1, and
// at least 2 whenever tools are allowed so an observation can round-trip.
func (c *Cell) EffectiveMaxTurns() int {
	if c.MaxTurns > 0 {
		return c.MaxTurns
	}
	if len(c.ToolsAllowed) > 0 {
		return 8
	}
	return 1
}

// Spec is a full cascade document.
type Spec struct {
	CascadeID    string            `yaml:"cascade_id" json:"cascade_id"`
	Description  string            `yaml:"description,omitempty" json:"description,omitempty"`
	InputsSchema map[string]string `yaml:"inputs_schema,omitempty" json:"inputs_schema,omitempty"`
	Cells        []Cell            `yaml:"cells" json:"cells"`
}

// Cell returns the cell with the given name, or nil.
func (s *Spec) Cell(name string) *Cell {
	for i := range s.Cells {
		if s.Cells[i].Name == name {
			return &s.Cells[i]
		}
	}
	return nil
}

// Load reads a cascade spec from a YAML or JSON file and validates it.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cascade file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a cascade spec from YAML (which subsumes JSON) and
// validates it.
func Parse(data []byte) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse cascade spec: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks structural invariants and template references. All
// template paths are resolved against the spec itself, so an unresolved
// reference fails before any cell executes.
func (s *Spec) Validate() error {
	if s.CascadeID == "" {
		return fmt.Errorf("cascade spec: missing cascade_id")
	}
	if len(s.Cells) == 0 {
		return fmt.Errorf("cascade %s: no cells", s.CascadeID)
	}

	seen := make(map[string]bool, len(s.Cells))
	prior := make(map[string]bool, len(s.Cells))
	for i := range s.Cells {
		c := &s.Cells[i]
		if c.Name == "" {
			return fmt.Errorf("cascade %s: cell %d has no name", s.CascadeID, i)
		}
		if seen[c.Name] {
			return fmt.Errorf("cascade %s: duplicate cell name %q", s.CascadeID, c.Name)
		}
		seen[c.Name] = true

		if (c.Instructions == "") == (c.Tool == "") {
			return fmt.Errorf("cascade %s: cell %q needs exactly one of instructions or tool", s.CascadeID, c.Name)
		}
		if c.Takes == 1 {
			c.Takes = 0
		}
		if c.Takes < 0 || c.ReforgeSteps < 0 {
			return fmt.Errorf("cascade %s: cell %q has negative takes/reforge", s.CascadeID, c.Name)
		}
		switch c.OutputMode {
		case "", OutputText, OutputJSON, OutputSQLExecute, OutputSQLStatement:
		default:
			return fmt.Errorf("cascade %s: cell %q has unknown output_mode %q", s.CascadeID, c.Name, c.OutputMode)
		}
		if c.Wards != nil {
			for _, w := range append(append([]Ward{}, c.Wards.Pre...), c.Wards.Post...) {
				switch w.Mode {
				case WardBlocking, WardRetry, WardAdvisory:
				default:
					return fmt.Errorf("cascade %s: cell %q ward %q has unknown mode %q", s.CascadeID, c.Name, w.Name, w.Mode)
				}
			}
		}

		// Template references must resolve against declared inputs and
		// prior cells only.
		for key, tmpl := range c.Inputs {
			for _, ref := range ExtractRefs(tmpl) {
				if err := s.checkRef(ref, prior); err != nil {
					return fmt.Errorf("cascade %s: cell %q input %q: %w", s.CascadeID, c.Name, key, err)
				}
			}
		}
		for _, ref := range ExtractRefs(c.Instructions) {
			if err := s.checkRef(ref, prior); err != nil {
				return fmt.Errorf("cascade %s: cell %q instructions: %w", s.CascadeID, c.Name, err)
			}
		}
		for _, ctxName := range c.Context {
			if !prior[ctxName] {
				return fmt.Errorf("cascade %s: cell %q context references unknown prior cell %q", s.CascadeID, c.Name, ctxName)
			}
		}

		prior[c.Name] = true
	}
	return nil
}

func (s *Spec) checkRef(ref Ref, prior map[string]bool) error {
	switch ref.Root {
	case "input":
		if len(s.InputsSchema) > 0 && ref.Key != "" {
			if _, ok := s.InputsSchema[ref.Key]; !ok {
				return fmt.Errorf("unresolved template reference {{ input.%s }}", ref.Key)
			}
		}
	case "state":
		// State keys are runtime-assigned; existence is checked at render.
	case "outputs":
		if !prior[ref.Key] {
			return fmt.Errorf("unresolved template reference {{ outputs.%s }}: no prior cell by that name", ref.Key)
		}
	default:
		return fmt.Errorf("unknown template root %q", ref.Root)
	}
	return nil
}

// MarshalJSON keeps spec round-trips stable for logging.
func (s *Spec) JSON() string {
	b, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// GenusHash is a stable hash of the cascade's shape (cell names and
// kinds), used by the snapshot table for cross-run pattern detection.
func (s *Spec) GenusHash() string {
	var b strings.Builder
	b.WriteString(s.CascadeID)
	for _, c := range s.Cells {
		b.WriteString("|")
		b.WriteString(c.Name)
		if c.IsLLM() {
			b.WriteString(":llm")
		} else {
			b.WriteString(":" + c.Tool)
		}
	}
	return fmt.Sprintf("%x", fnvHash(b.String()))
}

func fnvHash(s string) uint64 {
	const offset, prime = 14695981039346656037, 1099511628211
	h := uint64(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}
