package cascade

import (
	"strings"
	"testing"
)

const validSpec = `
cascade_id: research
description: two-step research flow
inputs_schema:
  topic: string
cells:
  - name: gather
    instructions: "Collect facts about {{ input.topic }}"
  - name: summarize
    instructions: "Summarize {{ outputs.gather }}"
    output_mode: json
`

func TestParse_Valid(t *testing.T) {
	s, err := Parse([]byte(validSpec))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.CascadeID != "research" {
		t.Fatalf("cascade_id = %q", s.CascadeID)
	}
	if len(s.Cells) != 2 {
		t.Fatalf("cells = %d, want 2", len(s.Cells))
	}
	if !s.Cells[0].IsLLM() {
		t.Fatal("gather should be an LLM cell")
	}
	if s.Cells[1].OutputMode != OutputJSON {
		t.Fatalf("output_mode = %q", s.Cells[1].OutputMode)
	}
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing cascade_id",
			yaml: "cells:\n  - name: a\n    instructions: hi\n",
			want: "missing cascade_id",
		},
		{
			name: "no cells",
			yaml: "cascade_id: empty\n",
			want: "no cells",
		},
		{
			name: "duplicate cell names",
			yaml: "cascade_id: dup\ncells:\n  - name: a\n    instructions: hi\n  - name: a\n    instructions: again\n",
			want: "duplicate cell name",
		},
		{
			name: "both instructions and tool",
			yaml: "cascade_id: both\ncells:\n  - name: a\n    instructions: hi\n    tool: sql\n",
			want: "exactly one of instructions or tool",
		},
		{
			name: "neither instructions nor tool",
			yaml: "cascade_id: neither\ncells:\n  - name: a\n",
			want: "exactly one of instructions or tool",
		},
		{
			name: "unknown output mode",
			yaml: "cascade_id: om\ncells:\n  - name: a\n    instructions: hi\n    output_mode: xml\n",
			want: "unknown output_mode",
		},
		{
			name: "forward output reference",
			yaml: "cascade_id: fwd\ncells:\n  - name: a\n    instructions: \"use {{ outputs.b }}\"\n  - name: b\n    instructions: hi\n",
			want: "no prior cell",
		},
		{
			name: "undeclared input",
			yaml: "cascade_id: inp\ninputs_schema:\n  topic: string\ncells:\n  - name: a\n    instructions: \"use {{ input.missing }}\"\n",
			want: "unresolved template reference",
		},
		{
			name: "unknown ward mode",
			yaml: "cascade_id: wm\ncells:\n  - name: a\n    instructions: hi\n    wards:\n      post:\n        - name: check\n          mode: maybe\n          tool: length\n",
			want: "unknown mode",
		},
		{
			name: "context references later cell",
			yaml: "cascade_id: ctx\ncells:\n  - name: a\n    instructions: hi\n    context: [b]\n  - name: b\n    instructions: hi\n",
			want: "unknown prior cell",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not contain %q", err, tc.want)
			}
		})
	}
}

func TestValidate_NormalizesSingleTake(t *testing.T) {
	s, err := Parse([]byte("cascade_id: one\ncells:\n  - name: a\n    instructions: hi\n    takes: 1\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Cells[0].Takes != 0 {
		t.Fatalf("takes = %d, want 0 after normalization", s.Cells[0].Takes)
	}
}

func TestHumanInput_BareBool(t *testing.T) {
	s, err := Parse([]byte("cascade_id: hi\ncells:\n  - name: a\n    instructions: hi\n    human_input: true\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	h := s.Cells[0].HumanInput
	if h == nil || h.Type != "confirmation" {
		t.Fatalf("human_input = %+v, want confirmation", h)
	}
}

func TestHumanInput_FullForm(t *testing.T) {
	s, err := Parse([]byte(`
cascade_id: hi
cells:
  - name: a
    instructions: hi
    human_input:
      type: decision
      title: Pick one
      timeout_seconds: 30
      on_timeout: continue
      choices: [approve, reject]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	h := s.Cells[0].HumanInput
	if h.Type != "decision" || h.Timeout != 30 || h.OnTimeout != "continue" {
		t.Fatalf("human_input = %+v", h)
	}
	if len(h.Choices) != 2 {
		t.Fatalf("choices = %v", h.Choices)
	}
}

func TestEffectiveMaxTurns(t *testing.T) {
	cases := []struct {
		cell Cell
		want int
	}{
		{Cell{Instructions: "hi"}, 1},
		{Cell{Instructions: "hi", ToolsAllowed: []string{"embed"}}, 8},
		{Cell{Instructions: "hi", MaxTurns: 3}, 3},
		{Cell{Instructions: "hi", ToolsAllowed: []string{"embed"}, MaxTurns: 2}, 2},
	}
	for i, tc := range cases {
		if got := tc.cell.EffectiveMaxTurns(); got != tc.want {
			t.Errorf("case %d: EffectiveMaxTurns = %d, want %d", i, got, tc.want)
		}
	}
}

func TestGenusHash_StableAcrossContentChanges(t *testing.T) {
	a, err := Parse([]byte(validSpec))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b, err := Parse([]byte(strings.ReplaceAll(validSpec, "Collect facts", "Dig up details")))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.GenusHash() != b.GenusHash() {
		t.Fatal("genus hash should depend on shape, not instruction text")
	}

	c, err := Parse([]byte(validSpec + "  - name: extra\n    tool: sql\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if a.GenusHash() == c.GenusHash() {
		t.Fatal("genus hash should change when a cell is added")
	}
}
