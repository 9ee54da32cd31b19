package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// UISpec is the JSON document the dashboard renders for a pending
// checkpoint: the interaction template plus the cell's draft output.
type UISpec struct {
	Template   string   `json:"template"`
	Title      string   `json:"title,omitempty"`
	Hint       string   `json:"hint,omitempty"`
	Output     string   `json:"output"`
	OutputHTML string   `json:"output_html,omitempty"`
	Choices    []string `json:"choices,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
}

// BuildUISpec assembles the UI spec JSON for a checkpoint. Draft output
// is rendered to HTML server-side so the dashboard can show it directly.
func BuildUISpec(cpType Type, title, hint, output string, choices, candidates []string) (string, error) {
	spec := UISpec{
		Template:   string(cpType),
		Title:      title,
		Hint:       hint,
		Output:     output,
		Choices:    choices,
		Candidates: candidates,
	}
	if html, err := renderMarkdown(output); err == nil {
		spec.OutputHTML = html
	}
	b, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("marshal ui spec: %w", err)
	}
	return string(b), nil
}

// renderMarkdown converts a markdown draft output to HTML with GFM
// extensions (tables, strikethrough, autolinks).
func renderMarkdown(md string) (string, error) {
	gm := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var buf bytes.Buffer
	if err := gm.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}
