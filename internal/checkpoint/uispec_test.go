package checkpoint

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestBuildUISpec(t *testing.T) {
	raw, err := BuildUISpec(TypeChoice, "Pick a draft", "closest to the brief", "# Draft\n\nsome *markdown*",
		[]string{"approve", "reject"}, nil)
	if err != nil {
		t.Fatalf("BuildUISpec: %v", err)
	}

	var spec UISpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if spec.Template != "choice" || spec.Title != "Pick a draft" {
		t.Fatalf("spec = %+v", spec)
	}
	if len(spec.Choices) != 2 || spec.Choices[1] != "reject" {
		t.Fatalf("choices = %v", spec.Choices)
	}
	if !strings.Contains(spec.OutputHTML, "<h1>") || !strings.Contains(spec.OutputHTML, "<em>markdown</em>") {
		t.Fatalf("output_html = %q", spec.OutputHTML)
	}
	if spec.Output != "# Draft\n\nsome *markdown*" {
		t.Fatalf("output = %q", spec.Output)
	}
}

func TestBuildUISpec_GFMTable(t *testing.T) {
	raw, err := BuildUISpec(TypeReview, "", "", "| a | b |\n|---|---|\n| 1 | 2 |", nil, nil)
	if err != nil {
		t.Fatalf("BuildUISpec: %v", err)
	}
	var spec UISpec
	_ = json.Unmarshal([]byte(raw), &spec)
	if !strings.Contains(spec.OutputHTML, "<table>") {
		t.Fatalf("table not rendered: %q", spec.OutputHTML)
	}
}
