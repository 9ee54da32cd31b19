package cascade

import (
	"reflect"
	"strings"
	"testing"
)

func testEnv() *Env {
	return &Env{
		Input: map[string]any{"topic": "tides", "count": float64(3)},
		State: map[string]any{"draft": "v1"},
		Outputs: map[string]any{
			"gather": map[string]any{"rows": []any{"a", "b"}, "n": float64(2)},
			"fetch":  `{"status":"ok","items":[1,2,3]}`,
		},
	}
}

func TestExtractRefs(t *testing.T) {
	refs := ExtractRefs("{{ input.topic }} and {{outputs.gather.rows}} and {{ state.draft }}")
	if len(refs) != 3 {
		t.Fatalf("refs = %d, want 3", len(refs))
	}
	want := []Ref{
		{Root: "input", Key: "topic", Raw: "{{ input.topic }}"},
		{Root: "outputs", Key: "gather", Path: "rows", Raw: "{{outputs.gather.rows}}"},
		{Root: "state", Key: "draft", Raw: "{{ state.draft }}"},
	}
	if !reflect.DeepEqual(refs, want) {
		t.Fatalf("refs = %+v, want %+v", refs, want)
	}
}

func TestRender_Substitutes(t *testing.T) {
	out, err := testEnv().Render("about {{ input.topic }}, {{ input.count }} items")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "about tides, 3 items" {
		t.Fatalf("out = %q", out)
	}
}

func TestRender_UnresolvedIsError(t *testing.T) {
	_, err := testEnv().Render("needs {{ input.missing }}")
	if err == nil {
		t.Fatal("expected error for unresolved reference")
	}
	if !strings.Contains(err.Error(), "input.missing") {
		t.Fatalf("error %q should name the reference", err)
	}
}

func TestRenderValue_BareRefKeepsType(t *testing.T) {
	env := testEnv()

	v, err := env.RenderValue("{{ outputs.gather }}")
	if err != nil {
		t.Fatalf("RenderValue: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("value = %T, want map", v)
	}
	if m["n"] != float64(2) {
		t.Fatalf("n = %v", m["n"])
	}

	// Anything beyond a single bare reference renders to a string.
	s, err := env.RenderValue("n={{ outputs.gather.n }}")
	if err != nil {
		t.Fatalf("RenderValue: %v", err)
	}
	if s != "n=2" {
		t.Fatalf("s = %q", s)
	}
}

func TestResolve_DigsRawJSON(t *testing.T) {
	env := testEnv()
	v, err := env.Resolve(Ref{Root: "outputs", Key: "fetch", Path: "status", Raw: "{{ outputs.fetch.status }}"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != "ok" {
		t.Fatalf("v = %v", v)
	}

	_, err = env.Resolve(Ref{Root: "outputs", Key: "fetch", Path: "nope", Raw: "{{ outputs.fetch.nope }}"})
	if err == nil {
		t.Fatal("expected error for missing JSON path")
	}
}

func TestRenderInputs(t *testing.T) {
	out, err := testEnv().RenderInputs(map[string]string{
		"topic": "{{ input.topic }}",
		"rows":  "{{ outputs.gather.rows }}",
		"label": "run for {{ state.draft }}",
	})
	if err != nil {
		t.Fatalf("RenderInputs: %v", err)
	}
	if out["topic"] != "tides" {
		t.Fatalf("topic = %v", out["topic"])
	}
	if rows, ok := out["rows"].([]any); !ok || len(rows) != 2 {
		t.Fatalf("rows = %v", out["rows"])
	}
	if out["label"] != "run for v1" {
		t.Fatalf("label = %v", out["label"])
	}
}
