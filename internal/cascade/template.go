package cascade

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Ref is one template reference: a root namespace plus a dotted path.
// {{ outputs.fetch.rows }} has Root "outputs", Key "fetch", Path "rows".
type Ref struct {
	Root string
	Key  string
	Path string
	Raw  string
}

var refPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][\w.-]*)\s*\}\}`)

// ExtractRefs returns every template reference in the text, in order.
func ExtractRefs(text string) []Ref {
	var refs []Ref
	for _, m := range refPattern.FindAllStringSubmatch(text, -1) {
		parts := strings.SplitN(m[1], ".", 3)
		ref := Ref{Root: parts[0], Raw: m[0]}
		if len(parts) > 1 {
			ref.Key = parts[1]
		}
		if len(parts) > 2 {
			ref.Path = parts[2]
		}
		refs = append(refs, ref)
	}
	return refs
}

// Env is the runtime binding environment for template rendering: the
// session input, the carried state map, and each completed cell's output.
type Env struct {
	Input   map[string]any
	State   map[string]any
	Outputs map[string]any
}

// Render substitutes every {{ ... }} reference in the text. A reference
// that resolves to nothing is an error, never silently emptied.
func (e *Env) Render(text string) (string, error) {
	var firstErr error
	out := refPattern.ReplaceAllStringFunc(text, func(raw string) string {
		refs := ExtractRefs(raw)
		if len(refs) == 0 {
			return raw
		}
		val, err := e.Resolve(refs[0])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return raw
		}
		return stringify(val)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// RenderValue resolves a template that is a single bare reference to its
// typed value; anything else renders to a string. This keeps structured
// outputs (maps, row sets) intact when passed whole into a tool input.
func (e *Env) RenderValue(text string) (any, error) {
	trimmed := strings.TrimSpace(text)
	if m := refPattern.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		refs := ExtractRefs(trimmed)
		return e.Resolve(refs[0])
	}
	return e.Render(text)
}

// Resolve looks up one reference in the environment.
func (e *Env) Resolve(ref Ref) (any, error) {
	var root map[string]any
	switch ref.Root {
	case "input":
		root = e.Input
	case "state":
		root = e.State
	case "outputs":
		root = e.Outputs
	default:
		return nil, fmt.Errorf("unresolved template reference %s: unknown root %q", ref.Raw, ref.Root)
	}

	if ref.Key == "" {
		if root == nil {
			return nil, fmt.Errorf("unresolved template reference %s", ref.Raw)
		}
		return root, nil
	}
	val, ok := root[ref.Key]
	if !ok {
		return nil, fmt.Errorf("unresolved template reference %s", ref.Raw)
	}
	if ref.Path == "" {
		return val, nil
	}
	return dig(val, ref.Path, ref.Raw)
}

// dig walks a dotted path into a decoded value, falling back to gjson
// when the value is a raw JSON string.
func dig(val any, path, raw string) (any, error) {
	if s, ok := val.(string); ok {
		res := gjson.Get(s, path)
		if !res.Exists() {
			return nil, fmt.Errorf("unresolved template reference %s: path %q not found", raw, path)
		}
		return res.Value(), nil
	}

	cur := val
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unresolved template reference %s: %q is not an object", raw, part)
		}
		cur, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("unresolved template reference %s: path %q not found", raw, path)
		}
	}
	return cur, nil
}

// RenderInputs renders a cell's input bindings into a typed map.
func (e *Env) RenderInputs(inputs map[string]string) (map[string]any, error) {
	if len(inputs) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(inputs))
	for key, tmpl := range inputs {
		val, err := e.RenderValue(tmpl)
		if err != nil {
			return nil, fmt.Errorf("render input %q: %w", key, err)
		}
		out[key] = val
	}
	return out, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
