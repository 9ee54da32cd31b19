package unilog

import (
	"net/url"
	"os"
	"strings"
)

// Redactor replaces known credential values with [REDACTED:VAR_NAME]
// placeholders before rows reach durable storage. The dictionary is
// built from WINDLASS_SECRET_* environment variables plus the provider
// API key, with URL-encoded variants of each value included.
type Redactor struct {
	replacements map[string]string
}

// NewRedactor scans the environment for WINDLASS_SECRET_* variables and
// the named extra keys (e.g. PROVIDER_API_KEY). Empty values are skipped.
func NewRedactor(extraVars ...string) *Redactor {
	r := &Redactor{replacements: make(map[string]string)}
	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || value == "" || !strings.HasPrefix(name, "WINDLASS_SECRET_") {
			continue
		}
		r.add(name, value)
	}
	for _, name := range extraVars {
		if value := os.Getenv(name); value != "" {
			r.add(name, value)
		}
	}
	return r
}

func (r *Redactor) add(name, value string) {
	r.replacements[value] = "[REDACTED:" + name + "]"
	if encoded := url.QueryEscape(value); encoded != value {
		r.replacements[encoded] = "[REDACTED:" + name + ":urlencoded]"
	}
}

// Redact replaces every known credential value in s. With an empty
// dictionary it is a passthrough.
func (r *Redactor) Redact(s string) string {
	if len(r.replacements) == 0 || s == "" {
		return s
	}
	for value, placeholder := range r.replacements {
		s = strings.ReplaceAll(s, value, placeholder)
	}
	return s
}

// RedactingWriter wraps a Writer and scrubs the free-text columns of
// every appended row. Cost updates carry no content and pass through.
type RedactingWriter struct {
	next     Writer
	redactor *Redactor
}

// Redacted wraps w with the given redactor.
func Redacted(w Writer, r *Redactor) *RedactingWriter {
	return &RedactingWriter{next: w, redactor: r}
}

// Append scrubs the row in place and forwards it.
func (w *RedactingWriter) Append(row *Row) error {
	row.Content = w.redactor.Redact(row.Content)
	row.FullRequest = w.redactor.Redact(row.FullRequest)
	row.FullResponse = w.redactor.Redact(row.FullResponse)
	row.Metadata = w.redactor.Redact(row.Metadata)
	return w.next.Append(row)
}

// UpdateCost forwards unchanged.
func (w *RedactingWriter) UpdateCost(u CostUpdate) (bool, error) {
	return w.next.UpdateCost(u)
}
