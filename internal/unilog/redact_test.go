package unilog

import (
	"testing"
)

func TestRedactor_ScrubsEnvSecrets(t *testing.T) {
	t.Setenv("WINDLASS_SECRET_DB_PASS", "hunter2!")
	t.Setenv("PROVIDER_API_KEY", "sk-live-abc123")

	r := NewRedactor("PROVIDER_API_KEY")

	got := r.Redact("connecting with hunter2! and header Bearer sk-live-abc123")
	if got != "connecting with [REDACTED:WINDLASS_SECRET_DB_PASS] and header Bearer [REDACTED:PROVIDER_API_KEY]" {
		t.Fatalf("got %q", got)
	}
}

func TestRedactor_URLEncodedVariant(t *testing.T) {
	t.Setenv("WINDLASS_SECRET_TOKEN", "a b&c")
	r := NewRedactor()
	got := r.Redact("raw: a b&c encoded: a+b%26c")
	if got != "raw: [REDACTED:WINDLASS_SECRET_TOKEN] encoded: [REDACTED:WINDLASS_SECRET_TOKEN:urlencoded]" {
		t.Fatalf("got %q", got)
	}
}

func TestRedactingWriter_ScrubsRowColumns(t *testing.T) {
	t.Setenv("WINDLASS_SECRET_KEY", "topsecret")

	var captured Row
	sink := &captureWriter{onAppend: func(r *Row) { captured = *r }}

	err := Redacted(sink, NewRedactor()).Append(&Row{
		TraceID:     "t1",
		Content:     "used topsecret to authenticate",
		FullRequest: `{"authorization": "topsecret"}`,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if captured.Content != "used [REDACTED:WINDLASS_SECRET_KEY] to authenticate" {
		t.Fatalf("content = %q", captured.Content)
	}
	if captured.FullRequest != `{"authorization": "[REDACTED:WINDLASS_SECRET_KEY]"}` {
		t.Fatalf("full_request = %q", captured.FullRequest)
	}
}

type captureWriter struct {
	onAppend func(*Row)
}

func (c *captureWriter) Append(r *Row) error {
	if c.onAppend != nil {
		c.onAppend(r)
	}
	return nil
}

func (c *captureWriter) UpdateCost(CostUpdate) (bool, error) { return false, nil }
