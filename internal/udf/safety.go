// Package udf is the SQL bridge: it recognizes cascade calls embedded in
// user SQL (rvbbit, rvbbit_cascade, windlass_udf), executes them per
// distinct argument row with structure-keyed caching, and runs the
// THEN-stage pipeline over query results.
package udf

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// destructivePatterns are the statement heads the safety gate refuses in
// model-generated SQL fragments.
var destructivePatterns = regexp.MustCompile(`(?i)\b(DROP|DELETE|UPDATE|INSERT|ALTER|CREATE|GRANT|REVOKE|ATTACH|DETACH|COPY|IMPORT|EXPORT|LOAD|INSTALL|TRUNCATE)\b`)

// CheckFragment refuses SQL fragments containing destructive verbs.
// Used for sql_execute cell outputs and pipeline-generated SQL.
func CheckFragment(fragment string) error {
	if m := destructivePatterns.FindString(fragment); m != "" {
		return fmt.Errorf("sql fragment refused: destructive pattern %q", strings.ToUpper(m))
	}
	return nil
}

// CheckStatement additionally requires the top-level statement to be a
// SELECT or WITH. Used for sql_statement cell outputs.
func CheckStatement(statement string) error {
	if err := CheckFragment(statement); err != nil {
		return err
	}
	head := strings.ToUpper(firstToken(statement))
	if head != "SELECT" && head != "WITH" {
		return fmt.Errorf("sql statement refused: top-level %q, want SELECT or WITH", head)
	}
	return nil
}

var placeholderPattern = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)

// Substitute fills :name placeholders in a model-emitted SQL fragment
// with type-aware quoting, wraps the result in SELECT when the fragment
// is a bare expression, and runs it through the safety gate.
func Substitute(fragment string, args map[string]any) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(fragment, func(m string) string {
		name := m[1:]
		val, ok := args[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return QuoteValue(val)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("sql fragment references undefined placeholders: %s", strings.Join(missing, ", "))
	}

	head := strings.ToUpper(firstToken(out))
	if head != "SELECT" && head != "WITH" {
		out = "SELECT " + out
	}
	if err := CheckFragment(out); err != nil {
		return "", err
	}
	return out, nil
}

// QuoteValue renders a Go value as a SQL literal.
func QuoteValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if t {
			return "1"
		}
		return "0"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'"
	default:
		return "'" + strings.ReplaceAll(fmt.Sprintf("%v", t), "'", "''") + "'"
	}
}

func firstToken(s string) string {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
