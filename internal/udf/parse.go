package udf

import (
	"fmt"
	"sort"
	"strings"
)

// UDF identifiers recognized inside user SQL. windlass_udf is an alias
// of rvbbit_cascade.
const (
	FnScalar       = "rvbbit"
	FnCascade      = "rvbbit_cascade"
	FnCascadeAlias = "windlass_udf"
)

// Call is one UDF invocation found in a SQL text: its function name, raw
// argument expressions, and byte span in the original query.
type Call struct {
	Name  string
	Args  []string
	Start int
	End   int // exclusive, past the closing paren
}

// FindCalls scans SQL for UDF invocations. String literals are honored;
// nested parentheses inside arguments are balanced.
func FindCalls(sql string) ([]Call, error) {
	var calls []Call
	lower := strings.ToLower(sql)

	for _, fn := range []string{FnCascade, FnCascadeAlias, FnScalar} {
		from := 0
		for {
			idx := indexIdent(lower, fn, from)
			if idx < 0 {
				break
			}
			open := idx + len(fn)
			for open < len(sql) && (sql[open] == ' ' || sql[open] == '\t') {
				open++
			}
			if open >= len(sql) || sql[open] != '(' {
				from = idx + len(fn)
				continue
			}
			args, end, err := splitArgs(sql, open)
			if err != nil {
				return nil, fmt.Errorf("parse %s call at offset %d: %w", fn, idx, err)
			}
			if !overlaps(calls, idx, end) {
				calls = append(calls, Call{Name: fn, Args: args, Start: idx, End: end})
			}
			from = end
		}
	}

	sort.Slice(calls, func(i, j int) bool { return calls[i].Start < calls[j].Start })
	return calls, nil
}

// indexIdent finds fn as a standalone identifier (not a suffix of a
// longer name) at or after from.
func indexIdent(lower, fn string, from int) int {
	for {
		idx := strings.Index(lower[from:], fn)
		if idx < 0 {
			return -1
		}
		idx += from
		beforeOK := idx == 0 || !isIdentByte(lower[idx-1])
		afterIdx := idx + len(fn)
		afterOK := afterIdx >= len(lower) || !isIdentByte(lower[afterIdx])
		if beforeOK && afterOK {
			return idx
		}
		from = idx + 1
	}
}

func isIdentByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

// splitArgs parses a balanced argument list starting at the opening
// paren, splitting on top-level commas and respecting string literals.
func splitArgs(sql string, open int) ([]string, int, error) {
	depth := 0
	inString := byte(0)
	var args []string
	argStart := open + 1

	for i := open; i < len(sql); i++ {
		c := sql[i]
		if inString != 0 {
			if c == inString {
				// SQL escapes quotes by doubling.
				if i+1 < len(sql) && sql[i+1] == inString {
					i++
					continue
				}
				inString = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			inString = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				last := strings.TrimSpace(sql[argStart:i])
				if last != "" || len(args) > 0 {
					args = append(args, last)
				}
				return args, i + 1, nil
			}
		case ',':
			if depth == 1 {
				args = append(args, strings.TrimSpace(sql[argStart:i]))
				argStart = i + 1
			}
		}
	}
	return nil, 0, fmt.Errorf("unbalanced parentheses")
}

func overlaps(calls []Call, start, end int) bool {
	for _, c := range calls {
		if start < c.End && end > c.Start {
			return true
		}
	}
	return false
}

// Stage is one THEN-pipeline stage.
type Stage struct {
	Name string // ANALYZE | FILTER | ENRICH | SPEAK
	Args string // raw argument text, usually a quoted instruction
	Into string // optional materialization table
}

// SplitPipeline separates a user query into the base SQL and its THEN
// stages. Recognized form per stage: THEN <STAGE> [args] [INTO <table>].
func SplitPipeline(sql string) (string, []Stage, error) {
	parts := splitTopLevel(sql, " then ")
	base := strings.TrimSpace(parts[0])
	var stages []Stage
	for _, raw := range parts[1:] {
		stage, err := parseStage(strings.TrimSpace(raw))
		if err != nil {
			return "", nil, err
		}
		stages = append(stages, stage)
	}
	return base, stages, nil
}

// splitTopLevel splits on a keyword outside string literals and parens,
// case-insensitively.
func splitTopLevel(sql, sep string) []string {
	lower := strings.ToLower(sql)
	var parts []string
	depth := 0
	inString := byte(0)
	last := 0

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if inString != 0 {
			if c == inString {
				if i+1 < len(sql) && sql[i+1] == inString {
					i++
					continue
				}
				inString = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			inString = c
		case '(':
			depth++
		case ')':
			depth--
		default:
			if depth == 0 && strings.HasPrefix(lower[i:], sep) {
				parts = append(parts, sql[last:i])
				last = i + len(sep)
				i = last - 1
			}
		}
	}
	parts = append(parts, sql[last:])
	return parts
}

var knownStages = map[string]bool{"ANALYZE": true, "FILTER": true, "ENRICH": true, "SPEAK": true}

func parseStage(raw string) (Stage, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return Stage{}, fmt.Errorf("empty pipeline stage")
	}
	name := strings.ToUpper(fields[0])
	if !knownStages[name] {
		return Stage{}, fmt.Errorf("unknown pipeline stage %q", fields[0])
	}

	rest := strings.TrimSpace(raw[len(fields[0]):])
	into := ""
	if idx := lastIndexTopLevel(strings.ToUpper(rest), " INTO "); idx >= 0 {
		into = strings.TrimSpace(rest[idx+len(" INTO "):])
		rest = strings.TrimSpace(rest[:idx])
	}
	// Strip surrounding quotes from the args text.
	if len(rest) >= 2 && rest[0] == '\'' && rest[len(rest)-1] == '\'' {
		rest = strings.ReplaceAll(rest[1:len(rest)-1], "''", "'")
	}
	return Stage{Name: name, Args: rest, Into: into}, nil
}

// lastIndexTopLevel finds sep outside string literals; upper must be the
// uppercased text.
func lastIndexTopLevel(upper, sep string) int {
	inString := false
	last := -1
	for i := 0; i < len(upper); i++ {
		if upper[i] == '\'' {
			inString = !inString
			continue
		}
		if !inString && strings.HasPrefix(upper[i:], sep) {
			last = i
		}
	}
	return last
}
