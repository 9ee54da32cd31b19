package runner

import (
	"context"
	"encoding/json"
	"fmt"
)

// Memory bindings persist named values in the session working database
// so a cell can carry state across route_to loops and resumed runs.

const memoryTable = `CREATE TABLE IF NOT EXISTS _memory (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

func (ex *execution) memoryLoad(ctx context.Context, name string) (any, bool, error) {
	if _, err := ex.sdb.Exec(ctx, memoryTable); err != nil {
		return nil, false, fmt.Errorf("init memory table: %w", err)
	}
	rows, err := ex.sdb.Query(ctx, `SELECT value FROM _memory WHERE name = ?`, name)
	if err != nil {
		return nil, false, fmt.Errorf("load memory %s: %w", name, err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	raw, _ := rows[0]["value"].(string)
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw, true, nil
	}
	return v, true, nil
}

func (ex *execution) memoryStore(ctx context.Context, name string, value any) error {
	if _, err := ex.sdb.Exec(ctx, memoryTable); err != nil {
		return fmt.Errorf("init memory table: %w", err)
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal memory %s: %w", name, err)
	}
	if _, err := ex.sdb.Exec(ctx,
		`INSERT INTO _memory (name, value, updated_at) VALUES (?, ?, unixepoch())
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, string(b)); err != nil {
		return fmt.Errorf("store memory %s: %w", name, err)
	}
	return nil
}
