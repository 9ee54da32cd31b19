package udf

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// inlineLimit is the serialized size up to which a stage dataframe is
// passed inline; larger frames go through a file in the session's
// artifacts directory.
const inlineLimit = 64 * 1024

// runStage executes one THEN stage: serialize the current dataframe,
// run the stage's cascade, deserialize the result.
func (b *Bridge) runStage(ctx context.Context, rows []map[string]any, index int, stage Stage, callerID string) ([]map[string]any, error) {
	cascadeID := b.stageCascade(stage.Name)

	input := map[string]any{
		"query":       stage.Args,
		"prior_stage": stageContext(index, stage),
	}
	serialized, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("serialize dataframe: %w", err)
	}
	if len(serialized) <= inlineLimit {
		input["data"] = json.RawMessage(serialized)
	} else {
		path, werr := b.DB.WriteArtifact(fmt.Sprintf("stage_%d_input.json", index), serialized)
		if werr != nil {
			return nil, fmt.Errorf("spill dataframe: %w", werr)
		}
		input["data_file"] = path
	}

	out, err := b.Invoke.InvokeCascade(ctx, cascadeID, input, callerID)
	if err != nil {
		return nil, err
	}
	return deserializeStageResult(out)
}

func (b *Bridge) stageCascade(name string) string {
	if id, ok := b.StageCascades[name]; ok {
		return id
	}
	return "pipeline_" + strings.ToLower(name)
}

func stageContext(index int, stage Stage) string {
	if index == 0 {
		return "query"
	}
	return strings.ToLower(stage.Name)
}

// deserializeStageResult accepts the shapes a stage cascade may return:
// a list of rows, a dict whose "data" field is the rows, a JSON string
// of either, or a path to a JSON file.
func deserializeStageResult(out any) ([]map[string]any, error) {
	switch v := out.(type) {
	case []any:
		return toRows(v)
	case map[string]any:
		if data, ok := v["data"]; ok {
			if arr, ok := data.([]any); ok {
				return toRows(arr)
			}
		}
		return []map[string]any{v}, nil
	case string:
		trimmed := strings.TrimSpace(v)
		if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
			var decoded any
			if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
				return nil, fmt.Errorf("stage returned invalid JSON: %w", err)
			}
			return deserializeStageResult(decoded)
		}
		// Treat as a file path.
		data, err := os.ReadFile(trimmed)
		if err != nil {
			return nil, fmt.Errorf("read stage result file: %w", err)
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, fmt.Errorf("decode stage result file: %w", err)
		}
		return deserializeStageResult(decoded)
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("stage returned unsupported value %T", out)
	}
}

func toRows(arr []any) ([]map[string]any, error) {
	rows := make([]map[string]any, 0, len(arr))
	for i, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("stage row %d is %T, want object", i, item)
		}
		rows = append(rows, m)
	}
	return rows, nil
}
