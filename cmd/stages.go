package cmd

import (
	"fmt"
	"strings"

	"github.com/Siddhant-K-code/distillflow/pkg/operator"
	"github.com/Siddhant-K-code/distillflow/pkg/operator/builtin"
	"github.com/Siddhant-K-code/distillflow/pkg/pipeline"
	"github.com/Siddhant-K-code/distillflow/pkg/record"
)

// parseStages turns repeated --stage flags of the form
// "node_id:op:field" into StageConfigs backed by pkg/operator/builtin.
// This is a demo wiring, not a plugin system: distillflow's operator contract
// is meant to be satisfied by caller Go code, and --stage only exists so the
// CLI has something runnable out of the box.
//
// Supported ops:
//
//	upper:FIELD       uppercase the string at FIELD
//	lower:FIELD       lowercase the string at FIELD
//	trim:FIELD        trim leading/trailing whitespace at FIELD
//	nonempty:FIELD    drop records whose FIELD is missing, not a string, or blank
//	splitlines:FIELD  explode FIELD's string into one record per line
func parseStages(raw []string, batchSize, parallelSize int) ([]pipeline.StageConfig, error) {
	stages := make([]pipeline.StageConfig, 0, len(raw))
	for _, spec := range raw {
		parts := strings.SplitN(spec, ":", 3)
		if len(parts) < 3 {
			return nil, fmt.Errorf("invalid --stage %q: want node_id:op:field", spec)
		}
		nodeID, op, field := parts[0], parts[1], parts[2]

		adapter, err := buildAdapter(op, field)
		if err != nil {
			return nil, fmt.Errorf("--stage %q: %w", spec, err)
		}

		stages = append(stages, pipeline.StageConfig{
			NodeID:       nodeID,
			Adapter:      adapter,
			BatchSize:    batchSize,
			ParallelSize: parallelSize,
		})
	}
	return stages, nil
}

func buildAdapter(op, field string) (*operator.Adapter, error) {
	switch op {
	case "upper":
		return operator.NewItemAdapter(builtin.Map(func(r record.Record) record.Record {
			if s, ok := r[field].(string); ok {
				out := r.Clone()
				out[field] = strings.ToUpper(s)
				return out
			}
			return r
		})), nil
	case "lower":
		return operator.NewItemAdapter(builtin.Map(func(r record.Record) record.Record {
			if s, ok := r[field].(string); ok {
				out := r.Clone()
				out[field] = strings.ToLower(s)
				return out
			}
			return r
		})), nil
	case "trim":
		return operator.NewItemAdapter(builtin.Map(func(r record.Record) record.Record {
			if s, ok := r[field].(string); ok {
				out := r.Clone()
				out[field] = strings.TrimSpace(s)
				return out
			}
			return r
		})), nil
	case "nonempty":
		// An item operator, so a dropped record yields zero outputs; a node
		// rejects batch operators whose output is shorter than their input.
		return operator.NewItemAdapter(builtin.Explode(func(r record.Record) []record.Record {
			if s, ok := r[field].(string); ok && strings.TrimSpace(s) != "" {
				return []record.Record{r}
			}
			return nil
		})), nil
	case "splitlines":
		return operator.NewItemAdapter(builtin.Explode(func(r record.Record) []record.Record {
			s, ok := r[field].(string)
			if !ok {
				return []record.Record{r}
			}
			lines := strings.Split(s, "\n")
			out := make([]record.Record, 0, len(lines))
			for _, line := range lines {
				child := r.Clone()
				child[field] = line
				out = append(out, child)
			}
			return out
		})), nil
	default:
		return nil, fmt.Errorf("unknown stage op %q (want upper, lower, trim, nonempty, splitlines)", op)
	}
}
