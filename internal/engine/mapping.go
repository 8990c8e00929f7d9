package engine

import (
	"context"

	"github.com/loonghao/taskchain/internal/expressions"
	"github.com/loonghao/taskchain/pkg/schema"
)

// Mapper resolves step data mappings against the shared data bag. Plain
// mapping sources are direct key lookups; sources beginning with "." are jq
// expressions evaluated by the GoJQ engine.
type Mapper struct {
	jq *expressions.GoJQEngine
}

// NewMapper creates a Mapper backed by the given jq engine.
func NewMapper(jq *expressions.GoJQEngine) *Mapper {
	return &Mapper{jq: jq}
}

// BuildInput assembles the input for a step. The input starts as a copy of
// the shared data bag; each input mapping entry (target <- source) then adds
// or overwrites the target key with the resolved source value. A source
// absent from the bag is skipped silently. A malformed jq selector is a
// mapping error.
func (m *Mapper) BuildInput(ctx context.Context, step *schema.ChainStepSpec, data map[string]any) (map[string]any, error) {
	input := cloneBag(data)

	for target, source := range step.InputMapping {
		val, found, err := m.resolve(ctx, source, data)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		input[target] = val
	}

	return input, nil
}

// ApplyOutput folds a step's raw output back into the shared data bag and
// returns the updated bag. Output keys not named as a mapping source merge
// under their own name; each output mapping entry (source -> target) writes
// the resolved source value under the target key instead. Renames win over
// pass-through keys. A mapping source absent from the output is skipped
// silently.
func (m *Mapper) ApplyOutput(ctx context.Context, step *schema.ChainStepSpec, data, output map[string]any) (map[string]any, error) {
	next := cloneBag(data)

	// Pass through output keys the mapping does not claim.
	for k, v := range output {
		if _, claimed := step.OutputMapping[k]; claimed {
			continue
		}
		next[k] = v
	}

	for source, target := range step.OutputMapping {
		val, found, err := m.resolve(ctx, source, output)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		next[target] = val
	}

	return next, nil
}

func (m *Mapper) resolve(ctx context.Context, source string, from map[string]any) (any, bool, error) {
	if expressions.IsSelector(source) {
		return m.jq.Select(ctx, source, from)
	}
	val, ok := from[source]
	return val, ok, nil
}

func cloneBag(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
