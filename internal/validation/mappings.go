package validation

import (
	"fmt"

	"github.com/loonghao/taskchain/pkg/schema"
)

// validateMappings scans the data mappings for cycles between step pairs:
// output renames that reverse an earlier rename, and produce/consume edges
// running both ways between two steps. Execution is still well defined
// (steps run in order), so cycles are warnings, not errors.
func validateMappings(def *schema.ChainDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	type rename struct {
		step   int
		source string
		target string
	}

	var renames []rename
	for i := range def.Steps {
		for source, target := range def.Steps[i].OutputMapping {
			if isSelector(source) || source == target {
				continue
			}
			renames = append(renames, rename{step: i, source: source, target: target})
		}
	}

	for a := 0; a < len(renames); a++ {
		for b := a + 1; b < len(renames); b++ {
			ra, rb := renames[a], renames[b]
			if ra.step == rb.step {
				continue
			}
			if ra.source == rb.target && ra.target == rb.source {
				result.AddWarning(
					fmt.Sprintf("steps[%d].output_mapping[%s]", rb.step, rb.source),
					schema.ErrCodeValidation,
					fmt.Sprintf("rename %q -> %q reverses step %d's rename %q -> %q",
						rb.source, rb.target, ra.step, ra.source, ra.target))
			}
		}
	}

	// Pairwise data-flow cycles: an earlier step feeding a later one while
	// the later step also produces a key the earlier one consumes. The
	// earlier step has already run by then, so the backward edge is dead
	// and usually means the steps are in the wrong order.
	produced := make([]map[string]bool, len(def.Steps))
	consumed := make([]map[string]bool, len(def.Steps))
	for i := range def.Steps {
		produced[i] = make(map[string]bool, len(def.Steps[i].OutputMapping))
		for _, target := range def.Steps[i].OutputMapping {
			produced[i][target] = true
		}
		consumed[i] = make(map[string]bool, len(def.Steps[i].InputMapping))
		for _, source := range def.Steps[i].InputMapping {
			if !isSelector(source) {
				consumed[i][source] = true
			}
		}
	}
	for i := 0; i < len(def.Steps); i++ {
		for j := i + 1; j < len(def.Steps); j++ {
			if !intersects(produced[i], consumed[j]) || !intersects(produced[j], consumed[i]) {
				continue
			}
			result.AddWarning(
				fmt.Sprintf("steps[%d]", j),
				schema.ErrCodeValidation,
				fmt.Sprintf("steps %d and %d form a mapping cycle: step %d consumes step %d's output but also produces a key step %d consumes",
					i, j, j, i, i))
		}
	}

	return result
}

func intersects(a, b map[string]bool) bool {
	for k := range a {
		if b[k] {
			return true
		}
	}
	return false
}
