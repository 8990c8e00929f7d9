package validation

import (
	"fmt"
	"time"

	"github.com/loonghao/taskchain/pkg/schema"
)

// validateSemantic performs semantic analysis on a chain definition: prompt
// IDs present, parseable timeouts, sane retry budgets, and data-flow checks
// that mapping sources can plausibly exist when their step runs.
func validateSemantic(def *schema.ChainDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	// Keys known to exist in the bag before each step runs. Output mapping
	// targets and pass-through are unknowable for unmapped steps, so absence
	// from this set is only a warning, and tracking stops at the first step
	// without an output mapping.
	known := make(map[string]bool)
	trackKnown := true

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if step.PromptID == "" {
			result.AddError(path+".prompt_id", schema.ErrCodeValidation,
				"prompt_id is required")
		}
		if step.StepName == "" {
			result.AddWarning(path+".step_name", schema.ErrCodeValidation,
				"step has no name, logs will fall back to the prompt ID")
		}

		if step.Timeout != "" {
			if d, err := time.ParseDuration(step.Timeout); err != nil || d <= 0 {
				result.AddError(path+".timeout", schema.ErrCodeValidation,
					fmt.Sprintf("invalid timeout %q", step.Timeout))
			}
		}

		if step.RetryCount != nil {
			if *step.RetryCount < 0 {
				result.AddError(path+".retry_count", schema.ErrCodeValidation,
					"retry_count cannot be negative")
			} else if *step.RetryCount > 10 {
				result.AddWarning(path+".retry_count", schema.ErrCodeValidation,
					fmt.Sprintf("high retry count (%d) may cause long delays", *step.RetryCount))
			}
		}

		for target, source := range step.InputMapping {
			if target == "" {
				result.AddError(path+".input_mapping", schema.ErrCodeValidation,
					"input mapping has an empty target key")
			}
			if source == "" {
				result.AddError(fmt.Sprintf("%s.input_mapping[%s]", path, target),
					schema.ErrCodeValidation, "input mapping has an empty source")
				continue
			}
			if i > 0 && trackKnown && !isSelector(source) && !known[source] {
				result.AddWarning(fmt.Sprintf("%s.input_mapping[%s]", path, target),
					schema.ErrCodeValidation,
					fmt.Sprintf("source %q is not written by any earlier step", source))
			}
		}

		for source, target := range step.OutputMapping {
			if source == "" {
				result.AddError(path+".output_mapping", schema.ErrCodeValidation,
					"output mapping has an empty source key")
			}
			if target == "" {
				result.AddError(fmt.Sprintf("%s.output_mapping[%s]", path, source),
					schema.ErrCodeValidation, "output mapping has an empty target")
			}
			if source == target {
				result.AddWarning(fmt.Sprintf("%s.output_mapping[%s]", path, source),
					schema.ErrCodeValidation,
					fmt.Sprintf("mapping %q to itself has no effect", source))
			}
		}

		if trackKnown {
			if len(step.OutputMapping) == 0 {
				trackKnown = false
			}
			for _, target := range step.OutputMapping {
				known[target] = true
			}
		}
	}

	return result
}

func isSelector(source string) bool {
	return len(source) > 0 && source[0] == '.'
}
