package engine

import (
	"strings"

	"github.com/loonghao/taskchain/pkg/schema"
)

// BuildLevels derives a parallel execution plan from the data mappings of a
// chain. Step j depends on an earlier step i when i can write a key that j
// reads. Steps with no input mapping read the whole bag and depend on every
// earlier step; steps with no output mapping can write any key and are a
// barrier for every later step. The result is a list of levels: steps within
// a level have no data dependency on each other and may run concurrently,
// levels run in order.
func BuildLevels(steps []schema.ChainStepSpec) [][]int {
	n := len(steps)
	if n == 0 {
		return nil
	}

	reads := make([]map[string]bool, n)
	writes := make([]map[string]bool, n)
	for i := range steps {
		reads[i] = readSet(&steps[i])
		writes[i] = writeSet(&steps[i])
	}

	// level[j] = 1 + max(level[i]) over all i < j that j depends on.
	level := make([]int, n)
	maxLevel := 0
	for j := 0; j < n; j++ {
		for i := 0; i < j; i++ {
			if !dependsOn(writes[i], reads[j]) {
				continue
			}
			if level[i]+1 > level[j] {
				level[j] = level[i] + 1
			}
		}
		if level[j] > maxLevel {
			maxLevel = level[j]
		}
	}

	levels := make([][]int, maxLevel+1)
	for j := 0; j < n; j++ {
		levels[level[j]] = append(levels[level[j]], j)
	}
	return levels
}

// readSet returns the bag keys a step reads, or nil for "reads everything".
func readSet(step *schema.ChainStepSpec) map[string]bool {
	if len(step.InputMapping) == 0 {
		return nil
	}
	set := make(map[string]bool, len(step.InputMapping))
	for _, source := range step.InputMapping {
		set[rootKey(source)] = true
	}
	return set
}

// writeSet returns the bag keys a step writes, or nil for "writes anything".
// A step with an output mapping is assumed to write its targets and the
// mapping sources' own names; pass-through of unmapped output keys is not
// statically knowable.
func writeSet(step *schema.ChainStepSpec) map[string]bool {
	if len(step.OutputMapping) == 0 {
		return nil
	}
	set := make(map[string]bool, len(step.OutputMapping)*2)
	for source, target := range step.OutputMapping {
		set[target] = true
		set[rootKey(source)] = true
	}
	return set
}

// rootKey reduces a jq selector to its leading path segment so ".user.name"
// conflicts with any writer of "user".
func rootKey(source string) string {
	if !strings.HasPrefix(source, ".") {
		return source
	}
	trimmed := strings.TrimPrefix(source, ".")
	if i := strings.IndexAny(trimmed, ".[| "); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}

// dependsOn reports whether a writer's key set intersects a reader's.
// A nil set is a wildcard on either side.
func dependsOn(writes, reads map[string]bool) bool {
	if writes == nil || reads == nil {
		return true
	}
	for k := range reads {
		if writes[k] {
			return true
		}
	}
	return false
}
