package expressions

// Scope is the variable set exposed to condition and assertion expressions.
// Conditions see the state of the run at the moment the step is about to
// execute; assertions additionally see the raw output of the step that just
// finished.
type Scope struct {
	// Data is the shared data bag accumulated across the chain run.
	Data map[string]any
	// Chain carries run metadata: chain_id, run_id, step_count.
	Chain map[string]any
	// Step carries the current step's metadata: index, prompt_id, name.
	Step map[string]any
	// Output is the raw step output, populated only for assertions.
	Output map[string]any
}

// NewScope builds a scope for a given run and step. Nil maps are replaced
// with empty ones so expressions never hit missing top-level variables.
func NewScope(data, chain, step map[string]any) *Scope {
	return &Scope{
		Data:  orEmpty(data),
		Chain: orEmpty(chain),
		Step:  orEmpty(step),
	}
}

// WithOutput returns a copy of the scope with the step output attached.
func (s *Scope) WithOutput(output map[string]any) *Scope {
	clone := *s
	clone.Output = orEmpty(output)
	return &clone
}

// ToMap flattens the scope into the map form the engines evaluate against.
func (s *Scope) ToMap() map[string]any {
	m := map[string]any{
		"data":  s.Data,
		"chain": s.Chain,
		"step":  s.Step,
	}
	if s.Output != nil {
		m["output"] = s.Output
	}
	return m
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
