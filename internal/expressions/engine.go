package expressions

import "context"

// Engine evaluates expressions against a chain run's data.
// Three implementations: CEL (step conditions), GoJQ (mapping selectors),
// Expr (output assertions).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
