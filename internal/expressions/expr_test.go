package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loonghao/taskchain/pkg/schema"
)

func TestExpr_Name(t *testing.T) {
	assert.Equal(t, "expr", NewExprEngine().Name())
}

func TestExpr_OutputAssertion(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), `output.status == "ok"`, map[string]any{
		"output": map[string]any{"status": "ok"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_ArrayOperations(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(),
		`len(filter(output.items, .score > 2)) == 2`,
		map[string]any{
			"output": map[string]any{
				"items": []any{
					map[string]any{"score": 1},
					map[string]any{"score": 3},
					map[string]any{"score": 5},
				},
			},
		})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_NilCoalescing(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), `output.missing ?? "fallback"`, map[string]any{
		"output": map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExpr_EmptyExpression(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	chErr, ok := err.(*schema.ChainError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, chErr.Code)
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), `output. ==`, nil)
	require.Error(t, err)
	chErr, ok := err.(*schema.ChainError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, chErr.Code)
}

func TestExpr_Assert(t *testing.T) {
	e := NewExprEngine()
	ok, err := e.Assert(context.Background(), `output.rows > 0`, map[string]any{
		"output": map[string]any{"rows": 3},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpr_Assert_NonBool(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Assert(context.Background(), `output.rows`, map[string]any{
		"output": map[string]any{"rows": 3},
	})
	require.Error(t, err)
	chErr, ok := err.(*schema.ChainError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, chErr.Code)
}

func TestExpr_CacheReuse(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()
	data := map[string]any{"output": map[string]any{"x": 1}}

	_, err := e.Evaluate(ctx, `output.x == 1`, data)
	require.NoError(t, err)
	require.Len(t, e.cache, 1)

	_, err = e.Evaluate(ctx, `output.x == 1`, data)
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)
}
