package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loonghao/taskchain/pkg/schema"
)

func TestBuildLevels_Empty(t *testing.T) {
	assert.Nil(t, BuildLevels(nil))
}

func TestBuildLevels_IndependentStepsShareALevel(t *testing.T) {
	steps := []schema.ChainStepSpec{
		{PromptID: "a", InputMapping: map[string]string{"x": "seed_a"}, OutputMapping: map[string]string{"out": "a_out"}},
		{PromptID: "b", InputMapping: map[string]string{"x": "seed_b"}, OutputMapping: map[string]string{"out": "b_out"}},
	}

	levels := BuildLevels(steps)
	require.Len(t, levels, 1)
	assert.Equal(t, []int{0, 1}, levels[0])
}

func TestBuildLevels_DataDependencyOrders(t *testing.T) {
	steps := []schema.ChainStepSpec{
		{PromptID: "a", InputMapping: map[string]string{"x": "seed"}, OutputMapping: map[string]string{"out": "a_out"}},
		{PromptID: "b", InputMapping: map[string]string{"in": "a_out"}, OutputMapping: map[string]string{"out": "b_out"}},
	}

	levels := BuildLevels(steps)
	require.Len(t, levels, 2)
	assert.Equal(t, []int{0}, levels[0])
	assert.Equal(t, []int{1}, levels[1])
}

func TestBuildLevels_Diamond(t *testing.T) {
	steps := []schema.ChainStepSpec{
		{PromptID: "root", InputMapping: map[string]string{"x": "seed"}, OutputMapping: map[string]string{"out": "root_out"}},
		{PromptID: "left", InputMapping: map[string]string{"in": "root_out"}, OutputMapping: map[string]string{"out": "left_out"}},
		{PromptID: "right", InputMapping: map[string]string{"in": "root_out"}, OutputMapping: map[string]string{"out": "right_out"}},
		{PromptID: "join", InputMapping: map[string]string{"l": "left_out", "r": "right_out"}, OutputMapping: map[string]string{"out": "final"}},
	}

	levels := BuildLevels(steps)
	require.Len(t, levels, 3)
	assert.Equal(t, []int{0}, levels[0])
	assert.Equal(t, []int{1, 2}, levels[1])
	assert.Equal(t, []int{3}, levels[2])
}

func TestBuildLevels_NoInputMappingDependsOnAll(t *testing.T) {
	steps := []schema.ChainStepSpec{
		{PromptID: "a", InputMapping: map[string]string{"x": "seed"}, OutputMapping: map[string]string{"out": "a_out"}},
		{PromptID: "b", OutputMapping: map[string]string{"out": "b_out"}},
	}

	levels := BuildLevels(steps)
	require.Len(t, levels, 2)
	assert.Equal(t, []int{1}, levels[1])
}

func TestBuildLevels_NoOutputMappingIsBarrier(t *testing.T) {
	steps := []schema.ChainStepSpec{
		{PromptID: "a", InputMapping: map[string]string{"x": "seed"}},
		{PromptID: "b", InputMapping: map[string]string{"y": "unrelated"}, OutputMapping: map[string]string{"out": "b_out"}},
	}

	levels := BuildLevels(steps)
	require.Len(t, levels, 2)
	assert.Equal(t, []int{0}, levels[0])
	assert.Equal(t, []int{1}, levels[1])
}

func TestBuildLevels_SelectorRootKeyConflicts(t *testing.T) {
	steps := []schema.ChainStepSpec{
		{PromptID: "a", InputMapping: map[string]string{"x": "seed"}, OutputMapping: map[string]string{"out": "user"}},
		{PromptID: "b", InputMapping: map[string]string{"name": ".user.name"}, OutputMapping: map[string]string{"out": "b_out"}},
	}

	levels := BuildLevels(steps)
	require.Len(t, levels, 2)
}
