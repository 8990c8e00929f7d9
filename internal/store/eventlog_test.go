package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loonghao/taskchain/pkg/schema"
)

func TestReplayChain_CompletedRun(t *testing.T) {
	events := []*Event{
		{ChainID: "c1", StepIndex: -1, Type: schema.EventChainStarted, Sequence: 1},
		{ChainID: "c1", StepIndex: 0, Type: schema.EventStepStarted, Sequence: 2},
		{ChainID: "c1", StepIndex: 0, Type: schema.EventStepCompleted, Sequence: 3},
		{ChainID: "c1", StepIndex: 1, Type: schema.EventStepStarted, Sequence: 4},
		{ChainID: "c1", StepIndex: 1, Type: schema.EventStepCompleted, Sequence: 5},
		{ChainID: "c1", StepIndex: -1, Type: schema.EventChainCompleted, Sequence: 6},
	}

	r := ReplayChain(events)
	assert.Equal(t, schema.ChainStatusCompleted, r.Status)
	assert.Equal(t, 2, r.StepsSeen)
	assert.Equal(t, 1, r.LastStep)
	assert.Equal(t, schema.TaskStatusCompleted, r.StepStatus[0])
	assert.Equal(t, schema.TaskStatusCompleted, r.StepStatus[1])
}

func TestReplayChain_FailedMidRun(t *testing.T) {
	events := []*Event{
		{ChainID: "c1", StepIndex: -1, Type: schema.EventChainStarted, Sequence: 1},
		{ChainID: "c1", StepIndex: 0, Type: schema.EventStepStarted, Sequence: 2},
		{ChainID: "c1", StepIndex: 0, Type: schema.EventStepFailed, Sequence: 3},
		{ChainID: "c1", StepIndex: -1, Type: schema.EventChainFailed, Sequence: 4},
	}

	r := ReplayChain(events)
	assert.Equal(t, schema.ChainStatusFailed, r.Status)
	assert.Equal(t, schema.TaskStatusFailed, r.StepStatus[0])
}

func TestReplayChain_RetryOverridesFailure(t *testing.T) {
	events := []*Event{
		{ChainID: "c1", StepIndex: -1, Type: schema.EventChainStarted, Sequence: 1},
		{ChainID: "c1", StepIndex: 0, Type: schema.EventStepStarted, Sequence: 2},
		{ChainID: "c1", StepIndex: 0, Type: schema.EventStepFailed, Sequence: 3},
		{ChainID: "c1", StepIndex: 0, Type: schema.EventStepRetried, Sequence: 4},
		{ChainID: "c1", StepIndex: 0, Type: schema.EventStepCompleted, Sequence: 5},
		{ChainID: "c1", StepIndex: -1, Type: schema.EventChainCompleted, Sequence: 6},
	}

	r := ReplayChain(events)
	assert.Equal(t, schema.ChainStatusCompleted, r.Status)
	assert.Equal(t, schema.TaskStatusCompleted, r.StepStatus[0])
}

func TestReplayChain_Cancelled(t *testing.T) {
	events := []*Event{
		{ChainID: "c1", StepIndex: -1, Type: schema.EventChainStarted, Sequence: 1},
		{ChainID: "c1", StepIndex: 0, Type: schema.EventStepStarted, Sequence: 2},
		{ChainID: "c1", StepIndex: -1, Type: schema.EventChainCancelled, Sequence: 3},
	}

	r := ReplayChain(events)
	assert.Equal(t, schema.ChainStatusCancelled, r.Status)
}

func TestReplayChain_Empty(t *testing.T) {
	r := ReplayChain(nil)
	assert.Equal(t, schema.ChainStatusPending, r.Status)
	assert.Equal(t, 0, r.StepsSeen)
	assert.Equal(t, -1, r.LastStep)
}

func TestReplayChain_RunningWithSkips(t *testing.T) {
	events := []*Event{
		{ChainID: "c1", StepIndex: -1, Type: schema.EventChainStarted, Sequence: 1},
		{ChainID: "c1", StepIndex: 0, Type: schema.EventStepSkipped, Sequence: 2},
		{ChainID: "c1", StepIndex: 1, Type: schema.EventStepStarted, Sequence: 3},
	}

	r := ReplayChain(events)
	assert.Equal(t, schema.ChainStatusRunning, r.Status)
	assert.Equal(t, schema.TaskStatusSkipped, r.StepStatus[0])
	assert.Equal(t, schema.TaskStatusExecuting, r.StepStatus[1])
	assert.Equal(t, 1, r.LastStep)
}
