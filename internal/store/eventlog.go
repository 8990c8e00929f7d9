package store

import (
	"github.com/loonghao/taskchain/pkg/schema"
)

// ChainReplay is the state of a chain run reconstructed from its event log.
type ChainReplay struct {
	Status      schema.ChainStatus
	StepStatus  map[int]schema.TaskStatus
	StepsSeen   int
	LastStep    int
}

// ReplayChain folds an ordered event slice into per-step statuses and a
// coarse chain status. Used when the in-memory execution context has already
// been evicted and only the audit trail remains.
func ReplayChain(events []*Event) *ChainReplay {
	r := &ChainReplay{
		Status:     schema.ChainStatusPending,
		StepStatus: make(map[int]schema.TaskStatus),
		LastStep:   -1,
	}

	for _, e := range events {
		switch e.Type {
		case schema.EventChainStarted:
			r.Status = schema.ChainStatusRunning

		case schema.EventChainCompleted:
			r.Status = schema.ChainStatusCompleted

		case schema.EventChainFailed:
			r.Status = schema.ChainStatusFailed

		case schema.EventChainCancelled:
			r.Status = schema.ChainStatusCancelled

		case schema.EventStepStarted:
			r.setStep(e.StepIndex, schema.TaskStatusExecuting)

		case schema.EventStepCompleted:
			r.setStep(e.StepIndex, schema.TaskStatusCompleted)

		case schema.EventStepRetried:
			r.setStep(e.StepIndex, schema.TaskStatusExecuting)

		case schema.EventStepFailed:
			r.setStep(e.StepIndex, schema.TaskStatusFailed)

		case schema.EventStepSkipped:
			r.setStep(e.StepIndex, schema.TaskStatusSkipped)
		}
	}

	r.StepsSeen = len(r.StepStatus)
	return r
}

func (r *ChainReplay) setStep(index int, status schema.TaskStatus) {
	if index < 0 {
		return
	}
	r.StepStatus[index] = status
	if index > r.LastStep {
		r.LastStep = index
	}
}
