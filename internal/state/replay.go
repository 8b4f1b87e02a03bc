package state

import (
	"fmt"
	"iter"

	"github.com/catface996/aiops-executor/internal/domain"
)

// Replay folds an execution's event log into a machine. Events must be in
// (timestamp, sequence) order; an event the lifecycle rejects is an error.
func Replay(executionID string, nodeIDs []string, events iter.Seq2[domain.Event, error]) (*Machine, error) {
	m := NewMachine(executionID, nodeIDs)
	for ev, err := range events {
		if err != nil {
			return nil, err
		}
		if err := m.Apply(ev); err != nil {
			return nil, fmt.Errorf("replay %s at %s: %w", ev.Type, ev.Cursor(), err)
		}
	}
	return m, nil
}

// Apply advances the machine by one event.
func (m *Machine) Apply(ev domain.Event) error {
	switch ev.Type {
	case domain.EventTypeExecutionStarted:
		return m.StartExecution()
	case domain.EventTypeNodeStarted:
		return m.StartNode(ev.NodeID)
	case domain.EventTypeNodeSucceeded:
		return m.SucceedNode(ev.NodeID)
	case domain.EventTypeNodeFailed:
		return m.FailNode(ev.NodeID)
	case domain.EventTypeNodeSkipped:
		return m.SkipNode(ev.NodeID)
	case domain.EventTypeExecutionCompleted:
		return m.FinishExecution(domain.ExecutionStatusCompleted)
	case domain.EventTypeExecutionFailed:
		return m.FinishExecution(domain.ExecutionStatusFailed)
	case domain.EventTypeExecutionCancelled:
		return m.FinishExecution(domain.ExecutionStatusCancelled)
	}
	return fmt.Errorf("unknown event type %q", ev.Type)
}

// Events adapts a slice to the sequence Replay consumes.
func Events(events []domain.Event) iter.Seq2[domain.Event, error] {
	return func(yield func(domain.Event, error) bool) {
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}
