package saga

import (
	"fmt"
	"sort"
	"time"
)

// Status is the lifecycle state of a saga instance.
type Status string

const (
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	}
	return false
}

// HistoryEntry is one row of an instance's append-only execution history.
// Step rows carry the step name, direction, and final outcome of that step
// ("success" or "failure"); lifecycle markers (completed, compensated,
// failed, cancelled) carry the marker in Outcome with no step name.
type HistoryEntry struct {
	StepName  string    `json:"stepName,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	Outcome   string    `json:"outcome"`
	Attempt   int       `json:"attempt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SagaInstance is one execution of a definition, materialized by folding its
// event log. The engine exclusively owns mutation; everyone else sees
// read-only snapshots.
//
// Invariant: the steps whose forward action has succeeded and not yet been
// compensated form the contiguous prefix [0, Cursor) of the definition;
// CompCursor, while compensating, is the index whose compensation is next
// (walking that prefix strictly in reverse, -1 when none remain).
type SagaInstance struct {
	ID         string        `json:"id"`
	Definition DefinitionRef `json:"definitionRef"`
	Status     Status        `json:"status"`
	Cursor     int           `json:"cursor"`
	CompCursor int           `json:"compCursor"`

	// Cancelled records that compensation was triggered by an external
	// cancel rather than a step failure. AwaitingForward is set while a
	// cancelled instance still has a forward attempt in flight whose
	// resolution must be observed before compensation may begin.
	Cancelled       bool `json:"cancelled,omitempty"`
	AwaitingForward bool `json:"awaitingForward,omitempty"`

	Context map[string]any `json:"context"`
	History []HistoryEntry `json:"history"`
	LastSeq uint64         `json:"lastSeq"`
}

// NewInstanceFromEvents rebuilds an instance by replaying its event log. The
// events are applied in sequence-number order; an empty log or a log whose
// events disagree on the saga id is an error.
func NewInstanceFromEvents(events []*Event) (*SagaInstance, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("cannot rebuild saga instance from an empty event log")
	}

	ordered := make([]*Event, len(events))
	copy(ordered, events)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	in := &SagaInstance{}
	sagaID := ordered[0].SagaID
	for _, ev := range ordered {
		if ev.SagaID != sagaID {
			return nil, fmt.Errorf("event log mixes sagas %s and %s", sagaID, ev.SagaID)
		}
		if err := in.Apply(ev); err != nil {
			return nil, fmt.Errorf("replaying saga %s: %w", sagaID, err)
		}
	}
	return in, nil
}

// Apply folds one event into the instance, guarding against transitions that
// are illegal for the current status.
func (in *SagaInstance) Apply(ev *Event) error {
	switch ev.Type {
	case EventStarted:
		if in.Status != "" {
			return &IllegalTransitionError{Status: in.Status, Event: ev.Type}
		}
		in.ID = ev.SagaID
		if ev.Definition != nil {
			in.Definition = *ev.Definition
		}
		in.Status = StatusRunning
		in.Cursor = 0
		in.CompCursor = -1
		in.Context = copyContext(ev.Payload)

	case EventStepSucceeded:
		// A success while compensating is legal only for the in-flight
		// forward step of a cancelled instance.
		if in.Status != StatusRunning && !(in.Status == StatusCompensating && in.Cancelled && in.AwaitingForward) {
			return &IllegalTransitionError{Status: in.Status, Event: ev.Type}
		}
		mergeContext(in.Context, ev.Payload)
		in.appendHistory(ev, string(OutcomeSuccess), DirectionForward)
		in.Cursor++
		if in.Status == StatusCompensating {
			in.CompCursor = in.Cursor - 1
			in.AwaitingForward = false
		}

	case EventStepFailed:
		switch {
		case in.Status == StatusRunning:
			in.Status = StatusCompensating
			in.CompCursor = in.Cursor - 1
		case in.Status == StatusCompensating && in.Cancelled && in.AwaitingForward:
			in.AwaitingForward = false
		default:
			return &IllegalTransitionError{Status: in.Status, Event: ev.Type}
		}
		in.appendHistory(ev, string(OutcomeFailure), DirectionForward)

	case EventCompensationSucceeded:
		if in.Status != StatusCompensating || in.CompCursor < 0 {
			return &IllegalTransitionError{Status: in.Status, Event: ev.Type}
		}
		in.appendHistory(ev, string(OutcomeSuccess), DirectionCompensate)
		in.CompCursor--

	case EventCompensationFailed:
		if in.Status != StatusCompensating {
			return &IllegalTransitionError{Status: in.Status, Event: ev.Type}
		}
		in.appendHistory(ev, string(OutcomeFailure), DirectionCompensate)

	case EventCancelled:
		if in.Status != StatusRunning {
			return &IllegalTransitionError{Status: in.Status, Event: ev.Type}
		}
		in.Status = StatusCompensating
		in.Cancelled = true
		in.AwaitingForward = true
		in.CompCursor = in.Cursor - 1
		in.appendHistory(ev, string(EventCancelled), "")

	case EventCompleted:
		if in.Status != StatusRunning {
			return &IllegalTransitionError{Status: in.Status, Event: ev.Type}
		}
		in.Status = StatusCompleted
		in.appendHistory(ev, string(EventCompleted), "")

	case EventCompensated:
		if in.Status != StatusCompensating {
			return &IllegalTransitionError{Status: in.Status, Event: ev.Type}
		}
		in.Status = StatusCompensated
		in.appendHistory(ev, string(EventCompensated), "")

	case EventFailed:
		if in.Status != StatusRunning && in.Status != StatusCompensating {
			return &IllegalTransitionError{Status: in.Status, Event: ev.Type}
		}
		in.Status = StatusFailed
		in.appendHistory(ev, string(EventFailed), "")

	default:
		return fmt.Errorf("unknown saga event type %q", ev.Type)
	}

	in.LastSeq = ev.Seq
	return nil
}

func (in *SagaInstance) appendHistory(ev *Event, outcome string, direction Direction) {
	in.History = append(in.History, HistoryEntry{
		StepName:  ev.StepName,
		Direction: direction,
		Outcome:   outcome,
		Attempt:   ev.Attempt,
		Timestamp: ev.Timestamp,
	})
}

// copyContext returns an owned shallow copy of a context payload.
func copyContext(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// mergeContext folds a step's result payload into the accumulated context.
func mergeContext(dst map[string]any, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}
