package saga

import "time"

// EventType enumerates the records that can appear in a saga's persisted
// event log.
type EventType string

const (
	EventStarted               EventType = "started"
	EventStepSucceeded         EventType = "step_succeeded"
	EventStepFailed            EventType = "step_failed"
	EventCompensationSucceeded EventType = "compensation_succeeded"
	EventCompensationFailed    EventType = "compensation_failed"
	EventCompleted             EventType = "completed"
	EventCompensated           EventType = "compensated"
	EventFailed                EventType = "failed"
	EventCancelled             EventType = "cancelled"
)

// terminal reports whether the event closes the instance's lifecycle.
func (t EventType) terminal() bool {
	switch t {
	case EventCompleted, EventCompensated, EventFailed:
		return true
	}
	return false
}

// Event is one record in a saga instance's append-only log. Seq is assigned
// by the EventStore on append and is strictly increasing per saga; the
// current state of an instance is always the fold of its events in Seq
// order.
type Event struct {
	SagaID     string         `json:"sagaId"`
	Seq        uint64         `json:"sequenceNumber"`
	Type       EventType      `json:"type"`
	StepName   string         `json:"stepName,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Definition *DefinitionRef `json:"definition,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
