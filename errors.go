package saga

import (
	"errors"
	"fmt"
)

// ErrNotRunning is returned by Cancel when the instance has already reached a
// terminal state or is already compensating.
var ErrNotRunning = errors.New("saga is not running")

// DefinitionNotFoundError is returned when a definition reference does not
// resolve to a registered definition. Start rejects unknown references
// synchronously, before any instance is created.
type DefinitionNotFoundError struct {
	Ref DefinitionRef
}

func (e *DefinitionNotFoundError) Error() string {
	return fmt.Sprintf("saga definition %s not found", e.Ref)
}

// DuplicateDefinitionError is returned when registering a name+version pair
// that is already present.
type DuplicateDefinitionError struct {
	Ref DefinitionRef
}

func (e *DuplicateDefinitionError) Error() string {
	return fmt.Sprintf("saga definition %s already registered", e.Ref)
}

// InvalidDefinitionError reports a definition rejected at construction time.
type InvalidDefinitionError struct {
	Reason string
}

func (e *InvalidDefinitionError) Error() string {
	return fmt.Sprintf("invalid saga definition: %s", e.Reason)
}

// InstanceNotFoundError is returned when a saga id has no persisted events.
type InstanceNotFoundError struct {
	SagaID string
}

func (e *InstanceNotFoundError) Error() string {
	return fmt.Sprintf("saga instance %s not found", e.SagaID)
}

// IllegalTransitionError reports an event that is not legal for the
// instance's current status. A log that produces one during replay is
// corrupt.
type IllegalTransitionError struct {
	Status Status
	Event  EventType
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal event %q for saga status %q", e.Event, e.Status)
}
