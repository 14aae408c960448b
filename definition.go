package saga

import "fmt"

// Direction distinguishes the two ways a step can be driven.
type Direction string

const (
	DirectionForward    Direction = "forward"
	DirectionCompensate Direction = "compensate"
)

// CommandSpec is the template for the command dispatched to a participant for
// one direction of a step. Topic selects the participant's command stream;
// Action selects the handler on the participant side.
type CommandSpec struct {
	Topic  string
	Action string
}

// Step is one unit of work within a definition.
//
// Compensate may be nil only on the terminal step (a final "send
// confirmation" style step commonly has nothing to undo). A compensating
// command, once defined, must be idempotent and must undo exactly the effect
// of one successful forward invocation, never a partial one.
type Step struct {
	Name       string
	Forward    CommandSpec
	Compensate *CommandSpec
	Retry      RetryPolicy
}

// DefinitionRef identifies a registered definition by name and version.
type DefinitionRef struct {
	Name    string `json:"name" mapstructure:"name"`
	Version int    `json:"version" mapstructure:"version"`
}

func (r DefinitionRef) String() string {
	return fmt.Sprintf("%s/v%d", r.Name, r.Version)
}

// SagaDefinition is an immutable ordered sequence of steps. Step order is
// fixed at construction time; a running instance always executes steps in
// this order.
type SagaDefinition struct {
	ref   DefinitionRef
	steps []Step
}

// NewDefinition validates the step list and builds an immutable definition.
func NewDefinition(name string, version int, steps []Step) (*SagaDefinition, error) {
	if name == "" {
		return nil, &InvalidDefinitionError{Reason: "definition name must not be empty"}
	}
	if version < 1 {
		return nil, &InvalidDefinitionError{Reason: fmt.Sprintf("definition %s: version must be >= 1, got %d", name, version)}
	}
	if len(steps) == 0 {
		return nil, &InvalidDefinitionError{Reason: fmt.Sprintf("definition %s: at least one step is required", name)}
	}

	owned := make([]Step, len(steps))
	copy(owned, steps)

	seen := make(map[string]bool, len(owned))
	for i := range owned {
		step := &owned[i]
		if step.Name == "" {
			return nil, &InvalidDefinitionError{Reason: fmt.Sprintf("definition %s: step %d has no name", name, i)}
		}
		if seen[step.Name] {
			return nil, &InvalidDefinitionError{Reason: fmt.Sprintf("definition %s: duplicate step name %q", name, step.Name)}
		}
		seen[step.Name] = true

		if step.Forward.Topic == "" || step.Forward.Action == "" {
			return nil, &InvalidDefinitionError{Reason: fmt.Sprintf("definition %s: step %q has an incomplete forward command", name, step.Name)}
		}
		if step.Compensate == nil {
			// Only the terminal step may be uncompensatable.
			if i != len(owned)-1 {
				return nil, &InvalidDefinitionError{Reason: fmt.Sprintf("definition %s: non-terminal step %q has no compensate command", name, step.Name)}
			}
		} else {
			spec := *step.Compensate
			if spec.Topic == "" || spec.Action == "" {
				return nil, &InvalidDefinitionError{Reason: fmt.Sprintf("definition %s: step %q has an incomplete compensate command", name, step.Name)}
			}
			step.Compensate = &spec
		}
		step.Retry = step.Retry.normalized()
	}

	return &SagaDefinition{
		ref:   DefinitionRef{Name: name, Version: version},
		steps: owned,
	}, nil
}

// Ref returns the name+version identity of the definition.
func (d *SagaDefinition) Ref() DefinitionRef {
	return d.ref
}

// Len returns the number of steps.
func (d *SagaDefinition) Len() int {
	return len(d.steps)
}

// Steps returns a copy of the ordered step list.
func (d *SagaDefinition) Steps() []Step {
	out := make([]Step, len(d.steps))
	copy(out, d.steps)
	return out
}
