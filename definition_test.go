package saga

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSteps() []Step {
	return []Step{
		{
			Name:       "reserve_inventory",
			Forward:    CommandSpec{Topic: "inventory.commands", Action: "reserve"},
			Compensate: &CommandSpec{Topic: "inventory.commands", Action: "release"},
		},
		{
			Name:    "send_confirmation",
			Forward: CommandSpec{Topic: "notify.commands", Action: "confirm"},
		},
	}
}

func TestNewDefinition(t *testing.T) {
	def, err := NewDefinition("order_fulfillment", 2, validSteps())
	require.NoError(t, err)

	assert.Equal(t, DefinitionRef{Name: "order_fulfillment", Version: 2}, def.Ref())
	assert.Equal(t, "order_fulfillment/v2", def.Ref().String())
	assert.Equal(t, 2, def.Len())

	// Unset retry fields are filled from the defaults at construction.
	steps := def.Steps()
	assert.Equal(t, DefaultRetryPolicy, steps[0].Retry)
}

func TestNewDefinitionPreservesExplicitRetry(t *testing.T) {
	steps := validSteps()
	steps[0].Retry = RetryPolicy{MaxAttempts: 5, InitialBackoff: 100 * time.Millisecond}

	def, err := NewDefinition("order_fulfillment", 1, steps)
	require.NoError(t, err)

	got := def.Steps()[0].Retry
	assert.Equal(t, 5, got.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, got.InitialBackoff)
	assert.Equal(t, DefaultRetryPolicy.BackoffFactor, got.BackoffFactor)
	assert.Equal(t, DefaultRetryPolicy.AttemptTimeout, got.AttemptTimeout)
}

func TestNewDefinitionValidation(t *testing.T) {
	var invalid *InvalidDefinitionError

	_, err := NewDefinition("", 1, validSteps())
	require.ErrorAs(t, err, &invalid)

	_, err = NewDefinition("order_fulfillment", 0, validSteps())
	require.ErrorAs(t, err, &invalid)

	_, err = NewDefinition("order_fulfillment", 1, nil)
	require.ErrorAs(t, err, &invalid)

	unnamed := validSteps()
	unnamed[0].Name = ""
	_, err = NewDefinition("order_fulfillment", 1, unnamed)
	require.ErrorAs(t, err, &invalid)

	duplicated := validSteps()
	duplicated[1].Name = duplicated[0].Name
	_, err = NewDefinition("order_fulfillment", 1, duplicated)
	require.ErrorAs(t, err, &invalid)

	incomplete := validSteps()
	incomplete[0].Forward.Action = ""
	_, err = NewDefinition("order_fulfillment", 1, incomplete)
	require.ErrorAs(t, err, &invalid)

	// Only the terminal step may lack a compensation.
	uncompensatable := validSteps()
	uncompensatable[0].Compensate = nil
	_, err = NewDefinition("order_fulfillment", 1, uncompensatable)
	require.ErrorAs(t, err, &invalid)

	halfComp := validSteps()
	halfComp[0].Compensate = &CommandSpec{Topic: "inventory.commands"}
	_, err = NewDefinition("order_fulfillment", 1, halfComp)
	require.ErrorAs(t, err, &invalid)
}

func TestDefinitionIsImmutable(t *testing.T) {
	steps := validSteps()
	def, err := NewDefinition("order_fulfillment", 1, steps)
	require.NoError(t, err)

	// Mutating the caller's slice or a returned copy must not reach the
	// definition.
	steps[0].Name = "mutated"
	copied := def.Steps()
	copied[1].Name = "also_mutated"

	assert.Equal(t, "reserve_inventory", def.Steps()[0].Name)
	assert.Equal(t, "send_confirmation", def.Steps()[1].Name)
}

func TestDefinitionRegistry(t *testing.T) {
	registry := NewDefinitionRegistry()

	v1, err := NewDefinition("order_fulfillment", 1, validSteps())
	require.NoError(t, err)
	v2, err := NewDefinition("order_fulfillment", 2, validSteps())
	require.NoError(t, err)

	require.NoError(t, registry.Register(v1))
	require.NoError(t, registry.Register(v2))

	got, err := registry.Lookup(DefinitionRef{Name: "order_fulfillment", Version: 2})
	require.NoError(t, err)
	assert.Same(t, v2, got)

	var duplicate *DuplicateDefinitionError
	require.ErrorAs(t, registry.Register(v1), &duplicate)

	var notFound *DefinitionNotFoundError
	_, err = registry.Lookup(DefinitionRef{Name: "order_fulfillment", Version: 3})
	require.ErrorAs(t, err, &notFound)
}
