package saga

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const definitionsYAML = `
definitions:
  - name: order_fulfillment
    version: 1
    steps:
      - name: reserve_inventory
        forward: {topic: inventory.commands, action: reserve}
        compensate: {topic: inventory.commands, action: release}
        retry: {max_attempts: 5, initial_backoff: 500ms, backoff_factor: 1.5, max_backoff: 10s, attempt_timeout: 10s}
      - name: charge_payment
        forward: {topic: payment.commands, action: charge}
        compensate: {topic: payment.commands, action: refund}
      - name: send_confirmation
        forward: {topic: notify.commands, action: confirm}
  - name: account_signup
    version: 1
    steps:
      - name: create_account
        forward: {topic: account.commands, action: create}
`

func writeDefinitions(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sagas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefinitions(t *testing.T) {
	defs, err := LoadDefinitions(writeDefinitions(t, definitionsYAML))
	require.NoError(t, err)
	require.Len(t, defs, 2)

	order := defs[0]
	assert.Equal(t, DefinitionRef{Name: "order_fulfillment", Version: 1}, order.Ref())
	require.Equal(t, 3, order.Len())

	steps := order.Steps()
	assert.Equal(t, "reserve_inventory", steps[0].Name)
	assert.Equal(t, CommandSpec{Topic: "inventory.commands", Action: "reserve"}, steps[0].Forward)
	require.NotNil(t, steps[0].Compensate)
	assert.Equal(t, "release", steps[0].Compensate.Action)

	// Durations parse from strings, and explicit retry settings survive.
	assert.Equal(t, RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		BackoffFactor:  1.5,
		MaxBackoff:     10 * time.Second,
		AttemptTimeout: 10 * time.Second,
	}, steps[0].Retry)

	// Omitted retry blocks fall back to the defaults.
	assert.Equal(t, DefaultRetryPolicy, steps[1].Retry)

	// The terminal step may omit its compensation.
	assert.Nil(t, steps[2].Compensate)
}

func TestLoadDefinitionsRejectsInvalid(t *testing.T) {
	bad := `
definitions:
  - name: broken
    version: 1
    steps:
      - name: first
        forward: {topic: a.commands, action: do}
      - name: second
        forward: {topic: a.commands, action: do_more}
        compensate: {topic: a.commands, action: undo}
`
	var invalid *InvalidDefinitionError
	_, err := LoadDefinitions(writeDefinitions(t, bad))
	require.ErrorAs(t, err, &invalid)
}

func TestLoadDefinitionsRejectsEmptyFile(t *testing.T) {
	_, err := LoadDefinitions(writeDefinitions(t, "definitions: []\n"))
	assert.Error(t, err)
}

func TestLoadDefinitionsMissingFile(t *testing.T) {
	_, err := LoadDefinitions(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestRegisterFromFile(t *testing.T) {
	path := writeDefinitions(t, definitionsYAML)
	registry := NewDefinitionRegistry()

	require.NoError(t, RegisterFromFile(registry, path))

	_, err := registry.Lookup(DefinitionRef{Name: "order_fulfillment", Version: 1})
	require.NoError(t, err)
	_, err = registry.Lookup(DefinitionRef{Name: "account_signup", Version: 1})
	require.NoError(t, err)

	// Re-registering the same file collides on name+version.
	assert.Error(t, RegisterFromFile(registry, path))
}
