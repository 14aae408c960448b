package saga

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyKeyIsDeterministic(t *testing.T) {
	a := IdempotencyKey("saga-1", "reserve_inventory", DirectionForward)
	b := IdempotencyKey("saga-1", "reserve_inventory", DirectionForward)
	assert.Equal(t, a, b)
}

func TestIdempotencyKeyDistinguishesLogicalCommands(t *testing.T) {
	base := IdempotencyKey("saga-1", "reserve_inventory", DirectionForward)

	assert.NotEqual(t, base, IdempotencyKey("saga-1", "reserve_inventory", DirectionCompensate))
	assert.NotEqual(t, base, IdempotencyKey("saga-1", "charge_payment", DirectionForward))
	assert.NotEqual(t, base, IdempotencyKey("saga-2", "reserve_inventory", DirectionForward))
}

func TestChannelGatewayEncodesAndSends(t *testing.T) {
	channel := NewInProcChannel()
	gateway := NewChannelGateway(channel, nil)

	got := make(chan []byte, 1)
	require.NoError(t, channel.Subscribe("inventory.commands", func(ctx context.Context, payload []byte) {
		got <- payload
	}))

	cmd := &Command{
		SagaID:    "saga-1",
		StepName:  "reserve_inventory",
		Direction: DirectionForward,
		Action:    "reserve",
		Payload:   map[string]any{"order_id": "order-1"},
		Attempt:   1,
	}
	require.NoError(t, gateway.Dispatch(context.Background(), "inventory.commands", cmd))
	channel.Drain()

	var decoded Command
	require.NoError(t, json.Unmarshal(<-got, &decoded))
	assert.Equal(t, "saga-1", decoded.SagaID)
	assert.Equal(t, "reserve", decoded.Action)
	assert.Equal(t, "order-1", decoded.Payload["order_id"])

	// The gateway stamps the key when the caller left it empty.
	assert.Equal(t, IdempotencyKey("saga-1", "reserve_inventory", DirectionForward), decoded.IdempotencyKey)
}
