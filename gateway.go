package saga

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outcome is a participant's verdict on one command attempt. Timeout is
// synthesized by the engine when no reply arrives within the step's
// per-attempt timeout.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// Command is the message the engine dispatches toward a participant.
type Command struct {
	SagaID         string         `json:"sagaId"`
	StepName       string         `json:"stepName"`
	Direction      Direction      `json:"direction"`
	Action         string         `json:"action"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Payload        map[string]any `json:"payload,omitempty"`
	Attempt        int            `json:"attempt"`
}

// Result is a participant's reply to a command. Attempt echoes the command's
// attempt number so the engine can discard replies to superseded attempts;
// a zero Attempt is accepted as "unknown".
type Result struct {
	SagaID        string         `json:"sagaId"`
	StepName      string         `json:"stepName"`
	Direction     Direction      `json:"direction"`
	Outcome       Outcome        `json:"outcome"`
	Attempt       int            `json:"attempt,omitempty"`
	ResultPayload map[string]any `json:"resultPayload,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// ParticipantGateway dispatches commands toward participant services. The
// gateway is stateless; all side effects are external I/O.
type ParticipantGateway interface {
	Dispatch(ctx context.Context, topic string, cmd *Command) error
}

// idempotencyNamespace is the fixed UUID namespace idempotency keys are
// derived under. Changing it would change every key, so it never does.
var idempotencyNamespace = uuid.MustParse("8f1c2d3e-5a74-4b06-9c58-2e14f0a14f14")

// IdempotencyKey derives the deterministic key for one logical command: one
// step of one instance, driven in one direction. The key is stable across
// retry attempts, so a participant that already performed the work (and whose
// reply was lost) can recognize the redelivery and answer without executing
// again. The attempt number travels as its own Command field.
func IdempotencyKey(sagaID, stepName string, direction Direction) string {
	name := fmt.Sprintf("%s/%s/%s", sagaID, stepName, direction)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

// ChannelGateway is a ParticipantGateway that serializes commands onto a
// MessageChannel topic.
type ChannelGateway struct {
	channel MessageChannel
	log     *zap.Logger
}

// NewChannelGateway creates a gateway over the given channel. A nil logger
// is replaced with a no-op one.
func NewChannelGateway(channel MessageChannel, logger *zap.Logger) *ChannelGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelGateway{channel: channel, log: logger}
}

// Dispatch stamps the command's idempotency key if unset and sends it.
func (g *ChannelGateway) Dispatch(ctx context.Context, topic string, cmd *Command) error {
	if cmd.IdempotencyKey == "" {
		cmd.IdempotencyKey = IdempotencyKey(cmd.SagaID, cmd.StepName, cmd.Direction)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding command for saga %s: %w", cmd.SagaID, err)
	}

	g.log.Debug("dispatching command",
		zap.String("saga_id", cmd.SagaID),
		zap.String("step_name", cmd.StepName),
		zap.String("direction", string(cmd.Direction)),
		zap.String("topic", topic),
		zap.Int("attempt", cmd.Attempt),
	)
	return g.channel.Send(ctx, topic, data)
}
