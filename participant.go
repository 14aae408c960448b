package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// HandlerFunc executes one direction of a step on the participant side. The
// returned payload is merged into the saga context on success (forward
// direction only).
type HandlerFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

// StepHandler pairs a step's forward action with its compensation.
// Compensate may be nil for actions that have nothing to undo.
type StepHandler struct {
	Forward    HandlerFunc
	Compensate HandlerFunc
}

// HandlerRegistry maps action names to handlers. Handlers are resolved by a
// tagged lookup, once per command; there is no reflection involved.
type HandlerRegistry struct {
	handlers *xsync.MapOf[string, StepHandler]
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: xsync.NewMapOf[string, StepHandler](),
	}
}

// Register adds a handler for an action name.
func (r *HandlerRegistry) Register(action string, h StepHandler) error {
	if _, loaded := r.handlers.LoadOrStore(action, h); loaded {
		return fmt.Errorf("handler for action %q already registered", action)
	}
	return nil
}

// Get resolves a handler by action name.
func (r *HandlerRegistry) Get(action string) (StepHandler, error) {
	h, ok := r.handlers.Load(action)
	if !ok {
		return StepHandler{}, fmt.Errorf("no handler registered for action %q", action)
	}
	return h, nil
}

// defaultResultCacheSize bounds the participant's dedup cache. When the cap
// is reached the oldest entries are evicted; a redelivery of an evicted key
// re-executes, which the handler's own idempotency must absorb.
const defaultResultCacheSize = 4096

// Participant consumes command messages, executes the registered handler,
// and publishes result messages. Delivery is at-least-once and the
// idempotency key is stable across retry attempts, so executions are
// deduplicated by key: a redelivered command whose work already succeeded
// replays the cached result instead of running the handler again. Failures
// are not cached; a retry of a failed attempt executes for real.
type Participant struct {
	registry    *HandlerRegistry
	channel     MessageChannel
	resultTopic string
	log         *zap.Logger

	seen    *xsync.MapOf[string, *Result]
	mu      sync.Mutex
	order   []string
	maxSeen int
}

// NewParticipant creates a participant publishing results to resultTopic. A
// nil logger is replaced with a no-op one.
func NewParticipant(registry *HandlerRegistry, channel MessageChannel, resultTopic string, logger *zap.Logger) *Participant {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Participant{
		registry:    registry,
		channel:     channel,
		resultTopic: resultTopic,
		seen:        xsync.NewMapOf[string, *Result](),
		maxSeen:     defaultResultCacheSize,
		log:         logger,
	}
}

// Listen subscribes the participant to a command topic.
func (p *Participant) Listen(commandTopic string) error {
	return p.channel.Subscribe(commandTopic, p.handleMessage)
}

func (p *Participant) handleMessage(ctx context.Context, payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		p.log.Warn("discarding malformed command message", zap.Error(err))
		return
	}

	if cached, ok := p.seen.Load(cmd.IdempotencyKey); ok {
		p.log.Debug("replaying cached result for duplicate command",
			zap.String("saga_id", cmd.SagaID),
			zap.String("step_name", cmd.StepName),
			zap.String("idempotency_key", cmd.IdempotencyKey),
		)
		// The work already happened; answer the attempt that asked.
		replay := *cached
		replay.Attempt = cmd.Attempt
		p.publish(ctx, &replay)
		return
	}

	res := p.execute(ctx, &cmd)
	if res.Outcome == OutcomeSuccess {
		p.remember(cmd.IdempotencyKey, res)
	}
	p.publish(ctx, res)
}

// remember caches a successful result under its idempotency key, evicting
// the oldest entries once the cache is full.
func (p *Participant) remember(key string, res *Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, loaded := p.seen.LoadOrStore(key, res); loaded {
		return
	}
	p.order = append(p.order, key)
	for len(p.order) > p.maxSeen {
		p.seen.Delete(p.order[0])
		p.order = p.order[1:]
	}
}

func (p *Participant) execute(ctx context.Context, cmd *Command) *Result {
	res := &Result{
		SagaID:    cmd.SagaID,
		StepName:  cmd.StepName,
		Direction: cmd.Direction,
		Attempt:   cmd.Attempt,
	}

	handler, err := p.registry.Get(cmd.Action)
	if err != nil {
		res.Outcome = OutcomeFailure
		res.Reason = err.Error()
		return res
	}

	var fn HandlerFunc
	switch cmd.Direction {
	case DirectionForward:
		fn = handler.Forward
	case DirectionCompensate:
		fn = handler.Compensate
	default:
		res.Outcome = OutcomeFailure
		res.Reason = fmt.Sprintf("unknown direction %q", cmd.Direction)
		return res
	}
	if fn == nil {
		if cmd.Direction == DirectionCompensate {
			// Nothing to undo.
			res.Outcome = OutcomeSuccess
			return res
		}
		res.Outcome = OutcomeFailure
		res.Reason = fmt.Sprintf("action %q has no %s handler", cmd.Action, cmd.Direction)
		return res
	}

	out, err := fn(ctx, cmd.Payload)
	if err != nil {
		res.Outcome = OutcomeFailure
		res.Reason = err.Error()
		return res
	}
	res.Outcome = OutcomeSuccess
	res.ResultPayload = out
	return res
}

func (p *Participant) publish(ctx context.Context, res *Result) {
	data, err := json.Marshal(res)
	if err != nil {
		p.log.Error("encoding result message failed",
			zap.String("saga_id", res.SagaID),
			zap.Error(err),
		)
		return
	}
	if err := p.channel.Send(ctx, p.resultTopic, data); err != nil {
		p.log.Error("publishing result message failed",
			zap.String("saga_id", res.SagaID),
			zap.String("step_name", res.StepName),
			zap.Error(err),
		)
	}
}
