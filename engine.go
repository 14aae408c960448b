package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// Engine is the saga orchestrator. It creates instances from registered
// definitions, drives forward execution, reacts to participant results,
// triggers compensation in reverse order, and persists every transition to
// the event store before sending any further message.
//
// Instances are processed concurrently with no global lock; all mutations
// for one saga id are serialized under a per-instance mutex before any
// business logic runs. The engine holds no mutable state beyond the
// per-instance records in the store and the volatile retry bookkeeping for
// in-flight commands.
type Engine struct {
	definitions *DefinitionRegistry
	store       EventStore
	gateway     ParticipantGateway
	log         *zap.Logger
	now         func() time.Time

	locks    *xsync.MapOf[string, *sync.Mutex]
	attempts *xsync.MapOf[string, *attemptState]
}

// attemptState is the volatile bookkeeping for the command currently in
// flight (or in backoff) for one instance. It is not persisted: after a
// crash, Recover re-dispatches with the attempt counter reset.
type attemptState struct {
	stepName  string
	direction Direction
	attempt   int
	startedAt time.Time
	timer     *time.Timer
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) { e.log = logger }
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over the given registry, store, and gateway.
func NewEngine(definitions *DefinitionRegistry, store EventStore, gateway ParticipantGateway, opts ...EngineOption) *Engine {
	e := &Engine{
		definitions: definitions,
		store:       store,
		gateway:     gateway,
		log:         zap.NewNop(),
		now:         func() time.Time { return time.Now().UTC() },
		locks:       xsync.NewMapOf[string, *sync.Mutex](),
		attempts:    xsync.NewMapOf[string, *attemptState](),
	}
	for _, opt := range opts {
		opt(e)
	}
	initMetrics()
	return e
}

// Start validates the definition reference, creates a RUNNING instance,
// persists it, and dispatches the forward command for step 0. It returns
// the new saga id.
func (e *Engine) Start(ctx context.Context, ref DefinitionRef, initialContext map[string]any) (string, error) {
	def, err := e.definitions.Lookup(ref)
	if err != nil {
		return "", err
	}

	sagaID := uuid.NewString()
	mu := e.lockFor(sagaID)
	mu.Lock()
	defer mu.Unlock()

	defRef := ref
	ev := &Event{
		SagaID:     sagaID,
		Type:       EventStarted,
		Payload:    initialContext,
		Definition: &defRef,
		Timestamp:  e.now(),
	}
	seq, err := e.store.Append(ctx, ev)
	if err != nil {
		return "", fmt.Errorf("persisting start of saga %s: %w", sagaID, err)
	}
	ev.Seq = seq

	inst := &SagaInstance{}
	if err := inst.Apply(ev); err != nil {
		return "", err
	}

	sagasStarted.Inc()
	e.log.Info("saga started",
		zap.String("saga_id", sagaID),
		zap.String("definition", ref.String()),
		zap.Int("total_steps", def.Len()),
	)

	e.dispatchForward(ctx, inst, def, 1)
	return sagaID, nil
}

// Cancel requests compensation of a RUNNING instance. Cancellation is
// cooperative: the in-flight remote call is not aborted, and compensation
// begins once that attempt resolves. A late success is compensated like any
// other completed step, never left dangling.
func (e *Engine) Cancel(ctx context.Context, sagaID string) error {
	mu := e.lockFor(sagaID)
	mu.Lock()
	defer mu.Unlock()

	inst, err := e.store.LoadLatest(ctx, sagaID)
	if err != nil {
		return err
	}
	if inst.Status != StatusRunning {
		return ErrNotRunning
	}

	ev := &Event{SagaID: sagaID, Type: EventCancelled, Timestamp: e.now()}
	seq, err := e.store.Append(ctx, ev)
	if err != nil {
		return fmt.Errorf("persisting cancel of saga %s: %w", sagaID, err)
	}
	ev.Seq = seq
	if err := inst.Apply(ev); err != nil {
		return err
	}

	sagasCancelled.Inc()
	e.log.Info("saga cancelled; compensation begins when the in-flight attempt resolves",
		zap.String("saga_id", sagaID),
		zap.Int("cursor", inst.Cursor),
	)
	return nil
}

// Status returns a read-only snapshot of one instance.
func (e *Engine) Status(ctx context.Context, sagaID string) (*SagaInstance, error) {
	return e.store.LoadLatest(ctx, sagaID)
}

// Recover loads all non-terminal instances and re-dispatches the command
// each one is waiting on, rather than assuming in-flight messages survived a
// crash. Call it once at startup, after definitions are registered and the
// engine is subscribed to its result topic.
func (e *Engine) Recover(ctx context.Context) error {
	instances, err := e.store.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("listing non-terminal sagas: %w", err)
	}

	for _, snapshot := range instances {
		if err := e.recoverInstance(ctx, snapshot.ID); err != nil {
			return err
		}
	}
	e.log.Info("recovery complete", zap.Int("instances", len(instances)))
	return nil
}

func (e *Engine) recoverInstance(ctx context.Context, sagaID string) error {
	mu := e.lockFor(sagaID)
	mu.Lock()
	defer mu.Unlock()

	inst, err := e.store.LoadLatest(ctx, sagaID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return nil
	}
	def, err := e.definitions.Lookup(inst.Definition)
	if err != nil {
		return fmt.Errorf("recovering saga %s: %w", sagaID, err)
	}

	switch {
	case inst.Status == StatusRunning:
		e.dispatchForward(ctx, inst, def, 1)
	case inst.AwaitingForward:
		// Cancelled with the forward attempt unresolved at crash time:
		// re-dispatch it so the cancel can resolve through the normal
		// path.
		e.dispatchForward(ctx, inst, def, 1)
	default:
		if err := e.dispatchCompensation(ctx, inst, def, 1); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeResults wires the engine to a channel topic carrying participant
// result messages.
func (e *Engine) SubscribeResults(channel MessageChannel, topic string) error {
	return channel.Subscribe(topic, func(ctx context.Context, payload []byte) {
		var res Result
		if err := json.Unmarshal(payload, &res); err != nil {
			resultsDiscarded.Inc()
			e.log.Warn("discarding malformed result message", zap.Error(err))
			return
		}
		if err := e.HandleResult(ctx, &res); err != nil {
			e.log.Error("result handling failed",
				zap.String("saga_id", res.SagaID),
				zap.String("step_name", res.StepName),
				zap.Error(err),
			)
		}
	})
}

// HandleResult routes a participant result to the forward or compensation
// path. Protocol errors (unknown saga, unexpected step, stale attempt) are
// logged and discarded without mutating state; only infrastructure failures
// (store access) are returned.
func (e *Engine) HandleResult(ctx context.Context, res *Result) error {
	switch res.Direction {
	case DirectionForward:
		return e.OnStepResult(ctx, res)
	case DirectionCompensate:
		return e.OnCompensationResult(ctx, res)
	default:
		e.discard(res, "unknown direction")
		return nil
	}
}

// OnStepResult applies the outcome of a forward command attempt.
func (e *Engine) OnStepResult(ctx context.Context, res *Result) error {
	mu := e.lockFor(res.SagaID)
	mu.Lock()
	defer mu.Unlock()

	inst, def, ok, err := e.loadForResult(ctx, res)
	if err != nil || !ok {
		return err
	}

	// The only forward step in play is the one at the cursor, and only
	// while RUNNING or while a cancelled instance still awaits its
	// in-flight attempt. Anything else is a duplicate, a reply for a step
	// ahead of the cursor, or otherwise stale: discarded, never applied
	// speculatively.
	expectsForward := inst.Status == StatusRunning ||
		(inst.Status == StatusCompensating && inst.Cancelled && inst.AwaitingForward)
	if !expectsForward || inst.Cursor >= def.Len() || def.steps[inst.Cursor].Name != res.StepName {
		e.discard(res, "unexpected step result")
		return nil
	}

	step := def.steps[inst.Cursor]
	attempt, ok := e.resolveAttempt(res, DirectionForward)
	if !ok {
		return nil
	}

	switch res.Outcome {
	case OutcomeSuccess:
		ev := &Event{
			SagaID:    inst.ID,
			Type:      EventStepSucceeded,
			StepName:  step.Name,
			Attempt:   attempt,
			Payload:   res.ResultPayload,
			Timestamp: e.now(),
		}
		if err := e.append(ctx, inst, ev); err != nil {
			return err
		}
		e.log.Info("step succeeded",
			zap.String("saga_id", inst.ID),
			zap.String("step_name", step.Name),
			zap.Int("attempt", attempt),
		)
		if inst.Status == StatusCompensating {
			// Success observed after cancel: compensate it first, then
			// the rest of the prefix in reverse.
			return e.dispatchCompensation(ctx, inst, def, 1)
		}
		if inst.Cursor >= def.Len() {
			return e.finish(ctx, inst, EventCompleted)
		}
		e.dispatchForward(ctx, inst, def, 1)
		return nil

	case OutcomeFailure, OutcomeTimeout:
		reason := res.Reason
		if reason == "" {
			reason = string(res.Outcome)
		}
		if inst.Status == StatusRunning && !step.Retry.Exhausted(attempt) {
			e.scheduleRetry(inst.ID, step, DirectionForward, attempt)
			return nil
		}
		return e.failStep(ctx, inst, def, step, attempt, reason)

	default:
		e.discard(res, "unknown outcome")
		return nil
	}
}

// OnCompensationResult applies the outcome of a compensation command
// attempt.
func (e *Engine) OnCompensationResult(ctx context.Context, res *Result) error {
	mu := e.lockFor(res.SagaID)
	mu.Lock()
	defer mu.Unlock()

	inst, def, ok, err := e.loadForResult(ctx, res)
	if err != nil || !ok {
		return err
	}

	if inst.Status != StatusCompensating || inst.AwaitingForward || inst.CompCursor < 0 {
		e.discard(res, "unexpected compensation result")
		return nil
	}
	step := def.steps[inst.CompCursor]
	if step.Name != res.StepName {
		e.discard(res, "unexpected compensation result")
		return nil
	}

	attempt, ok := e.resolveAttempt(res, DirectionCompensate)
	if !ok {
		return nil
	}

	switch res.Outcome {
	case OutcomeSuccess:
		ev := &Event{
			SagaID:    inst.ID,
			Type:      EventCompensationSucceeded,
			StepName:  step.Name,
			Attempt:   attempt,
			Timestamp: e.now(),
		}
		if err := e.append(ctx, inst, ev); err != nil {
			return err
		}
		e.log.Info("compensation succeeded",
			zap.String("saga_id", inst.ID),
			zap.String("step_name", step.Name),
			zap.Int("attempt", attempt),
		)
		if inst.CompCursor < 0 {
			return e.finish(ctx, inst, EventCompensated)
		}
		return e.dispatchCompensation(ctx, inst, def, 1)

	case OutcomeFailure, OutcomeTimeout:
		reason := res.Reason
		if reason == "" {
			reason = string(res.Outcome)
		}
		if !step.Retry.Exhausted(attempt) {
			e.scheduleRetry(inst.ID, step, DirectionCompensate, attempt)
			return nil
		}
		ev := &Event{
			SagaID:    inst.ID,
			Type:      EventCompensationFailed,
			StepName:  step.Name,
			Attempt:   attempt,
			Reason:    reason,
			Timestamp: e.now(),
		}
		if err := e.append(ctx, inst, ev); err != nil {
			return err
		}
		e.log.Error("compensation failed permanently; operator intervention required",
			zap.String("saga_id", inst.ID),
			zap.String("step_name", step.Name),
			zap.String("reason", reason),
		)
		return e.finish(ctx, inst, EventFailed)

	default:
		e.discard(res, "unknown outcome")
		return nil
	}
}

// failStep records the permanent failure of a forward step and routes the
// instance onward: compensation of the completed prefix, COMPENSATED when a
// cancelled instance has nothing to undo, or FAILED when the first step
// never succeeded.
func (e *Engine) failStep(ctx context.Context, inst *SagaInstance, def *SagaDefinition, step Step, attempt int, reason string) error {
	ev := &Event{
		SagaID:    inst.ID,
		Type:      EventStepFailed,
		StepName:  step.Name,
		Attempt:   attempt,
		Reason:    reason,
		Timestamp: e.now(),
	}
	if err := e.append(ctx, inst, ev); err != nil {
		return err
	}
	e.log.Warn("step failed permanently",
		zap.String("saga_id", inst.ID),
		zap.String("step_name", step.Name),
		zap.Int("attempt", attempt),
		zap.String("reason", reason),
	)

	if inst.CompCursor < 0 {
		if inst.Cancelled {
			return e.finish(ctx, inst, EventCompensated)
		}
		return e.finish(ctx, inst, EventFailed)
	}
	return e.dispatchCompensation(ctx, inst, def, 1)
}

// dispatchForward sends the forward command for the step at the cursor and
// arms its attempt timeout.
func (e *Engine) dispatchForward(ctx context.Context, inst *SagaInstance, def *SagaDefinition, attempt int) {
	step := def.steps[inst.Cursor]
	cmd := &Command{
		SagaID:         inst.ID,
		StepName:       step.Name,
		Direction:      DirectionForward,
		Action:         step.Forward.Action,
		IdempotencyKey: IdempotencyKey(inst.ID, step.Name, DirectionForward),
		Payload:        copyContext(inst.Context),
		Attempt:        attempt,
	}

	e.armTimeout(inst.ID, step.Name, DirectionForward, attempt, step.Retry.AttemptTimeout)
	if err := e.gateway.Dispatch(ctx, step.Forward.Topic, cmd); err != nil {
		// The attempt timeout converts a lost dispatch into a retry.
		e.log.Warn("command dispatch failed",
			zap.String("saga_id", inst.ID),
			zap.String("step_name", step.Name),
			zap.Error(err),
		)
	}
	commandsDispatched.WithLabelValues(string(DirectionForward)).Inc()
	e.log.Debug("dispatched forward command",
		zap.String("saga_id", inst.ID),
		zap.String("step_name", step.Name),
		zap.Int("attempt", attempt),
	)
}

// dispatchCompensation sends the compensation command for the step at the
// compensation cursor, auto-completing steps that define no compensation,
// and finishes the instance when the walk passes the front of the prefix.
func (e *Engine) dispatchCompensation(ctx context.Context, inst *SagaInstance, def *SagaDefinition, attempt int) error {
	for inst.CompCursor >= 0 {
		step := def.steps[inst.CompCursor]
		if step.Compensate != nil {
			break
		}
		// A terminal step with nothing to undo; record and keep walking.
		ev := &Event{
			SagaID:    inst.ID,
			Type:      EventCompensationSucceeded,
			StepName:  step.Name,
			Reason:    "no compensation defined",
			Timestamp: e.now(),
		}
		if err := e.append(ctx, inst, ev); err != nil {
			return err
		}
	}
	if inst.CompCursor < 0 {
		return e.finish(ctx, inst, EventCompensated)
	}

	step := def.steps[inst.CompCursor]
	cmd := &Command{
		SagaID:         inst.ID,
		StepName:       step.Name,
		Direction:      DirectionCompensate,
		Action:         step.Compensate.Action,
		IdempotencyKey: IdempotencyKey(inst.ID, step.Name, DirectionCompensate),
		Payload:        copyContext(inst.Context),
		Attempt:        attempt,
	}

	e.armTimeout(inst.ID, step.Name, DirectionCompensate, attempt, step.Retry.AttemptTimeout)
	if err := e.gateway.Dispatch(ctx, step.Compensate.Topic, cmd); err != nil {
		e.log.Warn("command dispatch failed",
			zap.String("saga_id", inst.ID),
			zap.String("step_name", step.Name),
			zap.Error(err),
		)
	}
	commandsDispatched.WithLabelValues(string(DirectionCompensate)).Inc()
	e.log.Debug("dispatched compensation command",
		zap.String("saga_id", inst.ID),
		zap.String("step_name", step.Name),
		zap.Int("attempt", attempt),
	)
	return nil
}

// finish appends the terminal event and releases the instance's volatile
// state.
func (e *Engine) finish(ctx context.Context, inst *SagaInstance, t EventType) error {
	ev := &Event{SagaID: inst.ID, Type: t, Timestamp: e.now()}
	if err := e.append(ctx, inst, ev); err != nil {
		return err
	}
	e.clearAttempt(inst.ID)
	sagasFinished.WithLabelValues(string(inst.Status)).Inc()
	e.log.Info("saga finished",
		zap.String("saga_id", inst.ID),
		zap.String("status", string(inst.Status)),
	)
	return nil
}

// append persists an event and folds it into the in-memory instance. The
// write-ahead discipline lives here: callers only dispatch messages after
// append returns.
func (e *Engine) append(ctx context.Context, inst *SagaInstance, ev *Event) error {
	seq, err := e.store.Append(ctx, ev)
	if err != nil {
		return fmt.Errorf("persisting %s event for saga %s: %w", ev.Type, ev.SagaID, err)
	}
	ev.Seq = seq
	if err := inst.Apply(ev); err != nil {
		// The log now holds an event the fold rejects; flag the exact
		// record so an operator can repair the instance.
		e.log.Error("event persisted but not applied",
			zap.String("saga_id", ev.SagaID),
			zap.Uint64("sequence", seq),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// loadForResult loads the instance and definition for a result, discarding
// protocol errors. ok is false when the result should not be processed
// further.
func (e *Engine) loadForResult(ctx context.Context, res *Result) (*SagaInstance, *SagaDefinition, bool, error) {
	inst, err := e.store.LoadLatest(ctx, res.SagaID)
	if err != nil {
		var notFound *InstanceNotFoundError
		if errors.As(err, &notFound) {
			e.discard(res, "unknown saga")
			return nil, nil, false, nil
		}
		return nil, nil, false, fmt.Errorf("loading saga %s: %w", res.SagaID, err)
	}
	if inst.Status.Terminal() {
		e.discard(res, "saga already terminal")
		return nil, nil, false, nil
	}
	def, err := e.definitions.Lookup(inst.Definition)
	if err != nil {
		return nil, nil, false, fmt.Errorf("resolving definition for saga %s: %w", res.SagaID, err)
	}
	return inst, def, true, nil
}

// resolveAttempt reconciles a result's attempt number with the volatile
// attempt state. Results for superseded attempts are discarded; a zero
// attempt in the result is accepted as unknown.
func (e *Engine) resolveAttempt(res *Result, dir Direction) (int, bool) {
	st, tracked := e.attempts.Load(res.SagaID)
	if tracked && st.direction == dir && res.Attempt != 0 && res.Attempt != st.attempt {
		e.discard(res, "stale attempt")
		return 0, false
	}

	attempt := res.Attempt
	if tracked && st.direction == dir {
		attempt = st.attempt
		if !st.startedAt.IsZero() {
			stepDuration.WithLabelValues(string(dir)).Observe(e.now().Sub(st.startedAt).Seconds())
		}
	}
	if attempt == 0 {
		attempt = 1
	}
	e.clearAttempt(res.SagaID)
	return attempt, true
}

// scheduleRetry arms the backoff timer for the next attempt of a step
// direction. Nothing is persisted: transient failures are fully absorbed by
// the retry policy.
func (e *Engine) scheduleRetry(sagaID string, step Step, dir Direction, failedAttempt int) {
	e.clearAttempt(sagaID)
	next := failedAttempt + 1
	delay := step.Retry.Backoff(failedAttempt)

	st := &attemptState{stepName: step.Name, direction: dir, attempt: next}
	st.timer = time.AfterFunc(delay, func() {
		e.redispatch(sagaID, step.Name, dir, next)
	})
	e.attempts.Store(sagaID, st)

	e.log.Debug("retry scheduled",
		zap.String("saga_id", sagaID),
		zap.String("step_name", step.Name),
		zap.String("direction", string(dir)),
		zap.Int("attempt", next),
		zap.Duration("delay", delay),
	)
}

// redispatch runs when a backoff timer fires. The instance is re-read under
// its lock; if its trajectory changed while the timer was pending (terminal,
// cancelled, superseded), the retry is dropped or converted accordingly.
func (e *Engine) redispatch(sagaID, stepName string, dir Direction, attempt int) {
	ctx := context.Background()
	mu := e.lockFor(sagaID)
	mu.Lock()
	defer mu.Unlock()

	inst, err := e.store.LoadLatest(ctx, sagaID)
	if err != nil {
		e.log.Error("loading saga for retry failed",
			zap.String("saga_id", sagaID),
			zap.Error(err),
		)
		return
	}
	if inst.Status.Terminal() {
		return
	}
	def, err := e.definitions.Lookup(inst.Definition)
	if err != nil {
		e.log.Error("resolving definition for retry failed",
			zap.String("saga_id", sagaID),
			zap.Error(err),
		)
		return
	}

	switch dir {
	case DirectionForward:
		if inst.Status == StatusRunning && def.steps[inst.Cursor].Name == stepName {
			e.dispatchForward(ctx, inst, def, attempt)
			return
		}
		if inst.Status == StatusCompensating && inst.Cancelled && inst.AwaitingForward &&
			inst.Cursor < def.Len() && def.steps[inst.Cursor].Name == stepName {
			// Cancelled between attempts: resolve the step as not done
			// and begin compensation.
			if err := e.failStep(ctx, inst, def, def.steps[inst.Cursor], attempt, "cancelled"); err != nil {
				e.log.Error("resolving cancelled step failed",
					zap.String("saga_id", sagaID),
					zap.Error(err),
				)
			}
			return
		}
	case DirectionCompensate:
		if inst.Status == StatusCompensating && !inst.AwaitingForward &&
			inst.CompCursor >= 0 && def.steps[inst.CompCursor].Name == stepName {
			if err := e.dispatchCompensation(ctx, inst, def, attempt); err != nil {
				e.log.Error("compensation retry failed",
					zap.String("saga_id", sagaID),
					zap.Error(err),
				)
			}
			return
		}
	}
	// Superseded while the backoff timer was pending; nothing to do.
}

// armTimeout replaces the instance's attempt state with a timer that
// synthesizes a Timeout result if no reply arrives in time.
func (e *Engine) armTimeout(sagaID, stepName string, dir Direction, attempt int, timeout time.Duration) {
	e.clearAttempt(sagaID)
	st := &attemptState{stepName: stepName, direction: dir, attempt: attempt, startedAt: e.now()}
	st.timer = time.AfterFunc(timeout, func() {
		res := &Result{
			SagaID:    sagaID,
			StepName:  stepName,
			Direction: dir,
			Outcome:   OutcomeTimeout,
			Attempt:   attempt,
			Reason:    "attempt timed out",
		}
		if err := e.HandleResult(context.Background(), res); err != nil {
			e.log.Error("timeout handling failed",
				zap.String("saga_id", sagaID),
				zap.String("step_name", stepName),
				zap.Error(err),
			)
		}
	})
	e.attempts.Store(sagaID, st)
}

func (e *Engine) clearAttempt(sagaID string) {
	if st, ok := e.attempts.LoadAndDelete(sagaID); ok {
		st.timer.Stop()
	}
}

func (e *Engine) lockFor(sagaID string) *sync.Mutex {
	mu, _ := e.locks.LoadOrCompute(sagaID, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	return mu
}

func (e *Engine) discard(res *Result, why string) {
	resultsDiscarded.Inc()
	e.log.Debug("discarding result",
		zap.String("saga_id", res.SagaID),
		zap.String("step_name", res.StepName),
		zap.String("direction", string(res.Direction)),
		zap.String("outcome", string(res.Outcome)),
		zap.String("why", why),
	)
}
