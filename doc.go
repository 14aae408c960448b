// Package saga provides an orchestration engine for distributed sagas.
//
// A saga is a long-running business transaction decomposed into an ordered
// sequence of steps, each with a compensating action that semantically undoes
// it. When a step permanently fails, the engine walks the completed prefix in
// reverse and compensates each step, converging to either all-steps-applied
// or all-steps-compensated without a global lock or cross-service ACID
// transaction. For more on distributed sagas, see this 2017 JOTB talk by
// Caitie McCaffrey: https://www.youtube.com/watch?v=0UTOLRTwOX0
//
// Overview
//
//  1. Describe your saga as a SagaDefinition: an immutable ordered list of
//     Steps, each naming the forward command, the compensating command, and a
//     RetryPolicy. Register definitions in a DefinitionRegistry (or load them
//     from configuration with LoadDefinitions).
//  2. Pick an EventStore. MemoryStore suits tests and embedded use;
//     RedisStore persists each instance's append-only event log durably.
//  3. Pick a MessageChannel. InProcChannel keeps everything in one process;
//     RedisChannel rides Redis Streams with at-least-once delivery.
//  4. Create an Engine with NewEngine, wire it to the result topic with
//     SubscribeResults, and call Recover to resume any instances interrupted
//     by a previous crash.
//  5. Drive sagas with Start and Cancel; observe them with Status. Remote
//     services consume command messages and reply with result messages; the
//     Participant type implements that side for in-process handlers.
//
// Every state transition is appended to the store before the next command is
// sent, so the current state of an instance is always the fold of its event
// history and crash recovery is a replay.
package saga
