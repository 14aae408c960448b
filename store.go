package saga

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/btree"
)

// EventStore is the append-only persistence contract for saga instance
// state. The current state of an instance is always the fold of its event
// history; nothing is ever overwritten in place, which makes crash recovery
// a replay and gives a natural audit trail.
//
// Implementations must persist events for a given saga id strictly in the
// order Append is called. The engine serializes all appends for one saga
// under a per-instance lock, so an implementation that applies each Append
// atomically satisfies the contract.
type EventStore interface {
	// Append persists ev, assigns it the next sequence number for
	// ev.SagaID, and returns that number.
	Append(ctx context.Context, ev *Event) (uint64, error)

	// LoadLatest folds the persisted event history of one instance into
	// its current state.
	LoadLatest(ctx context.Context, sagaID string) (*SagaInstance, error)

	// ListNonTerminal returns the current state of every instance that
	// has not reached COMPLETED, COMPENSATED, or FAILED.
	ListNonTerminal(ctx context.Context) ([]*SagaInstance, error)
}

// MemoryStore is an in-memory EventStore for tests and embedded use.
type MemoryStore struct {
	logs *xsync.MapOf[string, *memoryLog]
}

// memoryLog is one saga's ordered event log. The btree keeps events sorted
// by sequence number; nextSeq is only advanced under mu.
type memoryLog struct {
	mu      sync.Mutex
	events  *btree.Map[uint64, *Event]
	nextSeq uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs: xsync.NewMapOf[string, *memoryLog](),
	}
}

// Append stores a copy of ev under the next sequence number for its saga.
func (m *MemoryStore) Append(ctx context.Context, ev *Event) (uint64, error) {
	log, _ := m.logs.LoadOrCompute(ev.SagaID, func() *memoryLog {
		return &memoryLog{events: btree.NewMap[uint64, *Event](8)}
	})

	log.mu.Lock()
	defer log.mu.Unlock()

	log.nextSeq++
	stored := *ev
	stored.Seq = log.nextSeq
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}
	stored.Payload = copyContext(ev.Payload)
	log.events.Set(stored.Seq, &stored)
	return stored.Seq, nil
}

// LoadLatest rebuilds the instance from its event log.
func (m *MemoryStore) LoadLatest(ctx context.Context, sagaID string) (*SagaInstance, error) {
	events, ok := m.eventsFor(sagaID)
	if !ok {
		return nil, &InstanceNotFoundError{SagaID: sagaID}
	}
	return NewInstanceFromEvents(events)
}

// ListNonTerminal folds every stored log and returns the instances still in
// flight.
func (m *MemoryStore) ListNonTerminal(ctx context.Context) ([]*SagaInstance, error) {
	var out []*SagaInstance
	var rangeErr error
	m.logs.Range(func(sagaID string, _ *memoryLog) bool {
		in, err := m.LoadLatest(ctx, sagaID)
		if err != nil {
			rangeErr = err
			return false
		}
		if !in.Status.Terminal() {
			out = append(out, in)
		}
		return true
	})
	if rangeErr != nil {
		return nil, rangeErr
	}
	return out, nil
}

// Events returns a copy of one saga's event log in sequence order. Not part
// of the EventStore contract; used by audits and tests.
func (m *MemoryStore) Events(sagaID string) []*Event {
	events, _ := m.eventsFor(sagaID)
	return events
}

func (m *MemoryStore) eventsFor(sagaID string) ([]*Event, bool) {
	log, ok := m.logs.Load(sagaID)
	if !ok {
		return nil, false
	}
	log.mu.Lock()
	defer log.mu.Unlock()

	if log.events.Len() == 0 {
		return nil, false
	}
	events := make([]*Event, 0, log.events.Len())
	log.events.Scan(func(_ uint64, ev *Event) bool {
		events = append(events, ev)
		return true
	})
	return events, true
}
