package saga

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore is an EventStore backed by Redis. Each saga's log is a list of
// JSON-encoded events; sequence numbers come from a per-saga counter, and a
// set tracks the instances that have not yet reached a terminal status so
// recovery does not have to scan every log.
//
// Per-saga append ordering relies on the engine's per-instance
// serialization: INCR then RPUSH under that lock keeps the list in sequence
// order.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store. prefix namespaces all keys; it defaults to
// "saga" when empty.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "saga"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) logKey(sagaID string) string {
	return fmt.Sprintf("%s:log:%s", s.prefix, sagaID)
}

func (s *RedisStore) seqKey(sagaID string) string {
	return fmt.Sprintf("%s:seq:%s", s.prefix, sagaID)
}

func (s *RedisStore) activeKey() string {
	return s.prefix + ":active"
}

// Append persists ev at the next sequence number and maintains the
// active-instance set.
func (s *RedisStore) Append(ctx context.Context, ev *Event) (uint64, error) {
	seq, err := s.client.Incr(ctx, s.seqKey(ev.SagaID)).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing sequence for saga %s: %w", ev.SagaID, err)
	}

	stored := *ev
	stored.Seq = uint64(seq)
	data, err := json.Marshal(&stored)
	if err != nil {
		return 0, fmt.Errorf("encoding event for saga %s: %w", ev.SagaID, err)
	}
	if err := s.client.RPush(ctx, s.logKey(ev.SagaID), data).Err(); err != nil {
		return 0, fmt.Errorf("appending event for saga %s: %w", ev.SagaID, err)
	}

	switch {
	case stored.Type == EventStarted:
		if err := s.client.SAdd(ctx, s.activeKey(), ev.SagaID).Err(); err != nil {
			return 0, fmt.Errorf("tracking active saga %s: %w", ev.SagaID, err)
		}
	case stored.Type.terminal():
		if err := s.client.SRem(ctx, s.activeKey(), ev.SagaID).Err(); err != nil {
			return 0, fmt.Errorf("untracking saga %s: %w", ev.SagaID, err)
		}
	}

	return stored.Seq, nil
}

// LoadLatest folds the persisted log of one instance.
func (s *RedisStore) LoadLatest(ctx context.Context, sagaID string) (*SagaInstance, error) {
	raw, err := s.client.LRange(ctx, s.logKey(sagaID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("loading event log for saga %s: %w", sagaID, err)
	}
	if len(raw) == 0 {
		return nil, &InstanceNotFoundError{SagaID: sagaID}
	}

	events := make([]*Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("decoding event for saga %s: %w", sagaID, err)
		}
		events = append(events, &ev)
	}
	return NewInstanceFromEvents(events)
}

// ListNonTerminal loads every instance in the active set.
func (s *RedisStore) ListNonTerminal(ctx context.Context) ([]*SagaInstance, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing active sagas: %w", err)
	}

	out := make([]*SagaInstance, 0, len(ids))
	for _, id := range ids {
		in, err := s.LoadLatest(ctx, id)
		if err != nil {
			return nil, err
		}
		// The set is maintained alongside appends, not transactionally
		// with them, so re-check.
		if !in.Status.Terminal() {
			out = append(out, in)
		}
	}
	return out, nil
}
