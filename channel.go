package saga

import (
	"context"
	"sync"
)

// MessageHandler consumes one delivered message payload.
type MessageHandler func(ctx context.Context, payload []byte)

// MessageChannel is the asynchronous transport between the engine and
// participants.
//
// Delivery is at-least-once: a message may be redelivered or arrive out of
// order, even within one saga instance. The engine's idempotency and
// out-of-order guards are the sole ordering defense, so implementations need
// not (and must not be assumed to) preserve order. Send must not invoke
// subscribers synchronously on the caller's goroutine.
type MessageChannel interface {
	Send(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, handler MessageHandler) error
}

// InProcChannel is a MessageChannel that delivers messages to in-process
// subscribers, each delivery on its own goroutine. It is the transport used
// by tests and embedded single-process deployments.
type InProcChannel struct {
	mu   sync.RWMutex
	subs map[string][]MessageHandler
	wg   sync.WaitGroup
}

// NewInProcChannel creates an empty channel.
func NewInProcChannel() *InProcChannel {
	return &InProcChannel{subs: make(map[string][]MessageHandler)}
}

// Subscribe registers a handler for a topic. All handlers subscribed to a
// topic receive every message sent to it.
func (c *InProcChannel) Subscribe(topic string, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = append(c.subs[topic], handler)
	return nil
}

// Send delivers payload to every subscriber of topic. Messages to topics
// without subscribers are dropped, as they would be on a broker with no
// consumer group.
func (c *InProcChannel) Send(ctx context.Context, topic string, payload []byte) error {
	c.mu.RLock()
	handlers := make([]MessageHandler, len(c.subs[topic]))
	copy(handlers, c.subs[topic])
	c.mu.RUnlock()

	for _, handler := range handlers {
		h := handler
		msg := make([]byte, len(payload))
		copy(msg, payload)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			h(context.Background(), msg)
		}()
	}
	return nil
}

// Drain blocks until every delivery goroutine spawned so far has returned.
func (c *InProcChannel) Drain() {
	c.wg.Wait()
}
