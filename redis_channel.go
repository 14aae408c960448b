package saga

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisChannel is a MessageChannel on Redis Streams. Each topic is a stream;
// subscribers read through a consumer group, so unacked messages are
// redelivered, which is the at-least-once delivery the engine is built to
// absorb.
// No dead-lettering is done here: a message the engine discards as a
// duplicate or protocol error is still acked.
type RedisChannel struct {
	client   *redis.Client
	group    string
	consumer string
	log      *zap.Logger

	block time.Duration
	batch int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisChannel creates a channel reading as the given consumer within the
// given group. A nil logger is replaced with a no-op one.
func NewRedisChannel(client *redis.Client, group, consumer string, logger *zap.Logger) *RedisChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisChannel{
		client:   client,
		group:    group,
		consumer: consumer,
		log:      logger,
		block:    5 * time.Second,
		batch:    10,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Send appends the payload to the topic's stream.
func (c *RedisChannel) Send(ctx context.Context, topic string, payload []byte) error {
	return c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{"data": string(payload)},
	}).Err()
}

// Subscribe ensures the consumer group exists and starts a reader goroutine
// for the topic. It returns once the reader is running; Close stops it.
func (c *RedisChannel) Subscribe(topic string, handler MessageHandler) error {
	err := c.client.XGroupCreateMkStream(c.ctx, topic, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}

	c.wg.Add(1)
	go c.consume(topic, handler)
	return nil
}

func (c *RedisChannel) consume(topic string, handler MessageHandler) {
	defer c.wg.Done()
	for {
		if c.ctx.Err() != nil {
			return
		}

		results, err := c.client.XReadGroup(c.ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{topic, ">"},
			Count:    c.batch,
			Block:    c.block,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if c.ctx.Err() != nil {
				return
			}
			c.log.Warn("stream read failed",
				zap.String("topic", topic),
				zap.Error(err),
			)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.block):
			}
			continue
		}

		for _, result := range results {
			for _, m := range result.Messages {
				if data, ok := m.Values["data"].(string); ok {
					handler(c.ctx, []byte(data))
				}
				if err := c.client.XAck(c.ctx, result.Stream, c.group, m.ID).Err(); err != nil && c.ctx.Err() == nil {
					c.log.Warn("stream ack failed",
						zap.String("topic", result.Stream),
						zap.String("message_id", m.ID),
						zap.Error(err),
					)
				}
			}
		}
	}
}

// Close stops all readers and waits for them to return.
func (c *RedisChannel) Close() {
	c.cancel()
	c.wg.Wait()
}
