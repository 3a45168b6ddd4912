package consumer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/loghouse/loghouse/internal/ingester/configuration"
	"github.com/loghouse/loghouse/internal/ingester/metrics"
	"github.com/loghouse/loghouse/internal/ingester/model"
	"github.com/loghouse/loghouse/internal/ingester/ringbuffer"
)

const dataField = "data"

const ackTimeout = 5 * time.Second

// StreamConsumer reads log messages from the upstream stream with
// consumer-group semantics and fans them out round-robin into the writers'
// ring buffers.
//
// It holds two connections: a reader used only by the main loop for blocking
// group reads, and a writer used for group setup, acknowledgments and length
// queries.  The split keeps ack latency off the blocking read; the writer
// connection is shared across goroutines and guarded by a mutex.
type StreamConsumer struct {
	config *configuration.Configuration

	reader  *redis.Client
	writer  *redis.Client
	writeMu sync.Mutex

	// Rotation index for the round-robin fan-out; owned by the reading
	// goroutine and preserved across calls so load spreads evenly.
	next int

	running atomic.Bool
	stats   model.ConsumerStats
	metrics *metrics.Metrics
}

func New(config *configuration.Configuration) *StreamConsumer {
	c := &StreamConsumer{
		config:  config,
		metrics: metrics.Get(),
	}
	c.running.Store(true)
	return c
}

// Connect opens both connections and ensures the consumer group exists,
// creating the stream if necessary.  A group that already exists is not an
// error.
func (c *StreamConsumer) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.config.Redis.Host, c.config.Redis.Port)
	c.reader = redis.NewClient(&redis.Options{Addr: addr})
	c.writer = redis.NewClient(&redis.Options{Addr: addr})

	for _, client := range []*redis.Client{c.reader, c.writer} {
		if err := client.Ping(ctx).Err(); err != nil {
			c.metrics.RecordRedisError(metrics.DBOperationConnect)
			return errors.WithMessagef(err, "could not connect to redis on %s", addr)
		}
	}
	log.Infof("Connected to Redis at %s", addr)

	return c.ensureConsumerGroup(ctx)
}

func (c *StreamConsumer) ensureConsumerGroup(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	err := c.writer.XGroupCreateMkStream(ctx, c.config.Redis.StreamKey, c.config.Redis.GroupName, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		c.metrics.RecordRedisError(metrics.DBOperationGroupInit)
		return errors.WithMessagef(err, "could not create consumer group %s on %s",
			c.config.Redis.GroupName, c.config.Redis.StreamKey)
	}
	return nil
}

// ReadBatch performs one consumer-group read of up to ReadBatchSize messages
// and dispatches the decoded entries into the ring buffers.  It returns the
// number of entries enqueued.  When every buffer is full the round ends
// early: the remaining messages stay pending upstream and come back through
// RecoverPending, which is the backpressure mechanism.
func (c *StreamConsumer) ReadBatch(ctx context.Context, buffers []*ringbuffer.RingBuffer[model.LogEntry]) int {
	block := time.Duration(c.config.BlockMs) * time.Millisecond
	if c.config.PollingIntervalMs > 0 {
		block = -1
	}

	streams, err := c.reader.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.config.Redis.GroupName,
		Consumer: c.config.Redis.ConsumerName,
		Streams:  []string{c.config.Redis.StreamKey, ">"},
		Count:    int64(c.config.ReadBatchSize),
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil || errors.Is(err, context.Canceled) {
			return 0
		}
		c.metrics.RecordRedisError(metrics.DBOperationRead)
		log.WithError(err).Warn("upstream read failed")
		return 0
	}

	return c.dispatchStreams(streams, buffers)
}

// RecoverPending re-fetches messages previously delivered to this consumer
// name but never acknowledged, using the start-from-zero cursor.  Called once
// at startup.
func (c *StreamConsumer) RecoverPending(ctx context.Context, buffers []*ringbuffer.RingBuffer[model.LogEntry]) int {
	streams, err := c.reader.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.config.Redis.GroupName,
		Consumer: c.config.Redis.ConsumerName,
		Streams:  []string{c.config.Redis.StreamKey, "0"},
		Count:    int64(c.config.ReadBatchSize),
		Block:    -1,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return 0
		}
		c.metrics.RecordRedisError(metrics.DBOperationRead)
		log.WithError(err).Warn("pending message recovery failed")
		return 0
	}

	return c.dispatchStreams(streams, buffers)
}

func (c *StreamConsumer) dispatchStreams(streams []redis.XStream, buffers []*ringbuffer.RingBuffer[model.LogEntry]) int {
	count := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			data, ok := msg.Values[dataField].(string)
			if !ok {
				c.stats.ParseErrors.Add(1)
				c.metrics.RecordParseError()
				continue
			}

			entry, err := parseEntry(data, msg.ID)
			if err != nil {
				// Skipped and not acknowledged: the message stays pending
				// and is re-delivered on the next recovery.
				c.stats.ParseErrors.Add(1)
				c.metrics.RecordParseError()
				continue
			}

			if !c.dispatch(entry, buffers) {
				// Every buffer is full; end the round here.
				c.finishRound(count)
				return count
			}
			count++
		}
	}
	c.finishRound(count)
	return count
}

func (c *StreamConsumer) finishRound(count int) {
	if count > 0 {
		c.stats.MessagesRead.Add(uint64(count))
		c.metrics.RecordMessagesRead(count)
	}
}

// dispatch tries the buffer at the rotation index first, then probes the
// remaining buffers in rotation.  Returns false iff all buffers are full.
func (c *StreamConsumer) dispatch(entry model.LogEntry, buffers []*ringbuffer.RingBuffer[model.LogEntry]) bool {
	for i := 0; i < len(buffers); i++ {
		idx := (c.next + i) % len(buffers)
		if buffers[idx].TryPush(entry) {
			c.next = (idx + 1) % len(buffers)
			return true
		}
	}
	return false
}

// AckBatch acknowledges a set of message ids in a single command.  A failed
// ack is logged and dropped: the messages stay pending upstream and are
// re-delivered, which preserves at-least-once delivery with no local state.
//
// Acks are issued by writer goroutines, including during shutdown drain, so
// the command runs under its own deadline rather than the main loop context.
func (c *StreamConsumer) AckBatch(ids []string) {
	if len(ids) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.writer.XAck(ctx, c.config.Redis.StreamKey, c.config.Redis.GroupName, ids...).Err(); err != nil {
		c.metrics.RecordRedisError(metrics.DBOperationAck)
		log.WithError(err).Warnf("failed to ack %d messages; they will be re-delivered", len(ids))
	}
}

// StreamLength returns the current upstream stream length.  Observational.
func (c *StreamConsumer) StreamLength(ctx context.Context) int64 {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	length, err := c.writer.XLen(ctx, c.config.Redis.StreamKey).Result()
	if err != nil {
		return 0
	}
	return length
}

func (c *StreamConsumer) Stop() {
	c.running.Store(false)
}

func (c *StreamConsumer) IsRunning() bool {
	return c.running.Load()
}

func (c *StreamConsumer) MessagesRead() uint64 {
	return c.stats.MessagesRead.Load()
}

func (c *StreamConsumer) ParseErrors() uint64 {
	return c.stats.ParseErrors.Load()
}

// Close releases both connections.
func (c *StreamConsumer) Close() {
	for _, client := range []*redis.Client{c.reader, c.writer} {
		if client != nil {
			if err := client.Close(); err != nil {
				log.WithError(err).Warn("failed to close redis client")
			}
		}
	}
}
