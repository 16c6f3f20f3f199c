package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// JobHandler processes jobs from streams. Handle returns once the job has
// finished. A returned error leaves the entry pending so it is reclaimed later.
type JobHandler interface {
	Handle(ctx context.Context, stream string, data []byte) error
}

// DeadLetterHandler is implemented by handlers that record entries moved to
// the dead letter stream.
type DeadLetterHandler interface {
	DeadLetter(ctx context.Context, stream string, data []byte)
}

// Consumer consumes messages from Redis Streams.
type Consumer struct {
	client   *redis.Client
	group    string
	consumer string
	streams  []string
	handler  JobHandler
	log      zerolog.Logger

	batchSize int64
	block     time.Duration

	// slots bounds the entries handled at once; one slot per running job.
	slots    chan struct{}
	inflight sync.WaitGroup

	pendingCheckInterval time.Duration
	pendingIdleTime      time.Duration
	maxRetries           int
}

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	Group    string
	Consumer string
	Streams  []string
	Handler  JobHandler
	Logger   zerolog.Logger

	// Concurrency is the number of entries handled at once. It should match
	// the worker pool size.
	Concurrency int
	BatchSize   int
	Block       time.Duration

	// PendingIdleTime must exceed the longest job, or running jobs get claimed twice.
	PendingCheckInterval time.Duration
	PendingIdleTime      time.Duration
	MaxRetries           int
}

func NewConsumer(client *redis.Client, cfg *ConsumerConfig) *Consumer {
	c := &Consumer{
		client:               client,
		group:                cfg.Group,
		consumer:             cfg.Consumer,
		streams:              cfg.Streams,
		handler:              cfg.Handler,
		log:                  cfg.Logger,
		batchSize:            int64(cfg.BatchSize),
		block:                cfg.Block,
		pendingCheckInterval: cfg.PendingCheckInterval,
		pendingIdleTime:      cfg.PendingIdleTime,
		maxRetries:           cfg.MaxRetries,
	}
	if c.group == "" {
		c.group = ConsumerGroup
	}
	if c.batchSize <= 0 {
		c.batchSize = 10
	}
	if c.block <= 0 {
		c.block = 5 * time.Second
	}
	if c.pendingCheckInterval <= 0 {
		c.pendingCheckInterval = time.Minute
	}
	if c.pendingIdleTime <= 0 {
		c.pendingIdleTime = 20 * time.Minute
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	c.slots = make(chan struct{}, concurrency)
	return c
}

// Run consumes until ctx is cancelled. Entries are read only when a slot is
// free, so none waits unhandled while its idle time grows.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().
		Str("group", c.group).
		Str("consumer", c.consumer).
		Strs("streams", c.streams).
		Int("concurrency", cap(c.slots)).
		Msg("starting consumer")

	for _, stream := range c.streams {
		c.createConsumerGroup(ctx, stream)
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.processPendingMessages(ctx)
	}()
	defer c.inflight.Wait()

	for {
		free, err := c.acquireSlots(ctx)
		if err != nil {
			return err
		}

		result, err := c.readMessages(ctx, free)
		if err != nil {
			c.releaseSlots(free)
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error().Err(err).Msg("error reading from streams")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range result {
			for _, msg := range stream.Messages {
				// COUNT applies per stream, so several streams can return more
				// entries than were asked for.
				if free == 0 {
					if err := c.acquireSlot(ctx); err != nil {
						return err
					}
					free++
				}
				free--
				c.dispatch(ctx, stream.Stream, msg)
			}
		}
		c.releaseSlots(free)
	}
}

// acquireSlots blocks for one slot, then takes any others free right now, up
// to the batch size.
func (c *Consumer) acquireSlots(ctx context.Context) (int, error) {
	if err := c.acquireSlot(ctx); err != nil {
		return 0, err
	}
	n := 1
	for int64(n) < c.batchSize {
		select {
		case c.slots <- struct{}{}:
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

func (c *Consumer) acquireSlot(ctx context.Context) error {
	select {
	case c.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) releaseSlots(n int) {
	for i := 0; i < n; i++ {
		<-c.slots
	}
}

// dispatch handles msg on its own goroutine and frees the caller's slot when
// done.
func (c *Consumer) dispatch(ctx context.Context, stream string, msg redis.XMessage) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer c.releaseSlots(1)
		c.handleAndAck(ctx, stream, msg)
	}()
}

func (c *Consumer) handleAndAck(ctx context.Context, stream string, msg redis.XMessage) {
	if err := c.processMessage(ctx, stream, msg); err != nil {
		c.log.Error().
			Err(err).
			Str("stream", stream).
			Str("id", msg.ID).
			Msg("error processing message")
		return
	}

	if err := c.client.XAck(ctx, stream, c.group, msg.ID).Err(); err != nil {
		c.log.Error().
			Err(err).
			Str("stream", stream).
			Str("id", msg.ID).
			Msg("error acknowledging message")
	}
}

// processPendingMessages periodically reclaims entries left pending by a
// failed handler or a dead consumer.
func (c *Consumer) processPendingMessages(ctx context.Context) {
	ticker := time.NewTicker(c.pendingCheckInterval)
	defer ticker.Stop()

	c.log.Info().
		Dur("check_interval", c.pendingCheckInterval).
		Dur("idle_time", c.pendingIdleTime).
		Int("max_retries", c.maxRetries).
		Msg("starting pending message processor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.claimAndProcessPending(ctx)
		}
	}
}

func (c *Consumer) claimAndProcessPending(ctx context.Context) {
	for _, stream := range c.streams {
		pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  c.group,
			Start:  "-",
			End:    "+",
			Count:  100,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				c.log.Error().Err(err).Str("stream", stream).Msg("error getting pending messages")
			}
			continue
		}

		for _, p := range pending {
			if p.Idle < c.pendingIdleTime {
				continue
			}

			if int(p.RetryCount) >= c.maxRetries {
				c.log.Warn().
					Str("stream", stream).
					Str("id", p.ID).
					Int64("retries", p.RetryCount).
					Msg("message exceeded max retries, moving to DLQ")

				if err := c.moveToDeadLetterQueue(ctx, stream, p.ID); err != nil {
					c.log.Error().Err(err).Str("id", p.ID).Msg("error moving message to DLQ")
					continue
				}
				c.client.XAck(ctx, stream, c.group, p.ID)
				continue
			}

			if err := c.acquireSlot(ctx); err != nil {
				return
			}
			claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    c.group,
				Consumer: c.consumer,
				MinIdle:  c.pendingIdleTime,
				Messages: []string{p.ID},
			}).Result()
			if err != nil || len(claimed) == 0 {
				c.releaseSlots(1)
				if err != nil {
					c.log.Error().Err(err).Str("id", p.ID).Msg("error claiming message")
				}
				continue
			}

			msg := claimed[0]
			c.log.Info().
				Str("stream", stream).
				Str("id", msg.ID).
				Int64("retries", p.RetryCount).
				Msg("reprocessing pending message")
			c.dispatch(ctx, stream, msg)
		}
	}
}

func (c *Consumer) createConsumerGroup(ctx context.Context, stream string) {
	err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		c.log.Warn().Err(err).Str("stream", stream).Msg("error creating consumer group")
	}
}

func (c *Consumer) readMessages(ctx context.Context, count int) ([]redis.XStream, error) {
	if len(c.streams) == 0 {
		return nil, redis.Nil
	}

	return c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  readGroupArgs(c.streams),
		Count:    int64(count),
		Block:    c.block,
	}).Result()
}

// readGroupArgs lays out streams followed by one ">" per stream.
func readGroupArgs(streams []string) []string {
	args := make([]string, len(streams)*2)
	for i, stream := range streams {
		args[i] = stream
		args[len(streams)+i] = ">"
	}
	return args
}

func (c *Consumer) processMessage(ctx context.Context, stream string, msg redis.XMessage) error {
	data, err := messageData(msg)
	if err != nil {
		return err
	}
	return c.handler.Handle(ctx, stream, data)
}

func messageData(msg redis.XMessage) ([]byte, error) {
	data, ok := msg.Values["data"]
	if !ok {
		return nil, fmt.Errorf("invalid message format: missing data field")
	}
	dataStr, ok := data.(string)
	if !ok {
		return nil, fmt.Errorf("invalid message format: data is not a string")
	}
	return []byte(dataStr), nil
}

// moveToDeadLetterQueue copies a failed entry to dlq:<stream>.
func (c *Consumer) moveToDeadLetterQueue(ctx context.Context, stream string, msgID string) error {
	messages, err := c.client.XRange(ctx, stream, msgID, msgID).Result()
	if err != nil {
		return fmt.Errorf("failed to read message for DLQ: %w", err)
	}
	if len(messages) == 0 {
		return fmt.Errorf("message %s not found in stream %s", msgID, stream)
	}

	dlqStream := DeadLetterStream(stream)
	_, err = c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStream,
		Values: c.deadLetterValues(stream, messages[0], time.Now()),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add message to DLQ: %w", err)
	}

	c.log.Info().
		Str("dlq_stream", dlqStream).
		Str("original_stream", stream).
		Str("original_id", msgID).
		Msg("message moved to DLQ")

	c.notifyDeadLetter(ctx, stream, messages[0])
	return nil
}

func (c *Consumer) notifyDeadLetter(ctx context.Context, stream string, msg redis.XMessage) {
	dl, ok := c.handler.(DeadLetterHandler)
	if !ok {
		return
	}
	data, err := messageData(msg)
	if err != nil {
		return
	}
	dl.DeadLetter(ctx, stream, data)
}

func (c *Consumer) deadLetterValues(stream string, msg redis.XMessage, failedAt time.Time) map[string]interface{} {
	values := map[string]interface{}{
		"original_stream": stream,
		"original_id":     msg.ID,
		"failed_at":       failedAt.UTC().Format(time.RFC3339),
		"consumer":        c.consumer,
		"group":           c.group,
	}
	for k, v := range msg.Values {
		values["original_"+k] = v
	}
	return values
}
