// Package messaging provides the Redis Streams job queue.
package messaging

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"archiver_server/core/domain"
	"archiver_server/core/port/out"

	"github.com/redis/go-redis/v9"
)

// Stream names
const (
	StreamInvoiceArchive = "invoice:archive"

	// ConsumerGroup is shared by every worker process.
	ConsumerGroup = "invoice-archivers"
)

// DeadLetterStream names the DLQ of stream.
func DeadLetterStream(stream string) string {
	return "dlq:" + stream
}

// RedisProducer implements out.JobPublisher using Redis Streams.
type RedisProducer struct {
	client *redis.Client
}

func NewRedisProducer(client *redis.Client) *RedisProducer {
	return &RedisProducer{client: client}
}

// PublishArchive publishes an archive job.
func (p *RedisProducer) PublishArchive(ctx context.Context, job *domain.ArchiveJob) error {
	return p.publish(ctx, StreamInvoiceArchive, job)
}

// publish publishes a job to a stream using go-redis.
func (p *RedisProducer) publish(ctx context.Context, stream string, job interface{}) error {
	values, err := encodeJob(job)
	if err != nil {
		return err
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}

	return nil
}

func encodeJob(job interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return map[string]interface{}{"data": string(data)}, nil
}

var _ out.JobPublisher = (*RedisProducer)(nil)
