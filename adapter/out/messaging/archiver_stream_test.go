package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"archiver_server/core/domain"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type recordingHandler struct {
	stream string
	data   []byte
	err    error
}

func (h *recordingHandler) Handle(ctx context.Context, stream string, data []byte) error {
	h.stream, h.data = stream, data
	return h.err
}

func TestEncodeJob(t *testing.T) {
	job := &domain.ArchiveJob{ID: "job-1", UserKey: "jane@example.com", Year: 2024, Month: 3}
	values, err := encodeJob(job)
	if err != nil {
		t.Fatal(err)
	}

	data, err := messageData(redis.XMessage{ID: "1-0", Values: values})
	if err != nil {
		t.Fatal(err)
	}
	var back domain.ArchiveJob
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.ID != "job-1" || back.UserKey != "jane@example.com" || back.Month != 3 {
		t.Errorf("job = %+v", back)
	}
}

func TestMessageDataErrors(t *testing.T) {
	if _, err := messageData(redis.XMessage{Values: map[string]interface{}{}}); err == nil {
		t.Error("missing data accepted")
	}
	if _, err := messageData(redis.XMessage{Values: map[string]interface{}{"data": 42}}); err == nil {
		t.Error("non-string data accepted")
	}
}

func TestProcessMessage(t *testing.T) {
	h := &recordingHandler{err: errors.New("boom")}
	c := NewConsumer(nil, &ConsumerConfig{Consumer: "w1", Streams: []string{StreamInvoiceArchive}, Handler: h, Logger: zerolog.Nop()})

	err := c.processMessage(context.Background(), StreamInvoiceArchive, redis.XMessage{ID: "1-0", Values: map[string]interface{}{"data": `{"id":"j"}`}})
	if err == nil {
		t.Error("handler error swallowed")
	}
	if h.stream != StreamInvoiceArchive || string(h.data) != `{"id":"j"}` {
		t.Errorf("handler got %s %s", h.stream, h.data)
	}
}

func TestConsumerDefaults(t *testing.T) {
	c := NewConsumer(nil, &ConsumerConfig{Consumer: "w1"})
	if c.group != ConsumerGroup || c.batchSize != 10 || c.block != 5*time.Second || c.maxRetries != 3 {
		t.Errorf("defaults = %+v", c)
	}
}

func TestReadGroupArgs(t *testing.T) {
	got := readGroupArgs([]string{"a", "b"})
	want := []string{"a", "b", ">", ">"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("args = %v", got)
		}
	}
}

func TestDeadLetterValues(t *testing.T) {
	c := NewConsumer(nil, &ConsumerConfig{Consumer: "w1"})
	at := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	v := c.deadLetterValues(StreamInvoiceArchive, redis.XMessage{ID: "5-0", Values: map[string]interface{}{"data": "x"}}, at)

	if v["original_data"] != "x" || v["original_id"] != "5-0" || v["group"] != ConsumerGroup || v["failed_at"] != "2024-04-01T00:00:00Z" {
		t.Errorf("values = %v", v)
	}
	if DeadLetterStream(StreamInvoiceArchive) != "dlq:invoice:archive" {
		t.Error("dlq name")
	}
}

func TestAcquireSlots(t *testing.T) {
	c := NewConsumer(nil, &ConsumerConfig{Consumer: "w1", Concurrency: 4, BatchSize: 3})
	ctx := context.Background()

	n, err := c.acquireSlots(ctx)
	if err != nil || n != 3 {
		t.Fatalf("first = %d, %v; want batch size 3", n, err)
	}
	n, err = c.acquireSlots(ctx)
	if err != nil || n != 1 {
		t.Fatalf("second = %d, %v; want the one free slot", n, err)
	}

	// Every slot is taken, so the next read waits.
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := c.acquireSlots(cctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("full = %v, want deadline exceeded", err)
	}

	c.releaseSlots(4)
	if len(c.slots) != 0 {
		t.Errorf("slots in use = %d", len(c.slots))
	}
}

type blockingHandler struct {
	started chan string
	release chan struct{}
}

func (h *blockingHandler) Handle(ctx context.Context, stream string, data []byte) error {
	h.started <- string(data)
	<-h.release
	return errors.New("not acked")
}

func TestDispatchRunsConcurrentlyAndFreesSlots(t *testing.T) {
	h := &blockingHandler{started: make(chan string, 2), release: make(chan struct{})}
	c := NewConsumer(nil, &ConsumerConfig{Consumer: "w1", Concurrency: 2, Handler: h})
	ctx := context.Background()

	n, err := c.acquireSlots(ctx)
	if err != nil || n != 2 {
		t.Fatalf("slots = %d, %v", n, err)
	}
	c.dispatch(ctx, StreamInvoiceArchive, redis.XMessage{ID: "1-0", Values: map[string]interface{}{"data": "a"}})
	c.dispatch(ctx, StreamInvoiceArchive, redis.XMessage{ID: "2-0", Values: map[string]interface{}{"data": "b"}})

	for i := 0; i < 2; i++ {
		select {
		case <-h.started:
		case <-time.After(2 * time.Second):
			t.Fatal("entries were not handled side by side")
		}
	}

	close(h.release)
	c.inflight.Wait()
	if len(c.slots) != 0 {
		t.Errorf("slots in use after handlers returned = %d", len(c.slots))
	}
}

type deadLetterRecorder struct {
	recordingHandler
	dead []string
}

func (h *deadLetterRecorder) DeadLetter(ctx context.Context, stream string, data []byte) {
	h.dead = append(h.dead, stream+" "+string(data))
}

func TestNotifyDeadLetter(t *testing.T) {
	h := &deadLetterRecorder{}
	c := NewConsumer(nil, &ConsumerConfig{Consumer: "w1", Handler: h})

	c.notifyDeadLetter(context.Background(), StreamInvoiceArchive, redis.XMessage{ID: "1-0", Values: map[string]interface{}{"data": `{"id":"j"}`}})
	c.notifyDeadLetter(context.Background(), StreamInvoiceArchive, redis.XMessage{ID: "2-0", Values: map[string]interface{}{}})

	if len(h.dead) != 1 || h.dead[0] != StreamInvoiceArchive+` {"id":"j"}` {
		t.Errorf("dead = %v", h.dead)
	}

	// Handlers without the hook are skipped.
	plain := NewConsumer(nil, &ConsumerConfig{Consumer: "w1", Handler: &recordingHandler{}})
	plain.notifyDeadLetter(context.Background(), StreamInvoiceArchive, redis.XMessage{ID: "3-0", Values: map[string]interface{}{"data": "x"}})
}
