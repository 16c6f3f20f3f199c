package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-json"

	"archiver_server/adapter/in/worker"
	"archiver_server/adapter/out/messaging"
	"archiver_server/config"
	"archiver_server/core/domain"
	"archiver_server/pkg/logger"

	"github.com/rs/zerolog"
)

type Worker struct {
	pool      *worker.Pool
	processor *worker.ArchiveProcessor
	consumer  *messaging.Consumer
	scheduler *worker.MonthlyScheduler
	deps      *Dependencies
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	zlog      zerolog.Logger
}

func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}
	return NewWorkerWithDeps(deps), cleanup, nil
}

// NewWorkerWithDeps builds the archive worker. Without Redis, deps.Publisher
// is pointed at the in-process pool.
func NewWorkerWithDeps(deps *Dependencies) *Worker {
	cfg := deps.Config

	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("component", "worker").Logger()

	processor := worker.NewArchiveProcessor(deps.InvoiceService, deps.Statuses)
	handler := worker.NewHandler(processor)

	poolConfig := worker.DefaultPoolConfig()
	if cfg.WorkerConcurrency > 0 {
		poolConfig.Workers = cfg.WorkerConcurrency
	}
	if cfg.JobTimeout > 0 {
		poolConfig.JobTimeout = cfg.JobTimeout
	}
	pool := worker.NewPool(handler, poolConfig, zlog)

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		pool:      pool,
		processor: processor,
		deps:      deps,
		ctx:       ctx,
		cancel:    cancel,
		zlog:      zlog,
	}

	// Redis Stream Consumer 설정 (Redis가 있을 때만)
	if deps.Redis != nil {
		w.consumer = messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
			Group:           messaging.ConsumerGroup,
			Consumer:        cfg.WorkerID,
			Streams:         []string{messaging.StreamInvoiceArchive},
			Handler:         &streamHandler{worker: w},
			Logger:          zlog,
			Concurrency:     poolConfig.Workers,
			BatchSize:       cfg.ConsumerBatchSize,
			Block:           cfg.ConsumerBlock,
			PendingIdleTime: cfg.ConsumerMinIdle,
			MaxRetries:      cfg.ConsumerMaxRetries,
		})
		logger.Info("Redis Stream Consumer configured for %s", messaging.StreamInvoiceArchive)
	} else {
		deps.Publisher = worker.NewDirectPublisher(pool)
		logger.Warn("Redis not available, worker will only process direct submissions")
	}

	if cfg.SchedulerEnabled {
		w.scheduler = worker.NewMonthlyScheduler(deps.Users, deps.Publisher, deps.Statuses, deps.Locker, cfg.SchedulerDay)
		logger.Info("Monthly archive scheduler configured (day %d)", cfg.SchedulerDay)
	}

	return w
}

// streamHandler adapts Redis Stream entries to the worker pool. Handle waits
// for the job, so an entry is acked only after it ran. A failed attempt
// leaves the entry pending and the consumer's reclaim pass is its retry.
type streamHandler struct {
	worker *Worker
}

func (h *streamHandler) Handle(ctx context.Context, stream string, data []byte) error {
	msg, ok := h.message(stream, data)
	if !ok {
		return nil
	}

	done := msg.Await()
	if err := h.worker.pool.Submit(msg); err != nil {
		return fmt.Errorf("submit job %s: %w", msg.ID, err)
	}
	logger.Debug("[StreamHandler] Job submitted to pool: %s", msg.ID)

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("job %s: %w", msg.ID, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeadLetter marks the job failed once the consumer gives up on its entry.
func (h *streamHandler) DeadLetter(ctx context.Context, stream string, data []byte) {
	msg, ok := h.message(stream, data)
	if !ok || h.worker.processor == nil {
		return
	}
	h.worker.processor.MarkFailed(ctx, msg, errors.New("stream entry exceeded max deliveries"))
}

// message decodes an entry. Entries that can never run report false and are
// acknowledged.
func (h *streamHandler) message(stream string, data []byte) (*worker.Message, bool) {
	if stream != messaging.StreamInvoiceArchive {
		logger.Warn("[StreamHandler] Ignoring message from unknown stream: %s", stream)
		return nil, false
	}

	var job domain.ArchiveJob
	if err := json.Unmarshal(data, &job); err != nil {
		logger.Error("[StreamHandler] Failed to parse payload: %v", err)
		return nil, false
	}

	msg, err := worker.NewArchiveMessage(&job)
	if err != nil {
		logger.Error("[StreamHandler] Failed to build job %s: %v", job.ID, err)
		return nil, false
	}
	return msg, true
}

// Start runs the worker until Stop is called.
func (w *Worker) Start() error {
	if err := w.pool.Start(); err != nil {
		return err
	}

	// Redis Stream Consumer 시작 (있을 경우)
	if w.consumer != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.zlog.Info().Msg("Starting Redis Stream Consumer...")
			if err := w.consumer.Run(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.zlog.Error().Err(err).Msg("Redis Stream Consumer error")
			}
		}()
	}

	if w.scheduler != nil {
		w.scheduler.Start()
		w.zlog.Info().Msg("Started monthly archive scheduler")
	}

	<-w.ctx.Done()
	return nil
}

func (w *Worker) Stop() {
	w.cancel()

	if w.scheduler != nil {
		w.scheduler.Stop()
	}

	// Consumer first, so nothing is submitted to a closing pool.
	w.wg.Wait()
	w.pool.Stop()
}

func (w *Worker) GetMetrics() worker.PoolMetrics {
	return w.pool.GetMetrics()
}

func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
