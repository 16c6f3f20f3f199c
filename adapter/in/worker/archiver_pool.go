package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"

	"archiver_server/pkg/resilience"
)

// =============================================================================
// go-pkgz/pool based archive job pool
// =============================================================================

// ErrPoolStopped is returned by Submit when the pool is not running.
var ErrPoolStopped = errors.New("worker pool is not running")

// ErrRateLimited is returned by Submit when the submission rate is exceeded.
var ErrRateLimited = errors.New("worker pool rate limit exceeded")

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	Workers        int           // concurrent jobs
	WorkerChanSize int           // per-worker buffer
	JobTimeout     time.Duration // per attempt
	MaxRetries     int           // retries after the first attempt
	Retry          resilience.Policy
	SubmitRate     int // submissions per second
}

// DefaultPoolConfig returns default pool configuration.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers:        4,
		WorkerChanSize: 16,
		JobTimeout:     15 * time.Minute,
		MaxRetries:     3,
		Retry: resilience.Policy{
			BaseDelay: 2 * time.Second,
			MaxDelay:  time.Minute,
			Jitter:    500 * time.Millisecond,
		},
		SubmitRate: 50,
	}
}

// Pool runs archive jobs on a fixed set of go-pkgz/pool workers.
type Pool struct {
	processor Processor
	config    *PoolConfig

	pool *pool.WorkerGroup[*Message]

	ctx    context.Context
	cancel context.CancelFunc

	metrics     *PoolMetrics
	log         zerolog.Logger
	rateLimiter *RateLimiter

	started bool
	mu      sync.Mutex
}

// PoolMetrics holds pool metrics.
type PoolMetrics struct {
	JobsProcessed  int64 `json:"jobs_processed"`
	JobsFailed     int64 `json:"jobs_failed"`
	JobsDropped    int64 `json:"jobs_dropped"`
	JobsRetried    int64 `json:"jobs_retried"`
	AvgProcessTime int64 `json:"avg_process_ms"`
	Workers        int32 `json:"workers"`
	QueueSize      int32 `json:"queue_size"`
}

// messageWorker implements pool.Worker for Message processing.
type messageWorker struct {
	pool *Pool
}

// Do implements pool.Worker. Failures are retried or dead-lettered by the
// pool itself, so the worker group never sees them.
func (w *messageWorker) Do(ctx context.Context, msg *Message) error {
	w.pool.processJob(ctx, msg)
	return nil
}

// NewPool creates a new worker pool using go-pkgz/pool.
func NewPool(processor Processor, config *PoolConfig, log zerolog.Logger) *Pool {
	def := DefaultPoolConfig()
	if config == nil {
		config = def
	}
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.WorkerChanSize <= 0 {
		config.WorkerChanSize = def.WorkerChanSize
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = def.JobTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.Retry.BaseDelay <= 0 {
		config.Retry = def.Retry
	}
	if config.SubmitRate <= 0 {
		config.SubmitRate = def.SubmitRate
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		processor:   processor,
		config:      config,
		ctx:         ctx,
		cancel:      cancel,
		metrics:     &PoolMetrics{},
		log:         log.With().Str("component", "worker_pool").Logger(),
		rateLimiter: NewRateLimiter(config.SubmitRate, time.Second),
	}
}

// Start starts the worker pool.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	// Archive runs take minutes; a batch buffer would hold single jobs back.
	p.pool = pool.New[*Message](p.config.Workers, &messageWorker{pool: p}).
		WithBatchSize(1).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()

	if err := p.pool.Go(p.ctx); err != nil {
		p.log.Error().Err(err).Msg("failed to start worker pool")
		return err
	}
	p.started = true

	go p.metricsReporter()

	p.log.Info().
		Int("workers", p.config.Workers).
		Dur("job_timeout", p.config.JobTimeout).
		Int("max_retries", p.config.MaxRetries).
		Msg("go-pkgz/pool worker pool started")
	return nil
}

// Stop drains submitted jobs and stops the pool. Retries still waiting for
// their backoff are dropped.
func (p *Pool) Stop() {
	p.log.Info().Msg("stopping worker pool...")

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	wg := p.pool
	p.mu.Unlock()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()

	if err := wg.Close(closeCtx); err != nil {
		p.log.Warn().Err(err).Msg("error closing worker pool")
	}
	p.cancel()

	p.log.Info().
		Int64("processed", atomic.LoadInt64(&p.metrics.JobsProcessed)).
		Int64("failed", atomic.LoadInt64(&p.metrics.JobsFailed)).
		Msg("worker pool stopped")
}

// Submit queues msg. It blocks while every worker buffer is full. A msg
// with Done set is tried once and its outcome reported there.
func (p *Pool) Submit(msg *Message) error {
	if !p.rateLimiter.Allow() {
		atomic.AddInt64(&p.metrics.JobsDropped, 1)
		p.log.Warn().
			Str("job_id", msg.ID).
			Str("job_type", msg.Type).
			Msg("job dropped due to rate limiting")
		return ErrRateLimited
	}
	return p.submit(msg)
}

// submit skips the rate limiter; retries were already admitted once.
func (p *Pool) submit(msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.pool == nil {
		return ErrPoolStopped
	}
	atomic.AddInt32(&p.metrics.QueueSize, 1)
	p.pool.Submit(msg)
	return nil
}

// processJob processes a single job with timeout.
func (p *Pool) processJob(ctx context.Context, msg *Message) {
	start := time.Now()
	atomic.AddInt32(&p.metrics.QueueSize, -1)

	jobCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.processor.Process(jobCtx, msg)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-jobCtx.Done():
		err = jobCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			p.log.Warn().
				Str("job_id", msg.ID).
				Str("job_type", msg.Type).
				Dur("timeout", p.config.JobTimeout).
				Msg("job timed out")
		}
	}

	p.updateAvgProcessTime(time.Since(start).Milliseconds())

	if err == nil {
		atomic.AddInt64(&p.metrics.JobsProcessed, 1)
		report(msg, nil)
		return
	}

	p.log.Error().
		Err(err).
		Str("job_id", msg.ID).
		Str("job_type", msg.Type).
		Int("retries", msg.Retries).
		Msg("job processing failed")

	if msg.Done != nil {
		report(msg, err)
		return
	}

	if msg.Retries < p.config.MaxRetries && p.ctx.Err() == nil {
		msg.Retries++
		atomic.AddInt64(&p.metrics.JobsRetried, 1)
		backoff := p.config.Retry.Backoff(msg.Retries)
		time.AfterFunc(backoff, func() {
			if serr := p.submit(msg); serr != nil {
				p.deadLetter(msg, err)
			}
		})
		return
	}
	p.deadLetter(msg, err)
}

func report(msg *Message, err error) {
	if msg.Done == nil {
		return
	}
	select {
	case msg.Done <- err:
	default:
	}
}

// deadLetter records a job that will not run again.
func (p *Pool) deadLetter(msg *Message, err error) {
	atomic.AddInt64(&p.metrics.JobsFailed, 1)
	p.log.Error().
		Err(err).
		Str("job_id", msg.ID).
		Str("job_type", msg.Type).
		Int("retries", msg.Retries).
		Interface("payload", msg.Payload).
		Msg("DLQ: job permanently failed")

	if dl, ok := p.processor.(DeadLetterer); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		dl.DeadLetter(ctx, msg, err)
	}
}

// updateAvgProcessTime updates the average processing time.
func (p *Pool) updateAvgProcessTime(elapsed int64) {
	current := atomic.LoadInt64(&p.metrics.AvgProcessTime)
	if current == 0 {
		atomic.StoreInt64(&p.metrics.AvgProcessTime, elapsed)
		return
	}
	atomic.StoreInt64(&p.metrics.AvgProcessTime, (current*9+elapsed)/10)
}

// metricsReporter periodically logs metrics.
func (p *Pool) metricsReporter() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			m := p.GetMetrics()
			p.log.Info().
				Int64("processed", m.JobsProcessed).
				Int64("failed", m.JobsFailed).
				Int64("dropped", m.JobsDropped).
				Int64("retried", m.JobsRetried).
				Int64("avg_process_ms", m.AvgProcessTime).
				Int32("queue_size", m.QueueSize).
				Msg("worker pool metrics")
		}
	}
}

// GetMetrics returns current pool metrics.
func (p *Pool) GetMetrics() PoolMetrics {
	return PoolMetrics{
		JobsProcessed:  atomic.LoadInt64(&p.metrics.JobsProcessed),
		JobsFailed:     atomic.LoadInt64(&p.metrics.JobsFailed),
		JobsDropped:    atomic.LoadInt64(&p.metrics.JobsDropped),
		JobsRetried:    atomic.LoadInt64(&p.metrics.JobsRetried),
		AvgProcessTime: atomic.LoadInt64(&p.metrics.AvgProcessTime),
		Workers:        int32(p.config.Workers),
		QueueSize:      atomic.LoadInt32(&p.metrics.QueueSize),
	}
}

// =============================================================================
// Rate Limiter
// =============================================================================

// RateLimiter is a lock-free token bucket.
type RateLimiter struct {
	tokens       int64
	maxTokens    int64
	refillRate   int64
	intervalNs   int64
	lastRefillNs int64
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(ratePerInterval int, interval time.Duration) *RateLimiter {
	tokens := int64(ratePerInterval)
	return &RateLimiter{
		tokens:       tokens,
		maxTokens:    tokens,
		refillRate:   tokens,
		intervalNs:   int64(interval),
		lastRefillNs: time.Now().UnixNano(),
	}
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	now := time.Now().UnixNano()
	intervalNs := atomic.LoadInt64(&r.intervalNs)
	lastRefill := atomic.LoadInt64(&r.lastRefillNs)

	if elapsed := now - lastRefill; elapsed >= intervalNs {
		tokensToAdd := (elapsed / intervalNs) * atomic.LoadInt64(&r.refillRate)
		maxTokens := atomic.LoadInt64(&r.maxTokens)

		if atomic.CompareAndSwapInt64(&r.lastRefillNs, lastRefill, now) {
			for {
				current := atomic.LoadInt64(&r.tokens)
				next := current + tokensToAdd
				if next > maxTokens {
					next = maxTokens
				}
				if atomic.CompareAndSwapInt64(&r.tokens, current, next) {
					break
				}
			}
		}
	}

	for {
		current := atomic.LoadInt64(&r.tokens)
		if current <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&r.tokens, current, current-1) {
			return true
		}
	}
}
