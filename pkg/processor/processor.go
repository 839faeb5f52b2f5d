// Package processor drives message delivery: it reserves jobs from the main
// queue, dispatches them into a bounded worker pool, and turns each handler
// result into the next queue transition: complete, delayed retry, or the
// dead-letter move.
//
// The processor owns the retry policy end to end. The store never retries on
// its own; every transition below is an explicit store call.
//
// Per-job state machine:
//
//	waiting ─reserve→ active ─success→ completed
//	                        ├─fail, attempt<max→ delayed ─time→ waiting
//	                        └─fail, attempt≥max→ dead-letter queue
package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shashiranjanraj/courier/pkg/backoff"
	"github.com/shashiranjanraj/courier/pkg/channel"
	"github.com/shashiranjanraj/courier/pkg/jobstore"
	"github.com/shashiranjanraj/courier/pkg/logger"
	"github.com/shashiranjanraj/courier/pkg/metrics"
	"github.com/shashiranjanraj/courier/pkg/workerpool"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultReapInterval = 15 * time.Second

	// maxStoreFailures is the consecutive-reserve-failure ceiling. Past it
	// the fetch loop exits and the supervisor is expected to restart the
	// process.
	maxStoreFailures = 5
)

// Processor is the main-queue worker pool.
type Processor struct {
	store    jobstore.Store
	registry *channel.Registry
	queue    string

	workers      int
	pollInterval time.Duration
	reapInterval time.Duration
	reapAfter    time.Duration

	id   string
	pool *workerpool.Pool
	log  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Option tunes a Processor.
type Option func(*Processor)

// WithWorkers sets the pool size.
func WithWorkers(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithPollInterval sets how long the fetch loop sleeps when no job is ready.
func WithPollInterval(d time.Duration) Option {
	return func(p *Processor) { p.pollInterval = d }
}

// WithReapAfter sets the stale-reservation threshold.
func WithReapAfter(d time.Duration) Option {
	return func(p *Processor) { p.reapAfter = d }
}

// WithReapInterval sets how often the reaper runs.
func WithReapInterval(d time.Duration) Option {
	return func(p *Processor) { p.reapInterval = d }
}

// New creates a Processor over the main queue. Call Start to begin.
func New(store jobstore.Store, registry *channel.Registry, opts ...Option) *Processor {
	p := &Processor{
		store:        store,
		registry:     registry,
		queue:        backoff.MainQueue,
		workers:      5,
		pollInterval: defaultPollInterval,
		reapInterval: defaultReapInterval,
		reapAfter:    60 * time.Second,
		id:           "processor-" + uuid.NewString()[:8],
		log:          logger.With("component", "processor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the fetch loop, the worker pool and the reaper. It returns
// immediately; processing continues until Stop or ctx cancellation.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.pool = workerpool.New(p.workers)

	p.wg.Add(2)
	go p.fetchLoop(ctx)
	go p.reapLoop(ctx)

	p.log.Info("processor started", "workers", p.workers, "queue", p.queue)
}

// Stop shuts down gracefully: reservations cease, in-flight deliveries run
// to completion, then the workers exit.
func (p *Processor) Stop() {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		if p.pool != nil {
			p.pool.Shutdown()
		}
		p.log.Info("processor stopped")
	})
}

// fetchLoop reserves ready jobs and hands them to the pool. SubmitWait
// blocking is the backpressure: no reservation happens while every worker is
// busy.
func (p *Processor) fetchLoop(ctx context.Context) {
	defer p.wg.Done()

	storeFailures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.store.Reserve(ctx, p.queue, p.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			storeFailures++
			if storeFailures >= maxStoreFailures {
				p.log.Error("job store unavailable, giving up", "failures", storeFailures, "error", err)
				return
			}
			p.log.Warn("reserve failed, backing off", "failures", storeFailures, "error", err)
			sleep(ctx, backoff.Delay(storeFailures))
			continue
		}
		storeFailures = 0

		if job == nil {
			sleep(ctx, p.pollInterval)
			continue
		}

		if err := p.pool.SubmitWait(ctx, func() { p.process(context.Background(), job) }); err != nil {
			// Shutdown while holding a reservation: the job stays active
			// and the reaper returns it to waiting after the threshold.
			p.log.Debug("dispatch interrupted by shutdown", "job_id", job.JobID)
			return
		}
	}
}

// reapLoop periodically resets stuck active reservations, covering workers
// that crashed mid-delivery.
func (p *Processor) reapLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.RequeueStale(ctx, p.queue, p.reapAfter)
			if err != nil {
				p.log.Warn("stale reservation sweep failed", "error", err)
				continue
			}
			if n > 0 {
				metrics.StaleReservationsReset.Add(float64(n))
				p.log.Warn("reset stale reservations", "count", n)
			}
		}
	}
}

// process runs one delivery attempt and records its outcome on the store.
// Failures never escape: they end up on the job record, not in the worker.
func (p *Processor) process(ctx context.Context, job *jobstore.JobRecord) {
	msg := job.Message
	attempt := job.AttemptCount

	p.log.Info("processing job",
		"job_id", job.JobID, "message_id", msg.ID, "channel", msg.Channel,
		"attempt", attempt, "max_attempts", backoff.MaxAttempts)

	handler, err := p.registry.Resolve(msg.Channel)
	if err != nil {
		// Unknown channel is terminal: no amount of retrying will register
		// a handler. Straight to the dead-letter queue.
		p.deadLetter(ctx, job, err)
		return
	}

	start := time.Now()
	err = handler.Deliver(ctx, msg)
	metrics.DeliveryDuration.WithLabelValues(msg.Channel.String()).Observe(time.Since(start).Seconds())

	if err == nil {
		if cerr := p.store.Complete(ctx, p.queue, job.JobID); cerr != nil {
			p.log.Error("cannot complete job", "job_id", job.JobID, "error", cerr)
			return
		}
		metrics.JobsProcessed.WithLabelValues("success").Inc()
		p.log.Info("delivery succeeded", "job_id", job.JobID, "message_id", msg.ID, "attempt", attempt)
		return
	}

	if attempt >= backoff.MaxAttempts {
		p.deadLetter(ctx, job, err)
		return
	}

	// The stored attempt count is the attempt the next pickup represents.
	next := attempt + 1
	delay := backoff.Delay(next)
	if ferr := p.store.Fail(ctx, p.queue, job.JobID, err.Error(), delay, next); ferr != nil {
		p.log.Error("cannot reschedule job", "job_id", job.JobID, "error", ferr)
		return
	}
	metrics.JobsProcessed.WithLabelValues("retry").Inc()
	p.log.Warn("delivery failed, retry scheduled",
		"job_id", job.JobID, "message_id", msg.ID, "attempt", attempt,
		"next_attempt", next, "delay", delay, "error", err)
}

func (p *Processor) deadLetter(ctx context.Context, job *jobstore.JobRecord, cause error) {
	if err := p.store.MoveToDeadLetter(ctx, job.JobID, cause.Error()); err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			p.log.Warn("job vanished before dead-letter move", "job_id", job.JobID)
			return
		}
		p.log.Error("dead-letter move failed, job parked failed",
			"job_id", job.JobID, "error", err)
		return
	}
	metrics.JobsProcessed.WithLabelValues("dead_letter").Inc()
	metrics.DeadLettered.Inc()
	p.log.Error("delivery failed permanently, message dead-lettered",
		"job_id", job.JobID, "message_id", job.Message.ID, "channel", job.Message.Channel,
		"destination", job.Message.Destination, "attempt", job.AttemptCount, "error", cause)
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
