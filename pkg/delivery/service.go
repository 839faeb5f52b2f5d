// Package delivery is the public face of the queue: producers submit
// messages through it, operators inspect and requeue through it. It owns
// submission validation and the requeue protocol; everything else is a thin
// pass-through to the job store.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shashiranjanraj/courier/pkg/backoff"
	"github.com/shashiranjanraj/courier/pkg/jobstore"
	"github.com/shashiranjanraj/courier/pkg/logger"
	"github.com/shashiranjanraj/courier/pkg/message"
	"github.com/shashiranjanraj/courier/pkg/metrics"
)

// NotRequeueableError reports a requeue attempt on a job whose state does
// not allow it: only dead-letter entries and failed main-queue jobs can be
// requeued.
type NotRequeueableError struct {
	State jobstore.State
}

func (e *NotRequeueableError) Error() string {
	return fmt.Sprintf("delivery: job not requeueable in state %q", e.State)
}

// Service is the queue facade.
type Service struct {
	store jobstore.Store
	log   *slog.Logger
}

// NewService creates the facade over store.
func NewService(store jobstore.Store) *Service {
	return &Service{
		store: store,
		log:   logger.With("component", "delivery"),
	}
}

// Submit validates msg and enqueues a delivery job on the main queue.
// Unknown channels and missing fields are rejected here, synchronously,
// wrapping message.ErrInvalid. Returns the assigned job id.
func (s *Service) Submit(ctx context.Context, msg message.Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}

	jobID, err := s.store.Enqueue(ctx, backoff.MainQueue, msg)
	if err != nil {
		return "", fmt.Errorf("delivery: submit %s: %w", msg.ID, err)
	}

	s.log.Info("message submitted",
		"job_id", jobID, "message_id", msg.ID, "channel", msg.Channel, "destination", msg.Destination)
	return jobID, nil
}

// Stats is the per-queue state census. The dead-letter queue reports only
// waiting, active and completed.
type Stats struct {
	Main       jobstore.Counts `json:"main"`
	DeadLetter struct {
		Waiting   int64 `json:"waiting"`
		Active    int64 `json:"active"`
		Completed int64 `json:"completed"`
	} `json:"dead_letter"`
}

// Stats returns current counts for both queues.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var out Stats

	main, err := s.store.Counts(ctx, backoff.MainQueue)
	if err != nil {
		return out, err
	}
	dead, err := s.store.Counts(ctx, backoff.DeadLetterQueue)
	if err != nil {
		return out, err
	}

	out.Main = main
	out.DeadLetter.Waiting = dead.Waiting
	out.DeadLetter.Active = dead.Active
	out.DeadLetter.Completed = dead.Completed
	return out, nil
}

// ListMain lists main-queue jobs, optionally filtered by state.
func (s *Service) ListMain(ctx context.Context, state jobstore.State, offset, limit int) ([]*jobstore.JobRecord, error) {
	return s.store.List(ctx, backoff.MainQueue, state, offset, limit)
}

// ListDeadLetter lists dead-letter entries in enqueue order.
func (s *Service) ListDeadLetter(ctx context.Context, offset, limit int) ([]*jobstore.JobRecord, error) {
	return s.store.List(ctx, backoff.DeadLetterQueue, "", offset, limit)
}

// Get fetches a job by id, searching the main queue first, then the
// dead-letter queue. Returns jobstore.ErrNotFound when neither holds it.
func (s *Service) Get(ctx context.Context, jobID string) (*jobstore.JobRecord, error) {
	rec, err := s.store.Get(ctx, backoff.MainQueue, jobID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, jobstore.ErrNotFound) {
		return nil, err
	}
	return s.store.Get(ctx, backoff.DeadLetterQueue, jobID)
}

// Remove deletes a job from whichever queue holds it.
func (s *Service) Remove(ctx context.Context, jobID string) error {
	err := s.store.Remove(ctx, backoff.MainQueue, jobID)
	if err == nil || !errors.Is(err, jobstore.ErrNotFound) {
		return err
	}
	return s.store.Remove(ctx, backoff.DeadLetterQueue, jobID)
}

// Requeue creates a fresh main-queue submission from an existing dead-letter
// entry (or a failed main-queue job) and removes the original record. The
// new job starts over: attempt count 1, no error history.
//
// This is enqueue-then-remove, not a transactional move: a crash in between
// leaves the original visible, and the operator simply retries.
func (s *Service) Requeue(ctx context.Context, jobID string) (string, error) {
	queue := backoff.DeadLetterQueue
	rec, err := s.store.Get(ctx, queue, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		queue = backoff.MainQueue
		rec, err = s.store.Get(ctx, queue, jobID)
		if err != nil {
			return "", err
		}
		if rec.State != jobstore.StateFailed {
			return "", &NotRequeueableError{State: rec.State}
		}
	} else if err != nil {
		return "", err
	}

	newID, err := s.store.Enqueue(ctx, backoff.MainQueue, rec.Message)
	if err != nil {
		return "", fmt.Errorf("delivery: requeue %s: %w", jobID, err)
	}
	if err := s.store.Remove(ctx, queue, jobID); err != nil {
		return "", fmt.Errorf("delivery: requeue %s: remove original: %w", jobID, err)
	}

	metrics.Requeued.Inc()
	s.log.Info("job requeued",
		"job_id", jobID, "new_job_id", newID, "message_id", rec.Message.ID, "from_queue", queue)
	return newID, nil
}
