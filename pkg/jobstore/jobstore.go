// Package jobstore provides the durable queue the delivery engine runs on.
//
// Two logical queues exist: the main delivery queue and the dead-letter
// queue. Every state transition a job goes through (enqueue, reserve,
// complete, fail, move to dead-letter, requeue of stale reservations) is an
// atomic store operation; the store is the only shared mutable state in the
// system and nothing reaches around it.
//
// Two implementations ship: RedisStore for production and MemoryStore for
// development and tests. Both satisfy Store; the package tests exercise
// MemoryStore only.
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/shashiranjanraj/courier/pkg/message"
)

// ErrNotFound is returned by Get, Complete, Fail, MoveToDeadLetter and
// Remove when the job id is not present in the addressed queue.
var ErrNotFound = errors.New("jobstore: job not found")

// State is the lifecycle position of a job within its queue.
//
// Main-queue jobs move through waiting → active → completed, looping back via
// delayed on retry, or parking in failed when the dead-letter move cannot
// land. Dead-letter jobs only ever hold waiting, active (while the
// dead-letter processor works them) and completed.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Retention policy for completed main-queue jobs: whichever bound is hit
// first wins. Failed and dead-letter records are retained until an operator
// removes or requeues them.
const (
	CompletedRetentionAge   = time.Hour
	CompletedRetentionCount = 1000
)

// JobRecord is the durable unit tracked by the store. Records are snapshots:
// mutating a returned record does not change queue state. Transitions go
// through Store operations.
type JobRecord struct {
	JobID string `json:"job_id"`
	Queue string `json:"queue"`

	Message message.Message `json:"message"`

	State        State `json:"state"`
	AttemptCount int   `json:"attempt_count"`

	EnqueuedAt time.Time `json:"enqueued_at"`

	// NotBefore is the earliest reservation time. Zero means immediately
	// ready.
	NotBefore time.Time `json:"not_before,omitempty"`

	// FirstAttemptedAt is set on the first reservation and never reset.
	FirstAttemptedAt *time.Time `json:"first_attempted_at,omitempty"`

	// LastError holds the most recent failure description.
	LastError string `json:"last_error,omitempty"`

	// MovedToDeadLetterAt is set iff the record lives in the dead-letter
	// queue.
	MovedToDeadLetterAt *time.Time `json:"moved_to_dead_letter_at,omitempty"`

	// CompletedAt is set when the record reaches completed; retention
	// trimming keys off it.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Counts is a per-queue state census. The dead-letter queue reports zero for
// Failed and Delayed.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Store is the durable queue contract the delivery engine depends on.
//
// Concurrency: all transitions are atomic with respect to each other. Two
// concurrent Reserve calls observe disjoint jobs; MoveToDeadLetter is
// all-or-nothing from the dead-letter queue's point of view.
//
// Ordering: Reserve prefers the smallest NotBefore and is FIFO-biased on
// ties, but strict FIFO is not guaranteed.
type Store interface {
	// Enqueue inserts a new waiting job with attempt count 1 and returns
	// the store-assigned job id.
	Enqueue(ctx context.Context, queue string, msg message.Message) (string, error)

	// Reserve atomically hands a ready job (waiting, or delayed whose
	// NotBefore has elapsed) to the caller, transitioning it to active.
	// Returns (nil, nil) when no job is ready.
	Reserve(ctx context.Context, queue, workerID string) (*JobRecord, error)

	// Complete transitions active → completed. Main-queue completions are
	// subject to the retention policy; dead-letter completions are retained
	// indefinitely for inspection.
	Complete(ctx context.Context, queue, jobID string) error

	// Fail transitions active → delayed with NotBefore = now + nextDelay,
	// records lastError and the attempt count the next pickup represents.
	Fail(ctx context.Context, queue, jobID, lastError string, nextDelay time.Duration, nextAttempt int) error

	// MoveToDeadLetter removes the job from the main queue's working set
	// and inserts a waiting record in the dead-letter queue, preserving all
	// prior fields and stamping MovedToDeadLetterAt. If the dead-letter
	// insert cannot land, the job is parked failed in the main queue.
	MoveToDeadLetter(ctx context.Context, jobID, finalError string) error

	// List returns up to limit records in the given state starting at
	// offset. An empty state lists the whole queue ordered by enqueue time.
	List(ctx context.Context, queue string, state State, offset, limit int) ([]*JobRecord, error)

	// Get fetches a single record.
	Get(ctx context.Context, queue, jobID string) (*JobRecord, error)

	// Remove deletes a record outright.
	Remove(ctx context.Context, queue, jobID string) error

	// Counts reports the per-state census for a queue.
	Counts(ctx context.Context, queue string) (Counts, error)

	// RequeueStale resets active jobs reserved longer than olderThan ago
	// back to waiting and returns how many were reset. Run periodically so
	// jobs stranded by a crashed worker are picked up again.
	RequeueStale(ctx context.Context, queue string, olderThan time.Duration) (int, error)

	// Obliterate purges the queue entirely. Test reset only.
	Obliterate(ctx context.Context, queue string) error
}

// normalizeState promotes a delayed record whose NotBefore has elapsed to
// waiting, so reads agree with what Reserve would do.
func normalizeState(rec *JobRecord, now time.Time) {
	if rec.State == StateDelayed && !rec.NotBefore.After(now) {
		rec.State = StateWaiting
	}
}

// matchesState reports whether rec should appear in a listing filtered by
// state, treating waiting/delayed by elapsed NotBefore rather than by the
// stored label.
func matchesState(rec *JobRecord, state State, now time.Time) bool {
	if state == "" {
		return true
	}
	effective := rec.State
	if effective == StateDelayed && !rec.NotBefore.After(now) {
		effective = StateWaiting
	}
	return effective == state
}
