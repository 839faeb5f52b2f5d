package jobstore_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shashiranjanraj/courier/pkg/backoff"
	"github.com/shashiranjanraj/courier/pkg/jobstore"
	"github.com/shashiranjanraj/courier/pkg/message"
)

// fakeClock steps the store through schedules without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStore() (*jobstore.MemoryStore, *fakeClock) {
	store := jobstore.NewMemoryStore(backoff.MainQueue, backoff.DeadLetterQueue)
	clock := newFakeClock()
	store.SetNow(clock.Now)
	return store, clock
}

func testMessage(id string) message.Message {
	return message.Message{
		ID:          id,
		Channel:     message.ChannelInternal,
		Destination: "svc",
		Data:        map[string]interface{}{"action": "process"},
	}
}

func TestEnqueueGetRoundTrip(t *testing.T) {
	store, _ := newStore()
	ctx := context.Background()

	msg := testMessage("m1")
	jobID, err := store.Enqueue(ctx, backoff.MainQueue, msg)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	rec, err := store.Get(ctx, backoff.MainQueue, jobID)
	require.NoError(t, err)
	assert.Equal(t, msg, rec.Message)
	assert.Equal(t, jobstore.StateWaiting, rec.State)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Nil(t, rec.FirstAttemptedAt)
}

func TestGetUnknownJob(t *testing.T) {
	store, _ := newStore()

	_, err := store.Get(context.Background(), backoff.MainQueue, "nope")
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
}

func TestReserveSetsFirstAttemptedAt(t *testing.T) {
	store, clock := newStore()
	ctx := context.Background()

	jobID, err := store.Enqueue(ctx, backoff.MainQueue, testMessage("m1"))
	require.NoError(t, err)

	rec, err := store.Reserve(ctx, backoff.MainQueue, "w1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, jobID, rec.JobID)
	assert.Equal(t, jobstore.StateActive, rec.State)
	require.NotNil(t, rec.FirstAttemptedAt)
	assert.Equal(t, clock.Now(), *rec.FirstAttemptedAt)

	// Nothing else is ready.
	second, err := store.Reserve(ctx, backoff.MainQueue, "w2")
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestReserveFIFOOrder(t *testing.T) {
	store, _ := newStore()
	ctx := context.Background()

	var want []string
	for i := 0; i < 5; i++ {
		id, err := store.Enqueue(ctx, backoff.MainQueue, testMessage(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		want = append(want, id)
	}

	for _, expected := range want {
		rec, err := store.Reserve(ctx, backoff.MainQueue, "w")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, expected, rec.JobID)
	}
}

func TestReserveExclusive(t *testing.T) {
	store, _ := newStore()
	ctx := context.Background()

	const jobs = 50
	for i := 0; i < jobs; i++ {
		_, err := store.Enqueue(ctx, backoff.MainQueue, testMessage(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[string]int{}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				rec, err := store.Reserve(ctx, backoff.MainQueue, fmt.Sprintf("w%d", worker))
				if err != nil || rec == nil {
					return
				}
				mu.Lock()
				seen[rec.JobID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s reserved more than once", id)
	}
}

func TestFailSchedulesRetry(t *testing.T) {
	store, clock := newStore()
	ctx := context.Background()

	jobID, err := store.Enqueue(ctx, backoff.MainQueue, testMessage("m1"))
	require.NoError(t, err)

	_, err = store.Reserve(ctx, backoff.MainQueue, "w1")
	require.NoError(t, err)

	require.NoError(t, store.Fail(ctx, backoff.MainQueue, jobID, "boom", 2*time.Second, 2))

	rec, err := store.Get(ctx, backoff.MainQueue, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateDelayed, rec.State)
	assert.Equal(t, 2, rec.AttemptCount)
	assert.Equal(t, "boom", rec.LastError)

	// Not ready until the delay elapses.
	none, err := store.Reserve(ctx, backoff.MainQueue, "w1")
	require.NoError(t, err)
	assert.Nil(t, none)

	clock.Advance(2 * time.Second)

	again, err := store.Reserve(ctx, backoff.MainQueue, "w1")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, jobID, again.JobID)
	assert.Equal(t, 2, again.AttemptCount)
}

func TestFailPreservesFirstAttemptedAt(t *testing.T) {
	store, clock := newStore()
	ctx := context.Background()

	jobID, err := store.Enqueue(ctx, backoff.MainQueue, testMessage("m1"))
	require.NoError(t, err)

	first, err := store.Reserve(ctx, backoff.MainQueue, "w1")
	require.NoError(t, err)
	firstAt := *first.FirstAttemptedAt

	require.NoError(t, store.Fail(ctx, backoff.MainQueue, jobID, "boom", time.Second, 2))
	clock.Advance(time.Second)

	second, err := store.Reserve(ctx, backoff.MainQueue, "w1")
	require.NoError(t, err)
	require.NotNil(t, second.FirstAttemptedAt)
	assert.Equal(t, firstAt, *second.FirstAttemptedAt)
}

func TestMoveToDeadLetter(t *testing.T) {
	store, clock := newStore()
	ctx := context.Background()

	jobID, err := store.Enqueue(ctx, backoff.MainQueue, testMessage("m2"))
	require.NoError(t, err)
	_, err = store.Reserve(ctx, backoff.MainQueue, "w1")
	require.NoError(t, err)

	require.NoError(t, store.MoveToDeadLetter(ctx, jobID, "Simulated delivery failure"))

	_, err = store.Get(ctx, backoff.MainQueue, jobID)
	assert.ErrorIs(t, err, jobstore.ErrNotFound)

	moved, err := store.Get(ctx, backoff.DeadLetterQueue, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateWaiting, moved.State)
	assert.Equal(t, "Simulated delivery failure", moved.LastError)
	assert.Equal(t, backoff.DeadLetterQueue, moved.Queue)
	require.NotNil(t, moved.MovedToDeadLetterAt)
	assert.Equal(t, clock.Now(), *moved.MovedToDeadLetterAt)
	require.NotNil(t, moved.FirstAttemptedAt)
	assert.False(t, moved.MovedToDeadLetterAt.Before(*moved.FirstAttemptedAt))
}

func TestMoveToDeadLetterInsertFailureParksFailed(t *testing.T) {
	store, _ := newStore()
	ctx := context.Background()

	jobID, err := store.Enqueue(ctx, backoff.MainQueue, testMessage("m2"))
	require.NoError(t, err)
	_, err = store.Reserve(ctx, backoff.MainQueue, "w1")
	require.NoError(t, err)

	store.InjectDeadLetterFailure = true
	require.NoError(t, store.MoveToDeadLetter(ctx, jobID, "boom"))

	rec, err := store.Get(ctx, backoff.MainQueue, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateFailed, rec.State)
	assert.Equal(t, "boom", rec.LastError)

	counts, err := store.Counts(ctx, backoff.MainQueue)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Failed)

	dlq, err := store.List(ctx, backoff.DeadLetterQueue, "", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, dlq)
}

func TestCountsConservation(t *testing.T) {
	store, clock := newStore()
	ctx := context.Background()

	jobID, err := store.Enqueue(ctx, backoff.MainQueue, testMessage("m1"))
	require.NoError(t, err)

	sum := func() int64 {
		main, err := store.Counts(ctx, backoff.MainQueue)
		require.NoError(t, err)
		dlq, err := store.Counts(ctx, backoff.DeadLetterQueue)
		require.NoError(t, err)
		return main.Waiting + main.Active + main.Completed + main.Failed + main.Delayed +
			dlq.Waiting + dlq.Active + dlq.Completed
	}

	assert.EqualValues(t, 1, sum())

	_, err = store.Reserve(ctx, backoff.MainQueue, "w1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, sum())

	require.NoError(t, store.Fail(ctx, backoff.MainQueue, jobID, "x", 2*time.Second, 2))
	assert.EqualValues(t, 1, sum())

	clock.Advance(2 * time.Second)
	_, err = store.Reserve(ctx, backoff.MainQueue, "w1")
	require.NoError(t, err)
	require.NoError(t, store.MoveToDeadLetter(ctx, jobID, "x"))
	assert.EqualValues(t, 1, sum())
}

func TestCountsSplitWaitingDelayed(t *testing.T) {
	store, clock := newStore()
	ctx := context.Background()

	jobID, err := store.Enqueue(ctx, backoff.MainQueue, testMessage("m1"))
	require.NoError(t, err)
	_, err = store.Reserve(ctx, backoff.MainQueue, "w1")
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, backoff.MainQueue, jobID, "x", 4*time.Second, 2))

	counts, err := store.Counts(ctx, backoff.MainQueue)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Delayed)
	assert.EqualValues(t, 0, counts.Waiting)

	clock.Advance(4 * time.Second)

	counts, err = store.Counts(ctx, backoff.MainQueue)
	require.NoError(t, err)
	assert.EqualValues(t, 0, counts.Delayed)
	assert.EqualValues(t, 1, counts.Waiting)
}

func TestListByState(t *testing.T) {
	store, _ := newStore()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := store.Enqueue(ctx, backoff.MainQueue, testMessage(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	_, err := store.Reserve(ctx, backoff.MainQueue, "w1")
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, backoff.MainQueue, ids[0]))

	waiting, err := store.List(ctx, backoff.MainQueue, jobstore.StateWaiting, 0, 10)
	require.NoError(t, err)
	assert.Len(t, waiting, 2)

	completed, err := store.List(ctx, backoff.MainQueue, jobstore.StateCompleted, 0, 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, ids[0], completed[0].JobID)

	// Pagination.
	page, err := store.List(ctx, backoff.MainQueue, jobstore.StateWaiting, 1, 10)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestCompletedRetentionCount(t *testing.T) {
	store, _ := newStore()
	ctx := context.Background()

	total := jobstore.CompletedRetentionCount + 10
	for i := 0; i < total; i++ {
		id, err := store.Enqueue(ctx, backoff.MainQueue, testMessage(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		_, err = store.Reserve(ctx, backoff.MainQueue, "w1")
		require.NoError(t, err)
		require.NoError(t, store.Complete(ctx, backoff.MainQueue, id))
	}

	counts, err := store.Counts(ctx, backoff.MainQueue)
	require.NoError(t, err)
	assert.EqualValues(t, jobstore.CompletedRetentionCount, counts.Completed)
}

func TestCompletedRetentionAge(t *testing.T) {
	store, clock := newStore()
	ctx := context.Background()

	id, err := store.Enqueue(ctx, backoff.MainQueue, testMessage("old"))
	require.NoError(t, err)
	_, err = store.Reserve(ctx, backoff.MainQueue, "w1")
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, backoff.MainQueue, id))

	clock.Advance(jobstore.CompletedRetentionAge + time.Minute)

	// The next completion triggers the trim.
	id2, err := store.Enqueue(ctx, backoff.MainQueue, testMessage("new"))
	require.NoError(t, err)
	_, err = store.Reserve(ctx, backoff.MainQueue, "w1")
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, backoff.MainQueue, id2))

	_, err = store.Get(ctx, backoff.MainQueue, id)
	assert.ErrorIs(t, err, jobstore.ErrNotFound)

	rec, err := store.Get(ctx, backoff.MainQueue, id2)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateCompleted, rec.State)
}

func TestRequeueStale(t *testing.T) {
	store, clock := newStore()
	ctx := context.Background()

	jobID, err := store.Enqueue(ctx, backoff.MainQueue, testMessage("m1"))
	require.NoError(t, err)
	_, err = store.Reserve(ctx, backoff.MainQueue, "w1")
	require.NoError(t, err)

	// Too fresh to reap.
	n, err := store.RequeueStale(ctx, backoff.MainQueue, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Minute)

	n, err = store.RequeueStale(ctx, backoff.MainQueue, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := store.Get(ctx, backoff.MainQueue, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateWaiting, rec.State)
	// Attempt count is untouched: the interrupted attempt is re-run.
	assert.Equal(t, 1, rec.AttemptCount)
}

func TestRemoveAndObliterate(t *testing.T) {
	store, _ := newStore()
	ctx := context.Background()

	id, err := store.Enqueue(ctx, backoff.MainQueue, testMessage("m1"))
	require.NoError(t, err)

	require.NoError(t, store.Remove(ctx, backoff.MainQueue, id))
	assert.ErrorIs(t, store.Remove(ctx, backoff.MainQueue, id), jobstore.ErrNotFound)

	_, err = store.Enqueue(ctx, backoff.MainQueue, testMessage("m2"))
	require.NoError(t, err)
	require.NoError(t, store.Obliterate(ctx, backoff.MainQueue))

	counts, err := store.Counts(ctx, backoff.MainQueue)
	require.NoError(t, err)
	assert.Equal(t, jobstore.Counts{}, counts)
}
