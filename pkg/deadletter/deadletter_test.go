package deadletter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shashiranjanraj/courier/pkg/backoff"
	"github.com/shashiranjanraj/courier/pkg/jobstore"
	"github.com/shashiranjanraj/courier/pkg/mail"
	"github.com/shashiranjanraj/courier/pkg/message"
)

type captureSender struct {
	sent []*mail.Message
	err  error
}

func (c *captureSender) Send(m *mail.Message) error {
	c.sent = append(c.sent, m)
	return c.err
}

func deadLetteredJob(t *testing.T, store *jobstore.MemoryStore) string {
	t.Helper()
	ctx := context.Background()

	msg := message.Message{
		ID:          "m2",
		Channel:     message.ChannelHTTP,
		Destination: "https://nowhere.example/webhook",
		Data:        map[string]interface{}{},
	}
	jobID, err := store.Enqueue(ctx, backoff.MainQueue, msg)
	require.NoError(t, err)
	_, err = store.Reserve(ctx, backoff.MainQueue, "w")
	require.NoError(t, err)
	require.NoError(t, store.MoveToDeadLetter(ctx, jobID, "Simulated delivery failure"))
	return jobID
}

func TestHandleCompletesAndRetains(t *testing.T) {
	store := jobstore.NewMemoryStore(backoff.MainQueue, backoff.DeadLetterQueue)
	jobID := deadLetteredJob(t, store)
	ctx := context.Background()

	p := New(store)
	job, err := store.Reserve(ctx, backoff.DeadLetterQueue, "dl")
	require.NoError(t, err)
	require.NotNil(t, job)

	p.handle(ctx, job)

	// Completed but still retrievable.
	rec, err := store.Get(ctx, backoff.DeadLetterQueue, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateCompleted, rec.State)
	assert.Equal(t, "Simulated delivery failure", rec.LastError)

	// Not handed out again.
	again, err := store.Reserve(ctx, backoff.DeadLetterQueue, "dl")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestAlertMailContent(t *testing.T) {
	capture := &captureSender{}
	orig := mail.DefaultSender
	mail.DefaultSender = capture
	defer func() { mail.DefaultSender = orig }()

	store := jobstore.NewMemoryStore(backoff.MainQueue, backoff.DeadLetterQueue)
	deadLetteredJob(t, store)
	ctx := context.Background()

	p := New(store, WithAlertRecipients([]string{"ops@example.com", "oncall@example.com"}))
	job, err := store.Reserve(ctx, backoff.DeadLetterQueue, "dl")
	require.NoError(t, err)

	p.handle(ctx, job)

	require.Len(t, capture.sent, 1)
	sent := capture.sent[0]
	assert.Equal(t, []string{"ops@example.com", "oncall@example.com"}, sent.Recipients())
	assert.Contains(t, sent.SubjectLine(), "m2")
}

func TestAlertFailureDoesNotRefail(t *testing.T) {
	capture := &captureSender{err: errors.New("smtp down")}
	orig := mail.DefaultSender
	mail.DefaultSender = capture
	defer func() { mail.DefaultSender = orig }()

	store := jobstore.NewMemoryStore(backoff.MainQueue, backoff.DeadLetterQueue)
	jobID := deadLetteredJob(t, store)
	ctx := context.Background()

	p := New(store, WithAlertRecipients([]string{"ops@example.com"}))
	job, err := store.Reserve(ctx, backoff.DeadLetterQueue, "dl")
	require.NoError(t, err)

	p.handle(ctx, job)

	rec, err := store.Get(ctx, backoff.DeadLetterQueue, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateCompleted, rec.State)
}

func TestStartConsumesEntries(t *testing.T) {
	store := jobstore.NewMemoryStore(backoff.MainQueue, backoff.DeadLetterQueue)
	jobID := deadLetteredJob(t, store)
	ctx := context.Background()

	p := New(store, WithPollInterval(5*time.Millisecond))
	p.Start(ctx)
	defer p.Stop()

	assert.Eventually(t, func() bool {
		rec, err := store.Get(ctx, backoff.DeadLetterQueue, jobID)
		return err == nil && rec.State == jobstore.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
