// Package deadletter consumes the dead-letter queue: every entry gets a
// structured error log and, when admin recipients are configured, an alert
// email with the failure details and a requeue hint. Entries are then marked
// completed but retained, so operators can inspect and requeue them.
package deadletter

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"sync"
	"time"

	"github.com/shashiranjanraj/courier/pkg/backoff"
	"github.com/shashiranjanraj/courier/pkg/jobstore"
	"github.com/shashiranjanraj/courier/pkg/logger"
	"github.com/shashiranjanraj/courier/pkg/mail"
	"github.com/shashiranjanraj/courier/pkg/metrics"
)

const defaultPollInterval = time.Second

// alertTemplate renders the admin notification for one dead-lettered
// message.
var alertTemplate = template.Must(template.New("alert").Parse(`
<h2>Message delivery failed permanently</h2>
<p>A message could not be delivered and was moved to the dead-letter queue.</p>
<table>
  <tr><td>Message ID</td><td>{{.MessageID}}</td></tr>
  <tr><td>Job ID</td><td>{{.JobID}}</td></tr>
  <tr><td>Channel</td><td>{{.Channel}}</td></tr>
  <tr><td>Destination</td><td>{{.Destination}}</td></tr>
  <tr><td>Attempts</td><td>{{.AttemptCount}}</td></tr>
  <tr><td>Last error</td><td>{{.LastError}}</td></tr>
  <tr><td>First attempted</td><td>{{.FirstAttemptedAt}}</td></tr>
  <tr><td>Dead-lettered</td><td>{{.MovedToDeadLetterAt}}</td></tr>
</table>
<p>To retry, requeue it: <code>courier requeue {{.JobID}}</code></p>
`))

type alertData struct {
	MessageID           string
	JobID               string
	Channel             string
	Destination         string
	AttemptCount        int
	LastError           string
	FirstAttemptedAt    string
	MovedToDeadLetterAt string
}

// Processor watches the dead-letter queue and performs post-failure side
// effects. Alert failures are logged but never re-fail the entry.
type Processor struct {
	store        jobstore.Store
	queue        string
	alertTo      []string
	pollInterval time.Duration
	log          *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Option tunes a Processor.
type Option func(*Processor)

// WithAlertRecipients enables alert mail to the given addresses.
func WithAlertRecipients(addrs []string) Option {
	return func(p *Processor) { p.alertTo = addrs }
}

// WithPollInterval sets how long the loop sleeps when the queue is empty.
func WithPollInterval(d time.Duration) Option {
	return func(p *Processor) { p.pollInterval = d }
}

// New creates a dead-letter Processor. Call Start to begin.
func New(store jobstore.Store, opts ...Option) *Processor {
	p := &Processor{
		store:        store,
		queue:        backoff.DeadLetterQueue,
		pollInterval: defaultPollInterval,
		log:          logger.With("component", "deadletter"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the consumer loop. It returns immediately.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
	p.log.Info("dead-letter processor started", "alert_recipients", len(p.alertTo))
}

// Stop shuts the consumer down, letting an in-flight entry finish.
func (p *Processor) Stop() {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		p.log.Info("dead-letter processor stopped")
	})
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.store.Reserve(ctx, p.queue, "deadletter")
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("dead-letter reserve failed", "error", err)
			sleep(ctx, p.pollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, p.pollInterval)
			continue
		}

		p.handle(ctx, job)
	}
}

// handle logs the failure, fires the alert, and completes the entry so it is
// not re-processed. The record itself stays retrievable for inspection and
// requeue.
func (p *Processor) handle(ctx context.Context, job *jobstore.JobRecord) {
	msg := job.Message

	p.log.Error("message in dead-letter queue",
		"job_id", job.JobID,
		"message_id", msg.ID,
		"channel", msg.Channel,
		"destination", msg.Destination,
		"attempt_count", job.AttemptCount,
		"last_error", job.LastError,
		"first_attempted_at", timestamp(job.FirstAttemptedAt),
		"moved_to_dead_letter_at", timestamp(job.MovedToDeadLetterAt))

	p.alert(job)

	if err := p.store.Complete(ctx, p.queue, job.JobID); err != nil {
		p.log.Error("cannot complete dead-letter entry", "job_id", job.JobID, "error", err)
	}
}

func (p *Processor) alert(job *jobstore.JobRecord) {
	if len(p.alertTo) == 0 {
		return
	}

	data := alertData{
		MessageID:           job.Message.ID,
		JobID:               job.JobID,
		Channel:             job.Message.Channel.String(),
		Destination:         job.Message.Destination,
		AttemptCount:        job.AttemptCount,
		LastError:           job.LastError,
		FirstAttemptedAt:    timestamp(job.FirstAttemptedAt),
		MovedToDeadLetterAt: timestamp(job.MovedToDeadLetterAt),
	}

	var body bytes.Buffer
	if err := alertTemplate.Execute(&body, data); err != nil {
		p.log.Error("cannot render dead-letter alert", "job_id", job.JobID, "error", err)
		metrics.AlertsSent.WithLabelValues("failed").Inc()
		return
	}

	err := mail.To(p.alertTo...).
		Subject(fmt.Sprintf("Message delivery failed: %s", job.Message.ID)).
		Body(body.String()).
		Send()
	if err != nil {
		// Alerting is best-effort; the entry completes regardless.
		p.log.Warn("dead-letter alert mail failed", "job_id", job.JobID, "error", err)
		metrics.AlertsSent.WithLabelValues("failed").Inc()
		return
	}
	metrics.AlertsSent.WithLabelValues("sent").Inc()
}

func timestamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
