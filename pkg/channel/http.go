package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/shashiranjanraj/courier/pkg/http"
	"github.com/shashiranjanraj/courier/pkg/message"
)

// webhookTimeout bounds a single delivery attempt end to end.
const webhookTimeout = 10 * time.Second

// WebhookHandler POSTs the message as JSON to its destination URL.
// Success is a 2xx response; any other status or transport error fails the
// attempt.
type WebhookHandler struct {
	Timeout time.Duration
}

// NewWebhookHandler creates the handler with the standard 10s timeout.
func NewWebhookHandler() *WebhookHandler {
	return &WebhookHandler{Timeout: webhookTimeout}
}

// webhookPayload is the wire shape delivered to the destination.
type webhookPayload struct {
	ID       string                 `json:"id"`
	Data     map[string]interface{} `json:"data"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

func (h *WebhookHandler) Deliver(ctx context.Context, msg message.Message) error {
	resp, err := http.Post(msg.Destination).
		WithContext(ctx).
		Header("X-Message-Id", msg.ID).
		Body(webhookPayload{ID: msg.ID, Data: msg.Data, Metadata: msg.Metadata}).
		Timeout(h.Timeout).
		Send()
	if err != nil {
		return fmt.Errorf("channel/http: post %s: %w", msg.Destination, err)
	}
	if !resp.OK() {
		return fmt.Errorf("channel/http: %s responded %d", msg.Destination, resp.StatusCode)
	}
	return nil
}
