package channel_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shashiranjanraj/courier/pkg/channel"
	"github.com/shashiranjanraj/courier/pkg/mail"
	"github.com/shashiranjanraj/courier/pkg/message"
)

func TestRegistryResolve(t *testing.T) {
	r := channel.NewRegistry()
	r.Register(message.ChannelInternal, channel.NewInternalHandler())

	h, err := r.Resolve(message.ChannelInternal)
	require.NoError(t, err)
	assert.NotNil(t, h)

	_, err = r.Resolve(message.ChannelHTTP)
	assert.ErrorIs(t, err, channel.ErrUnknownChannel)

	r.Deregister(message.ChannelInternal)
	_, err = r.Resolve(message.ChannelInternal)
	assert.ErrorIs(t, err, channel.ErrUnknownChannel)
}

func TestRegistryDeliver(t *testing.T) {
	r := channel.NewRegistry()

	var delivered message.Message
	r.Register(message.ChannelInternal, channel.HandlerFunc(func(_ context.Context, msg message.Message) error {
		delivered = msg
		return nil
	}))

	msg := message.Message{ID: "m1", Channel: message.ChannelInternal, Destination: "svc"}
	require.NoError(t, r.Deliver(context.Background(), msg))
	assert.Equal(t, "m1", delivered.ID)

	unknown := message.Message{ID: "m2", Channel: "pigeon", Destination: "roof"}
	assert.ErrorIs(t, r.Deliver(context.Background(), unknown), channel.ErrUnknownChannel)
}

func TestWebhookHandlerDelivers(t *testing.T) {
	var got struct {
		headers http.Header
		body    map[string]interface{}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got.body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	msg := message.Message{
		ID:          "m1",
		Channel:     message.ChannelHTTP,
		Destination: srv.URL,
		Data:        map[string]interface{}{"k": "v"},
		Metadata:    map[string]interface{}{"source": "test"},
	}

	h := channel.NewWebhookHandler()
	require.NoError(t, h.Deliver(context.Background(), msg))

	assert.Equal(t, "m1", got.headers.Get("X-Message-Id"))
	assert.Equal(t, "application/json", got.headers.Get("Content-Type"))
	assert.Equal(t, "m1", got.body["id"])
	assert.Equal(t, map[string]interface{}{"k": "v"}, got.body["data"])
}

func TestWebhookHandlerNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	msg := message.Message{ID: "m1", Channel: message.ChannelHTTP, Destination: srv.URL}

	err := channel.NewWebhookHandler().Deliver(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhookHandlerTransportError(t *testing.T) {
	msg := message.Message{ID: "m1", Channel: message.ChannelHTTP, Destination: "http://127.0.0.1:1"}

	err := channel.NewWebhookHandler().Deliver(context.Background(), msg)
	assert.Error(t, err)
}

func TestInternalHandler(t *testing.T) {
	h := channel.NewInternalHandler()

	calls := 0
	h.Register("svc", func(_ context.Context, _ message.Message) error {
		calls++
		return nil
	})
	h.Register("broken", func(_ context.Context, _ message.Message) error {
		return errors.New("Simulated delivery failure")
	})

	require.NoError(t, h.Deliver(context.Background(), message.Message{ID: "m1", Destination: "svc"}))
	assert.Equal(t, 1, calls)

	err := h.Deliver(context.Background(), message.Message{ID: "m2", Destination: "broken"})
	assert.EqualError(t, err, "Simulated delivery failure")

	// Unregistered destinations are a no-op delivery.
	assert.NoError(t, h.Deliver(context.Background(), message.Message{ID: "m3", Destination: "ghost"}))
}

// captureSender records mail instead of speaking SMTP.
type captureSender struct {
	sent []*mail.Message
	err  error
}

func (c *captureSender) Send(m *mail.Message) error {
	c.sent = append(c.sent, m)
	return c.err
}

func TestEmailHandler(t *testing.T) {
	capture := &captureSender{}
	orig := mail.DefaultSender
	mail.DefaultSender = capture
	defer func() { mail.DefaultSender = orig }()

	msg := message.Message{
		ID:          "m1",
		Channel:     message.ChannelEmail,
		Destination: "user@example.com",
		Data:        map[string]interface{}{"text": "hello"},
	}

	require.NoError(t, channel.NewEmailHandler().Deliver(context.Background(), msg))
	require.Len(t, capture.sent, 1)
	assert.Equal(t, []string{"user@example.com"}, capture.sent[0].Recipients())
	assert.Equal(t, "Message Notification", capture.sent[0].SubjectLine())
}

func TestEmailHandlerTransportFailure(t *testing.T) {
	capture := &captureSender{err: errors.New("smtp down")}
	orig := mail.DefaultSender
	mail.DefaultSender = capture
	defer func() { mail.DefaultSender = orig }()

	msg := message.Message{ID: "m1", Channel: message.ChannelEmail, Destination: "user@example.com"}

	err := channel.NewEmailHandler().Deliver(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp down")
}
