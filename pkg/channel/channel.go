// Package channel maps a message's channel kind to the handler that
// performs its outbound delivery.
//
// The channel set is closed (http, email, internal); handlers are
// registered at boot and resolved by the message processor on every
// attempt. Handlers are the only place outbound I/O happens.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shashiranjanraj/courier/pkg/message"
)

// ErrUnknownChannel is returned by Resolve for an unregistered channel kind.
// The processor treats it as terminal: no retries, straight to the
// dead-letter queue.
var ErrUnknownChannel = errors.New("channel: unknown channel")

// Handler delivers a message over one channel kind. Implementations classify
// their own failures by returning a short, human-readable error; the
// processor records it on the job and treats it as transient.
type Handler interface {
	Deliver(ctx context.Context, msg message.Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg message.Message) error

func (f HandlerFunc) Deliver(ctx context.Context, msg message.Message) error {
	return f(ctx, msg)
}

// Registry resolves channel kinds to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[message.ChannelKind]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[message.ChannelKind]Handler)}
}

// NewDefaultRegistry creates a registry with the three production handlers
// wired in: webhook, email and the given internal dispatcher.
func NewDefaultRegistry(internal *InternalHandler) *Registry {
	r := NewRegistry()
	r.Register(message.ChannelHTTP, NewWebhookHandler())
	r.Register(message.ChannelEmail, NewEmailHandler())
	r.Register(message.ChannelInternal, internal)
	return r
}

// Register makes h the handler for kind, replacing any previous one.
func (r *Registry) Register(kind message.ChannelKind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Deregister removes the handler for kind.
func (r *Registry) Deregister(kind message.ChannelKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, kind)
}

// Resolve returns the handler for kind, or an error wrapping
// ErrUnknownChannel.
func (r *Registry) Resolve(kind message.ChannelKind) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, kind)
	}
	return h, nil
}

// Deliver resolves the message's channel and invokes the handler.
func (r *Registry) Deliver(ctx context.Context, msg message.Message) error {
	h, err := r.Resolve(msg.Channel)
	if err != nil {
		return err
	}
	return h.Deliver(ctx, msg)
}
