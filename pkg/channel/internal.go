package channel

import (
	"context"
	"sync"

	"github.com/shashiranjanraj/courier/pkg/logger"
	"github.com/shashiranjanraj/courier/pkg/message"
)

// InternalFunc is an in-process delivery routine.
type InternalFunc func(ctx context.Context, msg message.Message) error

// InternalHandler dispatches messages to routines registered under the
// message's destination name. A destination with no registered routine is
// treated as delivered: the channel exists for in-process side effects and
// an absent routine means there is nothing to do.
type InternalHandler struct {
	mu       sync.RWMutex
	routines map[string]InternalFunc
}

func NewInternalHandler() *InternalHandler {
	return &InternalHandler{routines: make(map[string]InternalFunc)}
}

// Register binds fn to the destination name.
func (h *InternalHandler) Register(destination string, fn InternalFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routines[destination] = fn
}

func (h *InternalHandler) Deliver(ctx context.Context, msg message.Message) error {
	h.mu.RLock()
	fn, ok := h.routines[msg.Destination]
	h.mu.RUnlock()

	if !ok {
		logger.Debug("channel/internal: no routine registered, treating as delivered",
			"destination", msg.Destination, "message_id", msg.ID)
		return nil
	}
	return fn(ctx, msg)
}
