package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrMalformed marks a message that no retry can fix. Consumers dead-letter it immediately.
var ErrMalformed = errors.New("malformed message")

type Message struct {
	ID      string
	Type    string
	Key     string
	Body    []byte
	Headers map[string]string
}

type HandlerFunc func(ctx context.Context, msg Message) error

type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Close() error
}

type Subscriber interface {
	// Subscribe blocks, delivering topic messages to handler as part of group, until ctx is done.
	Subscribe(ctx context.Context, group, topic string, handler HandlerFunc) error
	Close() error
}

// Router dispatches messages to the handler registered for their type.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

func (r *Router) Handle(messageType string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[messageType]; ok {
		panic(fmt.Sprintf("broker: handler for %q registered twice", messageType))
	}
	r.handlers[messageType] = handler
}

func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

func (r *Router) Dispatch(ctx context.Context, msg Message) error {
	r.mu.RLock()
	handler, ok := r.handlers[msg.Type]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no handler for message type %q", ErrMalformed, msg.Type)
	}

	logger := zerolog.Ctx(ctx).With().Str("message_type", msg.Type).Str("message_id", msg.ID).Logger()
	return handler(logger.WithContext(ctx), msg)
}
