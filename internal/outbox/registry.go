package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrEventTypeRequired        = errors.New("event type is required")
	ErrHandlerRequired          = errors.New("event handler is required")
	ErrHandlerAlreadyRegistered = errors.New("event handler already registered")
)

// Handler processes one message payload. It must tolerate redelivery.
type Handler func(ctx context.Context, payload []byte) error

// Typed decodes the JSON payload into T before calling fn.
func Typed[T any](fn func(ctx context.Context, event T) error) Handler {
	return func(ctx context.Context, payload []byte) error {
		var event T
		if err := json.Unmarshal(payload, &event); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return fn(ctx, event)
	}
}

// Registry maps event types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(eventType string, h Handler) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}
	if h == nil {
		return ErrHandlerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[eventType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, eventType)
	}
	r.handlers[eventType] = h
	return nil
}

func (r *Registry) Lookup(eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[strings.TrimSpace(eventType)]
	return h, ok
}

// Types returns the registered event types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
