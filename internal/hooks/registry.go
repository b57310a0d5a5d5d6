package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrNilEvent is returned by Trigger when no event is given.
var ErrNilEvent = errors.New("hooks: nil event")

// Registry holds local listeners keyed by "type" or "type:action".
// Each key keeps its listeners ordered by priority, then registration order.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[string][]*Registration
	keyOf  map[string]string
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byKey:  make(map[string][]*Registration),
		keyOf:  make(map[string]string),
		logger: logger.With("component", "hooks"),
	}
}

// RegisterOption configures a registration.
type RegisterOption func(*Registration)

// WithPriority sets the order in which the listener runs.
func WithPriority(p Priority) RegisterOption {
	return func(r *Registration) { r.Priority = p }
}

// WithName labels the listener in logs.
func WithName(name string) RegisterOption {
	return func(r *Registration) { r.Name = name }
}

// Register adds a listener and returns its id for Unregister.
func (r *Registry) Register(eventKey string, handler Handler, opts ...RegisterOption) string {
	reg := &Registration{
		ID:       uuid.NewString(),
		EventKey: eventKey,
		Handler:  handler,
		Priority: PriorityNormal,
	}
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	list := r.byKey[eventKey]
	// Insert after every listener of equal or higher precedence.
	at := sort.Search(len(list), func(i int) bool { return list[i].Priority > reg.Priority })
	list = append(list, nil)
	copy(list[at+1:], list[at:])
	list[at] = reg
	r.byKey[eventKey] = list
	r.keyOf[reg.ID] = eventKey
	r.mu.Unlock()

	r.logger.Debug("listener added", "key", eventKey, "name", reg.Name, "priority", int(reg.Priority))
	return reg.ID
}

// Unregister removes a listener. It reports whether the id was known.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.keyOf[id]
	if !ok {
		return false
	}
	delete(r.keyOf, id)

	kept := r.byKey[key][:0:0]
	for _, reg := range r.byKey[key] {
		if reg.ID != id {
			kept = append(kept, reg)
		}
	}
	if len(kept) == 0 {
		delete(r.byKey, key)
	} else {
		r.byKey[key] = kept
	}
	return true
}

// Clear drops every listener.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.byKey = make(map[string][]*Registration)
	r.keyOf = make(map[string]string)
	r.mu.Unlock()
}

// Trigger runs the listeners for event.Type and for "type:action" in one
// priority order. Every listener runs even if an earlier one fails or
// panics; the first failure is returned.
func (r *Registry) Trigger(ctx context.Context, event *Event) error {
	if event == nil {
		return ErrNilEvent
	}

	r.mu.RLock()
	general := r.byKey[string(event.Type)]
	var specific []*Registration
	if event.Action != "" {
		specific = r.byKey[string(event.Type)+":"+event.Action]
	}
	r.mu.RUnlock()

	var first error
	for _, reg := range mergeByPriority(general, specific) {
		err := invoke(ctx, reg, event)
		if err == nil {
			continue
		}
		r.logger.Warn("listener failed",
			"type", event.Type,
			"action", event.Action,
			"listener", reg.Name,
			"error", err)
		if first == nil {
			first = err
		}
	}
	return first
}

// HandlerCount returns the number of listeners registered under eventKey.
func (r *Registry) HandlerCount(eventKey string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey[eventKey])
}

// mergeByPriority merges two ordered lists; on equal priority the general
// listeners run first.
func mergeByPriority(general, specific []*Registration) []*Registration {
	out := make([]*Registration, 0, len(general)+len(specific))
	i, j := 0, 0
	for i < len(general) && j < len(specific) {
		if specific[j].Priority < general[i].Priority {
			out = append(out, specific[j])
			j++
			continue
		}
		out = append(out, general[i])
		i++
	}
	out = append(out, general[i:]...)
	return append(out, specific[j:]...)
}

func invoke(ctx context.Context, reg *Registration, event *Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("listener %q panicked: %v", reg.Name, p)
		}
	}()
	return reg.Handler(ctx, event)
}
