// Package alerts tracks the unread alert badge shown to an operator.
package alerts

import (
	"log/slog"
	"sync"
)

// Counter is a non-negative unread count. It is safe for concurrent use.
type Counter struct {
	mu     sync.Mutex
	unread int
	max    int
	logger *slog.Logger

	observers []func(int)
}

// NewCounter returns a zeroed counter. A positive max saturates the count.
func NewCounter(max int, logger *slog.Logger) *Counter {
	if logger == nil {
		logger = slog.Default()
	}
	if max < 0 {
		max = 0
	}
	return &Counter{max: max, logger: logger.With("component", "alerts")}
}

// Increment adds one unread alert and returns the new count.
func (c *Counter) Increment() int {
	c.mu.Lock()
	if c.max == 0 || c.unread < c.max {
		c.unread++
	}
	n := c.unread
	observers := c.snapshotObservers()
	c.mu.Unlock()

	c.notify(observers, n)
	return n
}

// MarkAllRead resets the count to zero.
func (c *Counter) MarkAllRead() {
	c.mu.Lock()
	changed := c.unread != 0
	c.unread = 0
	observers := c.snapshotObservers()
	c.mu.Unlock()

	if changed {
		c.notify(observers, 0)
	}
}

// Unread returns the current count.
func (c *Counter) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// OnChange registers fn to receive the count after each change.
func (c *Counter) OnChange(fn func(int)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *Counter) snapshotObservers() []func(int) {
	if len(c.observers) == 0 {
		return nil
	}
	out := make([]func(int), len(c.observers))
	copy(out, c.observers)
	return out
}

func (c *Counter) notify(observers []func(int), n int) {
	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("alert observer panicked", "panic", r)
				}
			}()
			fn(n)
		}()
	}
}
