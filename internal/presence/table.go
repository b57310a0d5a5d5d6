// Package presence maintains the client-side view of which operators are
// connected to the gateway.
package presence

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Status is an operator's availability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// ParseStatus validates a wire status value.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusOnline:
		return StatusOnline, nil
	case StatusAway:
		return StatusAway, nil
	case StatusBusy:
		return StatusBusy, nil
	case StatusOffline:
		return StatusOffline, nil
	}
	return "", fmt.Errorf("invalid presence status %q", s)
}

// ErrMissingOperatorID is returned when an entry has no operator id.
var ErrMissingOperatorID = errors.New("presence entry missing operator id")

// Entry is one operator's last known presence.
type Entry struct {
	OperatorID string
	Name       string
	Role       string
	Status     Status
	LastSeen   time.Time
	Section    string
}

// ChangeReason describes what mutated the table.
type ChangeReason string

const (
	ChangeSnapshot ChangeReason = "snapshot"
	ChangeUpsert   ChangeReason = "upsert"
	ChangeSweep    ChangeReason = "sweep"
)

// Change is delivered to observers after every mutation.
type Change struct {
	Reason ChangeReason
	// Online is the result of ListOnline at the time of the change.
	Online []Entry
	// Updated is set for upserts.
	Updated *Entry
}

// Table is safe for concurrent use. Observers run after the mutation has been
// applied and outside the table lock, so they may read the table. Changes are
// delivered one at a time in the order the mutations happened, whichever
// goroutine made them.
type Table struct {
	mu         sync.RWMutex
	entries    map[string]Entry
	clock      clockwork.Clock
	staleAfter time.Duration
	logger     *slog.Logger

	obsMu     sync.Mutex
	observers map[uint64]func(Change)
	nextObs   uint64
	pending   []Change
	draining  bool
}

// Option configures a Table.
type Option func(*Table)

// WithClock sets the clock used for staleness checks.
func WithClock(clock clockwork.Clock) Option {
	return func(t *Table) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithStaleAfter treats entries not seen within d as offline. Zero disables it.
func WithStaleAfter(d time.Duration) Option {
	return func(t *Table) {
		if d > 0 {
			t.staleAfter = d
		}
	}
}

// WithLogger sets the logger used to report observer panics.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Table) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTable returns an empty table.
func NewTable(opts ...Option) *Table {
	t := &Table{
		entries:   make(map[string]Entry),
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		observers: make(map[uint64]func(Change)),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "presence")
	return t
}

// ReplaceAll discards the current contents and installs entries. Entries
// without an operator id are skipped; a later duplicate wins.
func (t *Table) ReplaceAll(entries []Entry) {
	next := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if e.OperatorID == "" {
			continue
		}
		next[e.OperatorID] = e
	}

	t.mu.Lock()
	t.entries = next
	t.queueLocked(Change{Reason: ChangeSnapshot, Online: t.listOnlineLocked()})
	t.mu.Unlock()

	t.drain()
}

// Upsert inserts or replaces the entry keyed by its operator id.
func (t *Table) Upsert(e Entry) error {
	if e.OperatorID == "" {
		return ErrMissingOperatorID
	}

	updated := e
	t.mu.Lock()
	t.entries[e.OperatorID] = e
	t.queueLocked(Change{Reason: ChangeUpsert, Online: t.listOnlineLocked(), Updated: &updated})
	t.mu.Unlock()

	t.drain()
	return nil
}

// Count returns the number of online operators.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.clock.Now()
	n := 0
	for _, e := range t.entries {
		if t.isOnline(e, now) {
			n++
		}
	}
	return n
}

// ListOnline returns operators whose status is not offline, ordered by name.
// When a stale window is configured, entries not seen within it are omitted.
func (t *Table) ListOnline() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.listOnlineLocked()
}

// Entries returns every entry, including offline ones, ordered by name.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	t.mu.RUnlock()
	sortEntries(out)
	return out
}

// Get returns the entry for an operator.
func (t *Table) Get(operatorID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[operatorID]
	return e, ok
}

// Len returns the number of entries regardless of status.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Sweep removes entries that have not been seen within the stale window and
// returns how many were removed. It does nothing when no window is set.
func (t *Table) Sweep() int {
	if t.staleAfter <= 0 {
		return 0
	}
	now := t.clock.Now()

	t.mu.Lock()
	removed := 0
	for id, e := range t.entries {
		if t.isStale(e, now) {
			delete(t.entries, id)
			removed++
		}
	}
	if removed > 0 {
		t.queueLocked(Change{Reason: ChangeSweep, Online: t.listOnlineLocked()})
	}
	t.mu.Unlock()

	t.drain()
	return removed
}

// StaleAfter returns the configured stale window.
func (t *Table) StaleAfter() time.Duration {
	return t.staleAfter
}

// OnChange registers fn for change notifications and returns a function that
// removes it.
func (t *Table) OnChange(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	t.obsMu.Lock()
	t.nextObs++
	id := t.nextObs
	t.observers[id] = fn
	t.obsMu.Unlock()

	return func() {
		t.obsMu.Lock()
		delete(t.observers, id)
		t.obsMu.Unlock()
	}
}

// queueLocked records change while t.mu is held, fixing its delivery order.
func (t *Table) queueLocked(change Change) {
	t.obsMu.Lock()
	t.pending = append(t.pending, change)
	t.obsMu.Unlock()
}

// drain delivers queued changes. A goroutine that finds another one draining
// leaves its change to that goroutine.
func (t *Table) drain() {
	t.obsMu.Lock()
	if t.draining {
		t.obsMu.Unlock()
		return
	}
	t.draining = true
	for len(t.pending) > 0 {
		change := t.pending[0]
		t.pending = t.pending[1:]
		ids := make([]uint64, 0, len(t.observers))
		for id := range t.observers {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		fns := make([]func(Change), 0, len(ids))
		for _, id := range ids {
			fns = append(fns, t.observers[id])
		}
		t.obsMu.Unlock()

		for i, fn := range fns {
			t.callObserver(ids[i], fn, change)
		}

		t.obsMu.Lock()
	}
	t.draining = false
	t.obsMu.Unlock()
}

func (t *Table) callObserver(id uint64, fn func(Change), change Change) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("presence observer panicked",
				"observer", id,
				"reason", change.Reason,
				"panic", r)
		}
	}()
	fn(change)
}

func (t *Table) listOnlineLocked() []Entry {
	now := t.clock.Now()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		if t.isOnline(e, now) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

func (t *Table) isOnline(e Entry, now time.Time) bool {
	if e.Status == StatusOffline {
		return false
	}
	return !t.isStale(e, now)
}

func (t *Table) isStale(e Entry, now time.Time) bool {
	if t.staleAfter <= 0 || e.LastSeen.IsZero() {
		return false
	}
	return now.Sub(e.LastSeen) > t.staleAfter
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := strings.ToLower(entries[i].Name), strings.ToLower(entries[j].Name)
		if a != b {
			return a < b
		}
		return entries[i].OperatorID < entries[j].OperatorID
	})
}
