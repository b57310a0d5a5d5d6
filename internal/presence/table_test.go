package presence

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"online", "away", "busy", "offline", " Busy "} {
		if _, err := ParseStatus(s); err != nil {
			t.Errorf("ParseStatus(%q) unexpected error: %v", s, err)
		}
	}
	if _, err := ParseStatus("invisible"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestReplaceAllDiscardsPreviousEntries(t *testing.T) {
	table := NewTable()
	table.ReplaceAll([]Entry{
		{OperatorID: "a", Name: "Ada", Status: StatusOnline},
		{OperatorID: "b", Name: "Bo", Status: StatusBusy},
	})
	table.ReplaceAll([]Entry{
		{OperatorID: "c", Name: "Cy", Status: StatusAway},
	})

	if table.Count() != 1 {
		t.Fatalf("expected 1 entry, got %d", table.Count())
	}
	if _, ok := table.Get("a"); ok {
		t.Error("expected a to be removed by snapshot")
	}
	if _, ok := table.Get("c"); !ok {
		t.Error("expected c to be present")
	}
}

func TestReplaceAllDeduplicates(t *testing.T) {
	table := NewTable()
	table.ReplaceAll([]Entry{
		{OperatorID: "a", Name: "Ada", Status: StatusOnline},
		{OperatorID: "a", Name: "Ada", Status: StatusBusy},
		{OperatorID: "", Name: "nobody", Status: StatusOnline},
	})
	if table.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", table.Len())
	}
	e, _ := table.Get("a")
	if e.Status != StatusBusy {
		t.Errorf("expected later duplicate to win, got %q", e.Status)
	}
}

func TestUpsertReplacesSingleEntry(t *testing.T) {
	table := NewTable()
	table.ReplaceAll([]Entry{
		{OperatorID: "a", Name: "Ada", Status: StatusOnline},
		{OperatorID: "b", Name: "Bo", Status: StatusOnline},
	})

	if err := table.Upsert(Entry{OperatorID: "a", Name: "Ada", Status: StatusAway, Section: "billing"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if table.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", table.Len())
	}
	e, ok := table.Get("a")
	if !ok || e.Status != StatusAway || e.Section != "billing" {
		t.Errorf("unexpected entry after upsert: %+v", e)
	}

	if err := table.Upsert(Entry{Name: "ghost"}); err != ErrMissingOperatorID {
		t.Errorf("expected ErrMissingOperatorID, got %v", err)
	}
}

func TestListOnlineSkipsOfflineAndSorts(t *testing.T) {
	table := NewTable()
	table.ReplaceAll([]Entry{
		{OperatorID: "3", Name: "carol", Status: StatusBusy},
		{OperatorID: "1", Name: "Alice", Status: StatusOnline},
		{OperatorID: "2", Name: "bob", Status: StatusOffline},
	})

	online := table.ListOnline()
	if len(online) != 2 {
		t.Fatalf("expected 2 online, got %d", len(online))
	}
	if online[0].Name != "Alice" || online[1].Name != "carol" {
		t.Errorf("unexpected order: %+v", online)
	}
	if table.Count() != 2 {
		t.Errorf("expected Count 2, got %d", table.Count())
	}
	if len(table.Entries()) != 3 {
		t.Errorf("expected Entries to include offline operators")
	}
}

func TestStaleEntries(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	table := NewTable(WithClock(clock), WithStaleAfter(2*time.Minute))
	table.ReplaceAll([]Entry{
		{OperatorID: "a", Name: "Ada", Status: StatusOnline, LastSeen: clock.Now()},
		{OperatorID: "b", Name: "Bo", Status: StatusOnline, LastSeen: clock.Now().Add(-90 * time.Second)},
	})

	clock.Advance(time.Minute)
	if got := table.Count(); got != 1 {
		t.Fatalf("expected 1 fresh operator, got %d", got)
	}

	if removed := table.Sweep(); removed != 1 {
		t.Fatalf("expected sweep to remove 1, got %d", removed)
	}
	if _, ok := table.Get("b"); ok {
		t.Error("expected b to be swept")
	}
}

func TestSweepDisabledByDefault(t *testing.T) {
	table := NewTable()
	table.ReplaceAll([]Entry{{OperatorID: "a", Status: StatusOnline, LastSeen: time.Unix(0, 0)}})
	if table.Sweep() != 0 {
		t.Error("expected sweep to be a no-op without a stale window")
	}
	if table.Count() != 1 {
		t.Error("expected old entry to stay online without a stale window")
	}
}

func TestObservers(t *testing.T) {
	table := NewTable()

	var changes []Change
	unsubscribe := table.OnChange(func(c Change) {
		changes = append(changes, c)
	})
	table.OnChange(func(Change) { panic("boom") })

	table.ReplaceAll([]Entry{{OperatorID: "a", Name: "Ada", Status: StatusOnline}})
	_ = table.Upsert(Entry{OperatorID: "b", Name: "Bo", Status: StatusAway})

	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if changes[0].Reason != ChangeSnapshot || len(changes[0].Online) != 1 {
		t.Errorf("unexpected snapshot change: %+v", changes[0])
	}
	if changes[1].Reason != ChangeUpsert || changes[1].Updated == nil || changes[1].Updated.OperatorID != "b" {
		t.Errorf("unexpected upsert change: %+v", changes[1])
	}

	unsubscribe()
	table.ReplaceAll(nil)
	if len(changes) != 2 {
		t.Errorf("expected no changes after unsubscribe, got %d", len(changes))
	}
}

func TestConcurrentChangesDeliveredInOrder(t *testing.T) {
	table := NewTable()

	var mu sync.Mutex
	var counts []int
	table.OnChange(func(c Change) {
		mu.Lock()
		counts = append(counts, len(c.Online))
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("op-%d-%d", w, i)
				if err := table.Upsert(Entry{OperatorID: id, Status: StatusOnline}); err != nil {
					t.Errorf("Upsert: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(counts) != 200 {
		t.Fatalf("expected 200 changes, got %d", len(counts))
	}
	for i, n := range counts {
		if n != i+1 {
			t.Fatalf("change %d reported %d online; changes arrived out of order", i, n)
		}
	}
	if got := table.Count(); got != counts[len(counts)-1] {
		t.Errorf("last change reported %d, table has %d", counts[len(counts)-1], got)
	}
}

func TestObserverMayMutateTable(t *testing.T) {
	table := NewTable()
	var reasons []ChangeReason
	table.OnChange(func(c Change) {
		reasons = append(reasons, c.Reason)
		if c.Reason == ChangeSnapshot {
			_ = table.Upsert(Entry{OperatorID: "echo", Status: StatusOnline})
		}
	})

	table.ReplaceAll([]Entry{{OperatorID: "a", Status: StatusOnline}})
	if len(reasons) != 2 || reasons[0] != ChangeSnapshot || reasons[1] != ChangeUpsert {
		t.Fatalf("expected snapshot then upsert, got %v", reasons)
	}
	if got := table.Count(); got != 2 {
		t.Errorf("expected 2 online, got %d", got)
	}
}
