package alerts

import (
	"sync"
	"testing"
)

func TestCounter(t *testing.T) {
	t.Run("increments and resets", func(t *testing.T) {
		c := NewCounter(0, nil)
		c.Increment()
		c.Increment()
		if got := c.Unread(); got != 2 {
			t.Fatalf("expected 2, got %d", got)
		}
		c.MarkAllRead()
		if got := c.Unread(); got != 0 {
			t.Fatalf("expected 0 after MarkAllRead, got %d", got)
		}
	})

	t.Run("mark all read on zero stays zero", func(t *testing.T) {
		c := NewCounter(0, nil)
		c.MarkAllRead()
		c.MarkAllRead()
		if got := c.Unread(); got != 0 {
			t.Fatalf("expected 0, got %d", got)
		}
	})

	t.Run("saturates at max", func(t *testing.T) {
		c := NewCounter(3, nil)
		for i := 0; i < 10; i++ {
			c.Increment()
		}
		if got := c.Unread(); got != 3 {
			t.Fatalf("expected saturation at 3, got %d", got)
		}
	})

	t.Run("negative max means unbounded", func(t *testing.T) {
		c := NewCounter(-1, nil)
		for i := 0; i < 5; i++ {
			c.Increment()
		}
		if got := c.Unread(); got != 5 {
			t.Fatalf("expected 5, got %d", got)
		}
	})
}

func TestCounterConcurrentIncrements(t *testing.T) {
	c := NewCounter(0, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Increment()
		}()
	}
	wg.Wait()
	if got := c.Unread(); got != 50 {
		t.Fatalf("expected 50, got %d", got)
	}
}

func TestCounterObservers(t *testing.T) {
	c := NewCounter(0, nil)
	var seen []int
	c.OnChange(func(n int) { seen = append(seen, n) })
	c.OnChange(func(int) { panic("observer failure") })

	c.Increment()
	c.Increment()
	c.MarkAllRead()
	c.MarkAllRead()

	want := []int{1, 2, 0}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("change %d: expected %d, got %d", i, want[i], seen[i])
		}
	}
}
