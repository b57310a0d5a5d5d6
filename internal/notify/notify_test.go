package notify

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/opswire/internal/envelope"
)

func TestSeverityFor(t *testing.T) {
	tests := map[envelope.Priority]Severity{
		envelope.PriorityLow:    SeverityInfo,
		envelope.PriorityMedium: SeverityInfo,
		envelope.PriorityHigh:   SeverityWarning,
		envelope.PriorityUrgent: SeverityCritical,
	}
	for p, want := range tests {
		if got := SeverityFor(p); got != want {
			t.Errorf("SeverityFor(%q) = %q, want %q", p, got, want)
		}
	}
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	console := NewConsole(&buf, true)
	console.Notify(Notification{
		Title:       "Database failover",
		Description: "primary unreachable",
		Severity:    SeverityCritical,
		From:        "op-2",
		At:          time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC),
	})

	got := buf.String()
	for _, want := range []string{"[09:30:00]", "CRITICAL", "Database failover: primary unreachable", "(from op-2)"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected output to contain %q, got %q", want, got)
		}
	}
	if !strings.HasSuffix(got, "\n") {
		t.Error("expected trailing newline")
	}
}

func TestMulti(t *testing.T) {
	var a, b int
	m := Multi{
		Func(func(Notification) { a++ }),
		nil,
		Func(func(Notification) { b++ }),
	}
	m.Notify(Notification{Title: "x"})
	if a != 1 || b != 1 {
		t.Fatalf("expected both notifiers called once, got %d and %d", a, b)
	}
}
