package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/opswire/internal/envelope"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

type demoStep struct {
	kind     envelope.Kind
	priority envelope.Priority
	payload  func(n int) any
}

var demoSteps = []demoStep{
	{
		kind:     envelope.KindSystemAlert,
		priority: envelope.PriorityHigh,
		payload: func(n int) any {
			return envelope.Notice{
				Title:   "Queue latency",
				Message: fmt.Sprintf("moderation queue p95 above threshold (sample %d)", n),
			}
		},
	},
	{
		kind:     envelope.KindModeration,
		priority: envelope.PriorityMedium,
		payload: func(n int) any {
			return envelope.ModerationUpdate{
				ItemID:  fmt.Sprintf("post-%d", n),
				Queue:   "reports",
				Action:  "flagged",
				Pending: n % 7,
			}
		},
	},
	{
		kind:     envelope.KindAlert,
		priority: envelope.PriorityUrgent,
		payload: func(n int) any {
			return envelope.Notice{
				Title:   "Payment failures",
				Message: fmt.Sprintf("checkout errors spiking (sample %d)", n),
			}
		},
	},
	{
		kind:     envelope.KindAlert,
		priority: envelope.PriorityLow,
		payload: func(n int) any {
			return envelope.Notice{Title: "Nightly export finished"}
		},
	},
}

// Demo emits a rotating set of sample envelopes on a cron schedule so a
// connected console has something to show.
type Demo struct {
	server *Server
	cron   *cron.Cron
	logger *slog.Logger

	mu sync.Mutex
	n  int
}

// NewDemo parses schedule (cron syntax with optional seconds, or a
// descriptor like "@every 20s").
func NewDemo(server *Server, schedule string, logger *slog.Logger) (*Demo, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, fmt.Errorf("demo schedule is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Demo{
		server: server,
		cron:   cron.New(cron.WithParser(cronParser)),
		logger: logger.With("component", "demo"),
	}
	if _, err := d.cron.AddFunc(schedule, d.Tick); err != nil {
		return nil, fmt.Errorf("invalid demo schedule: %w", err)
	}
	return d, nil
}

// Start begins emitting.
func (d *Demo) Start() {
	d.cron.Start()
}

// Stop halts the schedule and waits for a running tick.
func (d *Demo) Stop() context.Context {
	return d.cron.Stop()
}

// Tick emits the next sample envelope.
func (d *Demo) Tick() {
	d.mu.Lock()
	n := d.n
	d.n++
	d.mu.Unlock()

	step := demoSteps[n%len(demoSteps)]
	payload := step.payload(n)
	if notice, ok := payload.(envelope.Notice); ok {
		notice.ID = uuid.NewString()
		payload = notice
	}
	if err := d.server.Emit(step.kind, step.priority, payload); err != nil {
		d.logger.Warn("demo emit failed", "kind", step.kind, "error", err)
		return
	}
	d.logger.Debug("demo envelope emitted", "kind", step.kind, "priority", step.priority)
}
