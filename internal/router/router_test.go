package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/opswire/internal/alerts"
	"github.com/haasonsaas/opswire/internal/envelope"
	"github.com/haasonsaas/opswire/internal/hooks"
	"github.com/haasonsaas/opswire/internal/identity"
	"github.com/haasonsaas/opswire/internal/notify"
	"github.com/haasonsaas/opswire/internal/observability"
	"github.com/haasonsaas/opswire/internal/presence"
)

type recorder struct {
	mu    sync.Mutex
	items []notify.Notification
	panic bool
}

func (r *recorder) Notify(n notify.Notification) {
	if r.panic {
		panic("notifier exploded")
	}
	r.mu.Lock()
	r.items = append(r.items, n)
	r.mu.Unlock()
}

func (r *recorder) all() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.items...)
}

type fixture struct {
	router  *Router
	table   *presence.Table
	counter *alerts.Counter
	notes   *recorder
	hooks   *hooks.Registry
	ids     *identity.Store
	metrics *observability.Metrics
	section string
	clock   *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:   clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		counter: alerts.NewCounter(0, nil),
		notes:   &recorder{},
		hooks:   hooks.NewRegistry(nil),
		ids:     identity.NewStore(),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
		section: "dashboard",
	}
	f.table = presence.NewTable(presence.WithClock(f.clock))
	if err := f.ids.Login(identity.Operator{ID: "a1", Name: "Ada", Role: "admin"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	r, err := New(Options{
		Presence: f.table,
		Alerts:   f.counter,
		Notifier: f.notes,
		Hooks:    f.hooks,
		Identity: f.ids,
		View:     ViewFunc(func() string { return f.section }),
		Clock:    f.clock,
		Metrics:  f.metrics,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.router = r
	return f
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without collaborators")
	}
}

func TestPresenceSnapshotsAndDeltas(t *testing.T) {
	f := newFixture(t)

	f.router.OnFrame([]byte(`{"type":"admin_presence","data":[
		{"adminId":"a1","name":"Ada","role":"admin","status":"online","currentSection":"dashboard"},
		{"adminId":"b2","name":"Bo","role":"moderator","status":"busy"}
	],"timestamp":"2024-05-01T11:59:00Z"}`))
	if got := f.table.Count(); got != 2 {
		t.Fatalf("expected 2 online after snapshot, got %d", got)
	}
	b, _ := f.table.Get("b2")
	if !b.LastSeen.Equal(time.Date(2024, 5, 1, 11, 59, 0, 0, time.UTC)) {
		t.Errorf("expected LastSeen from envelope timestamp, got %v", b.LastSeen)
	}

	f.router.OnFrame([]byte(`{"type":"admin_presence","data":{"adminId":"c3","name":"Cy","status":"away"}}`))
	if got := f.table.Count(); got != 3 {
		t.Fatalf("expected delta to add an entry, got %d", got)
	}
	c, _ := f.table.Get("c3")
	if !c.LastSeen.Equal(f.clock.Now()) {
		t.Errorf("expected LastSeen to default to now, got %v", c.LastSeen)
	}

	f.router.OnFrame([]byte(`{"type":"admin_presence","data":[{"adminId":"c3","name":"Cy","status":"online"}]}`))
	online := f.table.ListOnline()
	if len(online) != 1 || online[0].OperatorID != "c3" || online[0].Status != presence.StatusOnline {
		t.Fatalf("expected only the latest snapshot, got %+v", online)
	}
	if got := testutil.ToFloat64(f.metrics.PresenceOnline); got != 1 {
		t.Errorf("expected presence gauge 1, got %v", got)
	}
}

func TestPresenceRejectsInvalidRecords(t *testing.T) {
	f := newFixture(t)
	f.router.OnFrame([]byte(`{"type":"admin_presence","data":[
		{"adminId":"a1","status":"online"},
		{"adminId":"","status":"online"},
		{"adminId":"x","status":"invisible"}
	]}`))
	if got := f.table.Len(); got != 1 {
		t.Fatalf("expected invalid snapshot records to be skipped, got %d", got)
	}

	err := f.router.Dispatch(context.Background(), envelope.Envelope{
		Kind:     envelope.KindPresence,
		Data:     json.RawMessage(`{"adminId":"z","status":"sleeping"}`),
		Priority: envelope.PriorityLow,
	})
	if err == nil {
		t.Fatal("expected invalid delta to fail")
	}
	if _, ok := f.table.Get("z"); ok {
		t.Error("invalid delta must not be applied")
	}
}

func TestAdminAlerts(t *testing.T) {
	f := newFixture(t)

	f.router.OnFrame([]byte(`{"type":"admin_alert","data":{"title":"Payment outage","message":"card processor down"},"priority":"urgent","from":"ops-bot"}`))
	if got := f.counter.Unread(); got != 1 {
		t.Fatalf("expected 1 unread, got %d", got)
	}
	notes := f.notes.all()
	if len(notes) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notes))
	}
	if notes[0].Title != "Payment outage" || notes[0].Severity != notify.SeverityCritical || notes[0].From != "ops-bot" {
		t.Errorf("unexpected notification %+v", notes[0])
	}

	f.router.OnFrame([]byte(`{"type":"admin_alert","data":{"title":"FYI"},"priority":"low"}`))
	if got := f.counter.Unread(); got != 2 {
		t.Fatalf("expected low alert to count, got %d", got)
	}
	if got := len(f.notes.all()); got != 1 {
		t.Errorf("expected low alert not to notify, got %d notifications", got)
	}

	f.counter.MarkAllRead()
	if got := f.counter.Unread(); got != 0 {
		t.Errorf("expected 0 after MarkAllRead, got %d", got)
	}
}

func TestSystemAlertAlwaysNotifies(t *testing.T) {
	f := newFixture(t)
	f.router.OnFrame([]byte(`{"type":"system_alert","priority":"low"}`))

	if got := f.counter.Unread(); got != 1 {
		t.Fatalf("expected 1 unread, got %d", got)
	}
	notes := f.notes.all()
	if len(notes) != 1 || notes[0].Title != "System alert" {
		t.Fatalf("expected fallback-titled notification, got %+v", notes)
	}
	if !notes[0].At.Equal(f.clock.Now()) {
		t.Errorf("expected notification time to default to now, got %v", notes[0].At)
	}
}

func TestStringAlertPayloads(t *testing.T) {
	f := newFixture(t)

	f.router.OnFrame([]byte(`{"type":"system_alert","data":"Database failover in progress","priority":"high","timestamp":"2024-05-01T12:00:00Z"}`))
	f.router.OnFrame([]byte(`{"type":"admin_alert","data":"Fraud spike on payouts","priority":"urgent","timestamp":"2024-05-01T12:00:01Z"}`))

	notes := f.notes.all()
	if len(notes) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(notes))
	}
	want := []struct{ title, description string }{
		{"System alert", "Database failover in progress"},
		{"Admin alert", "Fraud spike on payouts"},
	}
	for i, w := range want {
		if notes[i].Title != w.title || notes[i].Description != w.description {
			t.Errorf("notification %d: expected %q/%q, got %q/%q", i, w.title, w.description, notes[i].Title, notes[i].Description)
		}
	}
	if got := f.counter.Unread(); got != 2 {
		t.Errorf("expected 2 unread, got %d", got)
	}

	f.router.OnFrame([]byte(`{"type":"user_action","data":"approve refund","priority":"high"}`))
	if got := len(f.notes.all()); got != 2 {
		t.Errorf("expected untargeted string payload to be dropped, got %d notifications", got)
	}
}

func TestModerationRelevance(t *testing.T) {
	f := newFixture(t)
	var events []*hooks.Event
	f.hooks.Register(string(hooks.EventModerationUpdated), func(ctx context.Context, e *hooks.Event) error {
		events = append(events, e)
		return nil
	})

	frame := []byte(`{"type":"moderation_update","data":{"itemId":"post-9","queue":"reports","action":"approved"},"priority":"medium"}`)

	f.router.OnFrame(frame)
	if len(events) != 0 {
		t.Fatalf("expected no event outside moderation view, got %d", len(events))
	}

	f.section = "Moderation"
	f.router.OnFrame(frame)
	if len(events) != 1 {
		t.Fatalf("expected 1 event in moderation view, got %d", len(events))
	}
	if events[0].Action != "approved" || events[0].Context["queue"] != "reports" {
		t.Errorf("unexpected event %+v", events[0])
	}
	if f.counter.Unread() != 0 || len(f.notes.all()) != 0 {
		t.Error("moderation updates must not touch alerts or notifications")
	}
}

func TestTargetedEnvelopes(t *testing.T) {
	f := newFixture(t)
	var required int
	f.hooks.Register(string(hooks.EventActionRequired), func(ctx context.Context, e *hooks.Event) error {
		required++
		return nil
	})

	f.router.OnFrame([]byte(`{"type":"user_action","data":{"targetAdminId":"someone-else","title":"Review"},"priority":"high"}`))
	if len(f.notes.all()) != 0 {
		t.Fatal("expected envelope for another operator to be ignored")
	}

	f.router.OnFrame([]byte(`{"type":"user_action","data":{"targetAdminId":"a1","message":"approve refund #4411","action":"approve"},"priority":"high"}`))
	f.router.OnFrame([]byte(`{"type":"collaboration_update","data":{"targetAdminId":"a1","title":"Pairing request"},"priority":"low","from":"b2"}`))

	notes := f.notes.all()
	if len(notes) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(notes))
	}
	if notes[0].Title != "Action required" || notes[0].Severity != notify.SeverityWarning {
		t.Errorf("unexpected user action notification %+v", notes[0])
	}
	if notes[1].Title != "Pairing request" || notes[1].From != "b2" {
		t.Errorf("unexpected collaboration notification %+v", notes[1])
	}
	if required != 2 {
		t.Errorf("expected 2 action.required events, got %d", required)
	}
	if f.counter.Unread() != 0 {
		t.Error("targeted envelopes must not change the alert counter")
	}
}

func TestBadFramesAreDropped(t *testing.T) {
	f := newFixture(t)

	for _, raw := range []string{
		`not json`,
		`{"data":{}}`,
		`{"type":"admin_alert","priority":"extreme"}`,
		`{"type":"chat_message"}`,
		`{"type":"pong"}`,
	} {
		f.router.OnFrame([]byte(raw))
	}
	f.router.OnFrame([]byte(`{"type":"system_alert"}`))

	if got := f.counter.Unread(); got != 1 {
		t.Fatalf("expected processing to continue after bad frames, got %d unread", got)
	}
	if got := testutil.ToFloat64(f.metrics.DecodeFailures.WithLabelValues("malformed")); got != 3 {
		t.Errorf("expected 3 malformed frames, got %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.DecodeFailures.WithLabelValues("unknown_kind")); got != 1 {
		t.Errorf("expected 1 unknown kind, got %v", got)
	}
}

func TestDispatchIsolatesPanics(t *testing.T) {
	f := newFixture(t)
	f.notes.panic = true

	err := f.router.Dispatch(context.Background(), envelope.Envelope{Kind: envelope.KindSystemAlert, Priority: envelope.PriorityHigh})
	if err == nil {
		t.Fatal("expected panic to surface as an error")
	}
	if got := testutil.ToFloat64(f.metrics.DispatchPanics.WithLabelValues("system_alert")); got != 1 {
		t.Errorf("expected 1 recorded panic, got %v", got)
	}

	f.notes.panic = false
	f.router.OnFrame([]byte(`{"type":"admin_presence","data":{"adminId":"b2","status":"online"}}`))
	if _, ok := f.table.Get("b2"); !ok {
		t.Error("expected next frame to be processed after a panic")
	}
}
