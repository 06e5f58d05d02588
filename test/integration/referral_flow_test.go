// Package integration exercises the referral engine end to end, from a
// provider export through queries, mutations, notifications and the FHIR
// projection.
package integration

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cleftcare/referralhub/internal/domain/referral"
	fhir "github.com/cleftcare/referralhub/internal/fhir/r5"
	"github.com/cleftcare/referralhub/internal/infrastructure/redpanda"
	"github.com/cleftcare/referralhub/internal/notify"
	"github.com/cleftcare/referralhub/pkg/workerpool"
)

const fixture = "../fixtures/referrals.json"

var ict = time.FixedZone("ICT", 7*3600)

func load(t *testing.T) ([]referral.Referral, []string) {
	t.Helper()
	refs, warnings, err := referral.LoadFile(fixture)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	return refs, warnings
}

func ids(refs []referral.Referral) string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.ID
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

func TestProviderExport_Ingest(t *testing.T) {
	refs, warnings := load(t)

	if got := ids(refs); got != "R-001,R-002,R-003,R-004,R-005,R-006" {
		t.Fatalf("ingested %s", got)
	}
	joined := strings.Join(warnings, "\n")
	for _, want := range []string{"missing direction", "duplicate id", `unrecognized status "OnHold"`} {
		if !strings.Contains(joined, want) {
			t.Errorf("warnings lack %q:\n%s", want, joined)
		}
	}

	byID := map[string]referral.Referral{}
	for _, r := range refs {
		byID[r.ID] = r
		if err := r.Validate(); err != nil {
			t.Errorf("%s: %v", r.ID, err)
		}
	}

	if s := byID["R-002"].Status; s != referral.StatusWaitingReceive {
		t.Errorf("R-002 status = %q", s)
	}
	if role := byID["R-002"].CreatorRole; role != referral.RolePCU {
		t.Errorf("R-002 creator role = %q, want PCU", role)
	}
	if at := byID["R-003"].AcceptedAt; at == nil || !at.Equal(time.Date(2024, 3, 2, 10, 0, 0, 0, ict)) {
		t.Errorf("R-003 acceptedAt = %v", at)
	}
	if s := byID["R-004"].Status; s != referral.StatusCancelled {
		t.Errorf("R-004 status = %q", s)
	}
	if reason := byID["R-005"].RejectedReason; reason != referral.NoReasonGiven {
		t.Errorf("R-005 rejectedReason = %q", reason)
	}
}

func TestQueues(t *testing.T) {
	refs, _ := load(t)

	tests := []struct {
		name string
		spec referral.FilterSpec
		want string
	}{
		{"refer out", referral.FilterSpec{Scope: referral.ScopeReferOut}, "R-001,R-002,R-006"},
		{"refer out for case manager", referral.FilterSpec{Scope: referral.ScopeReferOut, Role: referral.RoleCaseManager}, "R-001,R-006"},
		{"refer in", referral.FilterSpec{Scope: referral.ScopeReferIn}, "R-003"},
		{"history", referral.FilterSpec{Scope: referral.ScopeHistory}, "R-001,R-002,R-003,R-004,R-005,R-006"},
		{"history refer in", referral.FilterSpec{Scope: referral.ScopeHistory, HistorySubType: referral.DirectionReferIn}, "R-003,R-004"},
		{"by day", referral.FilterSpec{Date: time.Date(2024, 3, 2, 0, 0, 0, 0, ict), Location: ict}, "R-003,R-004"},
		{"status alias", referral.FilterSpec{Status: referral.Normalize("waiting_receive")}, "R-002"},
		{"free text", referral.FilterSpec{FreeText: "HN000"}, "R-001,R-002,R-003,R-004,R-005,R-006"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ids(referral.Query(refs, tt.spec)); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}

	s := referral.Summarize(refs)
	if s.Total != 6 || s.Active != 4 || s.Terminal != 2 || s.Unknown != 1 {
		t.Errorf("summary = %+v", s)
	}
	if s.ActiveReferOut != 3 || s.ActiveReferIn != 1 {
		t.Errorf("active by direction = %d/%d", s.ActiveReferOut, s.ActiveReferIn)
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []*referral.Event
}

func (l *eventLog) Publish(_ context.Context, e *referral.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

type inbox struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (i *inbox) Send(_ context.Context, n notify.Notification) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sent = append(i.sent, n)
	return nil
}

func TestReferralLifecycle(t *testing.T) {
	refs, _ := load(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 5, 9, 0, 0, 0, ict)

	events := &eventLog{}
	svc := referral.NewService(referral.NewMemoryStore(refs...),
		referral.WithEventSink(events),
		referral.WithClock(func() time.Time { return now }))
	cm := referral.Actor{Name: "cm.somsri", Role: referral.RoleCaseManager, CorrelationID: "req-1"}

	accepted, err := svc.Accept(ctx, "R-001", "bed ready", cm)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if sr := fhir.FromReferral(accepted); sr.Status != fhir.StatusActive {
		t.Errorf("accepted projects to %q", sr.Status)
	}

	cancelled, err := svc.Cancel(ctx, "R-001", cm)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if sr := fhir.FromReferral(cancelled); sr.Status != fhir.StatusRevoked {
		t.Errorf("cancelled projects to %q", sr.Status)
	}
	if len(cancelled.AuditLog) != 3 {
		t.Errorf("audit log has %d entries, want 3", len(cancelled.AuditLog))
	}

	if _, err := svc.Reject(ctx, "R-001", "too late", cm); !errors.Is(err, referral.ErrAlreadyTerminal) {
		t.Errorf("Reject after cancel: err = %v", err)
	}
	if _, err := svc.Accept(ctx, "R-003", "", cm); !errors.Is(err, referral.ErrInvalidTransition) {
		t.Errorf("Accept twice: err = %v", err)
	}

	queue, err := svc.Query(ctx, referral.FilterSpec{Scope: referral.ScopeReferOut})
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(queue); got != "R-002,R-006" {
		t.Errorf("refer out queue after cancel = %s", got)
	}
	summary, err := svc.Summary(ctx, referral.FilterSpec{})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Active != 3 || summary.Terminal != 3 {
		t.Errorf("summary after cancel = %+v", summary)
	}

	// Deliver the committed events through the notification pipeline.
	if len(events.events) != 2 {
		t.Fatalf("published %d events, want 2", len(events.events))
	}
	hospitals := &inbox{}
	d, err := notify.NewDispatcher(hospitals, workerpool.Config{Workers: 1, QueueSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	d.Start()
	for _, e := range events.events {
		if e.CorrelationID != "req-1" {
			t.Errorf("event %s correlation = %q", e.EventType, e.CorrelationID)
		}
		records, err := redpanda.EventRecords(e)
		if err != nil {
			t.Fatal(err)
		}
		rec := records[0]
		if rec.Topic != redpanda.TopicReferralEvents || rec.Key != "R-001" {
			t.Errorf("record routed to %s/%s", rec.Topic, rec.Key)
		}
		msg := &redpanda.ConsumedMessage{Topic: rec.Topic, Key: []byte(rec.Key), Value: rec.Value}
		if err := d.Handle(ctx, msg); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	d.Stop()

	if len(hospitals.sent) != 2 {
		t.Fatalf("sent %d notifications, want 2", len(hospitals.sent))
	}
	recipients := map[referral.EventType]string{}
	for _, n := range hospitals.sent {
		recipients[n.EventType] = n.Recipient
	}
	if got := recipients[referral.EventReferralAccepted]; got != "โรงพยาบาลมหาราชนครเชียงใหม่" {
		t.Errorf("acceptance notified %q", got)
	}
	if got := recipients[referral.EventReferralCancelled]; got != "โรงพยาบาลลำพูน" {
		t.Errorf("cancellation notified %q", got)
	}
}
