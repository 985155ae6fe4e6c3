package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/smtre/internal/conversation"
	"github.com/BTreeMap/smtre/internal/models"
	"github.com/BTreeMap/smtre/internal/reengagement"
	"github.com/BTreeMap/smtre/internal/store"
	"github.com/BTreeMap/smtre/internal/testutil"
)

type fakeSource struct {
	mu      sync.Mutex
	batches [][]Delivery
	readErr error
	acked   []string
	retried []Delivery
	dead    []Delivery
	drained chan struct{}
}

func newFakeSource(batches ...[]Delivery) *fakeSource {
	return &fakeSource{batches: batches, drained: make(chan struct{})}
}

func (f *fakeSource) Read(ctx context.Context) ([]Delivery, error) {
	f.mu.Lock()
	if f.readErr != nil {
		err := f.readErr
		f.readErr = nil
		f.mu.Unlock()
		return nil, err
	}
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return batch, nil
	}
	select {
	case <-f.drained:
	default:
		close(f.drained)
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSource) Ack(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

// Requeue acks d and appends it as a fresh delivery, as the stream does.
func (f *fakeSource) Requeue(ctx context.Context, d Delivery, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, d.ID)
	f.retried = append(f.retried, d)
	next := d
	next.ID = d.ID + "-r"
	next.Attempt = d.Attempt + 1
	f.batches = append(f.batches, []Delivery{next})
	return nil
}

func (f *fakeSource) DeadLetter(ctx context.Context, d Delivery, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, d.ID)
	f.dead = append(f.dead, d)
	return nil
}

func (f *fakeSource) outcome() (retried, dead []Delivery) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Delivery(nil), f.retried...), append([]Delivery(nil), f.dead...)
}

func (f *fakeSource) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

type failingStopper struct{}

func (failingStopper) Stop(ctx context.Context, conversationID string, actorID *string) (*models.Record, bool, error) {
	return nil, false, errors.New("database unavailable")
}

// flakyStopper fails the first failures calls, then delegates.
type flakyStopper struct {
	Stopper
	failures int
	calls    int
}

func (f *flakyStopper) Stop(ctx context.Context, conversationID string, actorID *string) (*models.Record, bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, false, errors.New("database is locked")
	}
	return f.Stopper.Stop(ctx, conversationID, actorID)
}

func newService(t *testing.T) (*reengagement.Service, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	gw := conversation.NewMockGateway()
	setting := testutil.NewSetting("set-1", "ws-1")
	testutil.SeedSetting(t, st, setting)
	testutil.SeedRecord(t, st, testutil.NewRecord("rec-1", "conv-1", setting, testutil.T0))
	svc := reengagement.NewService(st, reengagement.NewStateMachine(gw, st, conversation.Member{Identity: "bot"}), nil)
	return svc, st
}

func runUntilDrained(t *testing.T, l *Listener, src *fakeSource) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- l.Run(ctx) }()
	select {
	case <-src.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not drain the source")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestListener_StopsRecordOnClosedEvent(t *testing.T) {
	svc, st := newService(t)
	actor := "agent-1"
	src := newFakeSource([]Delivery{
		{ID: "1-0", Event: ClosedEvent{ConversationID: "conv-1", ActorID: &actor}},
		{ID: "2-0", Event: ClosedEvent{ConversationID: "conv-1"}},
		{ID: "3-0", Event: ClosedEvent{ConversationID: "conv-unknown"}},
	})

	runUntilDrained(t, New(src, svc), src)

	rec := testutil.MustGetRecord(t, st, "rec-1")
	if !rec.Stopped || rec.StoppedByActorID == nil || *rec.StoppedByActorID != actor {
		t.Errorf("expected record stopped by %s, got %+v", actor, rec)
	}
	if acked := src.ackedIDs(); len(acked) != 3 {
		t.Errorf("expected all events acked, got %v", acked)
	}
}

func TestListener_DropsMalformedEvents(t *testing.T) {
	svc, st := newService(t)
	src := newFakeSource([]Delivery{
		{ID: "1-0", Err: errors.New("missing conversation_id")},
		{ID: "2-0", Event: ClosedEvent{}},
	})

	runUntilDrained(t, New(src, svc), src)

	if acked := src.ackedIDs(); len(acked) != 2 {
		t.Errorf("malformed events should be acked and dropped, got %v", acked)
	}
	if rec := testutil.MustGetRecord(t, st, "rec-1"); rec.Stopped {
		t.Error("malformed events must not stop records")
	}
}

func TestListener_RetriesEventWhenStopFails(t *testing.T) {
	svc, st := newService(t)
	stopper := &flakyStopper{Stopper: svc, failures: 1}
	src := newFakeSource([]Delivery{{ID: "1-0", Attempt: 1, Event: ClosedEvent{ConversationID: "conv-1"}}})

	runUntilDrained(t, New(src, stopper), src)

	if stopper.calls != 2 {
		t.Errorf("expected the event to be handled twice, got %d", stopper.calls)
	}
	if rec := testutil.MustGetRecord(t, st, "rec-1"); !rec.Stopped {
		t.Error("expected record stopped on the retry")
	}
	retried, dead := src.outcome()
	if len(retried) != 1 || len(dead) != 0 {
		t.Errorf("expected one requeue and no dead letters, got %v / %v", retried, dead)
	}
	if acked := src.ackedIDs(); len(acked) != 2 || acked[1] != "1-0-r" {
		t.Errorf("expected original and retry acked, got %v", acked)
	}
}

func TestListener_DeadLettersAfterMaxAttempts(t *testing.T) {
	src := newFakeSource([]Delivery{{ID: "1-0", Attempt: 1, Event: ClosedEvent{ConversationID: "conv-1"}}})

	runUntilDrained(t, New(src, failingStopper{}, WithMaxAttempts(3)), src)

	retried, dead := src.outcome()
	if len(retried) != 2 {
		t.Errorf("expected 2 requeues, got %d", len(retried))
	}
	if len(dead) != 1 || dead[0].Attempt != 3 || dead[0].Event.ConversationID != "conv-1" {
		t.Errorf("expected the third attempt dead-lettered, got %+v", dead)
	}
}

func TestListener_RecoversFromReadErrors(t *testing.T) {
	svc, st := newService(t)
	src := newFakeSource([]Delivery{{ID: "1-0", Event: ClosedEvent{ConversationID: "conv-1"}}})
	src.readErr = errors.New("connection reset")

	runUntilDrained(t, New(src, svc, WithRetryBackoff(time.Millisecond)), src)

	if rec := testutil.MustGetRecord(t, st, "rec-1"); !rec.Stopped {
		t.Error("expected record stopped after the read error cleared")
	}
}

func TestParseClosedEvent(t *testing.T) {
	event, err := ParseClosedEvent(map[string]any{
		FieldConversationID: "conv-1",
		FieldActorID:        "agent-1",
		FieldClosedAt:       "2025-03-01T09:16:00Z",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.ConversationID != "conv-1" || *event.ActorID != "agent-1" || !event.ClosedAt.Equal(testutil.T0.Add(16*time.Minute)) {
		t.Errorf("unexpected event: %+v", event)
	}

	event, err = ParseClosedEvent(map[string]any{FieldConversationID: "conv-2", FieldActorID: ""})
	if err != nil || event.ActorID != nil {
		t.Errorf("empty actor should mean a system close: %+v, %v", event, err)
	}

	for _, values := range []map[string]any{
		{},
		{FieldConversationID: "  "},
		{FieldConversationID: "conv-3", FieldClosedAt: "yesterday"},
	} {
		if _, err := ParseClosedEvent(values); err == nil {
			t.Errorf("expected error for %v", values)
		}
	}
}

func TestEventValuesRoundTrip(t *testing.T) {
	actor := "agent-9"
	in := ClosedEvent{ConversationID: "conv-1", ActorID: &actor, ClosedAt: testutil.T0}
	out, err := ParseClosedEvent(EventValues(in))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ConversationID != in.ConversationID || *out.ActorID != actor || !out.ClosedAt.Equal(in.ClosedAt) {
		t.Errorf("round trip mismatch: %+v", out)
	}
}
