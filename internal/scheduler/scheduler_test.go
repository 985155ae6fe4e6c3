package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/smtre/internal/conversation"
	"github.com/BTreeMap/smtre/internal/models"
	"github.com/BTreeMap/smtre/internal/reengagement"
	"github.com/BTreeMap/smtre/internal/rungate"
	"github.com/BTreeMap/smtre/internal/store"
	"github.com/BTreeMap/smtre/internal/testutil"
)

// stubEvaluator records calls and lets tests fail or block specific records.
type stubEvaluator struct {
	mu      sync.Mutex
	calls   []string
	fail    map[string]error
	panicOn string
	block   chan struct{}
	entered chan struct{}
}

func (s *stubEvaluator) Evaluate(ctx context.Context, rec models.Record, setting models.Setting, now time.Time) (reengagement.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, rec.ID)
	err := s.fail[rec.ID]
	s.mu.Unlock()
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	if rec.ID == s.panicOn {
		panic("boom")
	}
	if err != nil {
		return reengagement.Result{Stage: models.StageInitial}, err
	}
	return reengagement.Result{Outcome: reengagement.OutcomeAdvanced, Stage: models.StageInitial}, nil
}

func seed(t *testing.T, n int) *store.InMemoryStore {
	t.Helper()
	st := store.NewInMemoryStore()
	setting := testutil.NewSetting("set-1", "ws-1")
	testutil.SeedSetting(t, st, setting)
	for i := 0; i < n; i++ {
		testutil.SeedRecord(t, st, testutil.NewRecord(fmt.Sprintf("rec-%d", i), fmt.Sprintf("conv-%d", i), setting, testutil.T0))
	}
	return st
}

func TestSchedulerStartRejectsInvalidSpec(t *testing.T) {
	s := NewScheduler(store.NewInMemoryStore(), &stubEvaluator{}, WithSpec("not a spec"))
	if err := s.Start(); err == nil {
		t.Error("Expected error for invalid cron expression")
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(store.NewInMemoryStore(), &stubEvaluator{})
	if err := s.Start(); err != nil {
		t.Fatalf("Expected no error starting scheduler, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestTick_ContainsFailures(t *testing.T) {
	st := seed(t, 4)
	// rec-orphan references a setting that does not exist.
	testutil.SeedRecord(t, st, models.Record{ID: "rec-orphan", ConversationID: "conv-orphan", WorkspaceID: "ws-1", SettingID: "gone", CreatedAt: testutil.T0})

	eval := &stubEvaluator{fail: map[string]error{"rec-1": errors.New("gateway down")}, panicOn: "rec-2"}
	s := NewScheduler(st, eval)

	report, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if report.Scanned != 5 || report.Advanced != 2 || report.Failed != 2 || report.Skipped != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
	if len(eval.calls) != 4 {
		t.Errorf("expected every record with a setting to be evaluated, got %v", eval.calls)
	}
}

func TestTick_GateClosed(t *testing.T) {
	st := seed(t, 2)
	eval := &stubEvaluator{}
	s := NewScheduler(st, eval, WithGate(rungate.NewStatic(false)))

	report, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !report.GateClosed || report.Scanned != 0 || len(eval.calls) != 0 {
		t.Errorf("closed gate must skip the scan: %+v calls=%v", report, eval.calls)
	}
}

func TestTick_PreventsOverlap(t *testing.T) {
	st := seed(t, 1)
	eval := &stubEvaluator{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := NewScheduler(st, eval)

	done := make(chan TickReport)
	go func() {
		report, _ := s.Tick(context.Background())
		done <- report
	}()
	<-eval.entered

	if _, err := s.Tick(context.Background()); !errors.Is(err, ErrTickInProgress) {
		t.Errorf("expected ErrTickInProgress, got %v", err)
	}
	close(eval.block)
	if report := <-done; report.Advanced != 1 {
		t.Errorf("first tick should complete, got %+v", report)
	}
	if _, err := s.Tick(context.Background()); err != nil {
		t.Errorf("tick after completion should run: %v", err)
	}
}

func TestTick_BoundedConcurrency(t *testing.T) {
	st := seed(t, 20)
	eval := &stubEvaluator{}
	s := NewScheduler(st, eval, WithConcurrency(4))

	report, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if report.Scanned != 20 || report.Advanced != 20 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestTick_DrivesStateMachine(t *testing.T) {
	st := seed(t, 1)
	gw := conversation.NewMockGateway()
	gw.Put(conversation.Conversation{ID: "conv-0"})
	clock := testutil.NewClock(testutil.T0)
	machine := reengagement.NewStateMachine(gw, st, conversation.Member{Identity: "bot"})
	s := NewScheduler(st, machine, WithClock(clock.Now))

	advanced := 0
	for minute := 1; minute <= 40; minute++ {
		clock.Set(testutil.T0.Add(time.Duration(minute) * time.Minute))
		report, err := s.Tick(context.Background())
		if err != nil {
			t.Fatalf("Tick at minute %d: %v", minute, err)
		}
		advanced += report.Advanced
	}

	if advanced != 3 {
		t.Errorf("expected 3 stages over 40 ticks, got %d", advanced)
	}
	if n := len(gw.Messages()); n != 3 {
		t.Errorf("expected 3 messages, got %d", n)
	}
	rec := testutil.MustGetRecord(t, st, "rec-0")
	if rec.State() != models.RecordStateFinalized {
		t.Errorf("expected FINALIZED, got %s", rec.State())
	}
	if active, _ := st.ListActiveRecords(context.Background()); len(active) != 0 {
		t.Errorf("finalized record should leave the scan, got %d active", len(active))
	}
}

// heldGate is an open gate whose hold is lost when loseAfter records have been evaluated.
type heldGate struct {
	lost     chan struct{}
	released int
}

func (g *heldGate) Allowed(context.Context) bool { return true }

func (g *heldGate) Hold(context.Context) (<-chan struct{}, func()) {
	return g.lost, func() { g.released++ }
}

type losingEvaluator struct {
	stubEvaluator
	gate      *heldGate
	loseAfter int
}

func (e *losingEvaluator) Evaluate(ctx context.Context, rec models.Record, setting models.Setting, now time.Time) (reengagement.Result, error) {
	res, err := e.stubEvaluator.Evaluate(ctx, rec, setting, now)
	e.mu.Lock()
	n := len(e.calls)
	e.mu.Unlock()
	if n == e.loseAfter {
		close(e.gate.lost)
	}
	return res, err
}

func TestTick_StopsDispatchingWhenGateIsLost(t *testing.T) {
	st := seed(t, 5)
	gate := &heldGate{lost: make(chan struct{})}
	eval := &losingEvaluator{gate: gate, loseAfter: 2}
	s := NewScheduler(st, eval, WithGate(gate))

	report, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(eval.calls) != 2 {
		t.Errorf("expected dispatch to stop after the gate was lost, got calls %v", eval.calls)
	}
	if !report.GateLost || report.Advanced != 2 || report.Deferred != 3 {
		t.Errorf("unexpected report: %+v", report)
	}
	if gate.released != 1 {
		t.Errorf("expected the hold to be released once, got %d", gate.released)
	}
}
