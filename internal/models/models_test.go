package models

import (
	"errors"
	"testing"
	"time"
)

func testSetting() Setting {
	return Setting{
		ID:           "set_1",
		WorkspaceID:  "ws_1",
		Name:         "default",
		Initial:      StageDefinition{WaitMinutes: 5, MessageText: "Are you still there?"},
		Automatic:    StageDefinition{WaitMinutes: 10, MessageText: "Just checking in again."},
		Finalization: StageDefinition{WaitMinutes: 15, MessageText: "Closing this conversation."},
	}
}

func TestSettingValidate(t *testing.T) {
	s := testSetting()
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Setting)
		want   error
	}{
		{"empty workspace", func(s *Setting) { s.WorkspaceID = "" }, ErrEmptyWorkspaceID},
		{"empty name", func(s *Setting) { s.Name = "  " }, ErrEmptySettingName},
		{"zero wait", func(s *Setting) { s.Automatic.WaitMinutes = 0 }, ErrInvalidWaitMinutes},
		{"negative wait", func(s *Setting) { s.Finalization.WaitMinutes = -1 }, ErrInvalidWaitMinutes},
		{"empty text", func(s *Setting) { s.Initial.MessageText = "" }, ErrEmptyMessageText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSetting()
			tt.mutate(&s)
			err := s.Validate()
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if !IsValidationError(err) {
				t.Errorf("expected %v to be a validation error", err)
			}
		})
	}
}

func TestSettingAllowsTeam(t *testing.T) {
	s := testSetting()
	if !s.AllowsTeam("") || !s.AllowsTeam("team_a") {
		t.Error("empty allow-list should admit every team")
	}
	s.TeamIDs = []string{"team_a", "team_b"}
	if !s.AllowsTeam("team_b") {
		t.Error("expected team_b to be allowed")
	}
	if s.AllowsTeam("team_c") || s.AllowsTeam("") {
		t.Error("expected team_c and empty team to be rejected")
	}
}

func TestSettingNormalizeTeamIDs(t *testing.T) {
	s := testSetting()
	s.TeamIDs = []string{" team_a", "", "team_b", "team_a"}
	s.NormalizeTeamIDs()
	if len(s.TeamIDs) != 2 || s.TeamIDs[0] != "team_a" || s.TeamIDs[1] != "team_b" {
		t.Errorf("unexpected team ids: %v", s.TeamIDs)
	}
	s.TeamIDs = []string{" "}
	s.NormalizeTeamIDs()
	if s.TeamIDs != nil {
		t.Errorf("expected nil team ids, got %v", s.TeamIDs)
	}
}

func TestRecordDueAt(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := testSetting()
	r := Record{CreatedAt: t0}

	due, ok := r.DueAt(StageInitial, s)
	if !ok || !due.Equal(t0.Add(5*time.Minute)) {
		t.Errorf("initial due = %v (%v), want %v", due, ok, t0.Add(5*time.Minute))
	}
	if _, ok := r.DueAt(StageAutomatic, s); ok {
		t.Error("automatic stage must not be due before the initial stage is sent")
	}

	r.MarkStageSent(StageInitial, t0.Add(5*time.Minute))
	due, ok = r.DueAt(StageAutomatic, s)
	if !ok || !due.Equal(t0.Add(15*time.Minute)) {
		t.Errorf("automatic due = %v (%v), want %v", due, ok, t0.Add(15*time.Minute))
	}
}

func TestRecordMarkStageSentIsMonotonic(t *testing.T) {
	now := time.Now()
	r := Record{CreatedAt: now}

	if r.MarkStageSent(StageAutomatic, now) {
		t.Fatal("automatic stage must not be marked before initial")
	}
	if r.MarkStageSent(StageFinalization, now) {
		t.Fatal("finalization stage must not be marked before automatic")
	}
	for _, st := range Stages {
		if !r.MarkStageSent(st, now) {
			t.Fatalf("expected %s to be marked", st)
		}
		if r.MarkStageSent(st, now) {
			t.Fatalf("expected %s to be marked only once", st)
		}
	}
	if r.State() != RecordStateFinalized {
		t.Errorf("expected FINALIZED, got %s", r.State())
	}
	if _, ok := r.NextStage(); ok {
		t.Error("finalized record must have no next stage")
	}
}

func TestRecordStoppedIsFrozen(t *testing.T) {
	now := time.Now()
	r := Record{CreatedAt: now}
	r.MarkStageSent(StageInitial, now)

	actor := "agent_7"
	if !r.MarkStopped(&actor, now) {
		t.Fatal("expected first stop to apply")
	}
	if r.MarkStopped(nil, now.Add(time.Minute)) {
		t.Fatal("expected second stop to be a no-op")
	}
	if r.StoppedByActorID == nil || *r.StoppedByActorID != "agent_7" {
		t.Errorf("stop actor changed: %v", r.StoppedByActorID)
	}
	if r.MarkStageSent(StageAutomatic, now) {
		t.Error("stopped record must not advance")
	}
	if r.State() != RecordStateStopped || r.IsActive() {
		t.Errorf("expected inactive STOPPED record, got %s", r.State())
	}
}

func TestRecordMarkFinalizedAcceptsSystemStop(t *testing.T) {
	now := time.Now()
	r := Record{CreatedAt: now}
	r.MarkStageSent(StageInitial, now)
	if r.MarkFinalized(now) {
		t.Fatal("finalization must not be marked before automatic")
	}
	r.MarkStageSent(StageAutomatic, now)
	r.MarkStopped(nil, now)

	if !r.MarkFinalized(now.Add(time.Minute)) {
		t.Fatal("expected finalization to be recorded over a system stop")
	}
	if r.MarkFinalized(now.Add(2 * time.Minute)) {
		t.Fatal("expected finalization to be marked only once")
	}
	if r.State() != RecordStateFinalized {
		t.Errorf("expected FINALIZED, got %s", r.State())
	}

	actor := "agent_7"
	stopped := Record{CreatedAt: now}
	stopped.MarkStageSent(StageInitial, now)
	stopped.MarkStageSent(StageAutomatic, now)
	stopped.MarkStopped(&actor, now)
	if stopped.MarkFinalized(now) {
		t.Error("an agent stop must keep finalization unrecorded")
	}
}

func TestRecordFilterMatches(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	yes, no := true, false
	r := Record{WorkspaceID: "ws_1", CreatedAt: t0, InitialSent: true, Stopped: true}

	before, after := t0.Add(-time.Hour), t0.Add(time.Hour)
	if !(RecordFilter{WorkspaceID: "ws_1", CreatedFrom: &before, CreatedTo: &after, InitialSent: &yes, AutomaticSent: &no, Stopped: &yes}).Matches(r) {
		t.Error("expected record to match")
	}
	if (RecordFilter{WorkspaceID: "ws_2"}).Matches(r) {
		t.Error("expected workspace mismatch")
	}
	if (RecordFilter{CreatedFrom: &after}).Matches(r) {
		t.Error("expected creation window mismatch")
	}
}
