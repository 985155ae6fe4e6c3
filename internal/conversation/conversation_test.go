package conversation

import (
	"context"
	"errors"
	"testing"
)

func TestMockGateway_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockGateway()
	mock.Put(Conversation{ID: "c1"})

	conv, err := mock.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.SendMessage(ctx, conv, "Hello Test", Member{Identity: "bot"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := mock.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Text != "Hello Test" {
		t.Errorf("expected body %q, got %q", "Hello Test", msgs[0].Text)
	}
}

func TestMockGateway_AddMemberIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mock := NewMockGateway()
	mock.Put(Conversation{ID: "c1", Members: []string{"agent"}})

	for i := 0; i < 2; i++ {
		if err := mock.AddMember(ctx, "c1", Member{Identity: "bot"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := mock.AddMember(ctx, "c1", Member{Identity: "agent"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.AddedMembers) != 1 {
		t.Errorf("expected 1 add, got %d", len(mock.AddedMembers))
	}
}

func TestMockGateway_CloseAndTag(t *testing.T) {
	ctx := context.Background()
	mock := NewMockGateway()
	mock.Put(Conversation{ID: "c1"})

	if err := mock.AddTags(ctx, "c1", TagFinalized, TagFinalized); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.CloseConversation(ctx, "c1", Member{Identity: "bot"}, CloseReasonFinalized); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conv, _ := mock.GetConversation(ctx, "c1")
	if !conv.Closed {
		t.Error("expected conversation to be closed")
	}
	if len(conv.Tags) != 1 || conv.Tags[0] != TagFinalized {
		t.Errorf("unexpected tags: %v", conv.Tags)
	}
}

func TestGatewayTeamResolver(t *testing.T) {
	ctx := context.Background()
	mock := NewMockGateway()
	mock.Put(Conversation{ID: "c1", TeamID: "team-a"})

	team, err := GatewayTeamResolver{Gateway: mock}.ResolveTeamID(ctx, "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if team != "team-a" {
		t.Errorf("expected team-a, got %q", team)
	}

	mock.SetErr(func(m *MockGateway) { m.ErrGet = errors.New("boom") })
	if _, err := (GatewayTeamResolver{Gateway: mock}).ResolveTeamID(ctx, "c1"); err == nil {
		t.Error("expected error from failing gateway")
	}
}
