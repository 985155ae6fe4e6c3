// Package conversation defines the collaborators the SMT-RE core needs from
// the surrounding support platform: reading conversations, posting messages,
// tagging, closing, and resolving the owning team.
package conversation

import (
	"context"
	"slices"
)

// Tags applied by the re-engagement automation.
const (
	TagAssumed   = "smt-re:assumed"
	TagFinalized = "smt-re:finalized"
)

// CloseReasonFinalized is the reason recorded when the finalization stage closes a conversation.
const CloseReasonFinalized = "smt-re-finalization"

// Member identifies a participant able to post into a conversation.
type Member struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name,omitempty"`
}

// Conversation is the subset of the parent conversation aggregate used here.
type Conversation struct {
	ID      string   `json:"id"`
	TeamID  string   `json:"team_id,omitempty"`
	Closed  bool     `json:"closed"`
	Tags    []string `json:"tags,omitempty"`
	Members []string `json:"members,omitempty"`
}

// HasMember reports whether identity already participates in the conversation.
func (c Conversation) HasMember(identity string) bool {
	return slices.Contains(c.Members, identity)
}

// Gateway is the outbound surface onto the conversation platform.
type Gateway interface {
	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
	SendMessage(ctx context.Context, conv *Conversation, text string, sender Member) error
	AddTags(ctx context.Context, conversationID string, tags ...string) error
	CloseConversation(ctx context.Context, conversationID string, closedBy Member, reason string) error
	// AddMember is a no-op when the member already participates.
	AddMember(ctx context.Context, conversationID string, member Member) error
}

// TeamResolver resolves the team that owns a conversation.
type TeamResolver interface {
	ResolveTeamID(ctx context.Context, conversationID string) (string, error)
}

// GatewayTeamResolver resolves teams through a Gateway's conversation lookup.
type GatewayTeamResolver struct {
	Gateway Gateway
}

func (r GatewayTeamResolver) ResolveTeamID(ctx context.Context, conversationID string) (string, error) {
	conv, err := r.Gateway.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	return conv.TeamID, nil
}
