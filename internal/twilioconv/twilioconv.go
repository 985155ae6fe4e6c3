// Package twilioconv implements the conversation gateway on top of the
// Twilio Conversations API.
//
// Team ownership and automation tags live in the conversation's JSON
// attributes under "team_id" and "tags".
package twilioconv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	conversations "github.com/twilio/twilio-go/rest/conversations/v1"

	"github.com/BTreeMap/smtre/internal/conversation"
)

// Twilio conversation states.
const (
	StateActive = "active"
	StateClosed = "closed"
)

// conversationsAPI is the slice of the Conversations v1 service used here.
type conversationsAPI interface {
	FetchConversation(Sid string) (*conversations.ConversationsV1Conversation, error)
	UpdateConversation(Sid string, params *conversations.UpdateConversationParams) (*conversations.ConversationsV1Conversation, error)
	CreateConversationMessage(ConversationSid string, params *conversations.CreateConversationMessageParams) (*conversations.ConversationsV1ConversationMessage, error)
	CreateConversationParticipant(ConversationSid string, params *conversations.CreateConversationParticipantParams) (*conversations.ConversationsV1ConversationParticipant, error)
	ListConversationParticipant(ConversationSid string, params *conversations.ListConversationParticipantParams) ([]conversations.ConversationsV1ConversationParticipant, error)
}

// Opts holds configuration options for the Twilio Conversations gateway.
type Opts struct {
	AccountSID string
	AuthToken  string
}

// Option defines a configuration option for the Twilio Conversations gateway.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// Gateway implements conversation.Gateway and conversation.TeamResolver.
type Gateway struct {
	api conversationsAPI
}

var (
	_ conversation.Gateway      = (*Gateway)(nil)
	_ conversation.TeamResolver = (*Gateway)(nil)
)

// NewGateway builds a gateway from options, falling back to TWILIO_ACCOUNT_SID
// and TWILIO_AUTH_TOKEN.
func NewGateway(opts ...Option) (*Gateway, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	slog.Debug("Twilio conversations config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Gateway{api: client.ConversationsV1}, nil
}

// attributes is the JSON document stored in a conversation's Attributes.
// Unknown keys are preserved on update.
type attributes struct {
	TeamID string   `json:"team_id,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	extra  map[string]json.RawMessage
}

func parseAttributes(raw *string) (attributes, error) {
	var a attributes
	if raw == nil || *raw == "" {
		return a, nil
	}
	if err := json.Unmarshal([]byte(*raw), &a.extra); err != nil {
		return a, fmt.Errorf("parse conversation attributes: %w", err)
	}
	// A malformed value fails the parse so an update never overwrites it.
	if v, ok := a.extra["team_id"]; ok {
		if err := json.Unmarshal(v, &a.TeamID); err != nil {
			return a, fmt.Errorf("parse conversation attribute team_id: %w", err)
		}
	}
	if v, ok := a.extra["tags"]; ok {
		if err := json.Unmarshal(v, &a.Tags); err != nil {
			return a, fmt.Errorf("parse conversation attribute tags: %w", err)
		}
	}
	return a, nil
}

func (a attributes) encode() (string, error) {
	out := make(map[string]interface{}, len(a.extra)+2)
	for k, v := range a.extra {
		out[k] = v
	}
	if a.TeamID != "" {
		out["team_id"] = a.TeamID
	}
	if len(a.Tags) > 0 {
		out["tags"] = a.Tags
	} else {
		delete(out, "tags")
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode conversation attributes: %w", err)
	}
	return string(b), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (g *Gateway) participants(conversationID string) ([]string, error) {
	params := &conversations.ListConversationParticipantParams{}
	params.SetPageSize(100)
	list, err := g.api.ListConversationParticipant(conversationID, params)
	if err != nil {
		return nil, fmt.Errorf("list participants of %s: %w", conversationID, err)
	}
	identities := make([]string, 0, len(list))
	for _, p := range list {
		if id := deref(p.Identity); id != "" {
			identities = append(identities, id)
		}
	}
	return identities, nil
}

// GetConversation fetches the conversation, its attributes and participants.
func (g *Gateway) GetConversation(ctx context.Context, conversationID string) (*conversation.Conversation, error) {
	conv, err := g.api.FetchConversation(conversationID)
	if err != nil {
		slog.Error("twilioconv.GetConversation failed", "conversationID", conversationID, "error", err)
		return nil, fmt.Errorf("fetch conversation %s: %w", conversationID, err)
	}
	attrs, err := parseAttributes(conv.Attributes)
	if err != nil {
		return nil, err
	}
	members, err := g.participants(conversationID)
	if err != nil {
		return nil, err
	}
	return &conversation.Conversation{
		ID:      conversationID,
		TeamID:  attrs.TeamID,
		Closed:  deref(conv.State) == StateClosed,
		Tags:    attrs.Tags,
		Members: members,
	}, nil
}

// SendMessage posts text into the conversation as sender.
func (g *Gateway) SendMessage(ctx context.Context, conv *conversation.Conversation, text string, sender conversation.Member) error {
	params := &conversations.CreateConversationMessageParams{}
	params.SetAuthor(sender.Identity)
	params.SetBody(text)
	if _, err := g.api.CreateConversationMessage(conv.ID, params); err != nil {
		slog.Error("twilioconv.SendMessage failed", "conversationID", conv.ID, "error", err)
		return fmt.Errorf("send message to conversation %s: %w", conv.ID, err)
	}
	slog.Debug("twilioconv.SendMessage sent", "conversationID", conv.ID, "author", sender.Identity)
	return nil
}

// AddTags merges tags into the conversation attributes.
func (g *Gateway) AddTags(ctx context.Context, conversationID string, tags ...string) error {
	conv, err := g.api.FetchConversation(conversationID)
	if err != nil {
		return fmt.Errorf("fetch conversation %s: %w", conversationID, err)
	}
	attrs, err := parseAttributes(conv.Attributes)
	if err != nil {
		return err
	}
	changed := false
	for _, tag := range tags {
		if !contains(attrs.Tags, tag) {
			attrs.Tags = append(attrs.Tags, tag)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	encoded, err := attrs.encode()
	if err != nil {
		return err
	}
	params := &conversations.UpdateConversationParams{}
	params.SetAttributes(encoded)
	if _, err := g.api.UpdateConversation(conversationID, params); err != nil {
		slog.Error("twilioconv.AddTags failed", "conversationID", conversationID, "error", err)
		return fmt.Errorf("tag conversation %s: %w", conversationID, err)
	}
	return nil
}

// CloseConversation moves the conversation to the closed state. Twilio keeps
// no close reason, so the reason and actor are only logged.
func (g *Gateway) CloseConversation(ctx context.Context, conversationID string, closedBy conversation.Member, reason string) error {
	params := &conversations.UpdateConversationParams{}
	params.SetState(StateClosed)
	if _, err := g.api.UpdateConversation(conversationID, params); err != nil {
		slog.Error("twilioconv.CloseConversation failed", "conversationID", conversationID, "error", err)
		return fmt.Errorf("close conversation %s: %w", conversationID, err)
	}
	slog.Info("twilioconv.CloseConversation closed", "conversationID", conversationID, "closedBy", closedBy.Identity, "reason", reason)
	return nil
}

// AddMember adds member as a chat participant unless already present.
func (g *Gateway) AddMember(ctx context.Context, conversationID string, member conversation.Member) error {
	members, err := g.participants(conversationID)
	if err != nil {
		return err
	}
	if contains(members, member.Identity) {
		return nil
	}
	params := &conversations.CreateConversationParticipantParams{}
	params.SetIdentity(member.Identity)
	if _, err := g.api.CreateConversationParticipant(conversationID, params); err != nil {
		slog.Error("twilioconv.AddMember failed", "conversationID", conversationID, "identity", member.Identity, "error", err)
		return fmt.Errorf("add member %s to conversation %s: %w", member.Identity, conversationID, err)
	}
	return nil
}

// ResolveTeamID reads the owning team from the conversation attributes.
func (g *Gateway) ResolveTeamID(ctx context.Context, conversationID string) (string, error) {
	conv, err := g.api.FetchConversation(conversationID)
	if err != nil {
		return "", fmt.Errorf("fetch conversation %s: %w", conversationID, err)
	}
	attrs, err := parseAttributes(conv.Attributes)
	if err != nil {
		return "", err
	}
	return attrs.TeamID, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
