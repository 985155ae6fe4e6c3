package conversation

import (
	"context"
	"fmt"
	"sync"
)

// MockGateway is an in-memory Gateway that records every outbound call.
type MockGateway struct {
	mu            sync.Mutex
	Conversations map[string]*Conversation
	SentMessages  []SentMessage
	TagCalls      []TagCall
	Closed        []CloseCall
	AddedMembers  []MemberCall

	// Err* inject failures into the matching operation when set.
	ErrGet   error
	ErrSend  error
	ErrTag   error
	ErrClose error
	ErrAdd   error
}

type SentMessage struct {
	ConversationID string
	Text           string
	Sender         Member
}

type TagCall struct {
	ConversationID string
	Tags           []string
}

type CloseCall struct {
	ConversationID string
	ClosedBy       Member
	Reason         string
}

type MemberCall struct {
	ConversationID string
	Member         Member
}

var (
	_ Gateway      = (*MockGateway)(nil)
	_ TeamResolver = (*MockGateway)(nil)
)

func NewMockGateway() *MockGateway {
	return &MockGateway{Conversations: map[string]*Conversation{}}
}

// Put registers a conversation, replacing any existing one with the same ID.
func (m *MockGateway) Put(conv Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := conv
	m.Conversations[conv.ID] = &c
}

func (m *MockGateway) lookup(id string) (*Conversation, error) {
	conv, ok := m.Conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s not found", id)
	}
	return conv, nil
}

func (m *MockGateway) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ErrGet != nil {
		return nil, m.ErrGet
	}
	conv, err := m.lookup(conversationID)
	if err != nil {
		return nil, err
	}
	c := *conv
	c.Tags = append([]string(nil), conv.Tags...)
	c.Members = append([]string(nil), conv.Members...)
	return &c, nil
}

func (m *MockGateway) SendMessage(ctx context.Context, conv *Conversation, text string, sender Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ErrSend != nil {
		return m.ErrSend
	}
	m.SentMessages = append(m.SentMessages, SentMessage{ConversationID: conv.ID, Text: text, Sender: sender})
	return nil
}

func (m *MockGateway) AddTags(ctx context.Context, conversationID string, tags ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ErrTag != nil {
		return m.ErrTag
	}
	m.TagCalls = append(m.TagCalls, TagCall{ConversationID: conversationID, Tags: append([]string(nil), tags...)})
	if conv, ok := m.Conversations[conversationID]; ok {
		for _, tag := range tags {
			found := false
			for _, existing := range conv.Tags {
				if existing == tag {
					found = true
					break
				}
			}
			if !found {
				conv.Tags = append(conv.Tags, tag)
			}
		}
	}
	return nil
}

func (m *MockGateway) CloseConversation(ctx context.Context, conversationID string, closedBy Member, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ErrClose != nil {
		return m.ErrClose
	}
	m.Closed = append(m.Closed, CloseCall{ConversationID: conversationID, ClosedBy: closedBy, Reason: reason})
	if conv, ok := m.Conversations[conversationID]; ok {
		conv.Closed = true
	}
	return nil
}

func (m *MockGateway) AddMember(ctx context.Context, conversationID string, member Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ErrAdd != nil {
		return m.ErrAdd
	}
	conv, ok := m.Conversations[conversationID]
	if ok && conv.HasMember(member.Identity) {
		return nil
	}
	m.AddedMembers = append(m.AddedMembers, MemberCall{ConversationID: conversationID, Member: member})
	if ok {
		conv.Members = append(conv.Members, member.Identity)
	}
	return nil
}

func (m *MockGateway) ResolveTeamID(ctx context.Context, conversationID string) (string, error) {
	conv, err := m.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	return conv.TeamID, nil
}

// Messages returns a copy of the recorded messages.
func (m *MockGateway) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}

// Closes returns a copy of the recorded close calls.
func (m *MockGateway) Closes() []CloseCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CloseCall(nil), m.Closed...)
}

// Tags returns a copy of the recorded tag calls.
func (m *MockGateway) Tags() []TagCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TagCall(nil), m.TagCalls...)
}

// SetErr updates an injected error under the lock.
func (m *MockGateway) SetErr(f func(m *MockGateway)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f(m)
}
