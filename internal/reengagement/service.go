package reengagement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/smtre/internal/conversation"
	"github.com/BTreeMap/smtre/internal/models"
	"github.com/BTreeMap/smtre/internal/store"
)

// CreateRequest starts re-engagement for a conversation. TeamID may be left
// empty, in which case it is resolved from the conversation when the setting
// restricts teams.
type CreateRequest struct {
	WorkspaceID    string `json:"workspace_id"`
	ConversationID string `json:"conversation_id"`
	SettingID      string `json:"setting_id"`
	TeamID         string `json:"team_id,omitempty"`
}

// Validate checks the required identifiers.
func (r CreateRequest) Validate() error {
	if strings.TrimSpace(r.WorkspaceID) == "" {
		return models.ErrEmptyWorkspaceID
	}
	if strings.TrimSpace(r.ConversationID) == "" {
		return models.ErrEmptyConversationID
	}
	if strings.TrimSpace(r.SettingID) == "" {
		return models.ErrEmptySettingID
	}
	return nil
}

// Service is the entry point used by the HTTP surface, the listener and
// other subsystems.
type Service struct {
	store     store.Store
	machine   *StateMachine
	teams     conversation.TeamResolver
	analytics *FunnelAnalytics
	now       func() time.Time
	newID     func() string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides identifier generation.
func WithIDGenerator(newID func() string) ServiceOption {
	return func(s *Service) { s.newID = newID }
}

// NewService wires the service. teams may be nil when no setting restricts teams.
func NewService(st store.Store, machine *StateMachine, teams conversation.TeamResolver, opts ...ServiceOption) *Service {
	s := &Service{
		store:     st,
		machine:   machine,
		teams:     teams,
		analytics: NewFunnelAnalytics(st),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates the request against the setting and stores a new record.
// It returns models.ErrSettingNotFound, models.ErrSettingWorkspaceMismatch,
// models.ErrTeamNotAllowed or models.ErrRecordExists.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	setting, err := s.store.GetSetting(ctx, req.SettingID)
	if err != nil {
		return nil, err
	}
	if setting.WorkspaceID != req.WorkspaceID {
		return nil, models.ErrSettingWorkspaceMismatch
	}

	if len(setting.TeamIDs) > 0 {
		teamID := req.TeamID
		if teamID == "" && s.teams != nil {
			if teamID, err = s.teams.ResolveTeamID(ctx, req.ConversationID); err != nil {
				return nil, fmt.Errorf("resolve team for conversation %s: %w", req.ConversationID, err)
			}
		}
		if !setting.AllowsTeam(teamID) {
			return nil, models.ErrTeamNotAllowed
		}
	}

	now := s.now()
	rec := models.Record{
		ID:             s.newID(),
		ConversationID: req.ConversationID,
		WorkspaceID:    req.WorkspaceID,
		SettingID:      setting.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateRecord(ctx, rec); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Service.Create: record created", "recordID", rec.ID, "conversationID", rec.ConversationID, "settingID", rec.SettingID)
	return &rec, nil
}

// Stop stops the conversation's record. It returns nil, false, nil when the
// conversation has no record; the returned bool reports whether the record
// changed.
func (s *Service) Stop(ctx context.Context, conversationID string, actorID *string) (*models.Record, bool, error) {
	if conversationID == "" {
		return nil, false, models.ErrEmptyConversationID
	}
	rec, err := s.store.GetRecordByConversationID(ctx, conversationID)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		slog.DebugContext(ctx, "Service.Stop: no record for conversation", "conversationID", conversationID)
		return nil, false, nil
	}
	changed, err := s.machine.Stop(ctx, *rec, actorID, s.now())
	if err != nil {
		return nil, false, err
	}
	updated, err := s.store.GetRecord(ctx, rec.ID)
	if err != nil {
		return nil, false, err
	}
	return updated, changed, nil
}

// FindByConversationID returns nil, nil when the conversation has no record.
func (s *Service) FindByConversationID(ctx context.Context, conversationID string) (*models.Record, error) {
	if conversationID == "" {
		return nil, models.ErrEmptyConversationID
	}
	return s.store.GetRecordByConversationID(ctx, conversationID)
}

// CreateSetting assigns an ID and timestamps and stores the setting.
func (s *Service) CreateSetting(ctx context.Context, setting models.Setting) (*models.Setting, error) {
	setting.NormalizeTeamIDs()
	if err := setting.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	setting.ID = s.newID()
	setting.CreatedAt = now
	setting.UpdatedAt = now
	if err := s.store.CreateSetting(ctx, setting); err != nil {
		return nil, err
	}
	return &setting, nil
}

// GetSetting returns models.ErrSettingNotFound when the setting does not exist
// or belongs to another workspace.
func (s *Service) GetSetting(ctx context.Context, workspaceID, id string) (*models.Setting, error) {
	setting, err := s.store.GetSetting(ctx, id)
	if err != nil {
		return nil, err
	}
	if setting.WorkspaceID != workspaceID {
		return nil, models.ErrSettingNotFound
	}
	return setting, nil
}

// UpdateSetting replaces the setting's name, stages and team allow-list.
// Existing records pick up the new values on their next evaluation.
func (s *Service) UpdateSetting(ctx context.Context, workspaceID, id string, update models.Setting) (*models.Setting, error) {
	existing, err := s.GetSetting(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	update.ID = existing.ID
	update.WorkspaceID = existing.WorkspaceID
	update.CreatedAt = existing.CreatedAt
	update.UpdatedAt = s.now()
	update.NormalizeTeamIDs()
	if err := update.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSetting(ctx, update); err != nil {
		return nil, err
	}
	return &update, nil
}

// DeleteSetting returns models.ErrSettingInUse while active records reference it.
func (s *Service) DeleteSetting(ctx context.Context, workspaceID, id string) error {
	if _, err := s.GetSetting(ctx, workspaceID, id); err != nil {
		return err
	}
	return s.store.DeleteSetting(ctx, id)
}

// ListSettings lists the workspace's settings, restricted to those teamID may
// use when teamID is non-empty.
func (s *Service) ListSettings(ctx context.Context, workspaceID, teamID string) ([]models.Setting, error) {
	if strings.TrimSpace(workspaceID) == "" {
		return nil, models.ErrEmptyWorkspaceID
	}
	return s.store.ListSettings(ctx, workspaceID, teamID)
}

// GetFunnelAnalytics returns the funnel counts for the query.
func (s *Service) GetFunnelAnalytics(ctx context.Context, q models.FunnelQuery) (models.FunnelCounts, error) {
	return s.analytics.Counts(ctx, q)
}

// IsNotFound reports whether err means the addressed entity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrSettingNotFound) || errors.Is(err, models.ErrRecordNotFound)
}
