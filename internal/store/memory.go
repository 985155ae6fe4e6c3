package store

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/smtre/internal/models"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore is a mutex-guarded store used for tests and DSN-less runs.
type InMemoryStore struct {
	mu             sync.RWMutex
	settings       map[string]models.Setting
	records        map[string]models.Record
	byConversation map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		settings:       make(map[string]models.Setting),
		records:        make(map[string]models.Record),
		byConversation: make(map[string]string),
	}
}

func cloneSetting(s models.Setting) models.Setting {
	s.TeamIDs = slices.Clone(s.TeamIDs)
	return s
}

func (s *InMemoryStore) CreateSetting(_ context.Context, setting models.Setting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[setting.ID] = cloneSetting(setting)
	slog.Debug("InMemoryStore.CreateSetting", "id", setting.ID, "workspaceID", setting.WorkspaceID)
	return nil
}

func (s *InMemoryStore) UpdateSetting(_ context.Context, setting models.Setting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.settings[setting.ID]
	if !ok {
		return models.ErrSettingNotFound
	}
	setting.WorkspaceID = existing.WorkspaceID
	setting.CreatedAt = existing.CreatedAt
	s.settings[setting.ID] = cloneSetting(setting)
	return nil
}

func (s *InMemoryStore) DeleteSetting(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.settings[id]; !ok {
		return models.ErrSettingNotFound
	}
	for _, r := range s.records {
		if r.SettingID == id && r.IsActive() {
			return models.ErrSettingInUse
		}
	}
	delete(s.settings, id)
	return nil
}

func (s *InMemoryStore) GetSetting(_ context.Context, id string) (*models.Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	setting, ok := s.settings[id]
	if !ok {
		return nil, models.ErrSettingNotFound
	}
	out := cloneSetting(setting)
	return &out, nil
}

func (s *InMemoryStore) ListSettings(_ context.Context, workspaceID, teamID string) ([]models.Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Setting
	for _, setting := range s.settings {
		if setting.WorkspaceID != workspaceID {
			continue
		}
		if teamID != "" && !setting.AllowsTeam(teamID) {
			continue
		}
		out = append(out, cloneSetting(setting))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) CreateRecord(_ context.Context, r models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byConversation[r.ConversationID]; exists {
		return models.ErrRecordExists
	}
	s.records[r.ID] = r
	s.byConversation[r.ConversationID] = r.ID
	slog.Debug("InMemoryStore.CreateRecord", "id", r.ID, "conversationID", r.ConversationID)
	return nil
}

func (s *InMemoryStore) GetRecord(_ context.Context, id string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *InMemoryStore) GetRecordByConversationID(_ context.Context, conversationID string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byConversation[conversationID]
	if !ok {
		return nil, nil
	}
	r := s.records[id]
	return &r, nil
}

func (s *InMemoryStore) ListActiveRecords(_ context.Context) ([]models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	filter := ActiveFilter()
	var out []models.Record
	for _, r := range s.records {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) MarkStageSent(_ context.Context, id string, stage models.Stage, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false, nil
	}
	if !r.MarkStageSent(stage, at.UTC()) {
		return false, nil
	}
	s.records[id] = r
	return true, nil
}

func (s *InMemoryStore) MarkFinalized(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false, nil
	}
	if !r.MarkFinalized(at.UTC()) {
		return false, nil
	}
	s.records[id] = r
	return true, nil
}

func (s *InMemoryStore) StopRecord(_ context.Context, id string, actorID *string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false, nil
	}
	if !r.MarkStopped(actorID, at.UTC()) {
		return false, nil
	}
	s.records[id] = r
	return true, nil
}

func (s *InMemoryStore) CountRecords(_ context.Context, filter models.RecordFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, r := range s.records {
		if filter.Matches(r) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) CountConversations(_ context.Context, filter models.RecordFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, r := range s.records {
		if filter.Matches(r) {
			seen[r.ConversationID] = struct{}{}
		}
	}
	return int64(len(seen)), nil
}

func (s *InMemoryStore) Close() error { return nil }
