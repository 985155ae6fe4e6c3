package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// MaxMessageTextLength defines the maximum allowed length for a stage message
const MaxMessageTextLength = 4096

// StageDefinition configures a single stage: how long to wait and what to send.
type StageDefinition struct {
	WaitMinutes int    `json:"wait_minutes"`
	MessageText string `json:"message_text"`
}

// Wait returns the configured delay as a duration.
func (d StageDefinition) Wait() time.Duration {
	return time.Duration(d.WaitMinutes) * time.Minute
}

// Validate checks the stage definition.
func (d StageDefinition) Validate() error {
	if d.WaitMinutes <= 0 {
		return ErrInvalidWaitMinutes
	}
	if strings.TrimSpace(d.MessageText) == "" {
		return ErrEmptyMessageText
	}
	if len(d.MessageText) > MaxMessageTextLength {
		return ErrMessageTextTooLong
	}
	return nil
}

// Setting is a reusable re-engagement configuration scoped to a workspace
// and, optionally, to a set of teams.
type Setting struct {
	ID           string          `json:"id"`
	WorkspaceID  string          `json:"workspace_id"`
	Name         string          `json:"name"`
	Initial      StageDefinition `json:"initial"`
	Automatic    StageDefinition `json:"automatic"`
	Finalization StageDefinition `json:"finalization"`
	TeamIDs      []string        `json:"team_ids,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Stage returns the definition configured for stage st.
func (s Setting) Stage(st Stage) StageDefinition {
	return *fieldsFor(st).definition(&s)
}

// AllowsTeam reports whether a conversation owned by teamID may use the setting.
// An empty allow-list admits every team.
func (s Setting) AllowsTeam(teamID string) bool {
	if len(s.TeamIDs) == 0 {
		return true
	}
	return teamID != "" && slices.Contains(s.TeamIDs, teamID)
}

// Validate checks that the setting has all required fields.
func (s Setting) Validate() error {
	if strings.TrimSpace(s.WorkspaceID) == "" {
		return ErrEmptyWorkspaceID
	}
	if strings.TrimSpace(s.Name) == "" {
		return ErrEmptySettingName
	}
	for _, st := range Stages {
		if err := s.Stage(st).Validate(); err != nil {
			return fmt.Errorf("%s stage: %w", st, err)
		}
	}
	return nil
}

// NormalizeTeamIDs trims, drops empty entries and de-duplicates the allow-list
// while keeping its order.
func (s *Setting) NormalizeTeamIDs() {
	if len(s.TeamIDs) == 0 {
		s.TeamIDs = nil
		return
	}
	seen := make(map[string]struct{}, len(s.TeamIDs))
	out := make([]string, 0, len(s.TeamIDs))
	for _, id := range s.TeamIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		out = nil
	}
	s.TeamIDs = out
}
