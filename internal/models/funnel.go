package models

import "time"

// FunnelQuery selects the records of a workspace, optionally bounded by
// record creation time (inclusive on both ends).
type FunnelQuery struct {
	WorkspaceID string     `json:"workspace_id"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
}

// Validate checks the query.
func (q FunnelQuery) Validate() error {
	if q.WorkspaceID == "" {
		return ErrEmptyWorkspaceID
	}
	if q.StartDate != nil && q.EndDate != nil && q.StartDate.After(*q.EndDate) {
		return ErrInvalidDateRange
	}
	return nil
}

// FunnelCounts aggregates records by the furthest stage reached.
type FunnelCounts struct {
	CountConversation              int64 `json:"countConversation"`
	SmtReAssumedCount              int64 `json:"smtReAssumedCount"`
	SmtReConvertedInitialMessage   int64 `json:"smtReConvertedInitialMessage"`
	SmtReConvertedAutomaticMessage int64 `json:"smtReConvertedAutomaticMessage"`
	SmtReFinalized                 int64 `json:"smtReFinalized"`
}

// RecordFilter narrows a count over reengagement records. Nil fields are not filtered.
type RecordFilter struct {
	WorkspaceID      string
	CreatedFrom      *time.Time
	CreatedTo        *time.Time
	InitialSent      *bool
	AutomaticSent    *bool
	FinalizationSent *bool
	Stopped          *bool
}

// Matches reports whether r satisfies the filter.
func (f RecordFilter) Matches(r Record) bool {
	if f.WorkspaceID != "" && r.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.CreatedFrom != nil && r.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && r.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	for _, c := range []struct {
		want *bool
		got  bool
	}{
		{f.InitialSent, r.InitialSent},
		{f.AutomaticSent, r.AutomaticSent},
		{f.FinalizationSent, r.FinalizationSent},
		{f.Stopped, r.Stopped},
	} {
		if c.want != nil && *c.want != c.got {
			return false
		}
	}
	return true
}
