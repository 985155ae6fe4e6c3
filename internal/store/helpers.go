package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/smtre/internal/models"
)

const settingColumns = `id, workspace_id, name,
	initial_wait_minutes, initial_message_text,
	automatic_wait_minutes, automatic_message_text,
	finalization_wait_minutes, finalization_message_text,
	team_ids, created_at, updated_at`

const recordColumns = `id, conversation_id, workspace_id, setting_id,
	initial_sent, initial_sent_at, automatic_sent, automatic_sent_at,
	finalization_sent, finalization_sent_at,
	stopped, stopped_at, stopped_by_actor_id, created_at, updated_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfNil dereferences a nullable string for use as a query argument.
func nilIfNil(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func encodeTeamIDs(ids []string) (interface{}, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("marshal team ids: %w", err)
	}
	return string(b), nil
}

func decodeTeamIDs(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw.String), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal team ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// scanSetting scans a Setting selected with settingColumns.
func scanSetting(row rowScanner) (models.Setting, error) {
	var s models.Setting
	var teamIDs sql.NullString
	err := row.Scan(
		&s.ID, &s.WorkspaceID, &s.Name,
		&s.Initial.WaitMinutes, &s.Initial.MessageText,
		&s.Automatic.WaitMinutes, &s.Automatic.MessageText,
		&s.Finalization.WaitMinutes, &s.Finalization.MessageText,
		&teamIDs, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return s, err
	}
	if s.TeamIDs, err = decodeTeamIDs(teamIDs); err != nil {
		return s, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

// scanRecord scans a Record selected with recordColumns.
func scanRecord(row rowScanner) (models.Record, error) {
	var r models.Record
	var initialAt, automaticAt, finalizationAt, stoppedAt sql.NullTime
	var actor sql.NullString
	err := row.Scan(
		&r.ID, &r.ConversationID, &r.WorkspaceID, &r.SettingID,
		&r.InitialSent, &initialAt, &r.AutomaticSent, &automaticAt,
		&r.FinalizationSent, &finalizationAt,
		&r.Stopped, &stoppedAt, &actor, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return r, err
	}
	r.InitialSentAt = timePtr(initialAt)
	r.AutomaticSentAt = timePtr(automaticAt)
	r.FinalizationSentAt = timePtr(finalizationAt)
	r.StoppedAt = timePtr(stoppedAt)
	if actor.Valid {
		r.StoppedByActorID = &actor.String
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

// filterClause renders a RecordFilter as a WHERE clause with ? placeholders.
func filterClause(f models.RecordFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if f.WorkspaceID != "" {
		conds = append(conds, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if f.CreatedFrom != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.CreatedFrom.UTC())
	}
	if f.CreatedTo != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.CreatedTo.UTC())
	}
	for _, c := range []struct {
		column string
		value  *bool
	}{
		{"initial_sent", f.InitialSent},
		{"automatic_sent", f.AutomaticSent},
		{"finalization_sent", f.FinalizationSent},
		{"stopped", f.Stopped},
	} {
		if c.value == nil {
			continue
		}
		if *c.value {
			conds = append(conds, c.column+" = TRUE")
		} else {
			conds = append(conds, c.column+" = FALSE")
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// rebindDollar rewrites ? placeholders into PostgreSQL's $1, $2, ... form.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
