package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/smtre/internal/models"
)

// sqlStore implements SettingStore and RecordStore on database/sql. Queries are
// written with ? placeholders and passed through bind for the target dialect.
type sqlStore struct {
	db      *sql.DB
	dialect string
	bind    func(string) string
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.bind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.bind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.bind(query), args...)
}

func (s *sqlStore) CreateSetting(ctx context.Context, setting models.Setting) error {
	teamIDs, err := encodeTeamIDs(setting.TeamIDs)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO reengagement_settings (`+settingColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		setting.ID, setting.WorkspaceID, setting.Name,
		setting.Initial.WaitMinutes, setting.Initial.MessageText,
		setting.Automatic.WaitMinutes, setting.Automatic.MessageText,
		setting.Finalization.WaitMinutes, setting.Finalization.MessageText,
		teamIDs, setting.CreatedAt.UTC(), setting.UpdatedAt.UTC(),
	)
	if err != nil {
		slog.Error("sqlStore.CreateSetting failed", "dialect", s.dialect, "error", err, "id", setting.ID)
		return fmt.Errorf("insert setting %s: %w", setting.ID, err)
	}
	slog.Debug("sqlStore.CreateSetting succeeded", "dialect", s.dialect, "id", setting.ID, "workspaceID", setting.WorkspaceID)
	return nil
}

func (s *sqlStore) UpdateSetting(ctx context.Context, setting models.Setting) error {
	teamIDs, err := encodeTeamIDs(setting.TeamIDs)
	if err != nil {
		return err
	}
	result, err := s.exec(ctx,
		`UPDATE reengagement_settings SET name = ?,
			initial_wait_minutes = ?, initial_message_text = ?,
			automatic_wait_minutes = ?, automatic_message_text = ?,
			finalization_wait_minutes = ?, finalization_message_text = ?,
			team_ids = ?, updated_at = ?
		 WHERE id = ?`,
		setting.Name,
		setting.Initial.WaitMinutes, setting.Initial.MessageText,
		setting.Automatic.WaitMinutes, setting.Automatic.MessageText,
		setting.Finalization.WaitMinutes, setting.Finalization.MessageText,
		teamIDs, setting.UpdatedAt.UTC(), setting.ID,
	)
	if err != nil {
		slog.Error("sqlStore.UpdateSetting failed", "dialect", s.dialect, "error", err, "id", setting.ID)
		return fmt.Errorf("update setting %s: %w", setting.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update setting rows affected: %w", err)
	}
	if n == 0 {
		return models.ErrSettingNotFound
	}
	return nil
}

func (s *sqlStore) DeleteSetting(ctx context.Context, id string) error {
	// The guard and the delete run as one statement so a record created
	// concurrently cannot be orphaned between them.
	result, err := s.exec(ctx,
		`DELETE FROM reengagement_settings
		 WHERE id = ? AND NOT EXISTS (
			SELECT 1 FROM reengagement_records
			WHERE setting_id = ? AND stopped = FALSE AND finalization_sent = FALSE)`,
		id, id,
	)
	if err != nil {
		slog.Error("sqlStore.DeleteSetting failed", "dialect", s.dialect, "error", err, "id", id)
		return fmt.Errorf("delete setting %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete setting rows affected: %w", err)
	}
	if n > 0 {
		slog.Debug("sqlStore.DeleteSetting succeeded", "dialect", s.dialect, "id", id)
		return nil
	}
	if _, err := s.GetSetting(ctx, id); err != nil {
		return err
	}
	return models.ErrSettingInUse
}

func (s *sqlStore) GetSetting(ctx context.Context, id string) (*models.Setting, error) {
	setting, err := scanSetting(s.queryRow(ctx,
		`SELECT `+settingColumns+` FROM reengagement_settings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSettingNotFound
	}
	if err != nil {
		slog.Error("sqlStore.GetSetting failed", "dialect", s.dialect, "error", err, "id", id)
		return nil, fmt.Errorf("get setting %s: %w", id, err)
	}
	return &setting, nil
}

func (s *sqlStore) ListSettings(ctx context.Context, workspaceID, teamID string) ([]models.Setting, error) {
	rows, err := s.query(ctx,
		`SELECT `+settingColumns+` FROM reengagement_settings
		 WHERE workspace_id = ? ORDER BY created_at ASC, id ASC`, workspaceID)
	if err != nil {
		slog.Error("sqlStore.ListSettings query failed", "dialect", s.dialect, "error", err, "workspaceID", workspaceID)
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var settings []models.Setting
	for rows.Next() {
		setting, err := scanSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan setting row: %w", err)
		}
		// The allow-list is a JSON column, so team scoping happens here.
		if teamID != "" && !setting.AllowsTeam(teamID) {
			continue
		}
		settings = append(settings, setting)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate setting rows: %w", err)
	}
	return settings, nil
}

func (s *sqlStore) CreateRecord(ctx context.Context, r models.Record) error {
	result, err := s.exec(ctx,
		`INSERT INTO reengagement_records (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (conversation_id) DO NOTHING`,
		r.ID, r.ConversationID, r.WorkspaceID, r.SettingID,
		r.InitialSent, r.InitialSentAt, r.AutomaticSent, r.AutomaticSentAt,
		r.FinalizationSent, r.FinalizationSentAt,
		r.Stopped, r.StoppedAt, nilIfNil(r.StoppedByActorID), r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
	if err != nil {
		slog.Error("sqlStore.CreateRecord failed", "dialect", s.dialect, "error", err, "conversationID", r.ConversationID)
		return fmt.Errorf("insert record for conversation %s: %w", r.ConversationID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert record rows affected: %w", err)
	}
	if n == 0 {
		return models.ErrRecordExists
	}
	slog.Debug("sqlStore.CreateRecord succeeded", "dialect", s.dialect, "id", r.ID, "conversationID", r.ConversationID)
	return nil
}

func (s *sqlStore) getRecordWhere(ctx context.Context, column, value string) (*models.Record, error) {
	r, err := scanRecord(s.queryRow(ctx,
		`SELECT `+recordColumns+` FROM reengagement_records WHERE `+column+` = ?`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("sqlStore.getRecordWhere failed", "dialect", s.dialect, "error", err, column, value)
		return nil, fmt.Errorf("get record by %s: %w", column, err)
	}
	return &r, nil
}

func (s *sqlStore) GetRecord(ctx context.Context, id string) (*models.Record, error) {
	return s.getRecordWhere(ctx, "id", id)
}

func (s *sqlStore) GetRecordByConversationID(ctx context.Context, conversationID string) (*models.Record, error) {
	return s.getRecordWhere(ctx, "conversation_id", conversationID)
}

func (s *sqlStore) ListActiveRecords(ctx context.Context) ([]models.Record, error) {
	where, args := filterClause(ActiveFilter())
	rows, err := s.query(ctx,
		`SELECT `+recordColumns+` FROM reengagement_records`+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		slog.Error("sqlStore.ListActiveRecords query failed", "dialect", s.dialect, "error", err)
		return nil, fmt.Errorf("list active records: %w", err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}
	return records, nil
}

func (s *sqlStore) MarkStageSent(ctx context.Context, id string, stage models.Stage, at time.Time) (bool, error) {
	col := stage.Column()
	query := `UPDATE reengagement_records SET ` + col + `_sent = TRUE, ` + col + `_sent_at = ?, updated_at = ?
		 WHERE id = ? AND stopped = FALSE AND ` + col + `_sent = FALSE`
	if prev, ok := stage.Previous(); ok {
		query += ` AND ` + prev.Column() + `_sent = TRUE`
	}
	at = at.UTC()
	result, err := s.exec(ctx, query, at, at, id)
	if err != nil {
		slog.Error("sqlStore.MarkStageSent failed", "dialect", s.dialect, "error", err, "id", id, "stage", stage)
		return false, fmt.Errorf("mark %s sent for record %s: %w", stage, id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark stage rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) MarkFinalized(ctx context.Context, id string, at time.Time) (bool, error) {
	at = at.UTC()
	result, err := s.exec(ctx,
		`UPDATE reengagement_records SET finalization_sent = TRUE, finalization_sent_at = ?, updated_at = ?
		 WHERE id = ? AND finalization_sent = FALSE AND automatic_sent = TRUE
		   AND (stopped = FALSE OR stopped_by_actor_id IS NULL)`,
		at, at, id,
	)
	if err != nil {
		slog.Error("sqlStore.MarkFinalized failed", "dialect", s.dialect, "error", err, "id", id)
		return false, fmt.Errorf("mark finalization sent for record %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark finalized rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) StopRecord(ctx context.Context, id string, actorID *string, at time.Time) (bool, error) {
	at = at.UTC()
	result, err := s.exec(ctx,
		`UPDATE reengagement_records SET stopped = TRUE, stopped_at = ?, stopped_by_actor_id = ?, updated_at = ?
		 WHERE id = ? AND stopped = FALSE`,
		at, nilIfNil(actorID), at, id,
	)
	if err != nil {
		slog.Error("sqlStore.StopRecord failed", "dialect", s.dialect, "error", err, "id", id)
		return false, fmt.Errorf("stop record %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("stop record rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) count(ctx context.Context, expr string, filter models.RecordFilter) (int64, error) {
	where, args := filterClause(filter)
	var n int64
	if err := s.queryRow(ctx, `SELECT `+expr+` FROM reengagement_records`+where, args...).Scan(&n); err != nil {
		slog.Error("sqlStore.count failed", "dialect", s.dialect, "error", err, "expr", expr)
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (s *sqlStore) CountRecords(ctx context.Context, filter models.RecordFilter) (int64, error) {
	return s.count(ctx, "COUNT(*)", filter)
}

func (s *sqlStore) CountConversations(ctx context.Context, filter models.RecordFilter) (int64, error) {
	return s.count(ctx, "COUNT(DISTINCT conversation_id)", filter)
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing database connection", "dialect", s.dialect)
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close database", "dialect", s.dialect, "error", err)
	}
	return err
}
