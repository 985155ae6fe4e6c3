// Package store provides storage backends for the SMT-RE scheduler.
//
// It includes an in-memory store plus SQLite and PostgreSQL stores for
// re-engagement settings and per-conversation records.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/smtre/internal/models"
)

// SettingStore persists re-engagement settings.
type SettingStore interface {
	CreateSetting(ctx context.Context, s models.Setting) error
	// UpdateSetting replaces the mutable fields of an existing setting.
	// It returns models.ErrSettingNotFound when no setting has that ID.
	UpdateSetting(ctx context.Context, s models.Setting) error
	// DeleteSetting hard-deletes a setting. It returns models.ErrSettingInUse
	// while any active record references it.
	DeleteSetting(ctx context.Context, id string) error
	// GetSetting returns models.ErrSettingNotFound when no setting has that ID.
	GetSetting(ctx context.Context, id string) (*models.Setting, error)
	// ListSettings returns the workspace's settings, oldest first. A non-empty
	// teamID keeps only the settings that team may use.
	ListSettings(ctx context.Context, workspaceID, teamID string) ([]models.Setting, error)
}

// RecordStore persists per-conversation re-engagement records.
//
// MarkStageSent, MarkFinalized and StopRecord are conditional writes: they report false
// without changing anything when the record no longer satisfies their guard.
type RecordStore interface {
	// CreateRecord returns models.ErrRecordExists when the conversation already has a record.
	CreateRecord(ctx context.Context, r models.Record) error
	// GetRecord returns nil, nil when the record does not exist.
	GetRecord(ctx context.Context, id string) (*models.Record, error)
	// GetRecordByConversationID returns nil, nil when the conversation has no record.
	GetRecordByConversationID(ctx context.Context, conversationID string) (*models.Record, error)
	// ListActiveRecords returns every record with finalization_sent = false and stopped = false.
	ListActiveRecords(ctx context.Context) ([]models.Record, error)
	// MarkStageSent sets the stage flag only if the record is not stopped, the
	// stage is unsent and its predecessor is sent.
	MarkStageSent(ctx context.Context, id string, stage models.Stage, at time.Time) (bool, error)
	// MarkFinalized sets the finalization flag only if automatic is sent,
	// finalization is unsent and the record is either not stopped or was
	// stopped by the system.
	MarkFinalized(ctx context.Context, id string, at time.Time) (bool, error)
	// StopRecord marks the record stopped only if it is not stopped yet.
	StopRecord(ctx context.Context, id string, actorID *string, at time.Time) (bool, error)
	// CountRecords counts the records matching filter.
	CountRecords(ctx context.Context, filter models.RecordFilter) (int64, error)
	// CountConversations counts the distinct conversations matching filter.
	CountConversations(ctx context.Context, filter models.RecordFilter) (int64, error)
}

// Store combines both stores with lifecycle management.
type Store interface {
	SettingStore
	RecordStore
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or keyword DSNs and
// "sqlite" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Open builds the store selected by dsn. An empty DSN yields an in-memory store.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}

func boolPtr(b bool) *bool { return &b }

// ActiveFilter is the scheduler's selection filter.
func ActiveFilter() models.RecordFilter {
	return models.RecordFilter{FinalizationSent: boolPtr(false), Stopped: boolPtr(false)}
}
