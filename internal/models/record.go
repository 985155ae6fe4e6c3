package models

import "time"

// RecordState is the derived position of a record in the re-engagement sequence.
type RecordState string

const (
	RecordStateCreated       RecordState = "CREATED"
	RecordStateInitialSent   RecordState = "INITIAL_SENT"
	RecordStateAutomaticSent RecordState = "AUTOMATIC_SENT"
	RecordStateFinalized     RecordState = "FINALIZED"
	RecordStateStopped       RecordState = "STOPPED"
)

// Record is the persisted progress of one conversation through the stages.
// ConversationID is unique across all records.
type Record struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	WorkspaceID    string `json:"workspace_id"`
	SettingID      string `json:"setting_id"`

	InitialSent        bool       `json:"initial_sent"`
	InitialSentAt      *time.Time `json:"initial_sent_at,omitempty"`
	AutomaticSent      bool       `json:"automatic_sent"`
	AutomaticSentAt    *time.Time `json:"automatic_sent_at,omitempty"`
	FinalizationSent   bool       `json:"finalization_sent"`
	FinalizationSentAt *time.Time `json:"finalization_sent_at,omitempty"`

	Stopped          bool       `json:"stopped"`
	StoppedAt        *time.Time `json:"stopped_at,omitempty"`
	StoppedByActorID *string    `json:"stopped_by_actor_id,omitempty"` // nil when stopped by the system

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// State derives the record state from its flags. Finalization wins over a
// later stop: a finalized record stays FINALIZED even once its closure is recorded.
func (r Record) State() RecordState {
	switch {
	case r.FinalizationSent:
		return RecordStateFinalized
	case r.Stopped:
		return RecordStateStopped
	case r.AutomaticSent:
		return RecordStateAutomaticSent
	case r.InitialSent:
		return RecordStateInitialSent
	default:
		return RecordStateCreated
	}
}

// IsActive reports whether the scheduler should still scan the record.
func (r Record) IsActive() bool {
	return !r.Stopped && !r.FinalizationSent
}

// StageSent reports whether stage st has been sent.
func (r Record) StageSent(st Stage) bool {
	return *fieldsFor(st).sent(&r)
}

// StageSentAt returns when stage st was sent, or nil.
func (r Record) StageSentAt(st Stage) *time.Time {
	return *fieldsFor(st).sentAt(&r)
}

// NextStage returns the first stage that has not been sent yet.
// It returns false when the record is stopped or finalized.
func (r Record) NextStage() (Stage, bool) {
	if !r.IsActive() {
		return "", false
	}
	for _, st := range Stages {
		if !r.StageSent(st) {
			return st, true
		}
	}
	return "", false
}

// DueAt returns when stage st becomes due under setting. The initial stage is
// anchored on CreatedAt, every later stage on its predecessor's sent time; it
// returns false while that anchor is missing.
func (r Record) DueAt(st Stage, setting Setting) (time.Time, bool) {
	anchor := r.CreatedAt
	if prev, ok := st.Previous(); ok {
		at := r.StageSentAt(prev)
		if !r.StageSent(prev) || at == nil {
			return time.Time{}, false
		}
		anchor = *at
	}
	return anchor.Add(setting.Stage(st).Wait()), true
}

// CanMarkStage reports whether stage st may be recorded as sent: the record is
// not stopped, the stage is unsent and its predecessor is sent.
func (r Record) CanMarkStage(st Stage) bool {
	if r.Stopped || r.StageSent(st) {
		return false
	}
	if prev, ok := st.Previous(); ok && !r.StageSent(prev) {
		return false
	}
	return true
}

// MarkStageSent records stage st as sent at at. It returns false and leaves
// the record untouched when CanMarkStage is false.
func (r *Record) MarkStageSent(st Stage, at time.Time) bool {
	if !r.CanMarkStage(st) {
		return false
	}
	f := fieldsFor(st)
	*f.sent(r) = true
	t := at
	*f.sentAt(r) = &t
	r.UpdatedAt = at
	return true
}

// CanMarkFinalized reports whether finalization may be recorded after the
// conversation was closed by its own finalization message: automatic is sent,
// finalization is not, and any stop on the record was a system stop.
func (r Record) CanMarkFinalized() bool {
	if !r.AutomaticSent || r.FinalizationSent {
		return false
	}
	return !r.Stopped || r.StoppedByActorID == nil
}

// MarkFinalized records finalization as sent at at. Unlike MarkStageSent it
// accepts a system-stopped record, since the close that stopped it was caused
// by the finalization itself.
func (r *Record) MarkFinalized(at time.Time) bool {
	if !r.CanMarkFinalized() {
		return false
	}
	t := at
	r.FinalizationSent = true
	r.FinalizationSentAt = &t
	r.UpdatedAt = at
	return true
}

// MarkStopped records the stop. It returns false when the record was already stopped.
func (r *Record) MarkStopped(actorID *string, at time.Time) bool {
	if r.Stopped {
		return false
	}
	t := at
	r.Stopped = true
	r.StoppedAt = &t
	if actorID != nil {
		a := *actorID
		r.StoppedByActorID = &a
	}
	r.UpdatedAt = at
	return true
}
