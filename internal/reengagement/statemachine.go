// Package reengagement drives conversations through the timed re-engagement
// stages and exposes the operations other subsystems call.
package reengagement

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BTreeMap/smtre/internal/conversation"
	"github.com/BTreeMap/smtre/internal/logger"
	"github.com/BTreeMap/smtre/internal/models"
	"github.com/BTreeMap/smtre/internal/store"
)

const tracerName = "github.com/BTreeMap/smtre/internal/reengagement"

// Outcome describes what a single evaluation did.
type Outcome string

const (
	// OutcomeInactive means the record is stopped or finalized.
	OutcomeInactive Outcome = "inactive"
	// OutcomeNotDue means the next stage's wait has not elapsed.
	OutcomeNotDue Outcome = "not_due"
	// OutcomeAdvanced means a stage was dispatched and persisted.
	OutcomeAdvanced Outcome = "advanced"
	// OutcomeConflict means a stage was dispatched but the conditional write
	// lost to a concurrent stop or evaluation.
	OutcomeConflict Outcome = "conflict"
	// OutcomeStopped means the conversation was already closed and the record
	// was stopped instead of messaged.
	OutcomeStopped Outcome = "stopped"
)

// Result is returned by Evaluate.
type Result struct {
	Outcome Outcome
	Stage   models.Stage // set unless Outcome is OutcomeInactive
	DueAt   time.Time
}

// stageEffects lists the conversation side effects that follow a stage's message.
type stageEffects struct {
	tags  []string
	close bool
}

var effectsTable = map[models.Stage]stageEffects{
	models.StageInitial:      {tags: []string{conversation.TagAssumed}},
	models.StageAutomatic:    {},
	models.StageFinalization: {tags: []string{conversation.TagFinalized}, close: true},
}

// StateMachine decides whether a record's next stage is due and dispatches it.
type StateMachine struct {
	gateway conversation.Gateway
	records store.RecordStore
	system  conversation.Member
	tracer  trace.Tracer
}

// NewStateMachine creates a state machine that posts as system.
func NewStateMachine(gateway conversation.Gateway, records store.RecordStore, system conversation.Member) *StateMachine {
	return &StateMachine{
		gateway: gateway,
		records: records,
		system:  system,
		tracer:  otel.Tracer(tracerName),
	}
}

// Evaluate advances rec by at most one stage. Messages are dispatched before
// the stage flag is persisted, so a failure in between leads to a resend on
// the next evaluation.
func (sm *StateMachine) Evaluate(ctx context.Context, rec models.Record, setting models.Setting, now time.Time) (Result, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		WorkspaceID:    rec.WorkspaceID,
		ConversationID: rec.ConversationID,
		RecordID:       rec.ID,
	})

	st, ok := rec.NextStage()
	if !ok {
		return Result{Outcome: OutcomeInactive}, nil
	}
	dueAt, ok := rec.DueAt(st, setting)
	if !ok {
		return Result{Outcome: OutcomeInactive}, nil
	}
	if now.Before(dueAt) {
		return Result{Outcome: OutcomeNotDue, Stage: st, DueAt: dueAt}, nil
	}

	ctx, span := sm.tracer.Start(ctx, "reengagement.evaluate", trace.WithAttributes(
		attribute.String("smtre.record_id", rec.ID),
		attribute.String("smtre.conversation_id", rec.ConversationID),
		attribute.String("smtre.stage", string(st)),
	))
	defer span.End()

	result, err := sm.dispatch(ctx, rec, setting, st, now)
	result.DueAt = dueAt
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetAttributes(attribute.String("smtre.outcome", string(result.Outcome)))
	return result, nil
}

func (sm *StateMachine) dispatch(ctx context.Context, rec models.Record, setting models.Setting, st models.Stage, now time.Time) (Result, error) {
	result := Result{Stage: st}

	conv, err := sm.gateway.GetConversation(ctx, rec.ConversationID)
	if err != nil {
		return result, fmt.Errorf("load conversation %s: %w", rec.ConversationID, err)
	}
	if conv.Closed {
		if st == models.StageFinalization && slices.Contains(conv.Tags, conversation.TagFinalized) {
			// An earlier evaluation delivered finalization but did not persist it.
			return sm.recordFinalization(ctx, rec, now)
		}
		slog.InfoContext(ctx, "StateMachine.Evaluate: conversation already closed, stopping record", "stage", st)
		if _, err := sm.Stop(ctx, rec, nil, now); err != nil {
			return result, err
		}
		result.Outcome = OutcomeStopped
		return result, nil
	}

	if !conv.HasMember(sm.system.Identity) {
		if err := sm.gateway.AddMember(ctx, conv.ID, sm.system); err != nil {
			return result, fmt.Errorf("add system member: %w", err)
		}
	}

	if err := sm.gateway.SendMessage(ctx, conv, setting.Stage(st).MessageText, sm.system); err != nil {
		return result, fmt.Errorf("send %s message: %w", st, err)
	}

	effects := effectsTable[st]
	if len(effects.tags) > 0 {
		if err := sm.gateway.AddTags(ctx, conv.ID, effects.tags...); err != nil {
			return result, fmt.Errorf("tag %s stage: %w", st, err)
		}
	}
	if effects.close {
		if err := sm.gateway.CloseConversation(ctx, conv.ID, sm.system, conversation.CloseReasonFinalized); err != nil {
			return result, fmt.Errorf("close conversation: %w", err)
		}
	}

	if st == models.StageFinalization {
		// Our own close may already have stopped the record through the
		// listener, so finalization uses the write that tolerates system stops.
		return sm.recordFinalization(ctx, rec, now)
	}

	persisted, err := sm.records.MarkStageSent(ctx, rec.ID, st, now)
	if err != nil {
		return result, fmt.Errorf("persist %s stage: %w", st, err)
	}
	if !persisted {
		slog.WarnContext(ctx, "StateMachine.Evaluate: stage dispatched but record changed concurrently", "stage", st)
		result.Outcome = OutcomeConflict
		return result, nil
	}

	slog.InfoContext(ctx, "StateMachine.Evaluate: stage sent", "stage", st, "settingID", setting.ID)
	result.Outcome = OutcomeAdvanced
	return result, nil
}

func (sm *StateMachine) recordFinalization(ctx context.Context, rec models.Record, now time.Time) (Result, error) {
	result := Result{Stage: models.StageFinalization}
	persisted, err := sm.records.MarkFinalized(ctx, rec.ID, now)
	if err != nil {
		return result, fmt.Errorf("persist %s stage: %w", models.StageFinalization, err)
	}
	if !persisted {
		slog.WarnContext(ctx, "StateMachine.Evaluate: finalization dispatched but record changed concurrently")
		result.Outcome = OutcomeConflict
		return result, nil
	}
	slog.InfoContext(ctx, "StateMachine.Evaluate: stage sent", "stage", models.StageFinalization, "settingID", rec.SettingID)
	result.Outcome = OutcomeAdvanced
	return result, nil
}

// Stop marks rec stopped. actorID is nil for system stops. It reports whether
// this call changed the record; stopping an already stopped record is a no-op.
func (sm *StateMachine) Stop(ctx context.Context, rec models.Record, actorID *string, now time.Time) (bool, error) {
	ctx, span := sm.tracer.Start(ctx, "reengagement.stop", trace.WithAttributes(
		attribute.String("smtre.record_id", rec.ID),
		attribute.String("smtre.conversation_id", rec.ConversationID),
		attribute.Bool("smtre.system_stop", actorID == nil),
	))
	defer span.End()

	changed := false
	if !rec.Stopped {
		var err error
		changed, err = sm.records.StopRecord(ctx, rec.ID, actorID, now)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return false, fmt.Errorf("stop record %s: %w", rec.ID, err)
		}
		if changed {
			slog.InfoContext(ctx, "StateMachine.Stop: record stopped", "recordID", rec.ID, "state", rec.State())
		}
	}

	if actorID == nil && rec.CanMarkFinalized() {
		if err := sm.reconcileFinalization(ctx, rec, now); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return changed, err
		}
	}
	return changed, nil
}

// reconcileFinalization records finalization for a record the system stopped
// after its finalization message closed the conversation but before the stage
// flag was written.
func (sm *StateMachine) reconcileFinalization(ctx context.Context, rec models.Record, now time.Time) error {
	conv, err := sm.gateway.GetConversation(ctx, rec.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", rec.ConversationID, err)
	}
	if !conv.Closed || !slices.Contains(conv.Tags, conversation.TagFinalized) {
		return nil
	}
	persisted, err := sm.records.MarkFinalized(ctx, rec.ID, now)
	if err != nil {
		return fmt.Errorf("persist %s stage: %w", models.StageFinalization, err)
	}
	if persisted {
		slog.InfoContext(ctx, "StateMachine.Stop: finalization recorded on system stop", "recordID", rec.ID)
	}
	return nil
}
