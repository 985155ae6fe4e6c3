package models

import (
	"fmt"
	"time"
)

// Stage identifies one of the ordered outbound messages of a re-engagement sequence.
type Stage string

const (
	// StageInitial is the first nudge sent after the conversation stalls.
	StageInitial Stage = "initial"
	// StageAutomatic is the automatic follow-up sent after the initial nudge.
	StageAutomatic Stage = "automatic"
	// StageFinalization is the closing message; it also ends the conversation.
	StageFinalization Stage = "finalization"
)

// Stages lists every stage in dispatch order.
var Stages = []Stage{StageInitial, StageAutomatic, StageFinalization}

// stageFields maps a stage to the setting and record fields it reads and writes.
type stageFields struct {
	definition func(*Setting) *StageDefinition
	sent       func(*Record) *bool
	sentAt     func(*Record) **time.Time
	previous   Stage
}

var stageTable = map[Stage]stageFields{
	StageInitial: {
		definition: func(s *Setting) *StageDefinition { return &s.Initial },
		sent:       func(r *Record) *bool { return &r.InitialSent },
		sentAt:     func(r *Record) **time.Time { return &r.InitialSentAt },
	},
	StageAutomatic: {
		definition: func(s *Setting) *StageDefinition { return &s.Automatic },
		sent:       func(r *Record) *bool { return &r.AutomaticSent },
		sentAt:     func(r *Record) **time.Time { return &r.AutomaticSentAt },
		previous:   StageInitial,
	},
	StageFinalization: {
		definition: func(s *Setting) *StageDefinition { return &s.Finalization },
		sent:       func(r *Record) *bool { return &r.FinalizationSent },
		sentAt:     func(r *Record) **time.Time { return &r.FinalizationSentAt },
		previous:   StageAutomatic,
	},
}

// IsValid checks if the stage is one of the known stages.
func (s Stage) IsValid() bool {
	_, ok := stageTable[s]
	return ok
}

// Previous returns the stage that must be sent before s.
// The initial stage has no predecessor.
func (s Stage) Previous() (Stage, bool) {
	f, ok := stageTable[s]
	if !ok || f.previous == "" {
		return "", false
	}
	return f.previous, true
}

// Column returns the column prefix used to persist the stage flags,
// e.g. "initial" for initial_sent / initial_sent_at.
func (s Stage) Column() string {
	if !s.IsValid() {
		panic(fmt.Sprintf("models: unknown stage %q", string(s)))
	}
	return string(s)
}

func fieldsFor(s Stage) stageFields {
	f, ok := stageTable[s]
	if !ok {
		panic(fmt.Sprintf("models: unknown stage %q", string(s)))
	}
	return f
}
