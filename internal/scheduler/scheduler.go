// Package scheduler runs the periodic re-engagement scan.
//
// Every tick lists the active records, resolves each record's setting as it
// is stored at that moment and asks the state machine to evaluate the record.
// A failure on one record never aborts the rest of the tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/smtre/internal/logger"
	"github.com/BTreeMap/smtre/internal/models"
	"github.com/BTreeMap/smtre/internal/reengagement"
	"github.com/BTreeMap/smtre/internal/rungate"
)

// DefaultSpec runs a tick every minute.
const DefaultSpec = "@every 1m"

// ErrTickInProgress is returned by Tick when another tick is still running.
var ErrTickInProgress = errors.New("scheduler tick already in progress")

// Source is the read side of the store used by a tick.
type Source interface {
	ListActiveRecords(ctx context.Context) ([]models.Record, error)
	GetSetting(ctx context.Context, id string) (*models.Setting, error)
}

// Evaluator advances a single record.
type Evaluator interface {
	Evaluate(ctx context.Context, rec models.Record, setting models.Setting, now time.Time) (reengagement.Result, error)
}

// TickReport summarizes one tick.
type TickReport struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	GateClosed bool          `json:"gate_closed"`
	Scanned    int           `json:"scanned"`
	Advanced   int           `json:"advanced"`
	NotDue     int           `json:"not_due"`
	Stopped    int           `json:"stopped"`
	Conflicts  int           `json:"conflicts"`
	Skipped    int           `json:"skipped"` // records whose setting no longer exists
	Failed     int           `json:"failed"`
	// GateLost is set when the gate was lost mid-tick; Deferred records were
	// left for the next tick.
	GateLost bool `json:"gate_lost"`
	Deferred int  `json:"deferred"`
}

func (r *TickReport) add(res reengagement.Result) {
	switch res.Outcome {
	case reengagement.OutcomeAdvanced:
		r.Advanced++
	case reengagement.OutcomeNotDue:
		r.NotDue++
	case reengagement.OutcomeStopped:
		r.Stopped++
	case reengagement.OutcomeConflict:
		r.Conflicts++
	}
}

// Scheduler provides the cron-driven scan loop.
type Scheduler struct {
	cron        *cron.Cron
	source      Source
	machine     Evaluator
	gate        rungate.Gate
	now         func() time.Time
	spec        string
	concurrency int
	running     atomic.Bool
	tracer      trace.Tracer
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithGate sets the run gate. The default gate always allows.
func WithGate(g rungate.Gate) Option {
	return func(s *Scheduler) { s.gate = g }
}

// WithClock overrides the time passed to the evaluator.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithSpec overrides the cron spec.
func WithSpec(spec string) Option {
	return func(s *Scheduler) { s.spec = spec }
}

// WithConcurrency bounds how many records are evaluated at once. Values
// below 1 are treated as 1.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) { s.concurrency = n }
}

// NewScheduler creates a scheduler. Call Start to begin ticking.
func NewScheduler(source Source, machine Evaluator, opts ...Option) *Scheduler {
	s := &Scheduler{
		source:      source,
		machine:     machine,
		gate:        rungate.NewStatic(true),
		now:         func() time.Time { return time.Now().UTC() },
		spec:        DefaultSpec,
		concurrency: 1,
		tracer:      otel.Tracer("github.com/BTreeMap/smtre/internal/scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}

	log := cronLogger{}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	return s
}

// Start registers the tick job and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.Tick(context.Background()); err != nil && !errors.Is(err, ErrTickInProgress) {
			slog.Error("Scheduler tick failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", s.spec, err)
	}
	s.cron.Start()
	slog.Info("Scheduler started", "spec", s.spec, "concurrency", s.concurrency)
	return nil
}

// Stop stops the cron loop and waits for a running tick to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		slog.Info("Scheduler stopped")
	case <-ctx.Done():
		slog.Warn("Scheduler stop timed out waiting for running tick")
	}
}

// Tick runs one scan. It returns ErrTickInProgress when a tick is already
// running and an error only when the active records cannot be listed.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		slog.Warn("Scheduler.Tick: previous tick still running, skipping")
		return TickReport{}, ErrTickInProgress
	}
	defer s.running.Store(false)

	now := s.now()
	report := TickReport{StartedAt: now}
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "smtre.scheduler"})

	if !s.gate.Allowed(ctx) {
		report.GateClosed = true
		slog.DebugContext(ctx, "Scheduler.Tick: run gate closed")
		return report, nil
	}

	var lost <-chan struct{}
	if holder, ok := s.gate.(rungate.Holder); ok {
		var release func()
		lost, release = holder.Hold(ctx)
		defer release()
	}

	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	records, err := s.source.ListActiveRecords(ctx)
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("list active records: %w", err)
	}
	report.Scanned = len(records)

	settings := newSettingCache(s.source)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, rec := range records {
		g.Go(func() error {
			if closed(lost) {
				mu.Lock()
				defer mu.Unlock()
				report.GateLost = true
				report.Deferred++
				return nil
			}
			outcome := s.evaluate(gctx, settings, rec, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case outcome.skipped:
				report.Skipped++
			case outcome.err != nil:
				report.Failed++
			default:
				report.add(outcome.result)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(now)
	span.SetAttributes(
		attribute.Int("smtre.scanned", report.Scanned),
		attribute.Int("smtre.advanced", report.Advanced),
		attribute.Int("smtre.failed", report.Failed),
	)
	if report.GateLost {
		slog.WarnContext(ctx, "Scheduler.Tick: run gate lost mid-tick, remaining records deferred", "deferred", report.Deferred)
	}
	slog.InfoContext(ctx, "Scheduler.Tick: completed",
		"scanned", report.Scanned, "advanced", report.Advanced, "stopped", report.Stopped,
		"conflicts", report.Conflicts, "skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

// closed reports whether ch is closed. A nil channel never is.
func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

type recordOutcome struct {
	result  reengagement.Result
	skipped bool
	err     error
}

func (s *Scheduler) evaluate(ctx context.Context, settings *settingCache, rec models.Record, now time.Time) (out recordOutcome) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		WorkspaceID:    rec.WorkspaceID,
		ConversationID: rec.ConversationID,
		RecordID:       rec.ID,
	})
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Scheduler.Tick: panic evaluating record", "panic", r)
			out = recordOutcome{err: fmt.Errorf("panic: %v", r)}
		}
	}()

	setting, err := settings.get(ctx, rec.SettingID)
	if errors.Is(err, models.ErrSettingNotFound) {
		slog.WarnContext(ctx, "Scheduler.Tick: setting missing, skipping record", "settingID", rec.SettingID)
		return recordOutcome{skipped: true}
	}
	if err != nil {
		slog.ErrorContext(ctx, "Scheduler.Tick: failed to load setting", "settingID", rec.SettingID, "error", err)
		return recordOutcome{err: err}
	}

	res, err := s.machine.Evaluate(ctx, rec, *setting, now)
	if err != nil {
		slog.ErrorContext(ctx, "Scheduler.Tick: evaluation failed, will retry next tick", "stage", res.Stage, "error", err)
		return recordOutcome{result: res, err: err}
	}
	return recordOutcome{result: res}
}

// settingCache reads each setting at most once per tick.
type settingCache struct {
	source Source
	mu     sync.Mutex
	byID   map[string]settingEntry
}

type settingEntry struct {
	setting *models.Setting
	err     error
}

func newSettingCache(source Source) *settingCache {
	return &settingCache{source: source, byID: make(map[string]settingEntry)}
}

func (c *settingCache) get(ctx context.Context, id string) (*models.Setting, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byID[id]; ok {
		return e.setting, e.err
	}
	setting, err := c.source.GetSetting(ctx, id)
	// Transient errors are not cached so the next record retries the lookup.
	if err == nil || errors.Is(err, models.ErrSettingNotFound) {
		c.byID[id] = settingEntry{setting: setting, err: err}
	}
	return setting, err
}
