package reengagement

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/smtre/internal/models"
	"github.com/BTreeMap/smtre/internal/store"
)

// FunnelAnalytics counts records by the furthest stage reached before the
// conversation was closed.
type FunnelAnalytics struct {
	records store.RecordStore
}

func NewFunnelAnalytics(records store.RecordStore) *FunnelAnalytics {
	return &FunnelAnalytics{records: records}
}

func flag(b bool) *bool { return &b }

// Counts runs the five counts over the same workspace and date window. Any
// failing count fails the whole call.
func (a *FunnelAnalytics) Counts(ctx context.Context, q models.FunnelQuery) (models.FunnelCounts, error) {
	if err := q.Validate(); err != nil {
		return models.FunnelCounts{}, err
	}
	base := models.RecordFilter{
		WorkspaceID: q.WorkspaceID,
		CreatedFrom: q.StartDate,
		CreatedTo:   q.EndDate,
	}
	with := func(initial, automatic, finalization *bool) models.RecordFilter {
		f := base
		f.InitialSent = initial
		f.AutomaticSent = automatic
		f.FinalizationSent = finalization
		f.Stopped = flag(true)
		return f
	}

	var counts models.FunnelCounts
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		counts.CountConversation, err = a.records.CountConversations(gctx, base)
		return err
	})
	g.Go(func() (err error) {
		counts.SmtReAssumedCount, err = a.records.CountRecords(gctx, base)
		return err
	})
	g.Go(func() (err error) {
		counts.SmtReConvertedInitialMessage, err = a.records.CountRecords(gctx, with(flag(true), flag(false), flag(false)))
		return err
	})
	g.Go(func() (err error) {
		counts.SmtReConvertedAutomaticMessage, err = a.records.CountRecords(gctx, with(flag(true), flag(true), flag(false)))
		return err
	})
	g.Go(func() (err error) {
		counts.SmtReFinalized, err = a.records.CountRecords(gctx, with(flag(true), flag(true), flag(true)))
		return err
	})
	if err := g.Wait(); err != nil {
		return models.FunnelCounts{}, fmt.Errorf("funnel analytics for workspace %s: %w", q.WorkspaceID, err)
	}
	return counts, nil
}
