// Package listener consumes "conversation closed" events and stops the
// matching re-engagement records.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/smtre/internal/logger"
	"github.com/BTreeMap/smtre/internal/models"
)

// ClosedEvent reports that a conversation was closed. A nil ActorID means the
// system closed it.
type ClosedEvent struct {
	ConversationID string
	ActorID        *string
	ClosedAt       time.Time
}

// Delivery is an event as read from a source, with the handle used to ack it.
type Delivery struct {
	ID    string
	Event ClosedEvent
	// Attempt counts how often the event has been handled, starting at 1.
	Attempt int
	// Err is set when the payload could not be parsed; such deliveries are
	// acked and dropped.
	Err error
}

// EventSource is an at-least-once stream of closed events. Unacked deliveries
// are redelivered after a restart.
type EventSource interface {
	Read(ctx context.Context) ([]Delivery, error)
	Ack(ctx context.Context, id string) error
	// Requeue acks d and enqueues it again with its attempt incremented.
	Requeue(ctx context.Context, d Delivery, errMsg string) error
	// DeadLetter acks d and parks it where it is no longer retried.
	DeadLetter(ctx context.Context, d Delivery, errMsg string) error
}

// Stopper stops the record of a conversation. A missing record is not an error.
type Stopper interface {
	Stop(ctx context.Context, conversationID string, actorID *string) (*models.Record, bool, error)
}

// Listener drives an EventSource into a Stopper.
type Listener struct {
	source       EventSource
	stopper      Stopper
	retryBackoff time.Duration
	maxAttempts  int
}

// Option configures a Listener.
type Option func(*Listener)

// WithRetryBackoff sets the pause after a failed read.
func WithRetryBackoff(d time.Duration) Option {
	return func(l *Listener) { l.retryBackoff = d }
}

// WithMaxAttempts sets how often a failing event is handled before it is dead-lettered.
func WithMaxAttempts(n int) Option {
	return func(l *Listener) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

func New(source EventSource, stopper Stopper, opts ...Option) *Listener {
	l := &Listener{source: source, stopper: stopper, retryBackoff: time.Second, maxAttempts: 5}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run consumes events until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "smtre.listener"})
	slog.InfoContext(ctx, "Listener started")
	for {
		if ctx.Err() != nil {
			slog.InfoContext(ctx, "Listener stopped")
			return nil
		}
		deliveries, err := l.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			slog.ErrorContext(ctx, "Listener.Run: read failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(l.retryBackoff):
			}
			continue
		}
		for _, d := range deliveries {
			l.Handle(ctx, d)
		}
	}
}

// Handle processes one delivery. When stopping the record fails the delivery
// is requeued, and dead-lettered once it has used up its attempts.
func (l *Listener) Handle(ctx context.Context, d Delivery) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{ConversationID: d.Event.ConversationID})

	if d.Err != nil {
		slog.WarnContext(ctx, "Listener.Handle: dropping malformed event", "deliveryID", d.ID, "error", d.Err)
		l.ack(ctx, d.ID)
		return
	}

	rec, changed, err := l.stopper.Stop(ctx, d.Event.ConversationID, d.Event.ActorID)
	if err != nil {
		if errors.Is(err, models.ErrEmptyConversationID) {
			slog.WarnContext(ctx, "Listener.Handle: dropping event without conversation id", "deliveryID", d.ID)
			l.ack(ctx, d.ID)
			return
		}
		l.handleFailed(ctx, d, err)
		return
	}
	switch {
	case rec == nil:
		slog.DebugContext(ctx, "Listener.Handle: no re-engagement record for conversation")
	case changed:
		slog.InfoContext(ctx, "Listener.Handle: record stopped", "recordID", rec.ID, "state", rec.State())
	default:
		slog.DebugContext(ctx, "Listener.Handle: record already stopped", "recordID", rec.ID)
	}
	l.ack(ctx, d.ID)
}

func (l *Listener) handleFailed(ctx context.Context, d Delivery, err error) {
	if d.Attempt >= l.maxAttempts {
		slog.ErrorContext(ctx, "Listener.Handle: max attempts reached, dead-lettering event", "deliveryID", d.ID, "attempts", d.Attempt, "error", err)
		if dlqErr := l.source.DeadLetter(ctx, d, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "Listener.Handle: dead-letter failed, event stays pending", "deliveryID", d.ID, "error", dlqErr)
		}
		return
	}
	slog.WarnContext(ctx, "Listener.Handle: stop failed, requeuing event", "deliveryID", d.ID, "attempt", d.Attempt, "error", err)
	if requeueErr := l.source.Requeue(ctx, d, err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "Listener.Handle: requeue failed, event stays pending", "deliveryID", d.ID, "error", requeueErr)
	}
}

func (l *Listener) ack(ctx context.Context, id string) {
	if err := l.source.Ack(ctx, id); err != nil {
		slog.ErrorContext(ctx, "Listener: ack failed", "deliveryID", id, "error", fmt.Errorf("ack %s: %w", id, err))
	}
}
