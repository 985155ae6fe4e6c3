package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream field names of a closed event.
const (
	FieldConversationID = "conversation_id"
	FieldActorID        = "actor_id"
	FieldClosedAt       = "closed_at"
	FieldAttempt        = "attempt"
	FieldLastError      = "last_error"
	FieldError          = "error"
	FieldOriginalID     = "original_id"
)

// RedisConfig configures a RedisEventSource.
type RedisConfig struct {
	Stream    string        // e.g. "smtre:conversation_closed"
	Group     string        // consumer group shared by all instances
	Consumer  string        // this instance's consumer name
	BatchSize int64         // messages per read
	Block     time.Duration // how long a read blocks waiting for messages

	DLQStream    string        // where events go after their last attempt; defaults to Stream+":dlq"
	RequeueDelay time.Duration // pause before a failed event is enqueued again
}

// RedisEventSource reads closed events from a Redis stream consumer group.
// It first walks this consumer's pending entries once, so events read but not
// acked before a restart are retried, then switches to new entries. Events
// that fail while running are retried through Requeue.
type RedisEventSource struct {
	client        redis.UniversalClient
	cfg           RedisConfig
	pendingCursor string
	pendingDone   bool
}

func NewRedisEventSource(ctx context.Context, client redis.UniversalClient, cfg RedisConfig) (*RedisEventSource, error) {
	if cfg.Stream == "" || cfg.Group == "" || cfg.Consumer == "" {
		return nil, fmt.Errorf("stream, group and consumer must be set")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = cfg.Stream + ":dlq"
	}
	s := &RedisEventSource{client: client, cfg: cfg, pendingCursor: "0"}
	if err := s.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RedisEventSource) ensureGroup(ctx context.Context) error {
	// "0" so a recreated group sees events already in the stream.
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

func (s *RedisEventSource) Read(ctx context.Context) ([]Delivery, error) {
	start := ">"
	block := s.cfg.Block
	if !s.pendingDone {
		// History reads never block; -1 omits BLOCK from the command.
		start = s.pendingCursor
		block = -1
	}
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		Streams:  []string{s.cfg.Stream, start},
		Count:    s.cfg.BatchSize,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.pendingDone = true
			return nil, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	var deliveries []Delivery
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			event, parseErr := ParseClosedEvent(msg.Values)
			deliveries = append(deliveries, Delivery{ID: msg.ID, Event: event, Attempt: parseAttempt(msg.Values), Err: parseErr})
		}
	}
	if !s.pendingDone {
		if len(deliveries) == 0 {
			s.pendingDone = true
		} else {
			s.pendingCursor = deliveries[len(deliveries)-1].ID
		}
	}
	if len(deliveries) > 0 {
		slog.DebugContext(ctx, "RedisEventSource.Read: read closed events", "count", len(deliveries), "stream", s.cfg.Stream, "pending", !s.pendingDone)
	}
	return deliveries, nil
}

func (s *RedisEventSource) Ack(ctx context.Context, id string) error {
	if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, id).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", s.cfg.Stream, err)
	}
	return nil
}

// Requeue acks d and appends it to the stream again with the next attempt
// number. Both happen in one MULTI so the event is never dropped in between.
func (s *RedisEventSource) Requeue(ctx context.Context, d Delivery, errMsg string) error {
	if s.cfg.RequeueDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.RequeueDelay):
		}
	}
	values := EventValues(d.Event)
	values[FieldAttempt] = max(d.Attempt, 1) + 1
	if errMsg != "" {
		values[FieldLastError] = errMsg
	}
	if err := s.ackAndAdd(ctx, s.cfg.Stream, d.ID, values); err != nil {
		return fmt.Errorf("requeue %s: %w", d.ID, err)
	}
	slog.InfoContext(ctx, "RedisEventSource.Requeue: event requeued for retry", "deliveryID", d.ID, "next_attempt", values[FieldAttempt], "reason", errMsg)
	return nil
}

// DeadLetter acks d and appends it to the dead-letter stream.
func (s *RedisEventSource) DeadLetter(ctx context.Context, d Delivery, errMsg string) error {
	values := EventValues(d.Event)
	values[FieldAttempt] = max(d.Attempt, 1)
	values[FieldError] = errMsg
	values[FieldOriginalID] = d.ID
	if err := s.ackAndAdd(ctx, s.cfg.DLQStream, d.ID, values); err != nil {
		return fmt.Errorf("dead-letter %s (stream=%s): %w", d.ID, s.cfg.DLQStream, err)
	}
	slog.ErrorContext(ctx, "RedisEventSource.DeadLetter: event sent to DLQ", "deliveryID", d.ID, "final_error", errMsg, "dlq_stream", s.cfg.DLQStream)
	return nil
}

func (s *RedisEventSource) ackAndAdd(ctx context.Context, stream, id string, values map[string]any) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values})
		pipe.XAck(ctx, s.cfg.Stream, s.cfg.Group, id)
		return nil
	})
	return err
}

// Publish appends a closed event to the stream.
func (s *RedisEventSource) Publish(ctx context.Context, event ClosedEvent) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.cfg.Stream,
		Values: EventValues(event),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish closed event: %w", err)
	}
	slog.InfoContext(ctx, "RedisEventSource.Publish: closed event enqueued", "conversationID", event.ConversationID, "id", id)
	return id, nil
}

// ParseClosedEvent decodes stream values. The conversation id is required;
// actor_id and closed_at (RFC 3339) are optional.
func ParseClosedEvent(values map[string]any) (ClosedEvent, error) {
	var event ClosedEvent
	raw, ok := values[FieldConversationID]
	if !ok {
		return event, fmt.Errorf("missing %s", FieldConversationID)
	}
	event.ConversationID = strings.TrimSpace(fmt.Sprint(raw))
	if event.ConversationID == "" {
		return event, fmt.Errorf("empty %s", FieldConversationID)
	}
	if raw, ok := values[FieldActorID]; ok {
		if actor := strings.TrimSpace(fmt.Sprint(raw)); actor != "" {
			event.ActorID = &actor
		}
	}
	if raw, ok := values[FieldClosedAt]; ok {
		at, err := time.Parse(time.RFC3339, fmt.Sprint(raw))
		if err != nil {
			return event, fmt.Errorf("parsing %s: %w", FieldClosedAt, err)
		}
		event.ClosedAt = at.UTC()
	}
	return event, nil
}

// parseAttempt reads the attempt counter; a missing or malformed value counts
// as the first attempt.
func parseAttempt(values map[string]any) int {
	raw, ok := values[FieldAttempt]
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// EventValues encodes an event for XADD.
func EventValues(event ClosedEvent) map[string]any {
	values := map[string]any{FieldConversationID: event.ConversationID}
	if event.ActorID != nil {
		values[FieldActorID] = *event.ActorID
	}
	if !event.ClosedAt.IsZero() {
		values[FieldClosedAt] = event.ClosedAt.UTC().Format(time.RFC3339)
	}
	return values
}
