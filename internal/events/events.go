// Package events observes successful writes. Every mutation the executor
// applies produces one Event carrying the affected model, the primary keys
// it touched and the namespace derived from the request, so downstream
// consumers can decide whether a previously computed result could be stale.
// Emission is strictly after the fact: a sink failure is logged and never
// fails the mutation that produced the event.
package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/scopeq/scopeq/internal/namespace"
	"github.com/scopeq/scopeq/pkg/id"
	"github.com/scopeq/scopeq/pkg/logger"
	"github.com/scopeq/scopeq/pkg/storage"
)

// Action is the mutation class an event reports.
type Action string

const (
	ActionCreated     Action = "created"
	ActionBulkCreated Action = "bulk_created"
	ActionUpdated     Action = "updated"
	ActionDeleted     Action = "deleted"
)

// Event is one observed write.
type Event struct {
	// ID is a ULID assigned at emission time; it orders events.
	ID string

	Model  string
	Action Action

	// PKs are the primary keys of the affected rows. Deletes report the keys
	// the rows had before removal.
	PKs []any

	// Namespace is the reduced equality view of the request that produced
	// the write.
	Namespace namespace.Namespace

	Actor     string
	RequestID string
	At        time.Time
}

// Sink receives emitted events.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger logger.Logger
}

// NewLogSink returns a sink logging through l.
func NewLogSink(l logger.Logger) *LogSink {
	return &LogSink{logger: l}
}

// Publish see [Sink.Publish].
func (s *LogSink) Publish(ctx context.Context, event Event) error {
	s.logger.InfoWithContext(ctx, "write observed",
		zap.String("event_id", event.ID),
		zap.String("model", event.Model),
		zap.String("action", string(event.Action)),
		zap.Int("rows", len(event.PKs)),
		zap.String("namespace", event.Namespace.Encode()),
		zap.String("actor", event.Actor),
	)
	return nil
}

// StoreSink persists events to the datastore's event log.
type StoreSink struct {
	store storage.EventLogBackend
}

// NewStoreSink returns a sink appending to the given event log.
func NewStoreSink(store storage.EventLogBackend) *StoreSink {
	return &StoreSink{store: store}
}

type eventPayload struct {
	PKs []any `json:"pks"`
}

// Publish see [Sink.Publish].
func (s *StoreSink) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(eventPayload{PKs: event.PKs})
	if err != nil {
		return err
	}

	return s.store.AppendEvent(ctx, storage.EventRecord{
		ID:         event.ID,
		Namespace:  event.Namespace.Encode(),
		Model:      event.Model,
		Operation:  string(event.Action),
		Actor:      event.Actor,
		RequestID:  event.RequestID,
		Payload:    payload,
		InsertedAt: event.At,
	})
}

// Emitter fans one event out to every configured sink.
type Emitter struct {
	sinks  []Sink
	logger logger.Logger
}

// NewEmitter returns an emitter over the given sinks. A nil or empty sink
// list yields an emitter that drops every event.
func NewEmitter(l logger.Logger, sinks ...Sink) *Emitter {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	return &Emitter{sinks: sinks, logger: l}
}

// Emit assigns the event its ID and timestamp and publishes it to every
// sink. Publish failures are logged; the write that produced the event has
// already happened and must not be failed retroactively.
func (e *Emitter) Emit(ctx context.Context, event Event) {
	if len(e.sinks) == 0 {
		return
	}

	event.At = time.Now().UTC()
	eventID, err := id.NewStringFromTime(event.At)
	if err != nil {
		e.logger.ErrorWithContext(ctx, "failed to assign event id", zap.Error(err))
		return
	}
	event.ID = eventID

	for _, sink := range e.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			e.logger.ErrorWithContext(ctx, "failed to publish write event",
				zap.String("event_id", event.ID),
				zap.String("model", event.Model),
				zap.Error(err),
			)
		}
	}
}
