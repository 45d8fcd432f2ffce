package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scopeq/scopeq/internal/namespace"
	"github.com/scopeq/scopeq/pkg/logger"
	"github.com/scopeq/scopeq/pkg/storage"
)

type capturingSink struct {
	events []Event
	err    error
}

func (s *capturingSink) Publish(_ context.Context, event Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func TestEmitAssignsIDAndTimestamp(t *testing.T) {
	sink := &capturingSink{}
	emitter := NewEmitter(logger.NewNoopLogger(), sink)

	emitter.Emit(context.Background(), Event{
		Model:  "app.Book",
		Action: ActionCreated,
		PKs:    []any{int64(1)},
	})

	require.Len(t, sink.events, 1)
	got := sink.events[0]
	require.NotEmpty(t, got.ID)
	require.False(t, got.At.IsZero())
	require.Equal(t, "app.Book", got.Model)
	require.Equal(t, ActionCreated, got.Action)
}

func TestEmitOrdersEventsByID(t *testing.T) {
	sink := &capturingSink{}
	emitter := NewEmitter(logger.NewNoopLogger(), sink)

	for i := 0; i < 5; i++ {
		emitter.Emit(context.Background(), Event{Model: "app.Book", Action: ActionUpdated})
	}

	require.Len(t, sink.events, 5)
	for i := 1; i < len(sink.events); i++ {
		require.Less(t, sink.events[i-1].ID, sink.events[i].ID)
	}
}

func TestEmitSinkFailureDoesNotStopOtherSinks(t *testing.T) {
	failing := &capturingSink{err: errors.New("sink down")}
	healthy := &capturingSink{}
	emitter := NewEmitter(logger.NewNoopLogger(), failing, healthy)

	emitter.Emit(context.Background(), Event{Model: "app.Book", Action: ActionDeleted})

	require.Len(t, healthy.events, 1)
}

type recordingLog struct {
	records []storage.EventRecord
}

func (l *recordingLog) AppendEvent(_ context.Context, record storage.EventRecord) error {
	l.records = append(l.records, record)
	return nil
}

func (l *recordingLog) ReadEvents(context.Context, storage.EventFilter) ([]storage.EventRecord, string, error) {
	return nil, "", nil
}

func TestStoreSinkPersistsNamespaceAndPKs(t *testing.T) {
	log := &recordingLog{}
	emitter := NewEmitter(logger.NewNoopLogger(), NewStoreSink(log))

	emitter.Emit(context.Background(), Event{
		Model:     "app.Book",
		Action:    ActionUpdated,
		PKs:       []any{int64(7), int64(9)},
		Namespace: namespace.Namespace{"status": "published"},
		Actor:     "user:anne",
		RequestID: "req-1",
	})

	require.Len(t, log.records, 1)
	record := log.records[0]
	require.Equal(t, "app.Book", record.Model)
	require.Equal(t, "updated", record.Operation)
	require.Equal(t, `{"status":"published"}`, record.Namespace)
	require.Equal(t, "user:anne", record.Actor)
	require.Equal(t, "req-1", record.RequestID)
	require.JSONEq(t, `{"pks":[7,9]}`, string(record.Payload))
}
