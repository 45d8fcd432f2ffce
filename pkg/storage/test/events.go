package test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/scopeq/scopeq/pkg/storage"
)

// EventLogTest covers the append/read contract of the mutation event log:
// ULID ordering, continuation tokens, filters and collision detection.
func EventLogTest(t *testing.T, ds storage.Datastore) {
	ctx := context.Background()

	seeds := []struct {
		namespace string
		model     string
		operation string
	}{
		{"app", "app.Book", "create"},
		{"app", "app.Book", "update"},
		{"ext", "ext.Thing", "create"},
		{"app", "app.Book", "update"},
		{"app", "app.Book", "delete"},
	}

	ids := make([]string, 0, len(seeds))
	for i, seed := range seeds {
		record := storage.EventRecord{
			ID:         ulid.Make().String(),
			Namespace:  seed.namespace,
			Model:      seed.model,
			Operation:  seed.operation,
			Actor:      "user:amy",
			RequestID:  ulid.Make().String(),
			Payload:    []byte(fmt.Sprintf(`{"seq": %d}`, i)),
			InsertedAt: time.Now().UTC(),
		}
		require.NoError(t, ds.AppendEvent(ctx, record))
		ids = append(ids, record.ID)
	}

	eventIDs := func(records []storage.EventRecord) []string {
		out := make([]string, 0, len(records))
		for _, record := range records {
			out = append(out, record.ID)
		}
		return out
	}

	t.Run("read_all", func(t *testing.T) {
		records, token, err := ds.ReadEvents(ctx, storage.EventFilter{
			Pagination: storage.NewPaginationOptions(0, ""),
		})
		require.NoError(t, err)
		require.Empty(t, token)
		require.Equal(t, ids, eventIDs(records))

		first := records[0]
		require.Equal(t, "app", first.Namespace)
		require.Equal(t, "app.Book", first.Model)
		require.Equal(t, "create", first.Operation)
		require.Equal(t, "user:amy", first.Actor)
		require.NotEmpty(t, first.RequestID)
		require.JSONEq(t, `{"seq": 0}`, string(first.Payload))
		require.False(t, first.InsertedAt.IsZero())
	})

	t.Run("paginated_walk", func(t *testing.T) {
		var walked []string
		token := ""
		for {
			records, next, err := ds.ReadEvents(ctx, storage.EventFilter{
				Pagination: storage.NewPaginationOptions(2, token),
			})
			require.NoError(t, err)
			require.LessOrEqual(t, len(records), 2)
			walked = append(walked, eventIDs(records)...)
			if next == "" {
				break
			}
			require.Equal(t, records[len(records)-1].ID, next)
			token = next
		}
		require.Equal(t, ids, walked)
	})

	t.Run("namespace_filter", func(t *testing.T) {
		records, token, err := ds.ReadEvents(ctx, storage.EventFilter{
			Namespace:  "ext",
			Pagination: storage.NewPaginationOptions(0, ""),
		})
		require.NoError(t, err)
		require.Empty(t, token)
		require.Equal(t, []string{ids[2]}, eventIDs(records))
	})

	t.Run("model_filter", func(t *testing.T) {
		records, token, err := ds.ReadEvents(ctx, storage.EventFilter{
			Namespace:  "app",
			Model:      "app.Book",
			Pagination: storage.NewPaginationOptions(0, ""),
		})
		require.NoError(t, err)
		require.Empty(t, token)
		require.Equal(t, []string{ids[0], ids[1], ids[3], ids[4]}, eventIDs(records))
	})

	t.Run("resume_from_token", func(t *testing.T) {
		records, token, err := ds.ReadEvents(ctx, storage.EventFilter{
			Pagination: storage.NewPaginationOptions(0, ids[2]),
		})
		require.NoError(t, err)
		require.Empty(t, token)
		require.Equal(t, ids[3:], eventIDs(records))
	})

	t.Run("duplicate_id", func(t *testing.T) {
		err := ds.AppendEvent(ctx, storage.EventRecord{
			ID:         ids[0],
			Namespace:  "app",
			Model:      "app.Book",
			Operation:  "create",
			Actor:      "user:amy",
			RequestID:  ulid.Make().String(),
			Payload:    []byte(`{}`),
			InsertedAt: time.Now().UTC(),
		})
		require.ErrorIs(t, err, storage.ErrCollision)
	})

	t.Run("invalid_token", func(t *testing.T) {
		_, _, err := ds.ReadEvents(ctx, storage.EventFilter{
			Pagination: storage.NewPaginationOptions(0, "not-a-ulid"),
		})
		require.ErrorIs(t, err, storage.ErrInvalidContinuationToken)
	})
}
