package stream

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/audit"
	"github.com/penserai/acteon/domain"
)

func mustV7(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	return id
}

func TestReplay_ReturnsRecordsAfterLastEventID(t *testing.T) {
	store := audit.NewMemoryStore()
	ctx := context.Background()

	ids := make([]uuid.UUID, 3)
	for i := range ids {
		ids[i] = mustV7(t)
		_, err := store.Write(ctx, domain.AuditRecord{
			ID:           ids[i].String(),
			ActionID:     "a" + string(rune('1'+i)),
			Namespace:    "ns1",
			Tenant:       "acme",
			OutcomeKind:  domain.OutcomeExecuted,
			DispatchedAt: time.Now(),
			CompletedAt:  time.Now(),
		})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	events, err := Replay(ctx, store, Filter{Namespace: "ns1", Tenant: "acme"}, ids[0].String(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ids[1].String(), events[0].ID)
	assert.Equal(t, ids[2].String(), events[1].ID)
}

func TestReplay_EmptyLastEventIDReplaysNothing(t *testing.T) {
	store := audit.NewMemoryStore()
	events, err := Replay(context.Background(), store, Filter{}, "", 10)
	require.NoError(t, err)
	assert.Nil(t, events)
}

func TestReplay_MalformedLastEventIDReplaysNothing(t *testing.T) {
	store := audit.NewMemoryStore()
	events, err := Replay(context.Background(), store, Filter{}, "not-a-uuid", 10)
	require.NoError(t, err)
	assert.Nil(t, events)
}

func TestUUIDV7Time_DecodesEmbeddedTimestamp(t *testing.T) {
	id := mustV7(t)
	decoded, ok := uuidV7Time(id.String())
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), decoded, 2*time.Second)
}
