package distributed

import (
	"context"
	"testing"
	"time"

	"carebridge/internal/core/domain"
	"carebridge/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_DeliversInSubscriptionOrder(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	var got []string
	cancelA, err := bus.Subscribe(ctx, "visit:1", func(ev ports.BusEvent) { got = append(got, "a:"+ev.Name) })
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "visit:1", func(ev ports.BusEvent) { got = append(got, "b:"+ev.Name) })
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "visit:2", func(ev ports.BusEvent) { got = append(got, "other") })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "visit:1", "waiting", []byte(`{}`)))
	assert.Equal(t, []string{"a:waiting", "b:waiting"}, got)

	cancelA()
	cancelA()
	got = nil
	require.NoError(t, bus.Publish(ctx, "visit:1", "admitted", nil))
	assert.Equal(t, []string{"b:admitted"}, got)
	assert.Equal(t, 1, bus.Subscribers("visit:1"))
}

func TestMemoryBus_EventEnvelope(t *testing.T) {
	bus := NewMemoryBus()
	var ev ports.BusEvent
	_, err := bus.Subscribe(context.Background(), "t", func(e ports.BusEvent) { ev = e })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "t", "rollcall", []byte("x")))
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "t", ev.Topic)
	assert.Equal(t, "rollcall", ev.Name)
	assert.Equal(t, []byte("x"), ev.Payload)
	assert.NotZero(t, ev.Timestamp)
}

func TestMemoryBus_Closed(t *testing.T) {
	bus := NewMemoryBus()
	require.NoError(t, bus.Close())

	assert.Error(t, bus.Publish(context.Background(), "t", "n", nil))
	_, err := bus.Subscribe(context.Background(), "t", func(ports.BusEvent) {})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewMemoryBus().Publish(ctx, "t", "n", nil), context.Canceled)
}

func TestMemoryLocker(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	unlock, err := locker.TryLock(ctx, "cart:1")
	require.NoError(t, err)

	_, err = locker.TryLock(ctx, "cart:1")
	assert.ErrorIs(t, err, domain.ErrLockNotAcquired)

	other, err := locker.TryLock(ctx, "cart:2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	again, err := locker.TryLock(ctx, "cart:1")
	require.NoError(t, err)
	again()
}

func TestMemoryPresence(t *testing.T) {
	presence := NewMemoryPresence()
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	require.NoError(t, presence.Register(ctx, "chan", domain.Presence{UID: "b", Role: domain.RolePatient, JoinedAt: base.Add(time.Second)}))
	require.NoError(t, presence.Register(ctx, "chan", domain.Presence{UID: "a", Role: domain.RoleProvider, JoinedAt: base}))
	require.NoError(t, presence.Register(ctx, "chan", domain.Presence{UID: "c", Role: domain.RolePatient}))

	list, err := presence.List(ctx, "chan")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, domain.UID("a"), list[0].UID)
	assert.Equal(t, domain.UID("b"), list[1].UID)
	assert.False(t, list[2].JoinedAt.IsZero())

	require.NoError(t, presence.Unregister(ctx, "chan", "a"))
	require.NoError(t, presence.Unregister(ctx, "chan", "missing"))
	list, err = presence.List(ctx, "chan")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = presence.List(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, list)
}
